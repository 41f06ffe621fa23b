package pac

import (
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robertkrimen/otto"
)

// builtins is the host-function surface of one evaluation. Nothing here
// touches the filesystem or network except DNS lookups through dns.
type builtins struct {
	dns  *DNSCache
	myIP string
	now  func() time.Time
}

func (b *builtins) register(vm *otto.Otto) error {
	helpers := map[string]func(otto.FunctionCall) otto.Value{
		"isPlainHostName":     pacIsPlainHostName,
		"dnsDomainIs":         pacDnsDomainIs,
		"localHostOrDomainIs": pacLocalHostOrDomainIs,
		"dnsDomainLevels":     pacDnsDomainLevels,
		"shExpMatch":          pacShExpMatch,
		"alert":               pacAlert,
		"convert_addr":        pacConvertAddr,
		"sortIpAddressList":   pacSortIpAddressList,
		"isResolvable":        b.pacIsResolvable,
		"isResolvableEx":      b.pacIsResolvable,
		"dnsResolve":          b.pacDnsResolve,
		"dnsResolveEx":        b.pacDnsResolveEx,
		"myIpAddress":         b.pacMyIpAddress,
		"myIpAddressEx":       b.pacMyIpAddress,
		"isInNet":             b.pacIsInNet,
		"isInNetEx":           b.pacIsInNetEx,
		"weekdayRange":        b.pacWeekdayRange,
		"dateRange":           b.pacDateRange,
		"timeRange":           b.pacTimeRange,
	}
	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set PAC helper '%s': %w", name, err)
		}
	}
	return nil
}

func boolValue(b bool) otto.Value {
	if b {
		return otto.TrueValue()
	}
	return otto.FalseValue()
}

func stringValue(call otto.FunctionCall, s string) otto.Value {
	v, err := call.Otto.ToValue(s)
	if err != nil {
		return otto.NullValue()
	}
	return v
}

func pacAlert(call otto.FunctionCall) otto.Value {
	message, _ := call.Argument(0).ToString()
	slog.Info("[PAC Alert]", "message", message)
	return otto.UndefinedValue()
}

func pacIsPlainHostName(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	return boolValue(!strings.Contains(host, ".") && net.ParseIP(host) == nil)
}

func pacDnsDomainIs(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	domain, _ := call.Argument(1).ToString()
	return boolValue(dnsDomainIs(host, domain))
}

func dnsDomainIs(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(domain, "."), "."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// localHostOrDomainIs is true for an exact match, or when host is unqualified
// and is the first label of hostdom.
func pacLocalHostOrDomainIs(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	hostdom, _ := call.Argument(1).ToString()
	host = strings.ToLower(host)
	hostdom = strings.ToLower(hostdom)
	if host == hostdom {
		return otto.TrueValue()
	}
	return boolValue(!strings.Contains(host, ".") && host != "" && strings.HasPrefix(hostdom, host+"."))
}

func pacDnsDomainLevels(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	host = strings.TrimSuffix(host, ".")
	levels := 0
	if host != "" && net.ParseIP(host) == nil {
		levels = strings.Count(host, ".")
	}
	v, _ := call.Otto.ToValue(levels)
	return v
}

func pacShExpMatch(call otto.FunctionCall) otto.Value {
	str, _ := call.Argument(0).ToString()
	pattern, _ := call.Argument(1).ToString()
	return boolValue(shExpMatch(str, pattern))
}

// shExpMatch matches the whole of str against a shell expression where
// '*' is any run of characters (including '/') and '?' is one character.
func shExpMatch(str, pattern string) bool {
	var expr strings.Builder
	expr.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			expr.WriteString(".*")
		case '?':
			expr.WriteString(".")
		default:
			expr.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	expr.WriteString("$")
	re, err := regexp.Compile(expr.String())
	if err != nil {
		slog.Warn("Error in PAC shExpMatch evaluation", "pattern", pattern, "error", err)
		return false
	}
	return re.MatchString(str)
}

func pacConvertAddr(call otto.FunctionCall) otto.Value {
	addr, _ := call.Argument(0).ToString()
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return otto.NullValue()
	}
	n := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	v, _ := call.Otto.ToValue(float64(n))
	return v
}

func pacSortIpAddressList(call otto.FunctionCall) otto.Value {
	list, _ := call.Argument(0).ToString()
	parts := strings.Split(list, ";")
	ips := make([]net.IP, 0, len(parts))
	for _, p := range parts {
		ip := net.ParseIP(strings.TrimSpace(p))
		if ip == nil {
			return otto.FalseValue()
		}
		ips = append(ips, ip)
	}
	sort.SliceStable(ips, func(i, j int) bool {
		a4, b4 := ips[i].To4() != nil, ips[j].To4() != nil
		if a4 != b4 {
			return !a4 // IPv6 first
		}
		return string(ips[i].To16()) < string(ips[j].To16())
	})
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return stringValue(call, strings.Join(out, ";"))
}

func (b *builtins) resolve(host string) (string, bool) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", false
	}
	if net.ParseIP(host) != nil {
		return host, true
	}
	if b.dns == nil {
		return "", false
	}
	return b.dns.Resolve(host)
}

func (b *builtins) pacDnsResolve(call otto.FunctionCall) otto.Value {
	host, err := call.Argument(0).ToString()
	if err != nil {
		return otto.NullValue()
	}
	ip, ok := b.resolve(host)
	if !ok {
		return otto.NullValue()
	}
	return stringValue(call, ip)
}

func (b *builtins) pacDnsResolveEx(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	host = strings.TrimSpace(host)
	if net.ParseIP(host) != nil {
		return stringValue(call, host)
	}
	if b.dns == nil {
		return stringValue(call, "")
	}
	return stringValue(call, strings.Join(b.dns.ResolveAll(host), ";"))
}

func (b *builtins) pacIsResolvable(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	_, ok := b.resolve(host)
	return boolValue(ok)
}

func (b *builtins) pacMyIpAddress(call otto.FunctionCall) otto.Value {
	return stringValue(call, b.myIP)
}

func (b *builtins) pacIsInNet(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	pattern, errP := call.Argument(1).ToString()
	mask, errM := call.Argument(2).ToString()
	if errP != nil || errM != nil {
		slog.Warn("PAC isInNet: failed to get pattern or mask string arguments")
		return otto.FalseValue()
	}
	ip, ok := b.resolve(host)
	if !ok {
		slog.Debug("PAC isInNet: failed to resolve host for comparison", "host", host)
		return otto.FalseValue()
	}
	return boolValue(ipIsInNet(ip, pattern, mask))
}

// isInNetEx takes a CIDR prefix instead of a mask.
func (b *builtins) pacIsInNetEx(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	prefix, _ := call.Argument(1).ToString()
	_, ipNet, err := net.ParseCIDR(prefix)
	if err != nil {
		return otto.FalseValue()
	}
	ip, ok := b.resolve(host)
	if !ok {
		return otto.FalseValue()
	}
	parsed := net.ParseIP(ip)
	return boolValue(parsed != nil && ipNet.Contains(parsed))
}

// findMyIP returns the first non-loopback IPv4 address, then the first
// global IPv6, falling back to 127.0.0.1.
func findMyIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		slog.Warn("PAC myIpAddress: failed to get interface addresses", "error", err)
		return "127.0.0.1"
	}

	var firstIPv6Global string
	for _, address := range addrs {
		ipnet, ok := address.(*net.IPNet)
		if !ok || ipnet.IP == nil {
			continue
		}
		ip := ipnet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() || ip.IsMulticast() {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String()
		}
		if ip.IsGlobalUnicast() && firstIPv6Global == "" {
			firstIPv6Global = ip.String()
		}
	}
	if firstIPv6Global != "" {
		return firstIPv6Global
	}
	slog.Warn("PAC myIpAddress: could not find suitable non-loopback IP, falling back to 127.0.0.1")
	return "127.0.0.1"
}

func ipIsInNet(ipStr, patternStr, maskStr string) bool {
	ip := net.ParseIP(ipStr)
	pattern := net.ParseIP(patternStr)
	maskIP := net.ParseIP(maskStr)
	if ip == nil || pattern == nil || maskIP == nil {
		slog.Warn("PAC isInNet: failed to parse one or more IP/mask strings", "ip", ipStr, "pattern", patternStr, "mask", maskStr)
		return false
	}

	if ip.To4() != nil && pattern.To4() != nil && maskIP.To4() != nil {
		mask := net.IPMask(maskIP.To4())
		return ip.To4().Mask(mask).Equal(pattern.To4().Mask(mask))
	}
	if ip.To4() == nil && pattern.To4() == nil {
		mask := net.IPMask(maskIP.To16())
		return ip.To16().Mask(mask).Equal(pattern.To16().Mask(mask))
	}
	slog.Warn("PAC isInNet: IP address versions mismatch", "ip", ipStr, "pattern", patternStr, "mask", maskStr)
	return false
}

// timeArgs returns the string/number arguments of a date/time builtin with
// a trailing "GMT" removed, and the clock reading to compare against.
func (b *builtins) timeArgs(call otto.FunctionCall) ([]otto.Value, time.Time) {
	args := call.ArgumentList
	now := b.now()
	if n := len(args); n > 0 && args[n-1].IsString() {
		if s, _ := args[n-1].ToString(); strings.EqualFold(s, "GMT") {
			args = args[:n-1]
			now = now.UTC()
		}
	}
	return args, now
}

var weekdays = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday, "WED": time.Wednesday,
	"THU": time.Thursday, "FRI": time.Friday, "SAT": time.Saturday,
}

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March, "APR": time.April,
	"MAY": time.May, "JUN": time.June, "JUL": time.July, "AUG": time.August,
	"SEP": time.September, "OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// inRange compares inclusively and wraps around when start > end.
func inRange(v, start, end int) bool {
	if start <= end {
		return v >= start && v <= end
	}
	return v >= start || v <= end
}

func (b *builtins) pacWeekdayRange(call otto.FunctionCall) otto.Value {
	args, now := b.timeArgs(call)
	if len(args) < 1 || len(args) > 2 {
		slog.Warn("PAC weekdayRange: incorrect number of arguments")
		return otto.FalseValue()
	}
	s1, _ := args[0].ToString()
	wd1, ok1 := weekdays[strings.ToUpper(s1)]
	wd2, ok2 := wd1, ok1
	if len(args) == 2 {
		s2, _ := args[1].ToString()
		wd2, ok2 = weekdays[strings.ToUpper(s2)]
	}
	if !ok1 || !ok2 {
		slog.Warn("PAC weekdayRange: invalid weekday string")
		return otto.FalseValue()
	}
	return boolValue(inRange(int(now.Weekday()), int(wd1), int(wd2)))
}

// dateField is one parsed dateRange argument.
type dateField struct {
	kind  byte // 'd', 'm' or 'y'
	value int
}

func parseDateField(v otto.Value) (dateField, bool) {
	var n int64
	if v.IsString() {
		s, _ := v.ToString()
		if m, ok := months[strings.ToUpper(s)]; ok {
			return dateField{kind: 'm', value: int(m)}, true
		}
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return dateField{}, false
		}
		n = parsed
	} else {
		parsed, err := v.ToInteger()
		if err != nil {
			return dateField{}, false
		}
		n = parsed
	}
	switch {
	case n >= 1 && n <= 31:
		return dateField{kind: 'd', value: int(n)}, true
	case n > 31:
		return dateField{kind: 'y', value: int(n)}, true
	}
	return dateField{}, false
}

// dateKey folds year, month and day into one comparable number. With useNow
// the same components are read from now instead of from fields.
func dateKey(fields []dateField, now time.Time, useNow bool) (int, string) {
	var year, month, day int
	var kinds strings.Builder
	for _, f := range fields {
		kinds.WriteByte(f.kind)
		switch f.kind {
		case 'y':
			year = f.value
		case 'm':
			month = f.value
		case 'd':
			day = f.value
		}
	}
	if useNow {
		k := kinds.String()
		year, month, day = 0, 0, 0
		if strings.Contains(k, "y") {
			year = now.Year()
		}
		if strings.Contains(k, "m") {
			month = int(now.Month())
		}
		if strings.Contains(k, "d") {
			day = now.Day()
		}
	}
	return year*10000 + month*100 + day, kinds.String()
}

func (b *builtins) pacDateRange(call otto.FunctionCall) otto.Value {
	args, now := b.timeArgs(call)
	if len(args) < 1 || len(args) > 6 {
		slog.Warn("PAC dateRange: incorrect number of arguments")
		return otto.FalseValue()
	}
	fields := make([]dateField, 0, len(args))
	for _, a := range args {
		f, ok := parseDateField(a)
		if !ok {
			slog.Warn("PAC dateRange: invalid argument", "arg", a.String())
			return otto.FalseValue()
		}
		fields = append(fields, f)
	}

	if len(fields)%2 == 1 {
		want, _ := dateKey(fields, now, false)
		got, _ := dateKey(fields, now, true)
		return boolValue(want == got)
	}

	half := len(fields) / 2
	start, k1 := dateKey(fields[:half], now, false)
	end, k2 := dateKey(fields[half:], now, false)
	if k1 != k2 {
		slog.Warn("PAC dateRange: range bounds use different forms")
		return otto.FalseValue()
	}
	cur, _ := dateKey(fields[:half], now, true)
	if strings.Contains(k1, "y") {
		return boolValue(cur >= start && cur <= end)
	}
	return boolValue(inRange(cur, start, end))
}

func (b *builtins) pacTimeRange(call otto.FunctionCall) otto.Value {
	args, now := b.timeArgs(call)
	nums := make([]int, 0, len(args))
	for _, a := range args {
		n, err := a.ToInteger()
		if err != nil {
			slog.Warn("PAC timeRange: invalid argument", "arg", a.String())
			return otto.FalseValue()
		}
		nums = append(nums, int(n))
	}

	cur := now.Hour()*3600 + now.Minute()*60 + now.Second()
	switch len(nums) {
	case 1:
		return boolValue(now.Hour() == nums[0])
	case 2:
		// End hour is exclusive: timeRange(12, 13) covers 12:00:00-12:59:59.
		return boolValue(inRange(cur, nums[0]*3600, nums[1]*3600-1))
	case 4:
		return boolValue(inRange(cur, nums[0]*3600+nums[1]*60, nums[2]*3600+nums[3]*60-1))
	case 6:
		return boolValue(inRange(cur, nums[0]*3600+nums[1]*60+nums[2], nums[3]*3600+nums[4]*60+nums[5]))
	default:
		slog.Warn("PAC timeRange: incorrect number of arguments")
		return otto.FalseValue()
	}
}
