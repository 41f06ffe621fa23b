package pac

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/yolkispalkis/detoxgate/pkg/common"
)

const (
	proxyDirect  = "DIRECT"
	proxyHttp    = "PROXY"
	proxyHttpAlt = "HTTP"
	proxySocks4  = "SOCKS"
	proxySocks5  = "SOCKS5"
	pacDelimiter = ";"

	defaultProxyPort = 80
	defaultSocksPort = 1080
)

// ParseResult parses the semicolon-separated result string of
// FindProxyForURL into candidates, preserving left-to-right order.
// Unrecognised entries are skipped; if none is left ErrMalformedResult is
// returned.
func ParseResult(result string) ([]Candidate, error) {
	candidates := make([]Candidate, 0, 2)

	for _, part := range strings.Split(result, pacDelimiter) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		fields := strings.Fields(part)
		directive := strings.ToUpper(fields[0])

		switch directive {
		case proxyDirect:
			if len(fields) != 1 {
				slog.Warn("Ignoring DIRECT directive with trailing arguments", "directive", part)
				continue
			}
			candidates = append(candidates, Candidate{Kind: KindDirect})

		case proxyHttp, proxyHttpAlt, proxySocks4, proxySocks5:
			if len(fields) != 2 {
				slog.Warn("PAC result missing host:port for proxy directive", "directive", part)
				continue
			}
			kind, defaultPort := KindProxy, defaultProxyPort
			if directive == proxySocks4 || directive == proxySocks5 {
				kind, defaultPort = KindSocks, defaultSocksPort
			}
			host, port, err := common.SplitHostPort(stripScheme(fields[1]), defaultPort)
			if err != nil {
				slog.Warn("Ignoring proxy directive with invalid address", "directive", part, "error", err)
				continue
			}
			candidates = append(candidates, Candidate{Kind: kind, Host: host, Port: port})

		default:
			slog.Warn("Ignoring unknown directive in PAC result", "directive", part)
		}
	}

	if len(candidates) == 0 {
		return nil, ErrMalformedResult
	}
	for i := range candidates {
		candidates[i].Position = i
	}
	return candidates, nil
}

// WithDirectFallback appends DIRECT to candidates unless one is present
// already.
func WithDirectFallback(candidates []Candidate) []Candidate {
	for _, c := range candidates {
		if c.IsDirect() {
			return candidates
		}
	}
	out := make([]Candidate, len(candidates), len(candidates)+1)
	copy(out, candidates)
	return append(out, Candidate{Kind: KindDirect, Position: len(candidates)})
}

// Format renders candidates back into PAC result form, e.g.
// "PROXY a:3128; DIRECT".
func Format(candidates []Candidate) string {
	parts := make([]string, len(candidates))
	for i, c := range candidates {
		parts[i] = c.String()
	}
	return strings.Join(parts, pacDelimiter+" ")
}

// stripScheme accepts "http://host:port/" style addresses, which some PAC
// scripts return instead of a bare host:port.
func stripScheme(addr string) string {
	if !strings.Contains(addr, "://") {
		return addr
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return addr
	}
	return u.Host
}
