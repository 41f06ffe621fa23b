package common

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultListenAddr = "127.0.0.1"
	DefaultListenPort = 3128
	ProductName       = "detoxgate"
)

var ErrInvalidAuthority = errors.New("invalid authority")

// Authority returns host:port for a request URL, filling in the default port
// of the http and https schemes.
func Authority(u *url.URL) (string, error) {
	if u == nil || u.Hostname() == "" {
		return "", ErrInvalidAuthority
	}
	if port := u.Port(); port != "" {
		return net.JoinHostPort(u.Hostname(), port), nil
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	case "https", "wss":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	}
	return "", ErrInvalidAuthority
}

// SplitHostPort splits addr and fills in defaultPort when addr carries none.
// A bare IP literal, including IPv6 such as ::1, is a host without a port.
func SplitHostPort(addr string, defaultPort int) (string, int, error) {
	if ip := net.ParseIP(strings.Trim(addr, "[]")); ip != nil {
		return ip.String(), defaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && strings.Contains(addrErr.Err, "missing port") {
			host = strings.Trim(addr, "[]")
			if host == "" {
				return "", 0, ErrInvalidAuthority
			}
			return host, defaultPort, nil
		}
		return "", 0, err
	}
	if host == "" {
		return "", 0, ErrInvalidAuthority
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, ErrInvalidAuthority
	}
	return host, port, nil
}
