package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bgentry/go-netrc/netrc"
)

// NetrcCredentials serves Basic credentials from a netrc file, matching
// machine entries against the proxy host name. A "default" entry applies
// to every host.
type NetrcCredentials struct {
	file *netrc.Netrc
}

// DefaultNetrcPath returns $NETRC, or ~/.netrc.
func DefaultNetrcPath() string {
	if p := os.Getenv("NETRC"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".netrc")
}

// LoadNetrc parses path. An empty path selects DefaultNetrcPath.
func LoadNetrc(path string) (*NetrcCredentials, error) {
	if path == "" {
		path = DefaultNetrcPath()
	}
	if path == "" {
		return nil, fmt.Errorf("no netrc file location: HOME not set")
	}
	n, err := netrc.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse netrc file %s: %w", path, err)
	}
	return &NetrcCredentials{file: n}, nil
}

func (c *NetrcCredentials) Lookup(host string) (string, string, bool) {
	if c == nil || c.file == nil {
		return "", "", false
	}
	m := c.file.FindMachine(strings.ToLower(host))
	if m == nil || m.Login == "" {
		return "", "", false
	}
	return m.Login, m.Password, true
}
