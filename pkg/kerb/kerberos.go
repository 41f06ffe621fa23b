// Package kerb provides Negotiate security contexts backed by the user's
// Kerberos credential cache. Tickets are never acquired here; whatever
// kinit (or the desktop session) left in the ccache is used.
package kerb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	gokrb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/yolkispalkis/detoxgate/pkg/auth"
)

const (
	refreshMargin     = 5 * time.Minute
	minReloadInterval = 30 * time.Second
)

var (
	ErrNoCredentials = errors.New("no valid Kerberos credentials in ccache")
	// ErrContinueNeeded means the proxy asked for another leg, which the
	// Kerberos mechanism never needs.
	ErrContinueNeeded = errors.New("proxy requested an unexpected Negotiate continuation")
)

type Options struct {
	// CCache overrides KRB5CCNAME and the default cache locations.
	CCache string
	// Krb5Conf is tried when the ccache alone does not yield a usable
	// client. Empty selects KRB5_CONFIG or /etc/krb5.conf.
	Krb5Conf string
}

// Provider hands out SPNEGO contexts from the ccache client. It reloads
// the ccache when the TGT is missing or about to expire.
type Provider struct {
	opts Options
	load func() (*gokrb5client.Client, time.Time, error)

	mu         sync.Mutex
	client     *gokrb5client.Client
	expiry     time.Time
	ccacheName string
	lastReload time.Time
}

var _ auth.Provider = (*Provider)(nil)

// New loads the ccache. A missing or expired cache is not an error; the
// provider keeps retrying on use.
func New(opts Options) (*Provider, error) {
	p := &Provider{opts: opts}
	p.load = p.loadCCache
	if err := p.reload(); err != nil {
		return nil, err
	}
	if p.Valid() {
		slog.Info("Kerberos credentials loaded", "ccache", p.ccacheName)
	} else {
		slog.Info("No valid Kerberos credentials yet, Negotiate will retry on use", "ccache", p.ccacheName)
	}
	return p, nil
}

// reload replaces the client. The previous one is not destroyed: a request
// may still be fetching a service ticket with it.
func (p *Provider) reload() error {
	cl, expiry, err := p.load()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastReload = time.Now()
	if err != nil {
		return err
	}
	p.client = cl
	p.expiry = expiry
	return nil
}

// loadCCache builds a client from the ccache. A missing cache or expired
// TGT yields a nil client and no error.
func (p *Provider) loadCCache() (*gokrb5client.Client, time.Time, error) {
	name := cacheName(p.opts.CCache)
	p.mu.Lock()
	p.ccacheName = name
	p.mu.Unlock()

	cc, err := credentials.LoadCCache(strings.TrimPrefix(name, "FILE:"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Credential cache not found", "ccache", name)
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("failed to load ccache %s: %w", name, err)
	}

	cl, err := gokrb5client.NewFromCCache(cc, nil, gokrb5client.DisablePAFXFAST(true))
	if err != nil {
		confPath := krb5ConfPath(p.opts.Krb5Conf)
		conf, confErr := krb5config.Load(confPath)
		if confErr != nil {
			return nil, time.Time{}, fmt.Errorf("failed to create client from ccache %s: %w (krb5.conf %s: %v)", name, err, confPath, confErr)
		}
		cl, err = gokrb5client.NewFromCCache(cc, conf, gokrb5client.DisablePAFXFAST(true))
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to create client from ccache %s: %w", name, err)
		}
	}

	if cl.Credentials == nil || cl.Credentials.Expired() {
		slog.Warn("Credentials in ccache are missing or expired", "ccache", name)
		cl.Destroy()
		return nil, time.Time{}, nil
	}

	expiry := cl.Credentials.ValidUntil()
	slog.Debug("Kerberos client ready",
		"principal", strings.Join(cl.Credentials.CName().NameString, "/"),
		"realm", cl.Credentials.Realm(),
		"tgt_expiry", expiry.Format(time.RFC3339))
	return cl, expiry, nil
}

// Valid reports whether a non-expired TGT is loaded.
func (p *Provider) Valid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validLocked(time.Now())
}

func (p *Provider) validLocked(now time.Time) bool {
	return p.client != nil && !p.expiry.IsZero() && now.Before(p.expiry)
}

// Refresh reloads the ccache if the TGT is missing or expires within the
// refresh margin.
func (p *Provider) Refresh() error {
	p.mu.Lock()
	fresh := p.validLocked(time.Now().Add(refreshMargin))
	p.mu.Unlock()
	if fresh {
		return nil
	}
	return p.reload()
}

// RefreshLoop calls Refresh every interval until ctx is done.
func (p *Provider) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(); err != nil {
				slog.Warn("Kerberos ccache refresh failed", "error", err)
			}
		}
	}
}

// acquire returns the client to build a context with. A stale TGT triggers
// at most one reload per minReloadInterval across all callers.
func (p *Provider) acquire() (*gokrb5client.Client, error) {
	now := time.Now()
	p.mu.Lock()
	due := !p.validLocked(now.Add(refreshMargin)) && now.Sub(p.lastReload) >= minReloadInterval
	if due {
		p.lastReload = now
	}
	p.mu.Unlock()

	if due {
		if err := p.reload(); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.validLocked(time.Now()) {
		return p.client, nil
	}
	return nil, ErrNoCredentials
}

// Initiate builds the SPNEGO NegTokenInit for spn.
func (p *Provider) Initiate(ctx context.Context, spn string) (auth.SecurityContext, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	cl, err := p.acquire()
	if err != nil {
		return nil, nil, err
	}

	tok, err := spnego.SPNEGOClient(cl, spn).InitSecContext()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get service ticket for %s: %w", spn, err)
	}
	b, err := tok.Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal SPNEGO token: %w", err)
	}
	return &securityContext{spn: spn}, b, nil
}

type securityContext struct {
	spn string
}

// Continue interprets the proxy's NegTokenResp.
func (c *securityContext) Continue(serverToken []byte) ([]byte, bool, error) {
	_, tok, err := spnego.UnmarshalNegToken(serverToken)
	if err != nil {
		return nil, false, fmt.Errorf("invalid SPNEGO response for %s: %w", c.spn, err)
	}
	var resp spnego.NegTokenResp
	switch v := tok.(type) {
	case spnego.NegTokenResp:
		resp = v
	case *spnego.NegTokenResp:
		resp = *v
	default:
		return nil, false, fmt.Errorf("unexpected SPNEGO token type %T for %s", tok, c.spn)
	}

	switch resp.State() {
	case spnego.NegStateAcceptCompleted, spnego.NegStateRequestMIC:
		return nil, true, nil
	case spnego.NegStateReject:
		return nil, false, auth.ErrRejected
	default:
		return nil, false, ErrContinueNeeded
	}
}

func (c *securityContext) Close() {}

// Status summarises the credential state for the status page.
type Status struct {
	Valid     bool
	CCache    string
	Principal string
	Realm     string
	Expiry    time.Time
}

func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{Valid: p.validLocked(time.Now()), CCache: p.ccacheName, Expiry: p.expiry}
	if p.client != nil && p.client.Credentials != nil {
		st.Principal = strings.Join(p.client.Credentials.CName().NameString, "/")
		st.Realm = p.client.Credentials.Realm()
	}
	return st
}

func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Destroy()
		p.client = nil
	}
	p.expiry = time.Time{}
}

// cacheName resolves the ccache location: explicit override, KRB5CCNAME,
// then the usual per-uid files.
func cacheName(override string) string {
	name := override
	if name == "" {
		name = os.Getenv("KRB5CCNAME")
	}
	uid := strconv.Itoa(os.Getuid())
	if name == "" {
		name = "FILE:/tmp/krb5cc_" + uid
		for _, candidate := range []string{"/tmp/krb5cc_" + uid, "/var/run/user/" + uid + "/krb5cc"} {
			if _, err := os.Stat(candidate); err == nil {
				name = "FILE:" + candidate
				break
			}
		}
	}
	name = strings.ReplaceAll(name, "%{uid}", uid)
	name = strings.ReplaceAll(name, "%{USERID}", uid)

	upper := strings.ToUpper(name)
	for _, prefix := range []string{"FILE:", "DIR:", "API:", "KEYRING:", "KCM:", "MSLSA:"} {
		if strings.HasPrefix(upper, prefix) {
			return name
		}
	}
	return "FILE:" + name
}

func krb5ConfPath(override string) string {
	if override != "" {
		return override
	}
	if path := os.Getenv("KRB5_CONFIG"); path != "" {
		return path
	}
	return "/etc/krb5.conf"
}
