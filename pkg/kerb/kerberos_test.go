package kerb

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gokrb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/detoxgate/pkg/auth"
)

func TestCacheName(t *testing.T) {
	t.Setenv("KRB5CCNAME", "/tmp/krb5cc_custom")
	require.Equal(t, "FILE:/tmp/krb5cc_custom", cacheName(""))
	require.Equal(t, "KEYRING:persistent:1000", cacheName("KEYRING:persistent:1000"))
	require.Equal(t, "FILE:/explicit", cacheName("/explicit"))
}

func TestKrb5ConfPath(t *testing.T) {
	t.Setenv("KRB5_CONFIG", "")
	require.Equal(t, "/etc/krb5.conf", krb5ConfPath(""))
	t.Setenv("KRB5_CONFIG", "/opt/krb5.conf")
	require.Equal(t, "/opt/krb5.conf", krb5ConfPath(""))
	require.Equal(t, "/x.conf", krb5ConfPath("/x.conf"))
}

func TestMissingCCacheIsNotFatal(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "krb5cc_missing")
	p, err := New(Options{CCache: missing})
	require.NoError(t, err)
	defer p.Close()

	require.False(t, p.Valid())
	st := p.Status()
	require.False(t, st.Valid)
	require.Equal(t, "FILE:"+missing, st.CCache)

	_, _, err = p.Initiate(context.Background(), auth.ServicePrincipal("proxy.corp"))
	require.ErrorIs(t, err, ErrNoCredentials)
}

func decodeToken(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestContinueInterpretsNegState(t *testing.T) {
	sc := &securityContext{spn: "HTTP/proxy.corp"}

	// accept-completed with the Kerberos mech.
	tok, done, err := sc.Continue(decodeToken(t, "oRQwEqADCgEAoQsGCSqGSIb3EgECAg=="))
	require.NoError(t, err)
	require.True(t, done)
	require.Empty(t, tok)

	_, _, err = sc.Continue(decodeToken(t, "oQcwBaADCgEC"))
	require.ErrorIs(t, err, auth.ErrRejected)

	_, _, err = sc.Continue([]byte("garbage"))
	require.Error(t, err)
}

// staleProvider loads a client whose TGT is inside the refresh margin, so
// every use wants a reload.
func staleProvider(loads *atomic.Int32) *Provider {
	p := &Provider{ccacheName: "FILE:/tmp/krb5cc_test"}
	p.load = func() (*gokrb5client.Client, time.Time, error) {
		loads.Add(1)
		cl := gokrb5client.NewWithPassword("alice", "CORP.EXAMPLE", "secret", krb5config.New())
		return cl, time.Now().Add(time.Minute), nil
	}
	return p
}

func TestAcquireThrottlesReloads(t *testing.T) {
	var loads atomic.Int32
	p := staleProvider(&loads)

	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cl, err := p.acquire(); err != nil || cl == nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), loads.Load())
	require.Less(t, failed.Load(), int32(50))

	cl, err := p.acquire()
	require.NoError(t, err)
	require.NotNil(t, cl)
	require.Equal(t, int32(1), loads.Load())

	p.mu.Lock()
	p.lastReload = time.Now().Add(-minReloadInterval)
	p.mu.Unlock()
	_, err = p.acquire()
	require.NoError(t, err)
	require.Equal(t, int32(2), loads.Load())
}

func TestReloadKeepsHandedOutClientUsable(t *testing.T) {
	var loads atomic.Int32
	p := staleProvider(&loads)

	held, err := p.acquire()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Refresh()
		}()
	}
	wg.Wait()

	require.Equal(t, int32(21), loads.Load())
	require.Equal(t, "alice", held.Credentials.UserName())

	cl, err := p.acquire()
	require.NoError(t, err)
	require.NotSame(t, held, cl)

	p.Close()
	require.Empty(t, cl.Credentials.UserName())
	require.Equal(t, "alice", held.Credentials.UserName())
	_, err = p.acquire()
	require.ErrorIs(t, err, ErrNoCredentials)
}
