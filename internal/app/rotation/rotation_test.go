package rotation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ddnet-accounts/accountd/internal/domain/cert"
	"github.com/ddnet-accounts/accountd/internal/platform/storage"
	"github.com/ddnet-accounts/accountd/pkg/logger"
	"github.com/ddnet-accounts/accountd/pkg/pki"
)

// keyStore is an in-memory storage.Store covering only what the rotation
// engine touches.
type keyStore struct {
	keyBlob   []byte
	published []cert.PublishedCert
}

func (s *keyStore) BeginTx(ctx context.Context) (storage.Tx, error) { return nil, nil }
func (s *keyStore) InsertPublishedCert(ctx context.Context, c cert.PublishedCert) (int64, error) {
	s.published = append(s.published, c)
	return int64(len(s.published)), nil
}
func (s *keyStore) ActivePublishedCerts(ctx context.Context, now time.Time) ([]cert.PublishedCert, error) {
	var out []cert.PublishedCert
	for _, c := range s.published {
		if c.ValidUntil.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}
func (s *keyStore) GCExpiredCerts(ctx context.Context, now time.Time) (int64, error) {
	kept := s.published[:0]
	var deleted int64
	for _, c := range s.published {
		if c.ValidUntil.After(now) {
			kept = append(kept, c)
		} else {
			deleted++
		}
	}
	s.published = kept
	return deleted, nil
}
func (s *keyStore) GCExpiredCredentialAuthTokens(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
func (s *keyStore) GCExpiredAccountTokens(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
func (s *keyStore) LoadKeyState(ctx context.Context) ([]byte, bool, error) {
	return s.keyBlob, s.keyBlob != nil, nil
}
func (s *keyStore) SaveKeyState(ctx context.Context, raw []byte) error {
	s.keyBlob = raw
	return nil
}
func (s *keyStore) Close() error { return nil }

func testConfig() Config {
	return Config{
		AuthorityName:   "test-authority",
		CurrentValidity: 30 * 24 * time.Hour,
		NextValidity:    60 * 24 * time.Hour,
		SafetyWindow:    7 * 24 * time.Hour,
		CheckInterval:   time.Hour,
		ErrorBackoff:    time.Minute,
	}
}

func TestBootstrapGeneratesOverlappingPair(t *testing.T) {
	store := &keyStore{}
	e := New(store, logger.NewDefault("test"), testConfig())

	require.NoError(t, e.Bootstrap(context.Background()))

	state := e.Current()
	require.NotNil(t, state.PrivateKey)
	require.Len(t, store.published, 2)

	e.mu.RLock()
	next := e.state.Next
	e.mu.RUnlock()
	require.True(t, next.NotAfter.After(state.NotAfter), "next cert validity must extend past current")
}

func TestBootstrapReloadsPersistedState(t *testing.T) {
	store := &keyStore{}
	e := New(store, logger.NewDefault("test"), testConfig())
	require.NoError(t, e.Bootstrap(context.Background()))
	first := e.Current()

	e2 := New(store, logger.NewDefault("test"), testConfig())
	require.NoError(t, e2.Bootstrap(context.Background()))
	require.Equal(t, first.CertDER, e2.Current().CertDER)
	require.Len(t, store.published, 2, "reload must not republish certs")
}

func TestMaybeRotateNoopWhenCurrentFresh(t *testing.T) {
	store := &keyStore{}
	e := New(store, logger.NewDefault("test"), testConfig())
	require.NoError(t, e.Bootstrap(context.Background()))
	before := e.Current().CertDER

	require.NoError(t, e.MaybeRotate(context.Background()))
	require.Equal(t, before, e.Current().CertDER)
	require.Len(t, store.published, 2)
}

func TestMaybeRotatePromotesNextAndPublishesFresh(t *testing.T) {
	store := &keyStore{}
	cfg := testConfig()
	cfg.CurrentValidity = time.Second
	e := New(store, logger.NewDefault("test"), cfg)
	require.NoError(t, e.Bootstrap(context.Background()))

	e.mu.RLock()
	oldNext := e.state.Next
	e.mu.RUnlock()

	require.NoError(t, e.MaybeRotate(context.Background()))

	require.Equal(t, oldNext.CertDER, e.Current().CertDER, "next must be promoted to current")
	require.Len(t, store.published, 3, "rotation publishes exactly the fresh cert")

	// A cert issued by the promoted key must verify against the chain.
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := pki.IssueClientCert(e.Current().PrivateKey, cfg.AuthorityName, pub, cert.AccountCertExt{AccountID: 7}, time.Now().UTC(), time.Hour)
	require.NoError(t, err)

	chain := make([][]byte, 0, len(store.published))
	for _, c := range store.published {
		chain = append(chain, c.DER)
	}
	ok, err := pki.VerifyAgainstChain(der, chain)
	require.NoError(t, err)
	require.True(t, ok)
}
