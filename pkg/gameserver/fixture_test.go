package gameserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ddnet-accounts/accountd/internal/domain/cert"
	"github.com/ddnet-accounts/accountd/pkg/pki"
)

type memUserStore struct {
	seen map[int64]bool
}

func (s *memUserStore) RegisterIfAbsent(ctx context.Context, accountID int64, defaultName string) (bool, error) {
	if s.seen[accountID] {
		return false, nil
	}
	s.seen[accountID] = true
	return true, nil
}

func TestFixtureServerHandshakeRegistersNewAccount(t *testing.T) {
	now := time.Now().UTC()
	authority, err := pki.GenerateSigningKeyPair("test-authority", now, 24*time.Hour)
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	clientDER, err := pki.IssueClientCert(authority.PrivateKey, "test-authority", pub, cert.AccountCertExt{
		AccountID:                   7,
		UTCTimeSinceUnixEpochMillis: now.UnixMilli(),
	}, now, time.Hour)
	require.NoError(t, err)

	store := &memUserStore{seen: map[int64]bool{}}
	srv := NewFixtureServer(store, [][]byte{authority.CertDER})

	body, err := json.Marshal(handshakeRequest{CertDER: hex.EncodeToString(clientDER)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/handshake", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp handshakeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.AccountID)
	require.Equal(t, int64(7), *resp.AccountID)
	require.True(t, resp.NewlyRegistered)
}

func TestFixtureServerHandshakeUntrustedCertHasNoAccountID(t *testing.T) {
	now := time.Now().UTC()
	untrusted, err := pki.GenerateSigningKeyPair("other-authority", now, time.Hour)
	require.NoError(t, err)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	clientDER, err := pki.IssueClientCert(untrusted.PrivateKey, "other-authority", pub, cert.AccountCertExt{AccountID: 1}, now, time.Hour)
	require.NoError(t, err)

	trustedAuthority, err := pki.GenerateSigningKeyPair("test-authority", now, time.Hour)
	require.NoError(t, err)

	store := &memUserStore{seen: map[int64]bool{}}
	srv := NewFixtureServer(store, [][]byte{trustedAuthority.CertDER})

	body, err := json.Marshal(handshakeRequest{CertDER: hex.EncodeToString(clientDER)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/handshake", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp handshakeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.AccountID)
	require.False(t, resp.NewlyRegistered)
}

func TestUserIDFromAccountlessCertFallsBackToFingerprint(t *testing.T) {
	now := time.Now().UTC()
	_, priv, err := pki.GenerateAccountlessKey()
	require.NoError(t, err)
	der, err := pki.SelfSignAccountlessCert(priv, now)
	require.NoError(t, err)

	authority, err := pki.GenerateSigningKeyPair("test-authority", now, time.Hour)
	require.NoError(t, err)

	userID, err := UserIDFromCert(der, [][]byte{authority.CertDER})
	require.NoError(t, err)
	require.Nil(t, userID.AccountID)
	require.NotEqual(t, [32]byte{}, userID.PublicKey)
}
