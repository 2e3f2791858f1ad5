// Package gameserver is the game-server-side collaborator that derives a
// UserID from a client certificate and auto-registers a local game account
// the first time an account id is seen.
package gameserver

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/ddnet-accounts/accountd/internal/domain/cert"
	"github.com/ddnet-accounts/accountd/pkg/pki"
)

// DefaultNamePrefix is prepended to an account id to synthesize a default
// in-game name for a freshly auto-registered user.
const DefaultNamePrefix = "autouser"

// DefaultName returns the default in-game name for accountID.
func DefaultName(accountID int64) string {
	return fmt.Sprintf("%s%d", DefaultNamePrefix, accountID)
}

// UserID identifies a connecting client to the game server: an account id
// when the certificate verified against a trusted authority key, plus a
// fingerprint that is stable even when no account id could be established
// (the accountless fallback cert case).
type UserID struct {
	AccountID *int64
	PublicKey [32]byte
}

// UserIDFromCert derives a UserID from a client certificate, verifying it
// against chainDER (the authority's published cert chain) to decide
// whether AccountID may be trusted. Callers are expected to have already
// validated the cert during the TLS handshake; an unparseable certificate
// here is an error, not a fallback path.
func UserIDFromCert(certDER []byte, chainDER [][]byte) (UserID, error) {
	parsed, err := x509.ParseCertificate(certDER)
	if err != nil {
		return UserID{}, fmt.Errorf("gameserver: not a valid x509 certificate: %w", err)
	}

	fingerprint := sha256.Sum256(parsed.RawSubjectPublicKeyInfo)

	verified, err := pki.VerifyAgainstChain(certDER, chainDER)
	if err != nil {
		return UserID{}, fmt.Errorf("gameserver: verify cert chain: %w", err)
	}
	if !verified {
		return UserID{PublicKey: fingerprint}, nil
	}

	ext, found, err := pki.ExtractAccountCertExt(certDER)
	if err != nil {
		return UserID{}, fmt.Errorf("gameserver: extract account cert extension: %w", err)
	}
	if !found {
		return UserID{PublicKey: fingerprint}, nil
	}

	accountID := ext.AccountID
	return UserID{AccountID: &accountID, PublicKey: fingerprint}, nil
}

// UserStore is the minimal local user table a game server maintains,
// keyed by account id once established.
type UserStore interface {
	// RegisterIfAbsent inserts (accountID, defaultName) if no row exists
	// yet for accountID, returning true if a row was created.
	RegisterIfAbsent(ctx context.Context, accountID int64, defaultName string) (created bool, err error)
}

// AutoLogin registers userID.AccountID in store if it is the first time
// this account id has been seen, returning true if a new local user row
// was created. A UserID with no AccountID (the accountless fallback path)
// always returns false without touching storage.
func AutoLogin(ctx context.Context, store UserStore, userID UserID) (bool, error) {
	if userID.AccountID == nil {
		return false, nil
	}
	return store.RegisterIfAbsent(ctx, *userID.AccountID, DefaultName(*userID.AccountID))
}

// AccountCertExt re-exports the domain extension type for callers that
// only import this package.
type AccountCertExt = cert.AccountCertExt
