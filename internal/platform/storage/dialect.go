// Package storage defines the dialect-neutral persistence surface shared by
// the token, linkage, session and rotation engines. Concrete dialects live
// in the postgres, mysql and sqlite subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ddnet-accounts/accountd/internal/domain/account"
	"github.com/ddnet-accounts/accountd/internal/domain/cert"
	"github.com/ddnet-accounts/accountd/internal/domain/session"
	"github.com/ddnet-accounts/accountd/internal/domain/token"
)

// Sentinel errors engines translate into AccountServerRequestError variants.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrTokenInvalid   = errors.New("storage: token invalid or expired")
	ErrAlreadyLinked  = errors.New("storage: identifier already linked to another account")
	ErrLastCredential = errors.New("storage: account retains only one credential")
)

// Store is the dialect-neutral entry point. Engines obtain a Tx for any
// operation that must commit atomically and call the read-only helpers
// directly for background work (rotation, GC) that has no consume-then-apply
// requirement.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)

	InsertPublishedCert(ctx context.Context, c cert.PublishedCert) (int64, error)
	ActivePublishedCerts(ctx context.Context, now time.Time) ([]cert.PublishedCert, error)
	GCExpiredCerts(ctx context.Context, now time.Time) (int64, error)
	GCExpiredCredentialAuthTokens(ctx context.Context, now time.Time) (int64, error)
	GCExpiredAccountTokens(ctx context.Context, now time.Time) (int64, error)

	LoadKeyState(ctx context.Context) (raw []byte, found bool, err error)
	SaveKeyState(ctx context.Context, raw []byte) error

	Close() error
}

// Tx is the set of operations that must be visible atomically. Every method
// either succeeds as part of the enclosing transaction or the caller must
// Rollback. Implementations hold an open *sql.Tx for the lifetime of the Tx.
type Tx interface {
	InsertCredentialAuthToken(ctx context.Context, t token.CredentialAuthToken) error
	// ConsumeCredentialAuthToken deletes and returns the row for tok, or
	// ErrTokenInvalid if no row exists.
	ConsumeCredentialAuthToken(ctx context.Context, tok [16]byte) (token.CredentialAuthToken, error)

	InsertAccountToken(ctx context.Context, t token.AccountToken) error
	// ConsumeAccountToken deletes and returns the row for tok, or
	// ErrTokenInvalid if no row exists.
	ConsumeAccountToken(ctx context.Context, tok [16]byte) (token.AccountToken, error)

	CreateAccount(ctx context.Context, now time.Time) (int64, error)
	DeleteAccount(ctx context.Context, accountID int64) error
	AccountCreationDate(ctx context.Context, accountID int64) (time.Time, error)

	ResolveAccountByCredential(ctx context.Context, cred account.Credential) (int64, bool, error)
	// LinkCredential removes any pre-existing row of the same kind for
	// accountID, then inserts the new one. Returns ErrAlreadyLinked if the
	// identifier already belongs to a different account.
	LinkCredential(ctx context.Context, accountID int64, cred account.Credential) error
	// UnlinkCredential deletes the row for cred. Returns ErrLastCredential
	// if doing so would leave the owning account with zero credentials.
	UnlinkCredential(ctx context.Context, cred account.Credential) error
	CredentialsForAccount(ctx context.Context, accountID int64) ([]account.Credential, error)
	CredentialCount(ctx context.Context, accountID int64) (int, error)

	InsertSession(ctx context.Context, s session.Session) error
	FindSession(ctx context.Context, publicKey []byte, hwID [32]byte) (session.Session, bool, error)
	DeleteSession(ctx context.Context, publicKey []byte, hwID [32]byte) error
	// DeleteSessionsForAccountExcept deletes every session row for
	// accountID except the one matching (publicKey, hwID) when hasExcept is
	// true; deletes all of them when hasExcept is false.
	DeleteSessionsForAccountExcept(ctx context.Context, accountID int64, publicKey []byte, hwID [32]byte, hasExcept bool) error

	Commit() error
	Rollback() error
}
