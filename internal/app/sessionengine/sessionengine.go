// Package sessionengine implements the per-installation session lifecycle:
// login, sign, logout, logout-all and delete. Login, Sign and Logout
// verify proof-of-possession of the session's private key via a signed,
// clock-skew-bounded timestamp before touching storage; LogoutAll and
// Delete take an already-resolved account id and verify no signature.
package sessionengine

import (
	"context"
	"crypto/ed25519"
	"time"

	accounterrors "github.com/ddnet-accounts/accountd/infrastructure/errors"
	"github.com/ddnet-accounts/accountd/internal/domain/cert"
	"github.com/ddnet-accounts/accountd/internal/domain/session"
	"github.com/ddnet-accounts/accountd/internal/platform/storage"
	"github.com/ddnet-accounts/accountd/pkg/logger"
	"github.com/ddnet-accounts/accountd/pkg/pki"
)

// KeyProvider exposes the authority's current signing key, kept fresh by
// the rotation engine's background loop.
type KeyProvider interface {
	Current() cert.SigningKeyPair
}

// Engine drives the session lifecycle and issues client certificates from
// the authority's current signing key.
type Engine struct {
	store    storage.Store
	keys     KeyProvider
	log      *logger.Logger
	authName string
	certTTL  time.Duration
}

// New builds an Engine.
func New(store storage.Store, keys KeyProvider, log *logger.Logger, authorityName string, certTTL time.Duration) *Engine {
	return &Engine{store: store, keys: keys, log: log, authName: authorityName, certTTL: certTTL}
}

// verifyProofOfPossession checks req's timestamp is within the acceptable
// clock skew and that its signature verifies under req's raw 32-byte
// Ed25519 session public key.
func verifyProofOfPossession(req session.SignRequest) (ed25519.PublicKey, error) {
	if !session.WithinSkew(time.Now().UTC(), req.Timestamp) {
		return nil, accounterrors.LogicError("ClockSkew", "timestamp outside acceptable clock skew")
	}
	if len(req.PublicKey) != ed25519.PublicKeySize {
		return nil, accounterrors.Other("invalid session public key")
	}

	pub := ed25519.PublicKey(req.PublicKey)
	stamp := []byte(req.Timestamp.UTC().Format(time.RFC3339Nano))
	if !ed25519.Verify(pub, stamp, req.Signature) {
		return nil, accounterrors.LogicError("BadSignature", "signature does not match timestamp")
	}
	return pub, nil
}

// LoginIn verifies proof of possession and records the session inside
// txn, sharing the commit with the token consume and account resolution
// that precede it: a committed token consume always has its session row.
func (e *Engine) LoginIn(ctx context.Context, txn storage.Tx, accountID int64, req session.SignRequest) error {
	if _, err := verifyProofOfPossession(req); err != nil {
		return err
	}
	if err := txn.InsertSession(ctx, session.Session{
		AccountID: accountID,
		PublicKey: req.PublicKey,
		HWID:      req.HWID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return accounterrors.Unexpected("sessionengine.LoginIn", err)
	}
	return nil
}

// Login is LoginIn inside its own transaction.
func (e *Engine) Login(ctx context.Context, accountID int64, req session.SignRequest) error {
	txn, err := e.store.BeginTx(ctx)
	if err != nil {
		return accounterrors.Unexpected("sessionengine.Login", err)
	}
	defer func() { _ = txn.Rollback() }()

	if err := e.LoginIn(ctx, txn, accountID, req); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return accounterrors.Unexpected("sessionengine.Login", err)
	}
	return nil
}

// Sign re-issues a client certificate for an existing session, without
// creating a new session row.
func (e *Engine) Sign(ctx context.Context, req session.SignRequest) ([]byte, error) {
	pub, err := verifyProofOfPossession(req)
	if err != nil {
		return nil, err
	}

	txn, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, accounterrors.Unexpected("sessionengine.Sign", err)
	}
	defer func() { _ = txn.Rollback() }()

	sess, ok, err := txn.FindSession(ctx, req.PublicKey, req.HWID)
	if err != nil {
		return nil, accounterrors.Unexpected("sessionengine.Sign", err)
	}
	if !ok {
		return nil, accounterrors.LogicError("NotFound", "no such session")
	}
	if err := txn.Commit(); err != nil {
		return nil, accounterrors.Unexpected("sessionengine.Sign", err)
	}

	return e.issueCert(sess.AccountID, pub, sess.CreatedAt, time.Now().UTC())
}

// issueCert embeds the session's creation time, not the issuance time, in
// the extension: a game server keys per-session state off that pair and it
// must stay stable across re-signs of the same session.
func (e *Engine) issueCert(accountID int64, pub ed25519.PublicKey, sessionCreated, now time.Time) ([]byte, error) {
	signing := e.keys.Current()
	der, err := pki.IssueClientCert(signing.PrivateKey, e.authName, pub, cert.AccountCertExt{
		AccountID:                   accountID,
		UTCTimeSinceUnixEpochMillis: sessionCreated.UnixMilli(),
	}, now, e.certTTL)
	if err != nil {
		return nil, accounterrors.Unexpected("sessionengine.issueCert", err)
	}
	return der, nil
}

// Logout deletes exactly the session identified by (public_key, hw_id).
func (e *Engine) Logout(ctx context.Context, req session.SignRequest) error {
	if _, err := verifyProofOfPossession(req); err != nil {
		return err
	}

	txn, err := e.store.BeginTx(ctx)
	if err != nil {
		return accounterrors.Unexpected("sessionengine.Logout", err)
	}
	defer func() { _ = txn.Rollback() }()

	if err := txn.DeleteSession(ctx, req.PublicKey, req.HWID); err != nil {
		return accounterrors.Unexpected("sessionengine.Logout", err)
	}
	return txn.Commit()
}

// LogoutAllIn deletes every session for accountID inside txn except, if
// keepCurrent is true, the one identified by (publicKey, hwID). It shares
// the transaction with the account-token consume that authorized it.
func LogoutAllIn(ctx context.Context, txn storage.Tx, accountID int64, publicKey []byte, hwID [32]byte, keepCurrent bool) error {
	if err := txn.DeleteSessionsForAccountExcept(ctx, accountID, publicKey, hwID, keepCurrent); err != nil {
		return accounterrors.Unexpected("sessionengine.LogoutAllIn", err)
	}
	return nil
}

// LogoutAll is LogoutAllIn inside its own transaction.
func (e *Engine) LogoutAll(ctx context.Context, accountID int64, publicKey []byte, hwID [32]byte, keepCurrent bool) error {
	txn, err := e.store.BeginTx(ctx)
	if err != nil {
		return accounterrors.Unexpected("sessionengine.LogoutAll", err)
	}
	defer func() { _ = txn.Rollback() }()

	if err := LogoutAllIn(ctx, txn, accountID, publicKey, hwID, keepCurrent); err != nil {
		return err
	}
	return txn.Commit()
}

// DeleteIn removes accountID and every credential and session bound to
// it inside txn, sharing the transaction with the account-token consume
// that authorized it.
func DeleteIn(ctx context.Context, txn storage.Tx, accountID int64) error {
	if err := txn.DeleteAccount(ctx, accountID); err != nil {
		if err == storage.ErrNotFound {
			return accounterrors.LogicError("NotFound", "account not found")
		}
		return accounterrors.Unexpected("sessionengine.DeleteIn", err)
	}
	return nil
}

// Delete is DeleteIn inside its own transaction.
func (e *Engine) Delete(ctx context.Context, accountID int64) error {
	txn, err := e.store.BeginTx(ctx)
	if err != nil {
		return accounterrors.Unexpected("sessionengine.Delete", err)
	}
	defer func() { _ = txn.Rollback() }()

	if err := DeleteIn(ctx, txn, accountID); err != nil {
		return err
	}
	return txn.Commit()
}
