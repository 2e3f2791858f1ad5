// Package sqlcommon implements storage.Store and storage.Tx once, shared by
// the postgres, mysql and sqlite dialect packages. Each dialect package
// supplies only its driver import, its DSN-open function, and a small
// Dialect descriptor for the handful of things that are not portable SQL
// (insert-then-fetch-id, and whether `?` needs rebinding).
package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ddnet-accounts/accountd/internal/domain/account"
	"github.com/ddnet-accounts/accountd/internal/domain/cert"
	"github.com/ddnet-accounts/accountd/internal/domain/session"
	"github.com/ddnet-accounts/accountd/internal/domain/token"
	"github.com/ddnet-accounts/accountd/internal/platform/storage"
)

// Dialect captures the handful of non-portable behaviors across
// postgres/mysql/sqlite. Queries themselves are written with `?`
// placeholders and rebound per-connection by sqlx based on driver name.
type Dialect struct {
	// Name identifies the dialect ("postgres", "mysql" or "sqlite").
	Name string
	// SupportsReturning is true for postgres, which can do
	// `INSERT ... RETURNING id` in one round trip.
	SupportsReturning bool
}

// Store is the shared implementation of storage.Store.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

// New wraps an already-open *sqlx.DB. Dialect-specific packages call this
// after opening their driver-specific connection.
func New(db *sqlx.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) rebind(q string) string { return s.db.Rebind(q) }

func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &txImpl{tx: tx, dialect: s.dialect}, nil
}

func (s *Store) InsertPublishedCert(ctx context.Context, c cert.PublishedCert) (int64, error) {
	return insertCert(ctx, s.db, s.dialect, s.rebind, c)
}

func (s *Store) ActivePublishedCerts(ctx context.Context, now time.Time) ([]cert.PublishedCert, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, der, valid_until FROM certs WHERE valid_until > ? ORDER BY id`), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("active published certs: %w", err)
	}
	defer rows.Close()

	var out []cert.PublishedCert
	for rows.Next() {
		var c cert.PublishedCert
		var validUntil time.Time
		if err := rows.Scan(&c.ID, &c.DER, &validUntil); err != nil {
			return nil, fmt.Errorf("scan published cert: %w", err)
		}
		c.ValidUntil = validUntil
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GCExpiredCerts(ctx context.Context, now time.Time) (int64, error) {
	return execAffected(ctx, s.db, s.rebind(`DELETE FROM certs WHERE valid_until < ?`), now.UTC())
}

func (s *Store) GCExpiredCredentialAuthTokens(ctx context.Context, now time.Time) (int64, error) {
	return execAffected(ctx, s.db, s.rebind(`DELETE FROM credential_auth_tokens WHERE valid_until < ?`), now.UTC())
}

func (s *Store) GCExpiredAccountTokens(ctx context.Context, now time.Time) (int64, error) {
	return execAffected(ctx, s.db, s.rebind(`DELETE FROM account_tokens WHERE valid_until < ?`), now.UTC())
}

func (s *Store) LoadKeyState(ctx context.Context) ([]byte, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT blob FROM signing_keys WHERE id = 1`)).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load key state: %w", err)
	}
	return raw, true, nil
}

func (s *Store) SaveKeyState(ctx context.Context, raw []byte) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO signing_keys (id, blob) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET blob = excluded.blob
	`), raw)
	if err != nil {
		// sqlite/mysql with older syntax fall back to delete+insert inside
		// one statement not being available; emulate with two statements.
		if _, delErr := s.db.ExecContext(ctx, s.rebind(`DELETE FROM signing_keys WHERE id = 1`)); delErr != nil {
			return fmt.Errorf("save key state (fallback delete): %w", delErr)
		}
		if _, insErr := s.db.ExecContext(ctx, s.rebind(`INSERT INTO signing_keys (id, blob) VALUES (1, ?)`), raw); insErr != nil {
			return fmt.Errorf("save key state (fallback insert): %w", insErr)
		}
	}
	return nil
}

func execAffected(ctx context.Context, db *sqlx.DB, query string, args ...interface{}) (int64, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =============================================================================
// Transaction
// =============================================================================

type txImpl struct {
	tx      *sqlx.Tx
	dialect Dialect
}

func (t *txImpl) rebind(q string) string { return t.tx.Rebind(q) }

func (t *txImpl) Commit() error   { return t.tx.Commit() }
func (t *txImpl) Rollback() error { return t.tx.Rollback() }

func (t *txImpl) InsertCredentialAuthToken(ctx context.Context, tok token.CredentialAuthToken) error {
	_, err := t.tx.ExecContext(ctx, t.rebind(`
		INSERT INTO credential_auth_tokens (token, kind, identifier, op, valid_until)
		VALUES (?, ?, ?, ?, ?)
	`), tok.Token[:], string(tok.Kind), tok.Identifier, string(tok.Op), tok.ValidUntil.UTC())
	if err != nil {
		return fmt.Errorf("insert credential auth token: %w", err)
	}
	return nil
}

func (t *txImpl) ConsumeCredentialAuthToken(ctx context.Context, tok [16]byte) (token.CredentialAuthToken, error) {
	var out token.CredentialAuthToken
	var kind, op string
	var validUntil time.Time
	err := t.tx.QueryRowContext(ctx, t.rebind(`
		SELECT kind, identifier, op, valid_until FROM credential_auth_tokens WHERE token = ?
	`), tok[:]).Scan(&kind, &out.Identifier, &op, &validUntil)
	if err == sql.ErrNoRows {
		return token.CredentialAuthToken{}, storage.ErrTokenInvalid
	}
	if err != nil {
		return token.CredentialAuthToken{}, fmt.Errorf("read credential auth token: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, t.rebind(`DELETE FROM credential_auth_tokens WHERE token = ?`), tok[:]); err != nil {
		return token.CredentialAuthToken{}, fmt.Errorf("delete credential auth token: %w", err)
	}
	out.Token = tok
	out.Kind = token.CredentialKind(kind)
	out.Op = token.Op(op)
	out.ValidUntil = validUntil
	return out, nil
}

func (t *txImpl) InsertAccountToken(ctx context.Context, tok token.AccountToken) error {
	_, err := t.tx.ExecContext(ctx, t.rebind(`
		INSERT INTO account_tokens (token, account_id, op, valid_until) VALUES (?, ?, ?, ?)
	`), tok.Token[:], tok.AccountID, string(tok.Op), tok.ValidUntil.UTC())
	if err != nil {
		return fmt.Errorf("insert account token: %w", err)
	}
	return nil
}

func (t *txImpl) ConsumeAccountToken(ctx context.Context, tok [16]byte) (token.AccountToken, error) {
	var out token.AccountToken
	var op string
	var validUntil time.Time
	err := t.tx.QueryRowContext(ctx, t.rebind(`
		SELECT account_id, op, valid_until FROM account_tokens WHERE token = ?
	`), tok[:]).Scan(&out.AccountID, &op, &validUntil)
	if err == sql.ErrNoRows {
		return token.AccountToken{}, storage.ErrTokenInvalid
	}
	if err != nil {
		return token.AccountToken{}, fmt.Errorf("read account token: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, t.rebind(`DELETE FROM account_tokens WHERE token = ?`), tok[:]); err != nil {
		return token.AccountToken{}, fmt.Errorf("delete account token: %w", err)
	}
	out.Token = tok
	out.Op = token.Op(op)
	out.ValidUntil = validUntil
	return out, nil
}

func (t *txImpl) CreateAccount(ctx context.Context, now time.Time) (int64, error) {
	if t.dialect.SupportsReturning {
		var id int64
		err := t.tx.QueryRowContext(ctx, t.rebind(`INSERT INTO accounts (creation_date) VALUES (?) RETURNING id`), now.UTC()).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("create account: %w", err)
		}
		return id, nil
	}
	res, err := t.tx.ExecContext(ctx, t.rebind(`INSERT INTO accounts (creation_date) VALUES (?)`), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("create account: %w", err)
	}
	return res.LastInsertId()
}

func (t *txImpl) DeleteAccount(ctx context.Context, accountID int64) error {
	if _, err := t.tx.ExecContext(ctx, t.rebind(`DELETE FROM sessions WHERE account_id = ?`), accountID); err != nil {
		return fmt.Errorf("delete sessions on account delete: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, t.rebind(`DELETE FROM credential_email WHERE account_id = ?`), accountID); err != nil {
		return fmt.Errorf("delete email credentials on account delete: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, t.rebind(`DELETE FROM credential_steam WHERE account_id = ?`), accountID); err != nil {
		return fmt.Errorf("delete steam credentials on account delete: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, t.rebind(`DELETE FROM accounts WHERE id = ?`), accountID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func (t *txImpl) AccountCreationDate(ctx context.Context, accountID int64) (time.Time, error) {
	var createdAt time.Time
	err := t.tx.QueryRowContext(ctx, t.rebind(`SELECT creation_date FROM accounts WHERE id = ?`), accountID).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return time.Time{}, storage.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("account creation date: %w", err)
	}
	return createdAt, nil
}

func credentialTable(kind account.CredentialKind) (table, column string) {
	if kind == account.KindSteam {
		return "credential_steam", "steam_id"
	}
	return "credential_email", "email"
}

func (t *txImpl) ResolveAccountByCredential(ctx context.Context, cred account.Credential) (int64, bool, error) {
	table, column := credentialTable(cred.Kind)
	var accountID int64
	err := t.tx.QueryRowContext(ctx, t.rebind(fmt.Sprintf(`SELECT account_id FROM %s WHERE %s = ?`, table, column)), cred.Identifier).Scan(&accountID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve account by credential: %w", err)
	}
	return accountID, true, nil
}

func (t *txImpl) LinkCredential(ctx context.Context, accountID int64, cred account.Credential) error {
	table, column := credentialTable(cred.Kind)

	if existingID, ok, err := t.ResolveAccountByCredential(ctx, cred); err != nil {
		return err
	} else if ok && existingID != accountID {
		return storage.ErrAlreadyLinked
	}

	if _, err := t.tx.ExecContext(ctx, t.rebind(fmt.Sprintf(`DELETE FROM %s WHERE account_id = ?`, table)), accountID); err != nil {
		return fmt.Errorf("unlink prior %s credential: %w", table, err)
	}
	if _, err := t.tx.ExecContext(ctx, t.rebind(fmt.Sprintf(`INSERT INTO %s (account_id, %s) VALUES (?, ?)`, table, column)), accountID, cred.Identifier); err != nil {
		return storage.ErrAlreadyLinked
	}
	return nil
}

func (t *txImpl) UnlinkCredential(ctx context.Context, cred account.Credential) error {
	table, column := credentialTable(cred.Kind)

	accountID, ok, err := t.ResolveAccountByCredential(ctx, cred)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNotFound
	}

	count, err := t.CredentialCount(ctx, accountID)
	if err != nil {
		return err
	}
	if count <= 1 {
		return storage.ErrLastCredential
	}

	if _, err := t.tx.ExecContext(ctx, t.rebind(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, column)), cred.Identifier); err != nil {
		return fmt.Errorf("unlink credential: %w", err)
	}
	return nil
}

func (t *txImpl) CredentialsForAccount(ctx context.Context, accountID int64) ([]account.Credential, error) {
	var out []account.Credential

	rows, err := t.tx.QueryContext(ctx, t.rebind(`SELECT email FROM credential_email WHERE account_id = ?`), accountID)
	if err != nil {
		return nil, fmt.Errorf("list email credentials: %w", err)
	}
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, account.Credential{Kind: account.KindEmail, Identifier: email})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = t.tx.QueryContext(ctx, t.rebind(`SELECT steam_id FROM credential_steam WHERE account_id = ?`), accountID)
	if err != nil {
		return nil, fmt.Errorf("list steam credentials: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var steamID string
		if err := rows.Scan(&steamID); err != nil {
			return nil, err
		}
		out = append(out, account.Credential{Kind: account.KindSteam, Identifier: steamID})
	}
	return out, rows.Err()
}

func (t *txImpl) CredentialCount(ctx context.Context, accountID int64) (int, error) {
	var emailCount, steamCount int
	if err := t.tx.QueryRowContext(ctx, t.rebind(`SELECT COUNT(*) FROM credential_email WHERE account_id = ?`), accountID).Scan(&emailCount); err != nil {
		return 0, fmt.Errorf("count email credentials: %w", err)
	}
	if err := t.tx.QueryRowContext(ctx, t.rebind(`SELECT COUNT(*) FROM credential_steam WHERE account_id = ?`), accountID).Scan(&steamCount); err != nil {
		return 0, fmt.Errorf("count steam credentials: %w", err)
	}
	return emailCount + steamCount, nil
}

func (t *txImpl) InsertSession(ctx context.Context, s session.Session) error {
	_, err := t.tx.ExecContext(ctx, t.rebind(`
		INSERT INTO sessions (account_id, public_key, hw_id, created_at) VALUES (?, ?, ?, ?)
	`), s.AccountID, s.PublicKey, s.HWID[:], s.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (t *txImpl) FindSession(ctx context.Context, publicKey []byte, hwID [32]byte) (session.Session, bool, error) {
	var s session.Session
	var hw []byte
	err := t.tx.QueryRowContext(ctx, t.rebind(`
		SELECT account_id, public_key, hw_id, created_at FROM sessions WHERE public_key = ? AND hw_id = ?
	`), publicKey, hwID[:]).Scan(&s.AccountID, &s.PublicKey, &hw, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, fmt.Errorf("find session: %w", err)
	}
	copy(s.HWID[:], hw)
	return s, true, nil
}

func (t *txImpl) DeleteSession(ctx context.Context, publicKey []byte, hwID [32]byte) error {
	_, err := t.tx.ExecContext(ctx, t.rebind(`DELETE FROM sessions WHERE public_key = ? AND hw_id = ?`), publicKey, hwID[:])
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (t *txImpl) DeleteSessionsForAccountExcept(ctx context.Context, accountID int64, publicKey []byte, hwID [32]byte, hasExcept bool) error {
	var err error
	if hasExcept {
		_, err = t.tx.ExecContext(ctx, t.rebind(`
			DELETE FROM sessions WHERE account_id = ? AND NOT (public_key = ? AND hw_id = ?)
		`), accountID, publicKey, hwID[:])
	} else {
		_, err = t.tx.ExecContext(ctx, t.rebind(`DELETE FROM sessions WHERE account_id = ?`), accountID)
	}
	if err != nil {
		return fmt.Errorf("delete sessions for account: %w", err)
	}
	return nil
}

func insertCert(ctx context.Context, db *sqlx.DB, dialect Dialect, rebind func(string) string, c cert.PublishedCert) (int64, error) {
	if dialect.SupportsReturning {
		var id int64
		err := db.QueryRowContext(ctx, rebind(`INSERT INTO certs (der, valid_until) VALUES (?, ?) RETURNING id`), c.DER, c.ValidUntil.UTC()).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert published cert: %w", err)
		}
		return id, nil
	}
	res, err := db.ExecContext(ctx, rebind(`INSERT INTO certs (der, valid_until) VALUES (?, ?)`), c.DER, c.ValidUntil.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert published cert: %w", err)
	}
	return res.LastInsertId()
}
