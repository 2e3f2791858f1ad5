// Package tokenengine issues, consumes and garbage-collects the two
// single-use token families that gate every state-changing account
// operation.
package tokenengine

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	accounterrors "github.com/ddnet-accounts/accountd/infrastructure/errors"
	domainaccount "github.com/ddnet-accounts/accountd/internal/domain/account"
	"github.com/ddnet-accounts/accountd/internal/domain/token"
	"github.com/ddnet-accounts/accountd/internal/platform/storage"
	"github.com/ddnet-accounts/accountd/pkg/logger"
	pkgmail "github.com/ddnet-accounts/accountd/pkg/mail"
	"github.com/ddnet-accounts/accountd/pkg/steam"
)

// EmailPolicy decides whether an email address's domain may be used for a
// credential. denylist.Lists satisfies it; a nil policy allows everything.
type EmailPolicy interface {
	EmailDomainAllowed(email string) bool
}

// Engine issues, consumes and garbage-collects tokens. It holds no secret
// state of its own beyond the collaborator interfaces it is handed.
type Engine struct {
	store       storage.Store
	mailer      pkgmail.Sender
	templates   *pkgmail.Templates
	steam       steam.Verifier
	emailPolicy EmailPolicy
	log         *logger.Logger

	credentialAuthTTL time.Duration
	accountTokenTTL   time.Duration
	emailTestMode     bool
}

// New builds an Engine. mailer/templates/steamVerifier may be nil if the
// corresponding credential kind will never be exercised (e.g. a
// steam-only or email-only deployment); calling a token operation that
// needs a nil collaborator returns Unexpected.
func New(store storage.Store, mailer pkgmail.Sender, templates *pkgmail.Templates, steamVerifier steam.Verifier, emailPolicy EmailPolicy, log *logger.Logger, credentialAuthTTL, accountTokenTTL time.Duration, emailTestMode bool) *Engine {
	return &Engine{
		store:             store,
		mailer:            mailer,
		templates:         templates,
		steam:             steamVerifier,
		emailPolicy:       emailPolicy,
		log:               log,
		credentialAuthTTL: credentialAuthTTL,
		accountTokenTTL:   accountTokenTTL,
		emailTestMode:     emailTestMode,
	}
}

// normalizeAndCheckEmail applies the wire-shape rules and then the
// hot-reloaded domain allow/deny policy: a banned domain loses even when it
// also appears on the allow list.
func (e *Engine) normalizeAndCheckEmail(raw string) (string, error) {
	normalized, err := NormalizeEmail(raw, e.emailTestMode)
	if err != nil {
		return "", accounterrors.Other(err.Error())
	}
	if e.emailPolicy != nil && !e.emailPolicy.EmailDomainAllowed(normalized) {
		return "", accounterrors.Other("email domain not allowed")
	}
	return normalized, nil
}

func randomToken() ([16]byte, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return b, fmt.Errorf("generate token: %w", err)
	}
	return b, nil
}

// NormalizeEmail enforces the accepted email shape: local@domain, no
// display text, no bracketed-IP literal. In test mode, "localhost" is
// accepted without a TLD.
func NormalizeEmail(raw string, testMode bool) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty email")
	}
	if strings.ContainsAny(trimmed, "<>") {
		return "", fmt.Errorf("display text not allowed")
	}

	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid email: %w", err)
	}
	if addr.Name != "" {
		return "", fmt.Errorf("display text not allowed")
	}

	lower := strings.ToLower(addr.Address)
	at := strings.LastIndex(lower, "@")
	if at < 0 {
		return "", fmt.Errorf("invalid email")
	}
	domain := lower[at+1:]
	if strings.HasPrefix(domain, "[") || strings.HasSuffix(domain, "]") {
		return "", fmt.Errorf("bracketed IP literal not allowed")
	}
	if domain != "localhost" || !testMode {
		if !strings.Contains(domain, ".") {
			return "", fmt.Errorf("email domain requires a TLD")
		}
	}
	return lower, nil
}

// IssueCredentialAuthToken generates a token for kind/identifier/op and
// persists it. For KindEmail it renders and sends the credential-auth-token
// template and returns ("", nil); for KindSteam the ticket is verified
// first and the resulting steamid64 becomes the identifier, with the hex
// token returned directly to the caller. If secretRequired is true and
// secretProvided is false, the call fails before any write.
func (e *Engine) IssueCredentialAuthToken(ctx context.Context, kind domainaccount.CredentialKind, rawIdentifier string, op token.Op, secretRequired, secretProvided bool) (tokenHex string, err error) {
	if secretRequired && !secretProvided {
		return "", accounterrors.Other("secret required")
	}
	switch op {
	case token.OpLogin, token.OpLinkCredential, token.OpUnlinkCredential:
	default:
		return "", accounterrors.Other("unsupported operation for credential auth token")
	}

	var identifier string
	switch kind {
	case domainaccount.KindEmail:
		identifier, err = e.normalizeAndCheckEmail(rawIdentifier)
		if err != nil {
			return "", err
		}
	case domainaccount.KindSteam:
		if e.steam == nil {
			return "", accounterrors.Unexpected("tokenengine.IssueCredentialAuthToken", fmt.Errorf("no steam verifier configured"))
		}
		ticket := []byte(rawIdentifier)
		if len(ticket) > steam.MaxTicketSize {
			return "", accounterrors.Other("steam ticket too large")
		}
		steamID, verr := e.steam.VerifyTicket(ctx, ticket)
		if verr != nil {
			return "", accounterrors.Unexpected("tokenengine.IssueCredentialAuthToken", verr)
		}
		identifier = strconv.FormatUint(steamID, 10)
	default:
		return "", accounterrors.Other("unsupported credential kind")
	}

	tok, err := randomToken()
	if err != nil {
		return "", accounterrors.Unexpected("tokenengine.IssueCredentialAuthToken", err)
	}

	if kind == domainaccount.KindEmail {
		if e.mailer == nil || e.templates == nil {
			return "", accounterrors.Unexpected("tokenengine.IssueCredentialAuthToken", fmt.Errorf("no mailer configured"))
		}
		body, rerr := e.templates.Render(pkgmail.KindCredentialAuthToken, pkgmail.Data{Token: token.Hex(tok), Op: string(op)})
		if rerr != nil {
			return "", accounterrors.Unexpected("tokenengine.IssueCredentialAuthToken", rerr)
		}
		if serr := e.mailer.Send(ctx, identifier, "ddnet-accounts verification code", body); serr != nil {
			return "", accounterrors.Unexpected("tokenengine.IssueCredentialAuthToken", serr)
		}
	}

	now := time.Now().UTC()
	txn, err := e.store.BeginTx(ctx)
	if err != nil {
		return "", accounterrors.Unexpected("tokenengine.IssueCredentialAuthToken", err)
	}
	defer func() { _ = txn.Rollback() }()

	if err := txn.InsertCredentialAuthToken(ctx, token.CredentialAuthToken{
		Token:      tok,
		Kind:       token.CredentialKind(kind),
		Identifier: identifier,
		Op:         op,
		ValidUntil: now.Add(e.credentialAuthTTL),
	}); err != nil {
		return "", accounterrors.Unexpected("tokenengine.IssueCredentialAuthToken", err)
	}
	if err := txn.Commit(); err != nil {
		return "", accounterrors.Unexpected("tokenengine.IssueCredentialAuthToken", err)
	}

	e.log.WithFields(map[string]interface{}{
		"op":            op,
		"kind":          kind,
		"token_preview": logger.TokenPreview(tok[:]),
	}).Info("issued credential auth token")

	if kind == domainaccount.KindSteam {
		return token.Hex(tok), nil
	}
	return "", nil
}

// ConsumeCredentialAuthToken reads and deletes the token row in txn,
// requiring its Op equal expectedOp.
func ConsumeCredentialAuthToken(ctx context.Context, txn storage.Tx, tokenHex string, expectedOp token.Op) (token.CredentialAuthToken, error) {
	tok, err := decodeTokenHex(tokenHex)
	if err != nil {
		return token.CredentialAuthToken{}, accounterrors.Other("invalid token")
	}
	got, err := txn.ConsumeCredentialAuthToken(ctx, tok)
	if err == storage.ErrTokenInvalid {
		return token.CredentialAuthToken{}, accounterrors.LogicError("TokenInvalid", "token expired or already used")
	}
	if err != nil {
		return token.CredentialAuthToken{}, accounterrors.Unexpected("tokenengine.ConsumeCredentialAuthToken", err)
	}
	if got.Op != expectedOp {
		return token.CredentialAuthToken{}, accounterrors.Other("token issued for a different operation")
	}
	return got, nil
}

// IssueAccountToken resolves accountID from an already-linked credential
// and persists an account-operation token for op.
func (e *Engine) IssueAccountToken(ctx context.Context, kind domainaccount.CredentialKind, rawIdentifier string, op token.Op, secretRequired, secretProvided bool) (tokenHex string, err error) {
	if secretRequired && !secretProvided {
		return "", accounterrors.Other("secret required")
	}
	switch op {
	case token.OpLogoutAll, token.OpLinkCredential, token.OpDelete:
	default:
		return "", accounterrors.Other("unsupported operation for account token")
	}

	var identifier string
	if kind == domainaccount.KindEmail {
		identifier, err = e.normalizeAndCheckEmail(rawIdentifier)
		if err != nil {
			return "", err
		}
	} else {
		identifier = rawIdentifier
	}

	txn, err := e.store.BeginTx(ctx)
	if err != nil {
		return "", accounterrors.Unexpected("tokenengine.IssueAccountToken", err)
	}
	defer func() { _ = txn.Rollback() }()

	accountID, ok, err := txn.ResolveAccountByCredential(ctx, domainaccount.Credential{Kind: kind, Identifier: identifier})
	if err != nil {
		return "", accounterrors.Unexpected("tokenengine.IssueAccountToken", err)
	}
	if !ok {
		return "", accounterrors.Other("no account for this credential")
	}

	tok, err := randomToken()
	if err != nil {
		return "", accounterrors.Unexpected("tokenengine.IssueAccountToken", err)
	}

	if kind == domainaccount.KindEmail && e.mailer != nil && e.templates != nil {
		body, rerr := e.templates.Render(pkgmail.KindAccountToken, pkgmail.Data{Token: token.Hex(tok), Op: string(op)})
		if rerr != nil {
			return "", accounterrors.Unexpected("tokenengine.IssueAccountToken", rerr)
		}
		if serr := e.mailer.Send(ctx, identifier, "ddnet-accounts account operation code", body); serr != nil {
			return "", accounterrors.Unexpected("tokenengine.IssueAccountToken", serr)
		}
	}

	now := time.Now().UTC()
	if err := txn.InsertAccountToken(ctx, token.AccountToken{
		Token:      tok,
		AccountID:  accountID,
		Op:         op,
		ValidUntil: now.Add(e.accountTokenTTL),
	}); err != nil {
		return "", accounterrors.Unexpected("tokenengine.IssueAccountToken", err)
	}
	if err := txn.Commit(); err != nil {
		return "", accounterrors.Unexpected("tokenengine.IssueAccountToken", err)
	}

	if kind == domainaccount.KindEmail {
		return "", nil
	}
	return token.Hex(tok), nil
}

// ConsumeAccountToken reads and deletes the account-token row in txn,
// requiring its Op equal expectedOp.
func ConsumeAccountToken(ctx context.Context, txn storage.Tx, tokenHex string, expectedOp token.Op) (token.AccountToken, error) {
	tok, err := decodeTokenHex(tokenHex)
	if err != nil {
		return token.AccountToken{}, accounterrors.Other("invalid token")
	}
	got, err := txn.ConsumeAccountToken(ctx, tok)
	if err == storage.ErrTokenInvalid {
		return token.AccountToken{}, accounterrors.LogicError("TokenInvalid", "token expired or already used")
	}
	if err != nil {
		return token.AccountToken{}, accounterrors.Unexpected("tokenengine.ConsumeAccountToken", err)
	}
	if got.Op != expectedOp {
		return token.AccountToken{}, accounterrors.Other("token issued for a different operation")
	}
	return got, nil
}

// GC deletes every expired credential-auth and account token row. Intended
// to run on a daily schedule (cmd/accountd wires this to robfig/cron).
func (e *Engine) GC(ctx context.Context) error {
	now := time.Now().UTC()
	credN, err := e.store.GCExpiredCredentialAuthTokens(ctx, now)
	if err != nil {
		return fmt.Errorf("gc credential auth tokens: %w", err)
	}
	acctN, err := e.store.GCExpiredAccountTokens(ctx, now)
	if err != nil {
		return fmt.Errorf("gc account tokens: %w", err)
	}
	e.log.WithFields(map[string]interface{}{
		"credential_auth_tokens_deleted": credN,
		"account_tokens_deleted":         acctN,
	}).Info("token gc complete")
	return nil
}

func decodeTokenHex(s string) ([16]byte, error) {
	var out [16]byte
	if len(s) != 32 {
		return out, fmt.Errorf("invalid token length")
	}
	for i := 0; i < 16; i++ {
		hi, ok1 := hexVal(s[i*2])
		lo, ok2 := hexVal(s[i*2+1])
		if !ok1 || !ok2 {
			return out, fmt.Errorf("invalid token hex")
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
