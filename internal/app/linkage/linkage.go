// Package linkage implements credential<->account linking, unlinking and
// resolution: promoting a bare credential into a durable account on first
// use, linking a credential to an existing account (refused when another
// account already holds it), and enforcing the last-credential invariant.
package linkage

import (
	"context"
	"fmt"
	"time"

	accounterrors "github.com/ddnet-accounts/accountd/infrastructure/errors"
	"github.com/ddnet-accounts/accountd/internal/domain/account"
	"github.com/ddnet-accounts/accountd/internal/domain/token"
	"github.com/ddnet-accounts/accountd/internal/platform/storage"
	"github.com/ddnet-accounts/accountd/pkg/logger"
)

// Engine links and unlinks credentials from accounts.
type Engine struct {
	store storage.Store
	log   *logger.Logger
}

// New builds an Engine over store.
func New(store storage.Store, log *logger.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// LoginOrRegisterIn resolves credential to an account inside txn, creating
// a fresh account and linking the credential to it on first use. Returns
// the account id and whether an account was newly created. The caller owns
// the transaction: this sits in the same commit as the token consume that
// authorized it.
func LoginOrRegisterIn(ctx context.Context, txn storage.Tx, credential account.Credential) (accountID int64, created bool, err error) {
	accountID, ok, err := txn.ResolveAccountByCredential(ctx, credential)
	if err != nil {
		return 0, false, accounterrors.Unexpected("linkage.LoginOrRegisterIn", err)
	}
	if !ok {
		accountID, err = txn.CreateAccount(ctx, time.Now().UTC())
		if err != nil {
			return 0, false, accounterrors.Unexpected("linkage.LoginOrRegisterIn", err)
		}
		if err := txn.LinkCredential(ctx, accountID, credential); err != nil {
			return 0, false, accounterrors.Unexpected("linkage.LoginOrRegisterIn", err)
		}
		created = true
	}
	return accountID, created, nil
}

// LoginOrRegister is LoginOrRegisterIn inside its own transaction.
func (e *Engine) LoginOrRegister(ctx context.Context, credential account.Credential) (accountID int64, created bool, err error) {
	txn, err := e.store.BeginTx(ctx)
	if err != nil {
		return 0, false, accounterrors.Unexpected("linkage.LoginOrRegister", err)
	}
	defer func() { _ = txn.Rollback() }()

	accountID, created, err = LoginOrRegisterIn(ctx, txn, credential)
	if err != nil {
		return 0, false, err
	}
	if err := txn.Commit(); err != nil {
		return 0, false, accounterrors.Unexpected("linkage.LoginOrRegister", err)
	}

	e.log.WithFields(map[string]interface{}{
		"account_id": accountID,
		"created":    created,
	}).Info("resolved login credential")
	return accountID, created, nil
}

// LinkCredentialIn attaches credential to accountID inside txn, failing
// with AlreadyLinked when another account already holds it. It shares the transaction with the token consumes that authorized both the
// source identity (credential) and the destination account.
func LinkCredentialIn(ctx context.Context, txn storage.Tx, accountID int64, credential account.Credential) error {
	if err := txn.LinkCredential(ctx, accountID, credential); err != nil {
		if err == storage.ErrAlreadyLinked {
			return accounterrors.LogicError("AlreadyLinked", "credential already linked to another account")
		}
		return accounterrors.Unexpected("linkage.LinkCredentialIn", err)
	}
	return nil
}

// LinkCredential is LinkCredentialIn inside its own transaction.
func (e *Engine) LinkCredential(ctx context.Context, accountID int64, credential account.Credential) error {
	txn, err := e.store.BeginTx(ctx)
	if err != nil {
		return accounterrors.Unexpected("linkage.LinkCredential", err)
	}
	defer func() { _ = txn.Rollback() }()

	if err := LinkCredentialIn(ctx, txn, accountID, credential); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return accounterrors.Unexpected("linkage.LinkCredential", err)
	}
	return nil
}

// UnlinkCredentialIn detaches credential from accountID inside txn,
// refusing when it is the account's last remaining credential: an account
// must always retain at least one, use Delete instead to remove the last.
func UnlinkCredentialIn(ctx context.Context, txn storage.Tx, accountID int64, credential account.Credential) error {
	owner, ok, err := txn.ResolveAccountByCredential(ctx, credential)
	if err != nil {
		return accounterrors.Unexpected("linkage.UnlinkCredentialIn", err)
	}
	if !ok || owner != accountID {
		return accounterrors.LogicError("NotFound", "credential not linked to this account")
	}

	if err := txn.UnlinkCredential(ctx, credential); err != nil {
		if err == storage.ErrLastCredential {
			return accounterrors.LogicError("LastCredential", "cannot unlink the only remaining credential")
		}
		if err == storage.ErrNotFound {
			return accounterrors.LogicError("NotFound", "credential not linked to this account")
		}
		return accounterrors.Unexpected("linkage.UnlinkCredentialIn", err)
	}
	return nil
}

// UnlinkCredential is UnlinkCredentialIn inside its own transaction.
func (e *Engine) UnlinkCredential(ctx context.Context, accountID int64, credential account.Credential) error {
	txn, err := e.store.BeginTx(ctx)
	if err != nil {
		return accounterrors.Unexpected("linkage.UnlinkCredential", err)
	}
	defer func() { _ = txn.Rollback() }()

	if err := UnlinkCredentialIn(ctx, txn, accountID, credential); err != nil {
		return err
	}
	return txn.Commit()
}

// Info returns the account creation date and every credential currently
// linked to it, for the /account-info route.
func (e *Engine) Info(ctx context.Context, accountID int64) (account.Info, error) {
	txn, err := e.store.BeginTx(ctx)
	if err != nil {
		return account.Info{}, accounterrors.Unexpected("linkage.Info", err)
	}
	defer func() { _ = txn.Rollback() }()

	created, err := txn.AccountCreationDate(ctx, accountID)
	if err != nil {
		if err == storage.ErrNotFound {
			return account.Info{}, accounterrors.LogicError("NotFound", "account not found")
		}
		return account.Info{}, accounterrors.Unexpected("linkage.Info", err)
	}
	creds, err := txn.CredentialsForAccount(ctx, accountID)
	if err != nil {
		return account.Info{}, accounterrors.Unexpected("linkage.Info", err)
	}
	return account.Info{AccountID: accountID, CreationDate: created, Credentials: creds}, nil
}

// ResolveOpToken maps a consumed CredentialAuthToken back to a domain
// credential, used by callers that just consumed a token via tokenengine
// and now need to feed its identity into LinkCredential/UnlinkCredential.
func ResolveOpToken(t token.CredentialAuthToken) (account.Credential, error) {
	switch t.Kind {
	case token.KindEmail:
		return account.Credential{Kind: account.KindEmail, Identifier: t.Identifier}, nil
	case token.KindSteam:
		return account.Credential{Kind: account.KindSteam, Identifier: t.Identifier}, nil
	default:
		return account.Credential{}, fmt.Errorf("unknown credential kind %v", t.Kind)
	}
}
