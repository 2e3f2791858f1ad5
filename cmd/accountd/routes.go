package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	accounterrors "github.com/ddnet-accounts/accountd/infrastructure/errors"
	"github.com/ddnet-accounts/accountd/infrastructure/httputil"
	"github.com/ddnet-accounts/accountd/infrastructure/middleware"
	"github.com/ddnet-accounts/accountd/internal/app/denylist"
	"github.com/ddnet-accounts/accountd/internal/app/linkage"
	"github.com/ddnet-accounts/accountd/internal/app/rotation"
	"github.com/ddnet-accounts/accountd/internal/app/sessionengine"
	"github.com/ddnet-accounts/accountd/internal/app/tokenengine"
	"github.com/ddnet-accounts/accountd/internal/domain/account"
	"github.com/ddnet-accounts/accountd/internal/domain/session"
	"github.com/ddnet-accounts/accountd/internal/domain/token"
	"github.com/ddnet-accounts/accountd/internal/platform/config"
	"github.com/ddnet-accounts/accountd/internal/platform/storage"
	"github.com/ddnet-accounts/accountd/pkg/accountsapi"
	"github.com/ddnet-accounts/accountd/pkg/logger"
	"github.com/ddnet-accounts/accountd/pkg/version"
)

// routeDeps bundles every collaborator a handler may need, built once in
// main and threaded through gin's context via closures rather than a
// request-scoped container.
type routeDeps struct {
	cfg      *config.Config
	log      *logger.Logger
	store    storage.Store
	tokens   *tokenengine.Engine
	links    *linkage.Engine
	sessions *sessionengine.Engine
	rotation *rotation.Engine
	lists    *denylist.Lists
}

func clientIP(c *gin.Context) string {
	return httputil.ClientIP(c.Request)
}

func writeOk(c *gin.Context, ok interface{}) {
	httputil.WriteJSON(c.Writer, http.StatusOK, accountsapi.Envelope{Ok: ok})
}

func writeErr(c *gin.Context, err error) {
	aerr := accounterrors.AsAccountServerRequestError("route", err)
	httputil.WriteJSON(c.Writer, aerr.HTTPStatus(), accountsapi.Envelope{Err: &accountsapi.ErrBody{
		Kind:      string(aerr.Kind),
		Message:   aerr.Message,
		LogicCode: aerr.LogicCode,
	}})
}

// bindJSON decodes the request body, mapping every decode failure to the
// same Other("malformed request body") envelope regardless of route.
func bindJSON(c *gin.Context, v interface{}) bool {
	if err := httputil.DecodeJSON(c.Request, v); err != nil {
		if err == httputil.ErrBodyTooLarge {
			writeErr(c, accounterrors.Other("request body too large"))
			return false
		}
		writeErr(c, accounterrors.Other("malformed request body"))
		return false
	}
	return true
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func decodeHWID(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, accounterrors.Other("invalid hw_id")
	}
	copy(out[:], raw)
	return out, nil
}

// decodeSignRequest builds a session.SignRequest from the wire shape every
// proof-of-possession route shares, hex-decoding the binary fields.
func decodeSignRequest(data accountsapi.AccountData, timestamp time.Time, signatureHex string) (session.SignRequest, error) {
	pub, err := decodeHex(data.PublicKey)
	if err != nil {
		return session.SignRequest{}, accounterrors.Other("invalid public_key")
	}
	hwID, err := decodeHWID(data.HWID)
	if err != nil {
		return session.SignRequest{}, err
	}
	sig, err := decodeHex(signatureHex)
	if err != nil {
		return session.SignRequest{}, accounterrors.Other("invalid signature")
	}
	return session.SignRequest{
		PublicKey: pub,
		HWID:      hwID,
		Timestamp: timestamp,
		Signature: sig,
	}, nil
}

// verifySignature re-checks proof of possession for routes that need it
// outside sessionengine (account-info reads a session without mutating it;
// logout-all's ignore_session names a session to spare). Mirrors
// sessionengine's unexported verifyProofOfPossession.
func verifySignature(req session.SignRequest) error {
	if !session.WithinSkew(time.Now().UTC(), req.Timestamp) {
		return accounterrors.LogicError("ClockSkew", "timestamp outside acceptable clock skew")
	}
	if len(req.PublicKey) != ed25519.PublicKeySize {
		return accounterrors.Other("invalid session public key")
	}
	stamp := []byte(req.Timestamp.UTC().Format(time.RFC3339Nano))
	if !ed25519.Verify(ed25519.PublicKey(req.PublicKey), stamp, req.Signature) {
		return accounterrors.LogicError("BadSignature", "signature does not match timestamp")
	}
	return nil
}

func registerRoutes(r *gin.Engine, d *routeDeps, tokenGuard gin.HandlerFunc) {
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	health := middleware.NewHealthChecker(version.FullVersion())
	health.RegisterCheck("storage", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := d.store.ActivePublishedCerts(ctx, time.Now().UTC())
		return err
	})
	health.RegisterWarnCheck("signing_keys", func() error {
		remaining := time.Until(d.rotation.Current().NotAfter)
		if remaining < 48*time.Hour {
			return fmt.Errorf("current signing cert expires in %s and has not rotated", remaining.Round(time.Minute))
		}
		return nil
	})
	r.GET("/healthz", gin.WrapF(health.Handler()))
	r.GET("/livez", gin.WrapF(middleware.LivenessHandler()))

	r.GET("/certs", func(c *gin.Context) {
		certs, err := d.store.ActivePublishedCerts(c.Request.Context(), time.Now().UTC())
		if err != nil {
			writeErr(c, accounterrors.Unexpected("GET /certs", err))
			return
		}
		out := make([]string, 0, len(certs))
		for _, cc := range certs {
			out = append(out, hex.EncodeToString(cc.DER))
		}
		writeOk(c, accountsapi.CertsResponse{Certs: out})
	})

	tok := r.Group("", tokenGuard)
	tok.POST("/token/email", handleTokenEmail(d, false))
	tok.POST("/token/email-secret", handleTokenEmail(d, true))
	tok.POST("/token/steam", handleTokenSteam(d, false))
	tok.POST("/token/steam-secret", handleTokenSteam(d, true))

	tok.POST("/account-token/email", handleAccountToken(d, account.KindEmail, false))
	tok.POST("/account-token/email-secret", handleAccountToken(d, account.KindEmail, true))
	tok.POST("/account-token/steam", handleAccountToken(d, account.KindSteam, false))
	tok.POST("/account-token/steam-secret", handleAccountToken(d, account.KindSteam, true))

	r.POST("/login", handleLogin(d))
	r.POST("/logout", handleLogout(d))
	r.POST("/logout-all", handleLogoutAll(d))
	r.POST("/delete", handleDelete(d))
	r.POST("/link-credential", handleLinkCredential(d))
	r.POST("/unlink-credential", handleUnlinkCredential(d))
	r.POST("/sign", handleSign(d))
	r.POST("/account-info", handleAccountInfo(d))
}

func handleTokenEmail(d *routeDeps, secretVariant bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountsapi.TokenEmailRequest
		if !bindJSON(c, &req) {
			return
		}
		secretRequired := secretVariant && d.cfg.TokenSecretKey != ""
		secretProvided := req.SecretKey != "" && req.SecretKey == d.cfg.TokenSecretKey

		if _, err := d.tokens.IssueCredentialAuthToken(c.Request.Context(), account.KindEmail, req.Email, token.Op(req.Op), secretRequired, secretProvided); err != nil {
			writeErr(c, err)
			return
		}
		writeOk(c, struct{}{})
	}
}

func handleTokenSteam(d *routeDeps, secretVariant bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountsapi.TokenSteamRequest
		if !bindJSON(c, &req) {
			return
		}
		secretRequired := secretVariant && d.cfg.TokenSecretKey != ""
		secretProvided := req.SecretKey != "" && req.SecretKey == d.cfg.TokenSecretKey

		ticket, err := decodeHex(req.SteamTicket)
		if err != nil {
			writeErr(c, accounterrors.Other("invalid steam_ticket"))
			return
		}
		tokHex, err := d.tokens.IssueCredentialAuthToken(c.Request.Context(), account.KindSteam, string(ticket), token.Op(req.Op), secretRequired, secretProvided)
		if err != nil {
			writeErr(c, err)
			return
		}
		writeOk(c, accountsapi.TokenResponse{Token: tokHex})
	}
}

func handleAccountToken(d *routeDeps, kind account.CredentialKind, secretVariant bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountsapi.AccountTokenRequest
		if !bindJSON(c, &req) {
			return
		}
		secretRequired := secretVariant && d.cfg.TokenSecretKey != ""
		secretProvided := req.SecretKey != "" && req.SecretKey == d.cfg.TokenSecretKey

		tokHex, err := d.tokens.IssueAccountToken(c.Request.Context(), kind, req.Identifier, token.Op(req.Op), secretRequired, secretProvided)
		if err != nil {
			writeErr(c, err)
			return
		}
		writeOk(c, accountsapi.TokenResponse{Token: tokHex})
	}
}

// withTx runs fn against a freshly opened transaction, committing on
// success. Handlers do their whole consume-then-apply sequence inside one
// fn, so a consumed token and the effect it authorized always commit (or
// roll back) together.
func withTx[T any](c *gin.Context, d *routeDeps, fn func(storage.Tx) (T, error)) (T, bool) {
	var zero T
	txn, err := d.store.BeginTx(c.Request.Context())
	if err != nil {
		writeErr(c, accounterrors.Unexpected("withTx", err))
		return zero, false
	}
	defer func() { _ = txn.Rollback() }()

	result, err := fn(txn)
	if err != nil {
		writeErr(c, err)
		return zero, false
	}
	if err := txn.Commit(); err != nil {
		writeErr(c, accounterrors.Unexpected("withTx", err))
		return zero, false
	}
	return result, true
}

func handleLogin(d *routeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountsapi.LoginRequest
		if !bindJSON(c, &req) {
			return
		}

		signReq, err := decodeSignRequest(req.AccountData, req.TimeStamp, req.Signature)
		if err != nil {
			writeErr(c, err)
			return
		}

		accountID, ok := withTx(c, d, func(txn storage.Tx) (int64, error) {
			consumed, err := tokenengine.ConsumeCredentialAuthToken(c.Request.Context(), txn, req.CredentialAuthToken, token.OpLogin)
			if err != nil {
				return 0, err
			}
			cred, err := linkage.ResolveOpToken(consumed)
			if err != nil {
				return 0, accounterrors.Unexpected("handleLogin", err)
			}
			accountID, _, err := linkage.LoginOrRegisterIn(c.Request.Context(), txn, cred)
			if err != nil {
				return 0, err
			}
			if err := d.sessions.LoginIn(c.Request.Context(), txn, accountID, signReq); err != nil {
				return 0, err
			}
			return accountID, nil
		})
		if !ok {
			return
		}

		writeOk(c, accountsapi.LoginResponse{AccountID: accountID})
	}
}

func handleSign(d *routeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountsapi.SignedRequest
		if !bindJSON(c, &req) {
			return
		}
		signReq, err := decodeSignRequest(req.AccountData, req.TimeStamp, req.Signature)
		if err != nil {
			writeErr(c, err)
			return
		}
		der, err := d.sessions.Sign(c.Request.Context(), signReq)
		if err != nil {
			writeErr(c, err)
			return
		}
		writeOk(c, accountsapi.SignResponse{CertDER: hex.EncodeToString(der)})
	}
}

func handleLogout(d *routeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountsapi.SignedRequest
		if !bindJSON(c, &req) {
			return
		}
		signReq, err := decodeSignRequest(req.AccountData, req.TimeStamp, req.Signature)
		if err != nil {
			writeErr(c, err)
			return
		}
		if err := d.sessions.Logout(c.Request.Context(), signReq); err != nil {
			writeErr(c, err)
			return
		}
		writeOk(c, struct{}{})
	}
}

func handleLogoutAll(d *routeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountsapi.LogoutAllRequest
		if !bindJSON(c, &req) {
			return
		}

		var publicKey []byte
		var hwID [32]byte
		keep := false
		if req.IgnoreSession != nil {
			signReq, err := decodeSignRequest(req.IgnoreSession.AccountData, req.IgnoreSession.TimeStamp, req.IgnoreSession.Signature)
			if err != nil {
				writeErr(c, err)
				return
			}
			if err := verifySignature(signReq); err != nil {
				writeErr(c, err)
				return
			}
			publicKey = signReq.PublicKey
			hwID = signReq.HWID
			keep = true
		}

		_, ok := withTx(c, d, func(txn storage.Tx) (struct{}, error) {
			acctTok, err := tokenengine.ConsumeAccountToken(c.Request.Context(), txn, req.AccountToken, token.OpLogoutAll)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, sessionengine.LogoutAllIn(c.Request.Context(), txn, acctTok.AccountID, publicKey, hwID, keep)
		})
		if !ok {
			return
		}
		writeOk(c, struct{}{})
	}
}

func handleDelete(d *routeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountsapi.DeleteRequest
		if !bindJSON(c, &req) {
			return
		}

		_, ok := withTx(c, d, func(txn storage.Tx) (struct{}, error) {
			acctTok, err := tokenengine.ConsumeAccountToken(c.Request.Context(), txn, req.AccountToken, token.OpDelete)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, sessionengine.DeleteIn(c.Request.Context(), txn, acctTok.AccountID)
		})
		if !ok {
			return
		}
		writeOk(c, struct{}{})
	}
}

func handleLinkCredential(d *routeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountsapi.LinkCredentialRequest
		if !bindJSON(c, &req) {
			return
		}

		_, ok := withTx(c, d, func(txn storage.Tx) (struct{}, error) {
			acctTok, err := tokenengine.ConsumeAccountToken(c.Request.Context(), txn, req.AccountToken, token.OpLinkCredential)
			if err != nil {
				return struct{}{}, err
			}
			credTok, err := tokenengine.ConsumeCredentialAuthToken(c.Request.Context(), txn, req.CredentialAuthToken, token.OpLinkCredential)
			if err != nil {
				return struct{}{}, err
			}
			cred, err := linkage.ResolveOpToken(credTok)
			if err != nil {
				return struct{}{}, accounterrors.Unexpected("handleLinkCredential", err)
			}
			return struct{}{}, linkage.LinkCredentialIn(c.Request.Context(), txn, acctTok.AccountID, cred)
		})
		if !ok {
			return
		}
		writeOk(c, struct{}{})
	}
}

func handleUnlinkCredential(d *routeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountsapi.UnlinkCredentialRequest
		if !bindJSON(c, &req) {
			return
		}

		_, ok := withTx(c, d, func(txn storage.Tx) (struct{}, error) {
			credTok, err := tokenengine.ConsumeCredentialAuthToken(c.Request.Context(), txn, req.CredentialAuthToken, token.OpUnlinkCredential)
			if err != nil {
				return struct{}{}, err
			}
			cred, err := linkage.ResolveOpToken(credTok)
			if err != nil {
				return struct{}{}, accounterrors.Unexpected("handleUnlinkCredential", err)
			}
			owner, found, err := txn.ResolveAccountByCredential(c.Request.Context(), cred)
			if err != nil {
				return struct{}{}, accounterrors.Unexpected("handleUnlinkCredential", err)
			}
			if !found {
				return struct{}{}, accounterrors.LogicError("NotFound", "credential not linked to any account")
			}
			return struct{}{}, linkage.UnlinkCredentialIn(c.Request.Context(), txn, owner, cred)
		})
		if !ok {
			return
		}
		writeOk(c, struct{}{})
	}
}

func handleAccountInfo(d *routeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req accountsapi.SignedRequest
		if !bindJSON(c, &req) {
			return
		}
		signReq, err := decodeSignRequest(req.AccountData, req.TimeStamp, req.Signature)
		if err != nil {
			writeErr(c, err)
			return
		}
		if err := verifySignature(signReq); err != nil {
			writeErr(c, err)
			return
		}

		sess, found, err := txFindSession(c, d, signReq.PublicKey, signReq.HWID)
		if err != nil {
			writeErr(c, accounterrors.Unexpected("handleAccountInfo", err))
			return
		}
		if !found {
			writeErr(c, accounterrors.LogicError("NotFound", "no such session"))
			return
		}

		info, err := d.links.Info(c.Request.Context(), sess.AccountID)
		if err != nil {
			writeErr(c, err)
			return
		}

		creds := make([]accountsapi.AccountInfoCredential, 0, len(info.Credentials))
		for _, cr := range info.Credentials {
			creds = append(creds, accountsapi.AccountInfoCredential{Kind: string(cr.Kind), Identifier: cr.Identifier})
		}
		writeOk(c, accountsapi.AccountInfoResponse{
			AccountID:    info.AccountID,
			CreationDate: info.CreationDate,
			Credentials:  creds,
		})
	}
}

func txFindSession(c *gin.Context, d *routeDeps, publicKey []byte, hwID [32]byte) (session.Session, bool, error) {
	txn, err := d.store.BeginTx(c.Request.Context())
	if err != nil {
		return session.Session{}, false, err
	}
	defer func() { _ = txn.Rollback() }()
	return txn.FindSession(c.Request.Context(), publicKey, hwID)
}
