// Package token holds the two single-use token families that gate every
// state-changing account operation.
package token

import "time"

// Op enumerates the account operation a token authorizes. The handler that
// consumes a token must check the token's Op against the operation it
// expects and fail if they differ.
type Op string

const (
	OpLogin            Op = "login"
	OpLinkCredential   Op = "link_credential"
	OpUnlinkCredential Op = "unlink_credential"
	OpLogoutAll        Op = "logout_all"
	OpDelete           Op = "delete"
)

// CredentialKind mirrors account.CredentialKind without importing the
// account package, keeping the token domain free-standing.
type CredentialKind string

const (
	KindEmail CredentialKind = "email"
	KindSteam CredentialKind = "steam"
)

// CredentialAuthToken proves control of an external credential for a
// specific op. Single-use: consuming it deletes the row in the same
// transaction that reads it.
type CredentialAuthToken struct {
	Token      [16]byte
	Kind       CredentialKind
	Identifier string
	Op         Op
	ValidUntil time.Time
}

// AccountToken authorizes a destructive or account-scoped operation once an
// account id has already been resolved from a credential. Single-use.
type AccountToken struct {
	Token      [16]byte
	AccountID  int64
	Op         Op
	ValidUntil time.Time
}

// Hex returns the lowercase hex encoding of a 16-byte token, the wire form
// used in every JSON request/response.
func Hex(b [16]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 32)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
