// Package account holds the durable identity owned by the authority.
package account

import "time"

// Account is a durable identity that owns zero or more sessions and one or
// more external credentials. It is created on first successful login that
// did not resolve an existing credential, and destroyed by Delete.
type Account struct {
	ID           int64
	CreationDate time.Time
}

// CredentialKind distinguishes the external identity providers the
// authority federates under one account.
type CredentialKind string

const (
	KindEmail CredentialKind = "email"
	KindSteam CredentialKind = "steam"
)

// Credential is an identifier/kind pair used wherever an operation is
// generic over which external identity provider it concerns. Identifier is
// the lowercased, parsed email address for KindEmail or the decimal
// steamid64 for KindSteam.
type Credential struct {
	Kind       CredentialKind
	Identifier string
}

// EmailCredential binds a lowercased, parsed email address to an account.
// Unique on Email; an account may hold at most one.
type EmailCredential struct {
	AccountID int64
	Email     string
}

// SteamCredential binds a Steam 64-bit id to an account. Unique on
// SteamID64; an account may hold at most one.
type SteamCredential struct {
	AccountID int64
	SteamID64 uint64
}

// Info is the public-facing account summary returned by /account-info.
type Info struct {
	AccountID    int64        `json:"account_id"`
	CreationDate time.Time    `json:"creation_date"`
	Credentials  []Credential `json:"credentials"`
}
