// Package cert holds the authority's signing-key and published-cert value
// types. Issuance and verification logic lives in pkg/pki; this package is
// the storage-facing shape only.
package cert

import (
	"crypto/ecdsa"
	"time"
)

// AccountCertExtOID is the ASN.1 object identifier under which a
// short-lived client certificate carries its AccountCertExt payload.
var AccountCertExtOID = []int{1, 3, 6, 1, 4, 1, 0, 68, 68, 45, 65, 99, 99}

// AccountCertExt is the extension payload embedded in every client
// certificate the authority signs: the account id the certificate speaks
// for, and the UTC creation time of the session that was signed, in
// milliseconds since the Unix epoch.
type AccountCertExt struct {
	AccountID                   int64
	UTCTimeSinceUnixEpochMillis int64
}

// SigningKeyPair is one of the authority's two concurrent P-256 ECDSA key
// pairs, each with a self-signed x509 certificate naming the authority.
type SigningKeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	CertDER    []byte
	NotAfter   time.Time
}

// KeyState is the persisted, atomically-replaced pair of signing keys: the
// one actively used to sign client certificates, and the one about to take
// over once Current nears expiry.
type KeyState struct {
	Current SigningKeyPair
	Next    SigningKeyPair
}

// PublishedCert is a row in the public cert-chain table: the DER bytes of
// an authority self-signed certificate and its expiry, garbage-collected
// once past ValidUntil.
type PublishedCert struct {
	ID         int64
	DER        []byte
	ValidUntil time.Time
}
