// Package pki implements the authority's certificate issuance: generating
// P-256 signing key pairs, self-signing authority certificates, minting
// short-lived client certificates carrying an AccountCertExt extension, and
// extracting that extension back out on the verifying side (the game
// server).
package pki

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/ddnet-accounts/accountd/internal/domain/cert"
)

// ClientCertSerial is the fixed serial number used for every short-lived
// client certificate: uniqueness is not relied upon because these certs
// expire within the hour and validators only check the signature.
const ClientCertSerial = 42

// GenerateSigningKeyPair creates a fresh P-256 key and a self-signed
// authority certificate valid from now for validity, naming the authority
// in its subject.
func GenerateSigningKeyPair(authorityName string, now time.Time, validity time.Duration) (cert.SigningKeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return cert.SigningKeyPair{}, fmt.Errorf("generate signing key: %w", err)
	}

	notAfter := now.Add(validity)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return cert.SigningKeyPair{}, fmt.Errorf("generate authority cert serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{authorityName}},
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return cert.SigningKeyPair{}, fmt.Errorf("self-sign authority cert: %w", err)
	}

	return cert.SigningKeyPair{PrivateKey: priv, CertDER: der, NotAfter: notAfter}, nil
}

// accountCertExtASN1 is the wire shape of AccountCertExt: an ASN.1 sequence
// {account_id: INTEGER, utc_time_since_unix_epoch_millis: INTEGER}.
type accountCertExtASN1 struct {
	AccountID                   int64
	UTCTimeSinceUnixEpochMillis int64
}

// IssueClientCert mints a short-lived x509 certificate for clientPubKey
// (the client's Ed25519 session key), signed by the authority's P-256
// ECDSA signingKey, embedding
// the AccountCertExt extension under cert.AccountCertExtOID. Subject is
// O=<authorityName>; validity runs now..now+validity. Mixed-algorithm
// certificates (Ed25519 subject key, ECDSA issuer signature) are valid
// x509 and are exactly what the game server's verifier expects.
func IssueClientCert(signingKey *ecdsa.PrivateKey, authorityName string, clientPubKey ed25519.PublicKey, ext cert.AccountCertExt, now time.Time, validity time.Duration) ([]byte, error) {
	extValue, err := asn1.Marshal(accountCertExtASN1{
		AccountID:                   ext.AccountID,
		UTCTimeSinceUnixEpochMillis: ext.UTCTimeSinceUnixEpochMillis,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal account cert extension: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(ClientCertSerial),
		Subject:      pkix.Name{Organization: []string{authorityName}},
		NotBefore:    now,
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{
			{
				Id:       cert.AccountCertExtOID,
				Critical: false,
				Value:    extValue,
			},
		},
	}

	// The template is also its own "parent" for the purposes of
	// CreateCertificate's signature fields, but the signature itself comes
	// from signingKey, not from the client's key: this is an
	// authority-issued certificate for the client's public key.
	parent := &x509.Certificate{
		SerialNumber: big.NewInt(ClientCertSerial),
		Subject:      pkix.Name{Organization: []string{authorityName}},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, clientPubKey, signingKey)
	if err != nil {
		return nil, fmt.Errorf("issue client cert: %w", err)
	}
	return der, nil
}

// ExtractAccountCertExt parses certDER and, if it carries the
// AccountCertExt extension, returns the decoded payload.
func ExtractAccountCertExt(certDER []byte) (cert.AccountCertExt, bool, error) {
	x509Cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return cert.AccountCertExt{}, false, fmt.Errorf("parse cert: %w", err)
	}
	for _, ext := range x509Cert.Extensions {
		if !ext.Id.Equal(cert.AccountCertExtOID) {
			continue
		}
		var payload accountCertExtASN1
		if _, err := asn1.Unmarshal(ext.Value, &payload); err != nil {
			return cert.AccountCertExt{}, false, fmt.Errorf("unmarshal account cert extension: %w", err)
		}
		return cert.AccountCertExt{
			AccountID:                   payload.AccountID,
			UTCTimeSinceUnixEpochMillis: payload.UTCTimeSinceUnixEpochMillis,
		}, true, nil
	}
	return cert.AccountCertExt{}, false, nil
}

// VerifyAgainstChain reports whether certDER's signature verifies against
// any certificate in chain (a set of authority self-signed certs parsed
// from DER). This is the game server's validation step: on any success the
// cert is trusted.
func VerifyAgainstChain(certDER []byte, chainDER [][]byte) (bool, error) {
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return false, fmt.Errorf("parse client cert: %w", err)
	}
	for _, der := range chainDER {
		authorityCert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		if err := leaf.CheckSignatureFrom(authorityCert); err == nil {
			return true, nil
		}
	}
	return false, nil
}
