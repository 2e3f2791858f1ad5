package pki

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// AccountlessCertValidity bounds a client's self-signed fallback cert. A
// game server seeing one of these extracts only the key fingerprint; the
// short validity keeps a leaked key from staying presentable for long.
const AccountlessCertValidity = 4 * time.Hour

// GenerateAccountlessKey creates the stable Ed25519 key a client keeps on
// disk for the accountless fallback path.
func GenerateAccountlessKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate accountless key: %w", err)
	}
	return pub, priv, nil
}

// SelfSignAccountlessCert issues a short-lived self-signed certificate for
// priv, used by the client when the authority is unreachable. It carries no
// AccountCertExt: a game server validating it will fall back to the key
// fingerprint.
func SelfSignAccountlessCert(priv ed25519.PrivateKey, now time.Time) ([]byte, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(ClientCertSerial),
		Subject:      pkix.Name{Organization: []string{"accountless"}},
		NotBefore:    now,
		NotAfter:     now.Add(AccountlessCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return nil, fmt.Errorf("self-sign accountless cert: %w", err)
	}
	return der, nil
}
