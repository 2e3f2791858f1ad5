package rotation

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"

	"github.com/ddnet-accounts/accountd/internal/domain/cert"
)

func marshalECPrivateKey(pair cert.SigningKeyPair) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(pair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("marshal signing private key: %w", err)
	}
	return der, nil
}

func unmarshalECPrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse signing private key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing private key is not ECDSA")
	}
	return ecKey, nil
}
