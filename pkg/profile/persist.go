package profile

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ddnet-accounts/accountd/pkg/pki"
)

// writeFileAtomic replaces path via a temp file and rename so a crash
// mid-write never leaves a truncated state file behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// SessionKeys is the persisted "account.key" blob: the Ed25519 session key
// pair minted at login. The private key never leaves the client.
type SessionKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// SaveSessionKeys writes the session key pair to path.
func SaveSessionKeys(path string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	raw, err := json.Marshal(SessionKeys{
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv),
	})
	if err != nil {
		return fmt.Errorf("profile: encode session keys: %w", err)
	}
	return writeFileAtomic(path, raw)
}

// LoadSessionKeys reads the session key pair from path. found is false if
// no file exists yet.
func LoadSessionKeys(path string) (pub ed25519.PublicKey, priv ed25519.PrivateKey, found bool, err error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	var keys SessionKeys
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, nil, false, fmt.Errorf("profile: decode session keys: %w", err)
	}
	pubRaw, err := hex.DecodeString(keys.PublicKey)
	if err != nil || len(pubRaw) != ed25519.PublicKeySize {
		return nil, nil, false, fmt.Errorf("profile: invalid session public key")
	}
	privRaw, err := hex.DecodeString(keys.PrivateKey)
	if err != nil || len(privRaw) != ed25519.PrivateKeySize {
		return nil, nil, false, fmt.Errorf("profile: invalid session private key")
	}
	return ed25519.PublicKey(pubRaw), ed25519.PrivateKey(privRaw), true, nil
}

// DeleteSessionKeys removes the persisted session key pair, used when the
// authority reports the session invalid.
func DeleteSessionKeys(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// AccountlessState is the persisted "accountless_keys_and_cert.json" blob:
// a stable Ed25519 key plus its latest short-lived self-signed cert.
type AccountlessState struct {
	PrivateKey string    `json:"private_key"`
	CertDER    string    `json:"cert_der"`
	ValidUntil time.Time `json:"valid_until"`
}

// EnsureAccountlessCert returns a presentable fallback certificate,
// generating the key on first use and re-signing a fresh 4-hour cert when
// the persisted one has expired. The key itself is stable across calls so
// a game server sees the same fingerprint every time.
func EnsureAccountlessCert(path string, now time.Time) (certDER []byte, priv ed25519.PrivateKey, err error) {
	var state AccountlessState
	raw, readErr := os.ReadFile(path)
	if readErr == nil {
		if err := json.Unmarshal(raw, &state); err == nil {
			if privRaw, err := hex.DecodeString(state.PrivateKey); err == nil && len(privRaw) == ed25519.PrivateKeySize {
				priv = ed25519.PrivateKey(privRaw)
			}
		}
	}

	if priv == nil {
		_, fresh, err := pki.GenerateAccountlessKey()
		if err != nil {
			return nil, nil, err
		}
		priv = fresh
	} else if now.Before(state.ValidUntil) {
		if der, err := hex.DecodeString(state.CertDER); err == nil && len(der) > 0 {
			return der, priv, nil
		}
	}

	certDER, err = pki.SelfSignAccountlessCert(priv, now)
	if err != nil {
		return nil, nil, err
	}

	out, err := json.Marshal(AccountlessState{
		PrivateKey: hex.EncodeToString(priv),
		CertDER:    hex.EncodeToString(certDER),
		ValidUntil: now.Add(pki.AccountlessCertValidity),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("profile: encode accountless state: %w", err)
	}
	if err := writeFileAtomic(path, out); err != nil {
		return nil, nil, fmt.Errorf("profile: persist accountless state: %w", err)
	}
	return certDER, priv, nil
}

// CertChainState is the persisted "account_server_certs.json" blob: the
// downloaded authority cert chain and the time of the last refresh.
type CertChainState struct {
	Certs       []string  `json:"certs"`
	LastRequest time.Time `json:"last_request"`
}

// SaveCertChain writes the downloaded chain to path.
func SaveCertChain(path string, chainDER [][]byte, lastRequest time.Time) error {
	certs := make([]string, 0, len(chainDER))
	for _, der := range chainDER {
		certs = append(certs, hex.EncodeToString(der))
	}
	raw, err := json.Marshal(CertChainState{Certs: certs, LastRequest: lastRequest})
	if err != nil {
		return fmt.Errorf("profile: encode cert chain: %w", err)
	}
	return writeFileAtomic(path, raw)
}

// LoadCertChain reads the persisted chain from path. found is false if no
// file exists yet.
func LoadCertChain(path string) (chainDER [][]byte, lastRequest time.Time, found bool, err error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	var state CertChainState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("profile: decode cert chain: %w", err)
	}
	for _, c := range state.Certs {
		der, err := hex.DecodeString(c)
		if err != nil {
			return nil, time.Time{}, false, fmt.Errorf("profile: invalid cert hex: %w", err)
		}
		chainDER = append(chainDER, der)
	}
	return chainDER, state.LastRequest, true, nil
}
