// Package rotation implements the overlapping two-key signing-key rotation
// scheme: a Current key actively signs client certificates while a Next
// key, generated ahead of time, waits to take over once Current nears
// expiry.
package rotation

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/ddnet-accounts/accountd/infrastructure/resilience"
	"github.com/ddnet-accounts/accountd/internal/domain/cert"
	"github.com/ddnet-accounts/accountd/internal/platform/storage"
	"github.com/ddnet-accounts/accountd/pkg/logger"
	"github.com/ddnet-accounts/accountd/pkg/pki"
)

// Config bounds the rotation schedule. CurrentValidity/NextValidity set how
// far in the future each key's NotAfter is pushed on generation; SafetyWindow
// is how far ahead of Current.NotAfter a rotation is triggered.
type Config struct {
	AuthorityName   string
	CurrentValidity time.Duration
	NextValidity    time.Duration
	SafetyWindow    time.Duration
	CheckInterval   time.Duration
	ErrorBackoff    time.Duration
}

// serializedKeyPair is the gob-friendly mirror of cert.SigningKeyPair: the
// private key itself is marshaled to PKCS8 so the struct can round-trip
// through Store.SaveKeyState's opaque blob.
type serializedKeyPair struct {
	PrivateKeyPKCS8 []byte
	CertDER         []byte
	NotAfter        time.Time
}

type serializedKeyState struct {
	Current serializedKeyPair
	Next    serializedKeyPair
}

// Engine owns the in-memory KeyState, keeps it persisted to Store and
// publishes every authority cert it has ever issued so older client
// installations can keep validating against a cert chain that includes
// retired keys until they expire.
type Engine struct {
	store storage.Store
	log   *logger.Logger
	cfg   Config
	mu    sync.RWMutex
	state cert.KeyState
}

// New builds an Engine. Call Bootstrap once before Current is usable.
func New(store storage.Store, log *logger.Logger, cfg Config) *Engine {
	return &Engine{store: store, log: log, cfg: cfg}
}

// Current returns the signing key presently used to issue client
// certificates, satisfying sessionengine.KeyProvider.
func (e *Engine) Current() cert.SigningKeyPair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Current
}

// Bootstrap loads persisted key state, generating a fresh Current/Next pair
// on first run (no prior state in Store).
func (e *Engine) Bootstrap(ctx context.Context) error {
	raw, found, err := e.store.LoadKeyState(ctx)
	if err != nil {
		return fmt.Errorf("load key state: %w", err)
	}
	if found {
		state, err := decodeKeyState(raw)
		if err != nil {
			return fmt.Errorf("decode key state: %w", err)
		}
		e.mu.Lock()
		e.state = state
		e.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	current, err := pki.GenerateSigningKeyPair(e.cfg.AuthorityName, now, e.cfg.CurrentValidity)
	if err != nil {
		return fmt.Errorf("generate initial current key: %w", err)
	}
	next, err := pki.GenerateSigningKeyPair(e.cfg.AuthorityName, now, e.cfg.NextValidity)
	if err != nil {
		return fmt.Errorf("generate initial next key: %w", err)
	}
	return e.commit(ctx, cert.KeyState{Current: current, Next: next}, current, next)
}

// MaybeRotate checks whether Current is within SafetyWindow of expiry and,
// if so, promotes Next to Current and generates a fresh Next. It is safe to
// call on every tick of the background loop; most calls are a no-op.
func (e *Engine) MaybeRotate(ctx context.Context) error {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()

	now := time.Now().UTC()
	if now.Add(e.cfg.SafetyWindow).Before(state.Current.NotAfter) {
		return nil
	}

	next, err := pki.GenerateSigningKeyPair(e.cfg.AuthorityName, now, e.cfg.NextValidity)
	if err != nil {
		return fmt.Errorf("generate next key: %w", err)
	}

	newState := cert.KeyState{Current: state.Next, Next: next}
	if err := e.commit(ctx, newState, next); err != nil {
		return err
	}

	e.log.WithFields(map[string]interface{}{
		"current_not_after": newState.Current.NotAfter,
		"next_not_after":    newState.Next.NotAfter,
	}).Info("rotated signing keys")
	return nil
}

// commit publishes any newly generated certs, then persists the key blob,
// then swaps the in-memory state, in that order: a reader of the public
// chain must already see the cert for any key that could sign next.
func (e *Engine) commit(ctx context.Context, state cert.KeyState, fresh ...cert.SigningKeyPair) error {
	for _, kp := range fresh {
		if _, err := e.store.InsertPublishedCert(ctx, cert.PublishedCert{DER: kp.CertDER, ValidUntil: kp.NotAfter}); err != nil {
			return fmt.Errorf("publish cert: %w", err)
		}
	}

	raw, err := encodeKeyState(state)
	if err != nil {
		return fmt.Errorf("encode key state: %w", err)
	}
	if err := e.store.SaveKeyState(ctx, raw); err != nil {
		return fmt.Errorf("save key state: %w", err)
	}

	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	return nil
}

// Run blocks, checking for a needed rotation every CheckInterval until ctx
// is cancelled. On error it logs and backs off by ErrorBackoff rather than
// busy-looping.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retryCfg := resilience.BackgroundRetryConfig(e.cfg.ErrorBackoff)
			if err := resilience.Retry(ctx, retryCfg, func() error { return e.MaybeRotate(ctx) }); err != nil {
				e.log.WithFields(map[string]interface{}{"error": err.Error()}).Error("signing key rotation failed")
			}
		}
	}
}

// GCPublishedCerts deletes published authority certs past their
// ValidUntil, freeing the public cert-chain table of retired entries.
func (e *Engine) GCPublishedCerts(ctx context.Context) error {
	n, err := e.store.GCExpiredCerts(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("gc published certs: %w", err)
	}
	e.log.WithFields(map[string]interface{}{"deleted": n}).Info("published cert gc complete")
	return nil
}

func encodeKeyState(state cert.KeyState) ([]byte, error) {
	curPKCS8, err := marshalECPrivateKey(state.Current)
	if err != nil {
		return nil, err
	}
	nextPKCS8, err := marshalECPrivateKey(state.Next)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	err = enc.Encode(serializedKeyState{
		Current: serializedKeyPair{PrivateKeyPKCS8: curPKCS8, CertDER: state.Current.CertDER, NotAfter: state.Current.NotAfter},
		Next:    serializedKeyPair{PrivateKeyPKCS8: nextPKCS8, CertDER: state.Next.CertDER, NotAfter: state.Next.NotAfter},
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeKeyState(raw []byte) (cert.KeyState, error) {
	var s serializedKeyState
	dec := gob.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&s); err != nil {
		return cert.KeyState{}, err
	}

	curKey, err := unmarshalECPrivateKey(s.Current.PrivateKeyPKCS8)
	if err != nil {
		return cert.KeyState{}, err
	}
	nextKey, err := unmarshalECPrivateKey(s.Next.PrivateKeyPKCS8)
	if err != nil {
		return cert.KeyState{}, err
	}

	return cert.KeyState{
		Current: cert.SigningKeyPair{PrivateKey: curKey, CertDER: s.Current.CertDER, NotAfter: s.Current.NotAfter},
		Next:    cert.SigningKeyPair{PrivateKey: nextKey, CertDER: s.Next.CertDER, NotAfter: s.Next.NotAfter},
	}, nil
}
