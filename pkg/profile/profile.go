// Package profile implements the client-side ProfileCert state machine:
// a cached certificate plus session keys, refreshed in the background
// without holding a lock across a suspension point except the
// notifier used to let concurrent waiters chain fairly on a single
// in-flight fetch.
package profile

import (
	"context"
	"sync"
	"time"
)

// State names which branch of the ProfileCert enum is currently active.
type State int

const (
	// StateNone means no cert has ever been fetched.
	StateNone State = iota
	// StateFetching means a fetch is in flight; waiters await Notifier.
	StateFetching
	// StateCertAndKeys means a valid cert and keys are cached.
	StateCertAndKeys
	// StateCertAndKeysAndFetch means a valid cert is cached but a
	// background refresh is also in flight (the cert is nearing expiry).
	StateCertAndKeysAndFetch
)

// CertAndKeys is the cached artifact: the signed certificate DER and the
// session key pair it was issued for.
type CertAndKeys struct {
	CertDER    []byte
	PublicKey  []byte
	PrivateKey []byte
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// notifier is broadcast exactly once when an in-flight fetch completes, so
// that every waiter that observed StateFetching wakes and re-checks state
// rather than each starting its own fetch.
type notifier struct {
	done chan struct{}
}

func newNotifier() *notifier { return &notifier{done: make(chan struct{})} }
func (n *notifier) broadcast() { close(n.done) }

// Fetcher performs the actual network round trip to obtain a fresh
// certificate, supplied by the caller (typically pkg/client.Dispatcher's
// Login/Sign wired through).
type Fetcher func(ctx context.Context) (CertAndKeys, error)

// Cache is the client-side cert cache plus its state machine. Nothing in
// Cache holds a lock across a suspension point except the notifier wait
// itself, which does not hold Cache.mu.
type Cache struct {
	mu       sync.Mutex
	state    State
	current  CertAndKeys
	notifier *notifier
	fetch    Fetcher

	// RefreshBefore is how far ahead of ExpiresAt a Get call triggers a
	// background refresh instead of serving the cached value directly.
	RefreshBefore time.Duration
}

// New builds a Cache with no cert yet cached.
func New(fetch Fetcher, refreshBefore time.Duration) *Cache {
	return &Cache{state: StateNone, fetch: fetch, RefreshBefore: refreshBefore}
}

// Get returns a usable certificate, fetching one if none is cached,
// awaiting an in-flight fetch if one is running, or kicking off a
// background refresh (while still returning the still-valid cached value)
// if the cached cert is nearing expiry.
func (c *Cache) Get(ctx context.Context) (CertAndKeys, error) {
	c.mu.Lock()

	switch c.state {
	case StateCertAndKeys:
		if time.Now().UTC().Add(c.RefreshBefore).Before(c.current.ExpiresAt) {
			cur := c.current
			c.mu.Unlock()
			return cur, nil
		}
		// Near expiry: downgrade to CertAndKeysAndFetch and kick a refresh,
		// but still hand back the cached value to this caller immediately.
		cur := c.current
		n := newNotifier()
		c.notifier = n
		c.state = StateCertAndKeysAndFetch
		c.mu.Unlock()
		go c.runFetch(context.WithoutCancel(ctx), n)
		return cur, nil

	case StateCertAndKeysAndFetch:
		// Still fresh enough: serve the cached value while the background
		// refresh runs. Once actually expired, the caller must await the
		// in-flight fetch like any other waiter.
		if time.Now().UTC().Before(c.current.ExpiresAt) {
			cur := c.current
			c.mu.Unlock()
			return cur, nil
		}
		n := c.notifier
		c.mu.Unlock()
		select {
		case <-n.done:
		case <-ctx.Done():
			return CertAndKeys{}, ctx.Err()
		}
		return c.Get(ctx)

	case StateFetching:
		n := c.notifier
		c.mu.Unlock()
		select {
		case <-n.done:
		case <-ctx.Done():
			return CertAndKeys{}, ctx.Err()
		}
		return c.Get(ctx)

	default: // StateNone
		n := newNotifier()
		c.notifier = n
		c.state = StateFetching
		c.mu.Unlock()
		return c.fetchAndWait(ctx, n)
	}
}

func (c *Cache) fetchAndWait(ctx context.Context, n *notifier) (CertAndKeys, error) {
	result, err := c.fetch(ctx)

	c.mu.Lock()
	if err == nil {
		c.current = result
		c.state = StateCertAndKeys
	} else {
		c.state = StateNone
	}
	c.notifier = nil
	c.mu.Unlock()
	n.broadcast()

	if err != nil {
		return CertAndKeys{}, err
	}
	return result, nil
}

func (c *Cache) runFetch(ctx context.Context, n *notifier) {
	result, err := c.fetch(ctx)

	c.mu.Lock()
	if err == nil {
		c.current = result
		c.state = StateCertAndKeys
	} else {
		// Keep serving the stale cert; a future Get will retry.
		c.state = StateCertAndKeys
	}
	c.notifier = nil
	c.mu.Unlock()
	n.broadcast()
}
