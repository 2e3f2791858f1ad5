// Package certdownloader keeps a local copy of the authority's published
// cert chain fresh. After a successful refresh the next attempt waits a
// week, after a failed one about a day; a cached cert nearing expiry
// shortens the wait only once a week has passed since the last attempt.
package certdownloader

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"time"
)

// OneWeek is the throttling window sleep_time() measures elapsed time
// against.
const OneWeek = 7 * 24 * time.Hour

// Downloader fetches the authority's published cert chain.
type Downloader func(ctx context.Context) ([][]byte, error)

// Cache is the client-side cert chain cache plus its refresh scheduler.
type Cache struct {
	mu          sync.RWMutex
	certs       [][]byte
	lastRequest time.Time
	download    Downloader
}

// New builds a Cache with no certs cached yet; lastRequest starts at the
// zero time so the first sleep_time() call always refreshes immediately.
func New(download Downloader) *Cache {
	return &Cache{download: download}
}

// Certs returns the currently cached chain.
func (c *Cache) Certs() [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]byte, len(c.certs))
	copy(out, c.certs)
	return out
}

// invalidIn returns the minimum, over every cached cert, of
// max(0, cert.NotAfter - (now+offset)); the second return is false if the
// cache is empty.
func invalidIn(certs [][]byte, now time.Time, offset time.Duration) (time.Duration, bool) {
	if len(certs) == 0 {
		return 0, false
	}
	var min time.Duration
	has := false
	for _, der := range certs {
		parsed, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		d := parsed.NotAfter.Sub(now.Add(offset))
		if d < 0 {
			d = 0
		}
		if !has || d < min {
			min = d
			has = true
		}
	}
	return min, has
}

// sleepTime computes how long to wait before the next refresh attempt.
func (c *Cache) sleepTime(now time.Time) time.Duration {
	c.mu.RLock()
	certs := c.certs
	lastRequest := c.lastRequest
	c.mu.RUnlock()

	refreshTerm := OneWeek
	if d, ok := invalidIn(certs, now, OneWeek); ok && d < OneWeek {
		refreshTerm = d
	}

	elapsed := now.Sub(lastRequest)
	if elapsed > OneWeek {
		return refreshTerm
	}
	remaining := OneWeek - elapsed
	if refreshTerm > remaining {
		return refreshTerm
	}
	return remaining
}

// Refresh downloads the chain once, replacing the cache on success and
// recording the attempt time. On failure it backdates lastRequest by
// OneWeek-minus-one-day so the next Run iteration retries in about a day
// rather than waiting a full week.
func (c *Cache) Refresh(ctx context.Context) error {
	certs, err := c.download(ctx)
	now := time.Now().UTC()
	if err != nil {
		c.mu.Lock()
		c.lastRequest = now.Add(-(OneWeek - 24*time.Hour))
		c.mu.Unlock()
		return fmt.Errorf("certdownloader: refresh failed: %w", err)
	}

	c.mu.Lock()
	c.certs = certs
	c.lastRequest = now
	c.mu.Unlock()
	return nil
}

// Run blocks, refreshing on the schedule sleepTime computes, until ctx is
// cancelled.
func (c *Cache) Run(ctx context.Context) {
	for {
		wait := c.sleepTime(time.Now().UTC())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		_ = c.Refresh(ctx)
	}
}
