// Package denylist hot-reloads the IP-ban list and email allow/deny lists
// from disk, so an operator can edit the files without restarting the
// server.
package denylist

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ddnet-accounts/accountd/pkg/logger"
)

// Lists is the hot-reloadable set of deny/allow rules. A zero value with
// all paths empty always permits everything.
type Lists struct {
	mu sync.RWMutex

	ipBanPath      string
	emailAllowPath string
	emailBanPath   string

	ipBans      map[string]struct{}
	emailAllows map[string]struct{}
	emailBans   map[string]struct{}

	log *logger.Logger
}

// New builds a Lists and performs the initial load. Empty paths are
// treated as "no restriction" for that list rather than an error.
func New(ipBanPath, emailAllowPath, emailBanPath string, log *logger.Logger) (*Lists, error) {
	l := &Lists{
		ipBanPath:      ipBanPath,
		emailAllowPath: emailAllowPath,
		emailBanPath:   emailBanPath,
		log:            log,
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func readLineSet(path string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	if path == "" {
		return set, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = struct{}{}
	}
	return set, scanner.Err()
}

// Reload re-reads every list file from disk and swaps them in atomically.
// A missing file is treated as an empty list, not an error, so an operator
// can enable a list simply by creating the file later.
func (l *Lists) Reload() error {
	ipBans, err := readLineSet(l.ipBanPath)
	if err != nil {
		return err
	}
	emailAllows, err := readLineSet(l.emailAllowPath)
	if err != nil {
		return err
	}
	emailBans, err := readLineSet(l.emailBanPath)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.ipBans = ipBans
	l.emailAllows = emailAllows
	l.emailBans = emailBans
	l.mu.Unlock()
	return nil
}

// IPBanned reports whether ip appears in the ban list.
func (l *Lists) IPBanned(ip string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, banned := l.ipBans[strings.ToLower(ip)]
	return banned
}

// EmailDomainAllowed reports whether an email address's domain may
// register an account: denied if its domain is in the ban list, or if an
// allow list is configured and the domain is absent from it.
func (l *Lists) EmailDomainAllowed(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])

	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, banned := l.emailBans[domain]; banned {
		return false
	}
	if len(l.emailAllows) == 0 {
		return true
	}
	_, allowed := l.emailAllows[domain]
	return allowed
}

// Run blocks, reloading every interval until ctx is cancelled. Reload
// errors are logged and the previous lists are kept in effect.
func (l *Lists) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Reload(); err != nil {
				l.log.WithFields(map[string]interface{}{"error": err.Error()}).Error("denylist reload failed")
			}
		}
	}
}
