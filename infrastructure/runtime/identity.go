// Package runtime provides environment detection helpers shared across the account server.
package runtime

import (
	"os"
	"strings"
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the service should fail closed on identity/security
// boundaries (e.g. only trust identity headers protected by verified mTLS).
//
// Deployments with injected mTLS credentials are treated as "strict" too, so a
// mis-set ACCOUNTD_ENV cannot silently weaken trust boundaries.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		env := Env()
		hasInjectedTLS := strings.TrimSpace(os.Getenv("ACCOUNTD_TLS_CERT")) != "" &&
			strings.TrimSpace(os.Getenv("ACCOUNTD_TLS_KEY")) != "" &&
			strings.TrimSpace(os.Getenv("ACCOUNTD_TLS_ROOT_CA")) != ""
		strictIdentityModeValue = env == Production || hasInjectedTLS
	})
	return strictIdentityModeValue
}
