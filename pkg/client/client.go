// Package client is the account server's multi-endpoint dispatcher: an
// ordered list of base URLs, fail-over on request/5xx/4xx errors, and a
// persisted "fastest endpoint" cache good for 30 days.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ddnet-accounts/accountd/infrastructure/httputil"
	"github.com/ddnet-accounts/accountd/infrastructure/resilience"
	"github.com/ddnet-accounts/accountd/pkg/accountsapi"
)

// FastestEndpointTTL is how long a persisted fastest-endpoint pick remains
// valid before the client re-measures via /ping.
const FastestEndpointTTL = 30 * 24 * time.Hour

// FastestEndpointState is the persisted "fastest_http.json" blob: a hint,
// not a guarantee. Runtime fail-over still applies if the pick is stale or
// wrong.
type FastestEndpointState struct {
	Index      int       `json:"index"`
	ValidUntil time.Time `json:"valid_until"`
}

// Persister loads and stores the fastest-endpoint hint across process
// restarts. cmd/accountctl and any client embedding this package supply a
// file-backed implementation; tests may use an in-memory one.
type Persister interface {
	Load() (FastestEndpointState, bool, error)
	Save(FastestEndpointState) error
}

// Dispatcher round-robins over a fixed set of base URLs with fail-over,
// driven by request outcome rather than a background health-check loop. A
// per-endpoint circuit breaker keeps a flapping endpoint from absorbing a
// request on every call once it has tripped.
type Dispatcher struct {
	mu        sync.Mutex
	endpoints []string
	cur       int
	http      *http.Client
	persist   Persister
	breakers  []*resilience.CircuitBreaker
}

// New builds a Dispatcher over endpoints in priority order. endpoints must
// be non-empty; each is normalized and validated before use.
func New(endpoints []string, httpClient *http.Client, persist Persister) (*Dispatcher, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("client: at least one endpoint required")
	}
	normalized := make([]string, len(endpoints))
	for i, raw := range endpoints {
		base, _, err := httputil.NormalizeEndpointURL(raw)
		if err != nil {
			return nil, fmt.Errorf("client: endpoint %d: %w", i, err)
		}
		normalized[i] = base
	}
	endpoints = normalized
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	breakers := make([]*resilience.CircuitBreaker, len(endpoints))
	for i := range endpoints {
		breakers[i] = resilience.New(resilience.EndpointBreakerConfig())
	}
	d := &Dispatcher{endpoints: endpoints, http: httpClient, persist: persist, breakers: breakers}
	d.loadFastestEndpoint(context.Background())
	return d, nil
}

func (d *Dispatcher) loadFastestEndpoint(ctx context.Context) {
	if d.persist == nil {
		return
	}
	state, found, err := d.persist.Load()
	if err != nil || !found {
		return
	}
	if time.Now().UTC().After(state.ValidUntil) {
		return
	}
	if state.Index < 0 || state.Index >= len(d.endpoints) {
		return
	}
	d.mu.Lock()
	d.cur = state.Index
	d.mu.Unlock()
}

// MeasureFastest issues /ping against every endpoint in parallel and
// persists the lowest-latency success as the new current index.
func (d *Dispatcher) MeasureFastest(ctx context.Context) error {
	type result struct {
		index   int
		latency time.Duration
		ok      bool
	}
	results := make([]result, len(d.endpoints))
	var wg sync.WaitGroup
	for i, base := range d.endpoints {
		wg.Add(1)
		go func(i int, base string) {
			defer wg.Done()
			start := time.Now()
			reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/ping", nil)
			if err != nil {
				return
			}
			resp, err := d.http.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return
			}
			results[i] = result{index: i, latency: time.Since(start), ok: true}
		}(i, base)
	}
	wg.Wait()

	best := -1
	var bestLatency time.Duration
	for _, r := range results {
		if !r.ok {
			continue
		}
		if best == -1 || r.latency < bestLatency {
			best = r.index
			bestLatency = r.latency
		}
	}
	if best == -1 {
		return fmt.Errorf("client: no endpoint responded to /ping")
	}

	d.mu.Lock()
	d.cur = best
	d.mu.Unlock()

	if d.persist != nil {
		_ = d.persist.Save(FastestEndpointState{Index: best, ValidUntil: time.Now().UTC().Add(FastestEndpointTTL)})
	}
	return nil
}

// statusError marks a response whose status code should trigger fail-over
// (5xx or 4xx).
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("client: endpoint returned status %d", e.code)
}

// permanentError marks a failure that retrying elsewhere cannot fix
// (request encoding, response decoding): every endpoint would return the
// same thing, so the dispatcher surfaces it immediately.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func shouldFailover(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*statusError); ok {
		return se.code >= 400
	}
	if _, ok := err.(*permanentError); ok {
		return false
	}
	// Anything else is a network/transport-level error, or an open breaker.
	return true
}

// Call posts body as JSON to path against the current endpoint, failing
// over through the remaining endpoints in order on transport and
// status(4xx/5xx) errors, and decodes the response into out. On success
// from a non-current endpoint, cur is advanced to it.
func (d *Dispatcher) Call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	d.mu.Lock()
	start := d.cur
	n := len(d.endpoints)
	d.mu.Unlock()

	var lastErr error
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		err := d.breakers[idx].Execute(ctx, func() error {
			return d.doRequest(ctx, d.endpoints[idx], method, path, body, out)
		})
		if err == nil {
			d.mu.Lock()
			d.cur = idx
			d.mu.Unlock()
			return nil
		}
		lastErr = err
		if !shouldFailover(err) {
			return err
		}
	}
	return fmt.Errorf("client: all endpoints failed: %w", lastErr)
}

func (d *Dispatcher) doRequest(ctx context.Context, base, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &permanentError{err: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return &permanentError{err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}

	if out == nil {
		return nil
	}

	var env struct {
		Ok  json.RawMessage      `json:"ok"`
		Err *accountsapi.ErrBody `json:"err"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &permanentError{err: err}
	}
	if env.Err != nil {
		return &permanentError{err: fmt.Errorf("client: %s: %s", env.Err.Kind, env.Err.Message)}
	}
	if len(env.Ok) == 0 {
		return &permanentError{err: fmt.Errorf("client: response carried neither ok nor err")}
	}
	if err := json.Unmarshal(env.Ok, out); err != nil {
		return &permanentError{err: err}
	}
	return nil
}

// Ping calls GET /ping, failing over like any other call. The body is
// plain text, not JSON, so only the status code is checked.
func (d *Dispatcher) Ping(ctx context.Context) error {
	return d.Call(ctx, http.MethodGet, "/ping", nil, nil)
}

// IssueCredentialAuthTokenEmail calls POST /token/email.
func (d *Dispatcher) IssueCredentialAuthTokenEmail(ctx context.Context, req accountsapi.TokenEmailRequest) error {
	return d.Call(ctx, http.MethodPost, "/token/email", req, nil)
}

// IssueCredentialAuthTokenSteam calls POST /token/steam.
func (d *Dispatcher) IssueCredentialAuthTokenSteam(ctx context.Context, req accountsapi.TokenSteamRequest) (accountsapi.TokenResponse, error) {
	var out accountsapi.TokenResponse
	err := d.Call(ctx, http.MethodPost, "/token/steam", req, &out)
	return out, err
}

// Login calls POST /login.
func (d *Dispatcher) Login(ctx context.Context, req accountsapi.LoginRequest) (accountsapi.LoginResponse, error) {
	var out accountsapi.LoginResponse
	err := d.Call(ctx, http.MethodPost, "/login", req, &out)
	return out, err
}

// Sign calls POST /sign.
func (d *Dispatcher) Sign(ctx context.Context, req accountsapi.SignedRequest) (accountsapi.SignResponse, error) {
	var out accountsapi.SignResponse
	err := d.Call(ctx, http.MethodPost, "/sign", req, &out)
	return out, err
}

// Certs calls GET /certs.
func (d *Dispatcher) Certs(ctx context.Context) (accountsapi.CertsResponse, error) {
	var out accountsapi.CertsResponse
	err := d.Call(ctx, http.MethodGet, "/certs", nil, &out)
	return out, err
}

// IssueAccountTokenEmail calls POST /account-token/email.
func (d *Dispatcher) IssueAccountTokenEmail(ctx context.Context, req accountsapi.AccountTokenRequest) (accountsapi.TokenResponse, error) {
	var out accountsapi.TokenResponse
	err := d.Call(ctx, http.MethodPost, "/account-token/email", req, &out)
	return out, err
}

// IssueAccountTokenSteam calls POST /account-token/steam.
func (d *Dispatcher) IssueAccountTokenSteam(ctx context.Context, req accountsapi.AccountTokenRequest) (accountsapi.TokenResponse, error) {
	var out accountsapi.TokenResponse
	err := d.Call(ctx, http.MethodPost, "/account-token/steam", req, &out)
	return out, err
}

// Logout calls POST /logout.
func (d *Dispatcher) Logout(ctx context.Context, req accountsapi.SignedRequest) error {
	return d.Call(ctx, http.MethodPost, "/logout", req, nil)
}

// LogoutAll calls POST /logout-all.
func (d *Dispatcher) LogoutAll(ctx context.Context, req accountsapi.LogoutAllRequest) error {
	return d.Call(ctx, http.MethodPost, "/logout-all", req, nil)
}

// Delete calls POST /delete.
func (d *Dispatcher) Delete(ctx context.Context, req accountsapi.DeleteRequest) error {
	return d.Call(ctx, http.MethodPost, "/delete", req, nil)
}

// LinkCredential calls POST /link-credential.
func (d *Dispatcher) LinkCredential(ctx context.Context, req accountsapi.LinkCredentialRequest) error {
	return d.Call(ctx, http.MethodPost, "/link-credential", req, nil)
}

// UnlinkCredential calls POST /unlink-credential.
func (d *Dispatcher) UnlinkCredential(ctx context.Context, req accountsapi.UnlinkCredentialRequest) error {
	return d.Call(ctx, http.MethodPost, "/unlink-credential", req, nil)
}

// AccountInfo calls POST /account-info.
func (d *Dispatcher) AccountInfo(ctx context.Context, req accountsapi.SignedRequest) (accountsapi.AccountInfoResponse, error) {
	var out accountsapi.AccountInfoResponse
	err := d.Call(ctx, http.MethodPost, "/account-info", req, &out)
	return out, err
}
