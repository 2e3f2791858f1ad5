// Command accountctl is the operator CLI for accountd: inspects server
// health, mints operator bearer tokens, and drives the secret-gated
// token/account-token routes without a game client.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("ACCOUNTCTL_ADDR", "http://localhost:8090")
	defaultSecret := os.Getenv("ACCOUNTCTL_TOKEN_SECRET_KEY")

	root := flag.NewFlagSet("accountctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "accountd base URL (env ACCOUNTCTL_ADDR)")
	secretFlag := root.String("secret", defaultSecret, "token_secret_key for -secret routes (env ACCOUNTCTL_TOKEN_SECRET_KEY)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		secret:  strings.TrimSpace(*secretFlag),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "ping":
		return handlePing(ctx, client)
	case "certs":
		return handleCerts(ctx, client)
	case "issue-token":
		return handleIssueToken(ctx, client, remaining[1:])
	case "mint-jwt":
		return handleMintJWT(remaining[1:])
	case "stats":
		return handleStats(ctx)
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

type apiClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func (c *apiClient) post(ctx context.Context, path string, body interface{}) ([]byte, int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *apiClient) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	return c.do(req)
}

func (c *apiClient) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func handlePing(ctx context.Context, c *apiClient) error {
	body, status, err := c.get(ctx, "/ping")
	if err != nil {
		return err
	}
	fmt.Printf("status=%d body=%s\n", status, string(body))
	return nil
}

func handleCerts(ctx context.Context, c *apiClient) error {
	body, _, err := c.get(ctx, "/certs")
	if err != nil {
		return err
	}
	prettyPrint(body)
	return nil
}

func handleIssueToken(ctx context.Context, c *apiClient, args []string) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	kind := fs.String("kind", "email", "credential kind: email or steam")
	identifier := fs.String("identifier", "", "email address or steam ticket hex")
	op := fs.String("op", "login", "operation: login, link_credential or unlink_credential")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *identifier == "" {
		return usageError(errors.New("-identifier is required"))
	}

	var path string
	var body map[string]interface{}
	switch *kind {
	case "email":
		path = "/token/email-secret"
		body = map[string]interface{}{"email": *identifier, "op": *op, "secret_key": c.secret}
	case "steam":
		path = "/token/steam-secret"
		body = map[string]interface{}{"steam_ticket": *identifier, "op": *op, "secret_key": c.secret}
	default:
		return usageError(fmt.Errorf("unknown kind %q", *kind))
	}

	resp, status, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	fmt.Printf("status=%d\n", status)
	prettyPrint(resp)
	return nil
}

// handleMintJWT mints a short-lived operator bearer token for accountctl's
// own HTTP calls against an auth-fronted deployment of accountd (a reverse
// proxy or API gateway in front of the server, not accountd itself, which
// authenticates every route via session signatures or tokens instead).
func handleMintJWT(args []string) error {
	fs := flag.NewFlagSet("mint-jwt", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	subject := fs.String("subject", "operator", "JWT subject claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	signingKey := os.Getenv("ACCOUNTCTL_JWT_SIGNING_KEY")
	if signingKey == "" {
		return errors.New("ACCOUNTCTL_JWT_SIGNING_KEY is required to mint a token")
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   *subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(signingKey))
	if err != nil {
		return fmt.Errorf("sign jwt: %w", err)
	}
	fmt.Println(signed)
	return nil
}

// handleStats reports the operator host's resource usage, a local sanity
// check before deploying a new accountd build.
func handleStats(ctx context.Context) error {
	percents, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return fmt.Errorf("read cpu stats: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("read memory stats: %w", err)
	}
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return fmt.Errorf("read host info: %w", err)
	}

	cpuPct := 0.0
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	fmt.Printf("host=%s uptime=%ds cpu=%.1f%% mem_used=%.1f%%\n", info.Hostname, info.Uptime, cpuPct, vm.UsedPercent)
	return nil
}

func prettyPrint(data []byte) {
	if len(data) == 0 {
		fmt.Println("(empty)")
		return
	}
	var dst bytes.Buffer
	if err := json.Indent(&dst, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(dst.String())
}

func usageError(err error) error {
	return fmt.Errorf("%w\n\nusage: accountctl <ping|certs|issue-token|mint-jwt|stats> [flags]", err)
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
