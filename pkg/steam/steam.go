// Package steam is the collaborator interface for Steam ticket
// verification. Only the shape the token engine depends on lives here.
package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// MaxTicketSize bounds the Steam auth ticket the authority will accept.
const MaxTicketSize = 1024

// ErrTicketTooLarge is returned by callers that enforce MaxTicketSize
// before invoking a Verifier.
var ErrTicketTooLarge = errors.New("steam: ticket exceeds maximum size")

// Verifier resolves an opaque Steam auth ticket to the SteamID64 it
// authenticates, via Steam's session-ticket web API or an equivalent.
type Verifier interface {
	VerifyTicket(ctx context.Context, ticket []byte) (steamID64 uint64, err error)
}

// WebAPIVerifier calls Valve's ISteamUserAuth/AuthenticateUserTicket
// endpoint, the standard way a game backend redeems a client session
// ticket. This is a minimal, swappable default rather than a hardened
// client.
type WebAPIVerifier struct {
	APIKey  string
	AppID   string
	HTTP    *http.Client
	BaseURL string // defaults to Valve's public endpoint when empty
}

func NewWebAPIVerifier(apiKey, appID string) *WebAPIVerifier {
	return &WebAPIVerifier{APIKey: apiKey, AppID: appID, HTTP: http.DefaultClient}
}

type authenticateUserTicketResponse struct {
	Response struct {
		Params *struct {
			SteamID string `json:"steamid"`
			Result  string `json:"result"`
		} `json:"params"`
		Error *struct {
			ErrorCode int    `json:"errorcode"`
			ErrorDesc string `json:"errordesc"`
		} `json:"error"`
	} `json:"response"`
}

func (v *WebAPIVerifier) VerifyTicket(ctx context.Context, ticket []byte) (uint64, error) {
	base := v.BaseURL
	if base == "" {
		base = "https://partner.steam-api.com/ISteamUserAuth/AuthenticateUserTicket/v1/"
	}
	q := url.Values{
		"key":    {v.APIKey},
		"appid":  {v.AppID},
		"ticket": {fmt.Sprintf("%x", ticket)},
		"format": {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("steam: build request: %w", err)
	}

	client := v.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("steam: request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed authenticateUserTicketResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("steam: decode response: %w", err)
	}
	if parsed.Response.Error != nil {
		return 0, fmt.Errorf("steam: %s", parsed.Response.Error.ErrorDesc)
	}
	if parsed.Response.Params == nil || parsed.Response.Params.Result != "OK" {
		return 0, errors.New("steam: ticket not authenticated")
	}

	var steamID64 uint64
	if _, err := fmt.Sscanf(parsed.Response.Params.SteamID, "%d", &steamID64); err != nil {
		return 0, fmt.Errorf("steam: parse steamid: %w", err)
	}
	return steamID64, nil
}
