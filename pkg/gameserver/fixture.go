package gameserver

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// FixtureServer is a minimal HTTP listener standing in for a real game
// server during integration testing: it accepts a hex-encoded client
// certificate and the authority's published chain, derives a UserID and
// auto-registers it, and reports back what it resolved. Production game
// servers embed this logic in their own connection handshake instead of an
// HTTP route; this fixture exists purely so accountd's client flow can be
// exercised end to end without a real game binary.
type FixtureServer struct {
	store UserStore
	chain [][]byte
}

// NewFixtureServer builds a FixtureServer that verifies incoming certs
// against chain and auto-registers resolved account ids in store.
func NewFixtureServer(store UserStore, chain [][]byte) *FixtureServer {
	return &FixtureServer{store: store, chain: chain}
}

// Router builds the chi mux for this fixture.
func (f *FixtureServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/handshake", f.handleHandshake)
	return r
}

type handshakeRequest struct {
	CertDER string `json:"cert_der"`
}

type handshakeResponse struct {
	AccountID       *int64 `json:"account_id,omitempty"`
	Fingerprint     string `json:"fingerprint"`
	NewlyRegistered bool   `json:"newly_registered"`
}

func (f *FixtureServer) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req handshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	der, err := hex.DecodeString(req.CertDER)
	if err != nil {
		http.Error(w, "invalid cert_der", http.StatusBadRequest)
		return
	}

	userID, err := UserIDFromCert(der, f.chain)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := AutoLogin(r.Context(), f.store, userID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(handshakeResponse{
		AccountID:       userID.AccountID,
		Fingerprint:     hex.EncodeToString(userID.PublicKey[:]),
		NewlyRegistered: created,
	})
}
