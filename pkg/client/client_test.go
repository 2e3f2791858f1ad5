package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCallFailsOverToSecondEndpointOn5xx(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":{"value":true}}`))
	}))
	defer good.Close()

	d, err := New([]string{bad.URL, good.URL}, nil, nil)
	require.NoError(t, err)

	var out map[string]bool
	err = d.Call(context.Background(), http.MethodGet, "/certs", nil, &out)
	require.NoError(t, err)
	require.True(t, out["value"])

	// The winning endpoint becomes current: the next call must go straight
	// to it without touching the failed one again.
	d.mu.Lock()
	cur := d.cur
	d.mu.Unlock()
	require.Equal(t, 1, cur)
}

func TestCallReturnsErrorWhenAllEndpointsFail(t *testing.T) {
	bad1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad1.Close()
	bad2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad2.Close()

	d, err := New([]string{bad1.URL, bad2.URL}, nil, nil)
	require.NoError(t, err)

	err = d.Call(context.Background(), http.MethodGet, "/certs", nil, nil)
	require.Error(t, err)
}

func TestCallDoesNotFailOverOnDecodeError(t *testing.T) {
	var secondHits int
	garbled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer garbled.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits++
		w.Write([]byte(`{"ok":{}}`))
	}))
	defer second.Close()

	d, err := New([]string{garbled.URL, second.URL}, nil, nil)
	require.NoError(t, err)

	var out struct{}
	err = d.Call(context.Background(), http.MethodGet, "/certs", nil, &out)
	require.Error(t, err)
	require.Zero(t, secondHits, "decode errors must surface immediately, not fail over")
}

func TestCallSurfacesEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"err":{"kind":"Other","message":"bad token"}}`))
	}))
	defer srv.Close()

	d, err := New([]string{srv.URL}, nil, nil)
	require.NoError(t, err)

	var out struct{}
	err = d.Call(context.Background(), http.MethodPost, "/login", struct{}{}, &out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad token")
}

type memPersister struct {
	state FastestEndpointState
	has   bool
	saves int
}

func (p *memPersister) Load() (FastestEndpointState, bool, error) { return p.state, p.has, nil }
func (p *memPersister) Save(s FastestEndpointState) error {
	p.state = s
	p.has = true
	p.saves++
	return nil
}

func TestPersistedFastestEndpointIsUsedWhenValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	p := &memPersister{
		state: FastestEndpointState{Index: 1, ValidUntil: time.Now().UTC().Add(time.Hour)},
		has:   true,
	}
	d, err := New([]string{srv.URL, srv.URL}, nil, p)
	require.NoError(t, err)

	d.mu.Lock()
	cur := d.cur
	d.mu.Unlock()
	require.Equal(t, 1, cur)
	require.Zero(t, p.saves, "a valid cached pick must not trigger new pings")
}

func TestMeasureFastestPersistsPick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	p := &memPersister{}
	d, err := New([]string{srv.URL}, nil, p)
	require.NoError(t, err)

	require.NoError(t, d.MeasureFastest(context.Background()))
	require.Equal(t, 1, p.saves)
	require.Equal(t, 0, p.state.Index)
	require.True(t, p.state.ValidUntil.After(time.Now()))
}
