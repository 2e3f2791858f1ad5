package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestAccountServerRequestError_HTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *AccountServerRequestError
		want int
	}{
		{"rate limited", RateLimited("slow down"), http.StatusTooManyRequests},
		{"vpn ban", VpnBanError("1.2.3.4"), http.StatusForbidden},
		{"other", Other("last credential"), http.StatusBadRequest},
		{"logic error", LogicError("TokenInvalid", "expired"), http.StatusBadRequest},
		{"unexpected", Unexpected("handleLogin", errors.New("boom")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAccountServerRequestError_UnexpectedHidesUnderlyingMessage(t *testing.T) {
	underlying := errors.New("dsn refused connection")
	err := Unexpected("tokenengine.IssueAccountToken", underlying)

	if err.Message != "internal error" {
		t.Errorf("Message = %q, want opaque message not leaking %q", err.Message, underlying.Error())
	}
	if !errors.Is(err, underlying) {
		t.Errorf("expected Unwrap() chain to reach the underlying error for server-side logging")
	}
}

func TestAccountServerRequestError_LogicErrorCarriesCode(t *testing.T) {
	err := LogicError("TokenInvalid", "token expired or already used")
	if err.Kind != KindLogicError {
		t.Errorf("Kind = %v, want KindLogicError", err.Kind)
	}
	if err.LogicCode != "TokenInvalid" {
		t.Errorf("LogicCode = %q, want TokenInvalid", err.LogicCode)
	}
}

func TestAsAccountServerRequestError(t *testing.T) {
	t.Run("nil passthrough", func(t *testing.T) {
		if got := AsAccountServerRequestError("x", nil); got != nil {
			t.Errorf("got %v, want nil", got)
		}
	})

	t.Run("already typed", func(t *testing.T) {
		original := Other("already linked elsewhere")
		got := AsAccountServerRequestError("linkage.Link", original)
		if got != original {
			t.Errorf("expected the same *AccountServerRequestError to be returned unwrapped")
		}
	})

	t.Run("wraps arbitrary error as unexpected", func(t *testing.T) {
		got := AsAccountServerRequestError("store.BeginTx", errors.New("connection refused"))
		if got.Kind != KindUnexpected {
			t.Errorf("Kind = %v, want KindUnexpected", got.Kind)
		}
		if got.Target != "store.BeginTx" {
			t.Errorf("Target = %q, want store.BeginTx", got.Target)
		}
	})
}
