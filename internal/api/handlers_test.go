package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

func TestParseTransferQuery(t *testing.T) {
	cases := []struct {
		name    string
		rawURL  string
		wantErr bool
		check   func(t *testing.T, q domain.TransferQuery)
	}{
		{
			name:   "empty query",
			rawURL: "/transfers",
			check: func(t *testing.T, q domain.TransferQuery) {
				if q.LastID != 0 || q.BatchSize != 0 || q.Status != nil {
					t.Fatalf("expected zero query, got %+v", q)
				}
			},
		},
		{
			name:   "cursor and batch size",
			rawURL: "/transfers?last_id=250&batch_size=20",
			check: func(t *testing.T, q domain.TransferQuery) {
				if q.LastID != 250 || q.BatchSize != 20 {
					t.Fatalf("expected last_id=250 batch_size=20, got %+v", q)
				}
			},
		},
		{
			name:    "non-numeric cursor",
			rawURL:  "/transfers?last_id=abc",
			wantErr: true,
		},
		{
			name:    "negative cursor",
			rawURL:  "/transfers?last_id=-1",
			wantErr: true,
		},
		{
			name:    "negative batch size",
			rawURL:  "/transfers?batch_size=-5",
			wantErr: true,
		},
		{
			name:   "valid status filter",
			rawURL: "/transfers?status=waiting_for_user",
			check: func(t *testing.T, q domain.TransferQuery) {
				if q.Status == nil || *q.Status != domain.StatusWaitingForUser {
					t.Fatalf("expected waiting_for_user filter, got %+v", q.Status)
				}
			},
		},
		{
			name:    "unknown status",
			rawURL:  "/transfers?status=paused",
			wantErr: true,
		},
		{
			name:   "date range",
			rawURL: "/transfers?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z",
			check: func(t *testing.T, q domain.TransferQuery) {
				if q.EventDateFrom == nil || q.EventDateTo == nil {
					t.Fatal("expected both range bounds to be set")
				}
				want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
				if !q.EventDateFrom.Equal(want) {
					t.Fatalf("expected from=%s, got %s", want, q.EventDateFrom)
				}
			},
		},
		{
			name:    "malformed from timestamp",
			rawURL:  "/transfers?from=01/01/2026",
			wantErr: true,
		},
		{
			name:   "string filters are trimmed",
			rawURL: "/transfers?client_id=%20client-1%20&asset=USD",
			check: func(t *testing.T, q domain.TransferQuery) {
				if q.ClientID != "client-1" || q.AssetSymbol != "USD" {
					t.Fatalf("expected trimmed filters, got %+v", q)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.rawURL, nil)
			q, err := parseTransferQuery(r)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected a parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.check(t, q)
		})
	}
}

func TestClientIPFromRequest(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{name: "remote addr with port", remoteAddr: "10.1.2.3:54321", want: "10.1.2.3"},
		{name: "forwarded header wins", remoteAddr: "10.1.2.3:54321", forwarded: "203.0.113.7", want: "203.0.113.7"},
		{name: "first hop of forwarded chain", remoteAddr: "10.1.2.3:54321", forwarded: "203.0.113.7, 10.0.0.1", want: "203.0.113.7"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/transfers", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := clientIPFromRequest(r); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestMapTransferError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid request", err: app.ErrInvalidRequest, want: http.StatusBadRequest},
		{name: "wrapped invalid request", err: errors.Join(errors.New("missing field"), app.ErrInvalidRequest), want: http.StatusBadRequest},
		{name: "wallet ownership", err: app.ErrWalletOwnership, want: http.StatusForbidden},
		{name: "not found", err: store.ErrTransferNotFound, want: http.StatusNotFound},
		{name: "terminal transfer", err: app.ErrTransferTerminal, want: http.StatusConflict},
		{name: "rate limited", err: &app.RateLimitError{RetryAfterSeconds: 10}, want: http.StatusTooManyRequests},
		{name: "unknown error", err: errors.New("database exploded"), want: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, msg := mapTransferError(tc.err)
			if status != tc.want {
				t.Fatalf("expected HTTP %d, got %d", tc.want, status)
			}
			if msg == "" {
				t.Fatal("expected a non-empty message")
			}
		})
	}
}

func TestWriteResultReportsRejectedSubmission(t *testing.T) {
	h := NewTransferHandlers(nil)
	w := httptest.NewRecorder()

	h.writeResult(w, http.StatusBadRequest, &domain.TransferByPhoneResult{ErrorCode: domain.ErrorCodeInvalidPhone})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected HTTP 400, got %d", w.Code)
	}
	var body struct {
		Success bool `json:"success"`
		Data    struct {
			ErrorCode string `json:"error_code"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if body.Success {
		t.Fatal("a rejected submission must not report success")
	}
	if body.Data.ErrorCode != string(domain.ErrorCodeInvalidPhone) {
		t.Fatalf("expected %s in the body, got %q", domain.ErrorCodeInvalidPhone, body.Data.ErrorCode)
	}
}

func TestInternalAPIKeyMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	cases := []struct {
		name       string
		configured string
		provided   string
		want       int
	}{
		{name: "matching key passes", configured: "secret", provided: "secret", want: http.StatusNoContent},
		{name: "wrong key rejected", configured: "secret", provided: "nope", want: http.StatusUnauthorized},
		{name: "missing key rejected", configured: "secret", provided: "", want: http.StatusUnauthorized},
		{name: "empty configured key disables check", configured: "", provided: "", want: http.StatusNoContent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := InternalAPIKeyMiddleware(tc.configured)(next)
			r := httptest.NewRequest(http.MethodGet, "/transfers", nil)
			if tc.provided != "" {
				r.Header.Set("X-Internal-API-Key", tc.provided)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			if w.Code != tc.want {
				t.Fatalf("expected HTTP %d, got %d", tc.want, w.Code)
			}
		})
	}
}
