package httpserver

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(requestIDHeader)
	}))

	for _, tc := range []struct {
		name, in string
		keep     bool
	}{
		{"propagated", "abc-123", true},
		{"minted", "", false},
		{"control chars replaced", "bad\x00id", false},
		{"too long replaced", strings.Repeat("a", maxRequestIDLen+1), false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tc.in != "" {
				req.Header.Set(requestIDHeader, tc.in)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			got := rr.Header().Get(requestIDHeader)
			if got != seen {
				t.Fatalf("response id %q, handler saw %q", got, seen)
			}
			if tc.keep != (got == tc.in) {
				t.Fatalf("id=%q for input %q", got, tc.in)
			}
			if !validRequestID(got) {
				t.Fatalf("emitted invalid id %q", got)
			}
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	wrap := func(h http.HandlerFunc) http.Handler {
		return chain(h, requestLoggerMiddleware(logger), recoverMiddleware(logger))
	}

	t.Run("before write", func(t *testing.T) {
		logs.Reset()
		rr := httptest.NewRecorder()
		wrap(func(http.ResponseWriter, *http.Request) { panic("boom") }).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/signal", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status=%d, want 500", rr.Code)
		}
		if !strings.Contains(logs.String(), `"status":500`) || !strings.Contains(logs.String(), "panic in http handler") {
			t.Fatalf("logs=%s", logs.String())
		}
	})

	t.Run("after write", func(t *testing.T) {
		logs.Reset()
		rr := httptest.NewRecorder()
		wrap(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, "partial")
			panic("boom")
		}).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/signal", nil))
		if rr.Code != http.StatusAccepted || rr.Body.String() != "partial" {
			t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
		}
		if !strings.Contains(logs.String(), `"status":500`) {
			t.Fatalf("request log should record the failure: %s", logs.String())
		}
	})

	t.Run("abort handler", func(t *testing.T) {
		defer func() {
			if rec := recover(); rec != http.ErrAbortHandler {
				t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
			}
		}()
		wrap(func(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) }).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRequestLoggerLevels(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	h := requestLoggerMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if logs.Len() != 0 {
		t.Fatalf("health check logged at info: %s", logs.String())
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	if !strings.Contains(logs.String(), `"level":"WARN"`) || !strings.Contains(logs.String(), `"status":404`) {
		t.Fatalf("logs=%s", logs.String())
	}
}
