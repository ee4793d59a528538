package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()
	if a == b {
		t.Error("two generated request IDs are identical")
	}
	if !requestIDPattern.MatchString(a) {
		t.Errorf("generated ID %q does not match the accepted pattern", a)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Errorf("RequestIDFromContext() = %q, want %q", got, "req-123")
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("empty context returned %q", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	t.Run("generates when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if seen == "" {
			t.Error("no request ID injected")
		}
		if rec.Header().Get(RequestIDHeader) != seen {
			t.Error("response header does not match injected ID")
		}
	})

	t.Run("keeps valid incoming ID", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(RequestIDHeader, "client-supplied-id")
		handler.ServeHTTP(httptest.NewRecorder(), r)
		if seen != "client-supplied-id" {
			t.Errorf("request ID = %q, want client-supplied-id", seen)
		}
	})

	t.Run("replaces malformed incoming ID", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(RequestIDHeader, "bad id with spaces\n"+strings.Repeat("x", 200))
		handler.ServeHTTP(httptest.NewRecorder(), r)
		if strings.Contains(seen, " ") || len(seen) > 128 {
			t.Errorf("malformed ID passed through: %q", seen)
		}
	})
}

func TestSetSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSecurityHeaders(rec, "https://auth.example.com")

	for header, want := range map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}

	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing for https server URL")
	}

	rec = httptest.NewRecorder()
	SetSecurityHeaders(rec, "http://localhost:8080")
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set for plain http server URL")
	}
}
