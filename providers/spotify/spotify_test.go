package spotify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewProvider_Validation(t *testing.T) {
	if _, err := NewProvider(&Config{ClientSecret: "secret"}); err == nil {
		t.Error("expected error for missing client ID")
	}
	if _, err := NewProvider(&Config{ClientID: "id"}); err == nil {
		t.Error("expected error for missing client secret")
	}
	if _, err := NewProvider(&Config{ClientID: "id", ClientSecret: "secret"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestProvider_AuthorizationURL(t *testing.T) {
	p, err := NewProvider(&Config{
		ClientID:     "test-client",
		ClientSecret: "secret",
		RedirectURL:  "https://app.example.com/auth/callback",
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	u := p.AuthorizationURL("test-state")
	for _, want := range []string{
		"state=test-state",
		"client_id=test-client",
		"accounts.spotify.com",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("AuthorizationURL() = %q, missing %q", u, want)
		}
	}
}

func TestProvider_FetchIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":           "spotify-user-1",
			"email":        "listener@example.com",
			"display_name": "Listener",
			"images":       []map[string]string{{"url": "https://img.example.com/a.png"}},
		})
	}))
	defer server.Close()

	p, err := NewProvider(&Config{
		ClientID:     "id",
		ClientSecret: "secret",
		HTTPClient:   server.Client(),
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	identity, err := p.fetchIdentityFrom(context.Background(), server.URL, "test-token")
	if err != nil {
		t.Fatalf("FetchIdentity: %v", err)
	}
	if identity.ID != "spotify-user-1" {
		t.Errorf("ID = %q, want %q", identity.ID, "spotify-user-1")
	}
	if identity.Name != "Listener" {
		t.Errorf("Name = %q, want %q", identity.Name, "Listener")
	}
	if identity.Picture != "https://img.example.com/a.png" {
		t.Errorf("Picture = %q", identity.Picture)
	}
}

func TestProvider_RevokeTokenIsNoop(t *testing.T) {
	p, err := NewProvider(&Config{ClientID: "id", ClientSecret: "secret"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if err := p.RevokeToken(context.Background(), "anything"); err != nil {
		t.Errorf("RevokeToken should be a no-op, got %v", err)
	}
}
