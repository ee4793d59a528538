package google

import (
	"strings"
	"testing"
)

func TestNewProvider_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name:    "missing client ID",
			cfg:     &Config{ClientSecret: "secret"},
			wantErr: true,
		},
		{
			name:    "missing client secret",
			cfg:     &Config{ClientID: "id"},
			wantErr: true,
		},
		{
			name: "valid",
			cfg: &Config{
				ClientID:     "id",
				ClientSecret: "secret",
				RedirectURL:  "https://app.example.com/auth/callback",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProvider_Name(t *testing.T) {
	p, err := NewProvider(&Config{ClientID: "id", ClientSecret: "secret"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if got := p.Name(); got != "google" {
		t.Errorf("Name() = %q, want %q", got, "google")
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
		"access_type=offline",
		"scope=openid+email+profile",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("AuthorizationURL() = %q, missing %q", u, want)
		}
	}
}

func TestProvider_DefaultScopes(t *testing.T) {
	p, err := NewProvider(&Config{ClientID: "id", ClientSecret: "secret"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if len(p.config.Scopes) != 3 {
		t.Errorf("default scopes = %v, want openid/email/profile", p.config.Scopes)
	}
}
