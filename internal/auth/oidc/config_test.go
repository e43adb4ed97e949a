package oidc

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
)

func TestGate(t *testing.T) {
	full := Configuration{
		ProviderURL:  "https://idp.example.com",
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://app.example.com/login/oidc",
	}

	tests := []struct {
		name    string
		mutate  func(*Configuration)
		missing []string
	}{
		{"complete", func(*Configuration) {}, nil},
		{"no provider", func(c *Configuration) { c.ProviderURL = "" }, []string{"provider_url"}},
		{"no client id", func(c *Configuration) { c.ClientID = "" }, []string{"client_id"}},
		{"no secret", func(c *Configuration) { c.ClientSecret = "" }, []string{"client_secret"}},
		{"no redirect", func(c *Configuration) { c.RedirectURL = "" }, []string{"redirect_url"}},
		{"whitespace only", func(c *Configuration) { c.ClientID = "  \t" }, []string{"client_id"}},
		{"empty", func(c *Configuration) { *c = Configuration{} },
			[]string{"provider_url", "client_id", "client_secret", "redirect_url"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := full
			tt.mutate(&cfg)

			got, err := Gate(cfg)
			if tt.missing == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got != cfg {
					t.Errorf("Gate changed configuration: %+v", got)
				}
				return
			}

			if !errors.Is(err, ErrConfigMissing) {
				t.Fatalf("expected ErrConfigMissing, got %v", err)
			}
			var merr *multierror.Error
			if !errors.As(err, &merr) || len(merr.Errors) != len(tt.missing) {
				t.Fatalf("expected %d errors, got %v", len(tt.missing), err)
			}
			for _, field := range tt.missing {
				if !strings.Contains(err.Error(), field) {
					t.Errorf("error %q does not name %s", err, field)
				}
			}
			if got != (Configuration{}) {
				t.Error("expected zero configuration on failure")
			}
		})
	}
}

func TestParseCallback(t *testing.T) {
	q := url.Values{
		"code":              {"abc"},
		"state":             {"xyz"},
		"error":             {"access_denied"},
		"error_description": {"user cancelled"},
		"session_key":       {"ignored"},
	}
	p := ParseCallback(q)
	if p.Code != "abc" || p.State != "xyz" || p.Error != "access_denied" || p.ErrorDescription != "user cancelled" {
		t.Errorf("unexpected parameters: %+v", p)
	}
	if p.SessionKey != "" {
		t.Error("session key must not come from the query")
	}
}

func TestCallbackParameters_HasError(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"", false},
		{"code=abc&state=xyz", false},
		{"error=access_denied", true},
		{"error=", true},
		{"error", true},
		{"error=&state=xyz", true},
	}
	for _, tt := range tests {
		q, err := url.ParseQuery(tt.query)
		if err != nil {
			t.Fatalf("ParseQuery(%q): %v", tt.query, err)
		}
		if got := ParseCallback(q).HasError(); got != tt.want {
			t.Errorf("%q: HasError() = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestCallbackParameters_IsCallback(t *testing.T) {
	tests := []struct {
		p    CallbackParameters
		want bool
	}{
		{CallbackParameters{}, false},
		{CallbackParameters{SessionKey: "s"}, false},
		{CallbackParameters{Code: "c"}, true},
		{CallbackParameters{State: "s"}, true},
		{CallbackParameters{Code: "c", State: "s"}, true},
	}
	for _, tt := range tests {
		if got := tt.p.IsCallback(); got != tt.want {
			t.Errorf("%+v: IsCallback() = %v, want %v", tt.p, got, tt.want)
		}
	}
}

type mapSource map[string]string

func (m mapSource) RequestClaim(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

func TestExtractClaims(t *testing.T) {
	got := ExtractClaims(mapSource{
		ClaimPreferredUsername: "carol",
		ClaimEmail:             "carol@example.com",
	})
	want := Claims{PreferredUsername: "carol", Email: "carol@example.com"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
