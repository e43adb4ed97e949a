// Package oidc is the OpenID Connect relying-party side of the login flow:
// configuration gating, discovery, the authorization-code exchange with PKCE
// and nonce, ID token verification and claim extraction.
package oidc

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ErrConfigMissing marks a configuration with one or more required fields unset.
var ErrConfigMissing = errors.New("oidc: required setting missing")

// Configuration is the relying-party configuration for the single identity
// provider. It is loaded per login attempt and never mutated by the flow.
type Configuration struct {
	ProviderURL  string `json:"provider_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURL  string `json:"redirect_url"`
}

// Validate reports every required field that is empty or whitespace-only.
// The returned error matches ErrConfigMissing.
func (c Configuration) Validate() error {
	var result *multierror.Error
	for _, f := range []struct {
		name, value string
	}{
		{"provider_url", c.ProviderURL},
		{"client_id", c.ClientID},
		{"client_secret", c.ClientSecret},
		{"redirect_url", c.RedirectURL},
	} {
		if strings.TrimSpace(f.value) == "" {
			result = multierror.Append(result, fmt.Errorf("%w: %s", ErrConfigMissing, f.name))
		}
	}
	return result.ErrorOrNil()
}

// Gate passes cfg through unchanged when it is complete.
func Gate(cfg Configuration) (Configuration, error) {
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// CallbackParameters are the authorization response parameters the identity
// provider sends back to the redirect URL.
type CallbackParameters struct {
	// ErrorPresent is set when the error parameter was sent at all, even
	// empty. Error carries its value.
	ErrorPresent     bool
	Error            string
	ErrorDescription string
	Code             string
	State            string

	// SessionKey identifies the browser session the login runs in. It is set
	// by the host, never read from the query, and binds the callback to the
	// session that started the flow.
	SessionKey string
}

// ParseCallback reads the authorization response parameters from q.
func ParseCallback(q url.Values) CallbackParameters {
	return CallbackParameters{
		ErrorPresent:     q.Has("error"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		Code:             q.Get("code"),
		State:            q.Get("state"),
	}
}

// HasError reports whether the provider signalled an aborted or failed
// authorization.
func (p CallbackParameters) HasError() bool {
	return p.ErrorPresent || p.Error != ""
}

// IsCallback reports whether p carries an authorization response rather than
// a fresh login request.
func (p CallbackParameters) IsCallback() bool {
	return p.Code != "" || p.State != ""
}
