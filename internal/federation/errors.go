package federation

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a login attempt did not authenticate.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureConfigMissing means one or more provider settings are empty.
	FailureConfigMissing
	// FailureProviderAborted means the provider answered with an error parameter.
	FailureProviderAborted
	// FailureProviderError covers network, token and validation failures.
	FailureProviderError
	// FailureUserCreation means the local account could not be provisioned.
	FailureUserCreation
	// FailureUnknownIdentity means session binding named a user that does not exist.
	FailureUnknownIdentity
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureConfigMissing:
		return "config_missing"
	case FailureProviderAborted:
		return "provider_aborted"
	case FailureProviderError:
		return "provider_error"
	case FailureUserCreation:
		return "user_creation"
	case FailureUnknownIdentity:
		return "unknown_identity"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

var (
	// ErrProviderAborted is recorded when the callback carries an error parameter.
	ErrProviderAborted = errors.New("federation: identity provider aborted the login")

	// ErrProviderFailure wraps everything the OIDC client reports, including
	// recovered panics and an unexpected non-authenticated result.
	ErrProviderFailure = errors.New("federation: identity provider failure")

	// ErrMissingUsername is returned when the provider sent no preferred_username.
	ErrMissingUsername = errors.New("federation: preferred_username claim is empty")

	// ErrNoSession is returned when a pending identity is stored without a
	// browser session to bind it to.
	ErrNoSession = errors.New("federation: no browser session")
)

// UserCreationError is returned by Resolver when a local account could not
// be looked up or created.
type UserCreationError struct {
	Username string
	Err      error
}

func (e *UserCreationError) Error() string {
	return fmt.Sprintf("create user %q: %v", e.Username, e.Err)
}

func (e *UserCreationError) Unwrap() error { return e.Err }

// UnknownIdentityError is returned by Binder when the pending username has
// no local account.
type UnknownIdentityError struct {
	Username string
	Err      error
}

func (e *UnknownIdentityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unknown identity %q: %v", e.Username, e.Err)
	}
	return fmt.Sprintf("unknown identity %q", e.Username)
}

func (e *UnknownIdentityError) Unwrap() error { return e.Err }

// KindOf maps an error returned by this package to its FailureKind.
func KindOf(err error) FailureKind {
	var uce *UserCreationError
	var uie *UnknownIdentityError
	switch {
	case err == nil:
		return FailureNone
	case errors.As(err, &uce):
		return FailureUserCreation
	case errors.As(err, &uie):
		return FailureUnknownIdentity
	case errors.Is(err, ErrProviderAborted):
		return FailureProviderAborted
	default:
		return FailureProviderError
	}
}
