package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure modes.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidKey         = errors.New("invalid RSA public key")
	ErrNoCredentials      = errors.New("no stored credentials")
	ErrIneligible         = errors.New("user is not eligible for a portal session")
	ErrLoginFailed        = errors.New("login signal not observed")
	ErrNavigationFailed   = errors.New("partner portal not reached")
	ErrBrowserUnavailable = errors.New("browser unavailable")
	ErrSessionRejected    = errors.New("portal rejected the session cookies")
	ErrPoolClosed         = errors.New("browser pool is shut down")
	ErrSessionInvalidated = errors.New("session invalidated during creation")
)

// CredentialError reports malformed key material or missing credentials.
// It is never retried.
type CredentialError struct {
	UserID string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.UserID == "" {
		return fmt.Sprintf("credential error: %v", e.Err)
	}
	return fmt.Sprintf("credential error for user %s: %v", e.UserID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// LoginError means the login page was driven but no success signal appeared
// before the timeout.
type LoginError struct {
	UserID string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed for user %s: invalid credentials or portal unavailable", e.UserID)
}

func (e *LoginError) Unwrap() error { return ErrLoginFailed }

// StrategyFailure records why one SSO strategy gave up.
type StrategyFailure struct {
	Strategy string
	Err      error
}

// NavigationError means login succeeded but every SSO strategy failed.
// It must not count toward a lockout counter.
type NavigationError struct {
	UserID   string
	Attempts []StrategyFailure
}

func (e *NavigationError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return fmt.Sprintf("navigation failed for user %s (%s)", e.UserID, strings.Join(parts, "; "))
}

func (e *NavigationError) Unwrap() error { return ErrNavigationFailed }

// ResourceError wraps browser process and context failures.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("browser resource error (%s): %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// StorageError wraps errors from the durable session store.
type StorageError struct {
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s): %v", e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// FailureReason classifies an error for user-facing messaging.
type FailureReason string

const (
	ReasonNone        FailureReason = ""
	ReasonCredential  FailureReason = "credential"
	ReasonLogin       FailureReason = "login"
	ReasonNavigation  FailureReason = "navigation"
	ReasonResource    FailureReason = "resource"
	ReasonStorage     FailureReason = "storage"
	ReasonInvalidated FailureReason = "invalidated"
	ReasonUnknown     FailureReason = "unknown"
)

// Reason maps err onto the failure taxonomy.
func Reason(err error) FailureReason {
	if err == nil {
		return ReasonNone
	}

	var credErr *CredentialError
	var loginErr *LoginError
	var navErr *NavigationError
	var resErr *ResourceError
	var storeErr *StorageError

	switch {
	case errors.Is(err, ErrSessionInvalidated):
		return ReasonInvalidated
	case errors.As(err, &credErr):
		return ReasonCredential
	case errors.As(err, &loginErr):
		return ReasonLogin
	case errors.As(err, &navErr):
		return ReasonNavigation
	case errors.As(err, &resErr):
		return ReasonResource
	case errors.As(err, &storeErr):
		return ReasonStorage
	default:
		return ReasonUnknown
	}
}

// CountsTowardLockout reports whether err should increment a caller's
// failed-login counter.
func CountsTowardLockout(err error) bool {
	return Reason(err) == ReasonLogin
}
