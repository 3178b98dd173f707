// Package credentials supplies decrypted portal logins to the session
// pipeline. Storage and at-rest encryption of credentials belong to the
// caller; this package only defines the contract and a config-backed source.
package credentials

import (
	"context"
	"errors"
	"strings"

	"github.com/IshaanNene/portalsession/internal/config"
	"github.com/IshaanNene/portalsession/internal/types"
)

// Source looks up a user's portal login.
type Source interface {
	// Credentials returns the plaintext login. Missing or incomplete
	// credentials are reported as *types.CredentialError.
	Credentials(ctx context.Context, userID string) (types.Credentials, error)
	// Eligible reports whether the user should hold a warm session at all.
	Eligible(ctx context.Context, userID string) (bool, error)
}

// SourceFunc adapts a lookup function to Source. Every user with credentials
// is eligible; ErrNoCredentials and ErrIneligible from the function mean not
// eligible, and any other error is returned.
type SourceFunc func(ctx context.Context, userID string) (types.Credentials, error)

func (f SourceFunc) Credentials(ctx context.Context, userID string) (types.Credentials, error) {
	creds, err := f(ctx, userID)
	if err != nil {
		return types.Credentials{}, asCredentialError(userID, err)
	}
	if creds.Empty() {
		return types.Credentials{}, &types.CredentialError{UserID: userID, Err: types.ErrNoCredentials}
	}
	return creds, nil
}

func (f SourceFunc) Eligible(ctx context.Context, userID string) (bool, error) {
	creds, err := f(ctx, userID)
	switch {
	case errors.Is(err, types.ErrNoCredentials), errors.Is(err, types.ErrIneligible):
		return false, nil
	case err != nil:
		return false, asCredentialError(userID, err)
	}
	return !creds.Empty(), nil
}

// Static serves accounts from configuration. Lookups fall back to the
// lower-cased user id because viper lower-cases map keys.
type Static struct {
	accounts map[string]config.AccountConfig
}

// NewStatic copies accounts so later config mutation does not leak in.
func NewStatic(accounts map[string]config.AccountConfig) *Static {
	s := &Static{accounts: make(map[string]config.AccountConfig, len(accounts))}
	for id, acct := range accounts {
		s.accounts[id] = acct
	}
	return s
}

func (s *Static) lookup(userID string) (config.AccountConfig, bool) {
	if acct, ok := s.accounts[userID]; ok {
		return acct, true
	}
	acct, ok := s.accounts[strings.ToLower(userID)]
	return acct, ok
}

func (s *Static) Credentials(_ context.Context, userID string) (types.Credentials, error) {
	acct, ok := s.lookup(userID)
	if !ok {
		return types.Credentials{}, &types.CredentialError{UserID: userID, Err: types.ErrNoCredentials}
	}
	if acct.Disabled {
		return types.Credentials{}, &types.CredentialError{UserID: userID, Err: types.ErrIneligible}
	}
	creds := types.Credentials{LoginID: acct.LoginID, Password: acct.Password}
	if creds.Empty() {
		return types.Credentials{}, &types.CredentialError{UserID: userID, Err: types.ErrNoCredentials}
	}
	return creds, nil
}

func (s *Static) Eligible(_ context.Context, userID string) (bool, error) {
	acct, ok := s.lookup(userID)
	if !ok || acct.Disabled {
		return false, nil
	}
	return acct.LoginID != "" && acct.Password != "", nil
}

// Users lists configured account ids.
func (s *Static) Users() []string {
	out := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		out = append(out, id)
	}
	return out
}

func asCredentialError(userID string, err error) error {
	var credErr *types.CredentialError
	if errors.As(err, &credErr) {
		return err
	}
	return &types.CredentialError{UserID: userID, Err: err}
}
