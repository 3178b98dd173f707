package portal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/IshaanNene/portalsession/internal/browser"
	"github.com/IshaanNene/portalsession/internal/credentials"
	"github.com/IshaanNene/portalsession/internal/types"
)

// Authenticator runs one full session creation: context, login, SSO, cookie
// capture.
type Authenticator struct {
	pool     *browser.Pool
	login    *LoginExecutor
	resolver *Resolver
	source   credentials.Source
	logger   *slog.Logger
}

// NewAuthenticator wires the pipeline stages together.
func NewAuthenticator(pool *browser.Pool, login *LoginExecutor, resolver *Resolver, source credentials.Source, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		pool:     pool,
		login:    login,
		resolver: resolver,
		source:   source,
		logger:   logger.With("component", "authenticator"),
	}
}

// Create logs userID in and returns the captured jar plus the context that
// still holds it. The live context is nil when the context came from a
// throwaway browser, which is always closed before returning.
func (a *Authenticator) Create(ctx context.Context, userID string) ([]types.Cookie, types.LiveContext, error) {
	log := a.logger.With("user_id", userID, "attempt_id", uuid.NewString())
	start := time.Now()

	creds, err := a.source.Credentials(ctx, userID)
	if err != nil {
		var credErr *types.CredentialError
		if !errors.As(err, &credErr) {
			err = &types.CredentialError{UserID: userID, Err: err}
		}
		log.Warn("credentials unavailable", "error", err)
		return nil, nil, err
	}

	// Key problems are credential errors, never login failures.
	secret, err := a.login.Secret(userID, creds)
	if err != nil {
		log.Error("credential encryption failed", "error", err)
		return nil, nil, err
	}

	bc, err := a.pool.NewContext(ctx, a.pool.DefaultContextOptions())
	if err != nil {
		if errors.Is(err, types.ErrPoolClosed) {
			err = &types.ResourceError{Op: "new context", Err: err}
		}
		log.Error("no browser context", "error", err)
		return nil, nil, err
	}

	keep := false
	defer func() {
		if !keep {
			if cerr := bc.Close(); cerr != nil {
				log.Debug("context close failed", "error", cerr)
			}
		}
	}()

	page, err := bc.NewPage(ctx)
	if err != nil {
		log.Error("no page", "error", err)
		return nil, nil, err
	}

	if !a.login.Login(ctx, bc, page, userID, creds, secret) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, &types.ResourceError{Op: "login", Err: ctxErr}
		}
		return nil, nil, &types.LoginError{UserID: userID}
	}

	nav := &Navigation{UserID: userID, Browser: bc, Page: page, Home: currentURL(ctx, page)}
	landed, err := a.resolver.Resolve(ctx, nav)
	if err != nil {
		log.Warn("sso navigation failed", "error", err)
		return nil, nil, err
	}

	cookies, err := bc.Cookies(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(cookies) == 0 {
		return nil, nil, &types.ResourceError{Op: "read cookies", Err: errors.New("cookie store is empty")}
	}

	// Pages are closed but the context stays open so its jar can be re-read.
	if landed != page {
		_ = landed.Close()
	}
	_ = page.Close()

	log.Info("session created",
		"cookies", len(cookies),
		"throwaway", bc.Throwaway(),
		"duration", time.Since(start),
	)

	if bc.Throwaway() {
		return cookies, nil, nil
	}
	keep = true
	return cookies, bc, nil
}
