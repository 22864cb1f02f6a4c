package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/tokenfile"
)

// ErrNotLoggedIn is returned when no saved token exists for an account.
var ErrNotLoggedIn = errors.New("graph: not logged in")

// Azure AD public client registration (multi-tenant + personal accounts).
const defaultClientID = "f05b6b25-8b2f-4d0e-9a6c-3bd9edc3b521"

var defaultScopes = []string{
	"offline_access",
	"Files.ReadWrite.All",
	"User.Read",
}

// oauthConfig builds the OAuth2 configuration for the device code flow.
func oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: defaultClientID,
		Scopes:   defaultScopes,
		Endpoint: microsoft.AzureADEndpoint("common"),
	}
}

// DeviceAuth holds the device code fields the CLI displays to the user.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// Login performs the device code OAuth2 flow and saves the resulting token
// to tokenPath. display is called with the user code and verification URL;
// Login then blocks polling until the user authorizes or ctx is canceled.
func Login(ctx context.Context, tokenPath string, display func(DeviceAuth), logger *slog.Logger) (*FileTokenSource, error) {
	cfg := oauthConfig()

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: device auth request failed: %w", err)
	}

	display(DeviceAuth{
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
	})

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("graph: device code authorization failed: %w", err)
	}

	if saveErr := tokenfile.Save(tokenPath, tok); saveErr != nil {
		return nil, fmt.Errorf("graph: saving token: %w", saveErr)
	}

	logger.Info("login successful", slog.Time("expiry", tok.Expiry))

	return &FileTokenSource{cfg: cfg, path: tokenPath, tok: tok, logger: logger}, nil
}

// FileTokenSource is a TokenSource backed by a saved token file, with
// silent refresh through the OAuth2 endpoint. Refreshed tokens are
// persisted back to the file. Safe for concurrent use.
type FileTokenSource struct {
	mu     sync.Mutex
	cfg    *oauth2.Config
	path   string
	tok    *oauth2.Token
	logger *slog.Logger
}

// LoadTokenSource reads a saved token file and returns a refreshing token
// source for it. Returns ErrNotLoggedIn when no token file exists.
func LoadTokenSource(tokenPath string, logger *slog.Logger) (*FileTokenSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tok, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, ErrNotLoggedIn
	}

	return &FileTokenSource{cfg: oauthConfig(), path: tokenPath, tok: tok, logger: logger}, nil
}

// Token returns a valid access token, refreshing and persisting it when the
// cached one has expired.
func (s *FileTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok.Valid() {
		return s.tok.AccessToken, nil
	}

	s.logger.Debug("refreshing expired access token")

	fresh, err := s.cfg.TokenSource(ctx, s.tok).Token()
	if err != nil {
		return "", fmt.Errorf("graph: refreshing token: %w", err)
	}

	if fresh.AccessToken != s.tok.AccessToken {
		if saveErr := tokenfile.Save(s.path, fresh); saveErr != nil {
			// Refresh still succeeded; the next run refreshes again.
			s.logger.Warn("failed to persist refreshed token",
				slog.String("error", saveErr.Error()),
			)
		}
	}

	s.tok = fresh

	return fresh.AccessToken, nil
}

// Invalidate discards the cached access token so the next Token call
// refreshes against the endpoint. Called by Client after a 401.
func (s *FileTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tok = &oauth2.Token{
		RefreshToken: s.tok.RefreshToken,
		Expiry:       time.Unix(0, 0),
	}
}
