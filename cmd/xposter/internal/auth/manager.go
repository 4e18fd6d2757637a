// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package auth

import (
	"cmp"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"go.astrophena.name/xposter/internal/request"
)

// Config configures a [Manager].
type Config struct {
	// ClientID and ClientSecret identify the confidential client.
	ClientID     string
	ClientSecret string
	// RedirectURI is where the provider sends the operator back. Its host and
	// port are served by a local single-use listener during authorization.
	// Defaults to DefaultRedirectURI.
	RedirectURI string
	// AuthURL and TokenURL default to the X endpoints.
	AuthURL  string
	TokenURL string
	// Scopes default to DefaultScopes.
	Scopes []string

	// SeedRefreshToken, if set, is used to obtain credentials when none are
	// stored, instead of interactive authorization.
	SeedRefreshToken string
	// Interactive allows the manager to ask the operator to authorize in a
	// browser. When false, such a need fails with ErrInteractionRequired.
	Interactive bool
	// OpenBrowser opens the authorization URL for the operator. The URL is
	// always logged as well. Optional.
	OpenBrowser func(ctx context.Context, url string) error

	// HTTPClient is used for token requests. Defaults to request.DefaultClient.
	HTTPClient *http.Client
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager hands out valid access tokens, refreshing or reauthorizing as
// needed. Every new bundle is saved before it is returned.
type Manager struct {
	c      Config
	tokens *TokenStore
	oauth  *oauth2.Config

	mu     sync.Mutex
	loaded bool
	bundle *Bundle
}

// NewManager returns a Manager persisting bundles in tokens.
func NewManager(c Config, tokens *TokenStore) *Manager {
	c.RedirectURI = cmp.Or(c.RedirectURI, DefaultRedirectURI)
	c.AuthURL = cmp.Or(c.AuthURL, AuthURL)
	c.TokenURL = cmp.Or(c.TokenURL, TokenURL)
	if len(c.Scopes) == 0 {
		c.Scopes = DefaultScopes
	}
	if c.HTTPClient == nil {
		c.HTTPClient = request.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Manager{
		c:      c,
		tokens: tokens,
		oauth: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   c.AuthURL,
				TokenURL:  c.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
			Scopes: c.Scopes,
		},
	}
}

// Token returns an access token that is valid for at least a minute.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		return "", err
	}

	if m.bundle.Valid(m.c.Now()) {
		return m.bundle.AccessToken, nil
	}

	var (
		b   *Bundle
		err error
	)
	switch rt := m.refreshToken(); {
	case rt == "":
		b, err = m.authorize(ctx)
	default:
		b, err = m.refresh(ctx, rt)
		if errors.Is(err, ErrRefreshRejected) {
			m.c.Logger.Warn("refresh token rejected, authorization needed", "error", err)
			var authErr error
			if b, authErr = m.authorize(ctx); authErr != nil {
				err = errors.Join(err, authErr)
			} else {
				err = nil
			}
		}
	}
	if err != nil {
		return "", err
	}
	return b.AccessToken, nil
}

// ForceRefresh exchanges the refresh token for a new bundle regardless of
// whether the current access token has expired.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		return "", err
	}
	rt := m.refreshToken()
	if rt == "" {
		return "", ErrNoRefreshToken
	}
	b, err := m.refresh(ctx, rt)
	if err != nil {
		return "", err
	}
	return b.AccessToken, nil
}

// Renew replaces credentials that the API rejected: it forces a refresh and
// falls back to interactive authorization when there is no usable refresh
// token.
func (m *Manager) Renew(ctx context.Context) (string, error) {
	token, err := m.ForceRefresh(ctx)
	if err == nil || !(errors.Is(err, ErrRefreshRejected) || errors.Is(err, ErrNoRefreshToken)) {
		return token, err
	}
	m.c.Logger.Warn("refresh failed, authorization needed", "error", err)

	m.mu.Lock()
	defer m.mu.Unlock()
	b, authErr := m.authorize(ctx)
	if authErr != nil {
		return "", errors.Join(err, authErr)
	}
	return b.AccessToken, nil
}

// Authorize runs the interactive authorization code flow with PKCE.
func (m *Manager) Authorize(ctx context.Context) (*Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authorize(ctx)
}

// load reads the saved bundle on first use. The bundle loaded is nil if
// nothing was saved.
func (m *Manager) load(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	b, err := m.tokens.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading tokens: %w", err)
	}
	m.bundle, m.loaded = b, true
	return nil
}

func (m *Manager) refreshToken() string {
	if m.bundle != nil && m.bundle.RefreshToken != "" {
		return m.bundle.RefreshToken
	}
	return m.c.SeedRefreshToken
}

// pendingAuthorization is the per-attempt PKCE and anti-forgery state.
type pendingAuthorization struct {
	verifier    string
	challenge   string
	state       string
	redirectURI string
}

func newPendingAuthorization(redirectURI string) *pendingAuthorization {
	verifier := oauth2.GenerateVerifier()
	return &pendingAuthorization{
		verifier:    verifier,
		challenge:   oauth2.S256ChallengeFromVerifier(verifier),
		state:       rand.Text(),
		redirectURI: redirectURI,
	}
}

func (m *Manager) authorize(ctx context.Context) (*Bundle, error) {
	if !m.c.Interactive {
		return nil, ErrInteractionRequired
	}

	cl, err := listenCallback(m.c.RedirectURI)
	if err != nil {
		return nil, err
	}
	defer cl.Close()

	p := newPendingAuthorization(m.c.RedirectURI)
	if strings.HasSuffix(hostOf(m.c.RedirectURI), ":0") {
		p.redirectURI = cl.RedirectURI()
	}

	cfg := *m.oauth
	cfg.RedirectURL = p.redirectURI
	authURL := cfg.AuthCodeURL(p.state, oauth2.S256ChallengeOption(p.verifier))

	m.c.Logger.Info("open this URL in a browser to authorize xposter", "url", authURL)
	if m.c.OpenBrowser != nil {
		if err := m.c.OpenBrowser(ctx, authURL); err != nil {
			m.c.Logger.Warn("opening browser failed", "error", err)
		}
	}

	res, err := cl.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrAuthorizationDenied, strings.TrimSpace(res.Error+" "+res.ErrorDescription))
	}
	if res.State != p.state {
		return nil, ErrStateMismatch
	}
	if res.Code == "" {
		return nil, fmt.Errorf("%w: no authorization code in redirect", ErrAuthorizationDenied)
	}

	b, err := m.exchange(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {res.Code},
		"redirect_uri":  {p.redirectURI},
		"client_id":     {m.c.ClientID},
		"code_verifier": {p.verifier},
	}, "")
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	m.c.Logger.Info("authorized", "scope", b.Scope)
	return b, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (*Bundle, error) {
	b, err := m.exchange(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {m.c.ClientID},
	}, refreshToken)
	if err != nil {
		var se *request.StatusError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
		return nil, fmt.Errorf("refreshing tokens: %w", err)
	}
	m.c.Logger.Debug("tokens refreshed", "expiry", b.Expiry())
	return b, nil
}

// exchange posts form to the token endpoint, saves the resulting bundle and
// makes it current. A bundle without a refresh token inherits oldRefresh.
func (m *Manager) exchange(ctx context.Context, form url.Values, oldRefresh string) (*Bundle, error) {
	var scrub []string
	for _, secret := range []string{m.c.ClientSecret, oldRefresh, form.Get("code")} {
		if secret != "" {
			scrub = append(scrub, secret, "[REDACTED]")
		}
	}

	b, err := request.Make[Bundle](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        m.c.TokenURL,
		Form:       form,
		BasicAuth:  &request.BasicAuth{Username: m.c.ClientID, Password: m.c.ClientSecret},
		HTTPClient: m.c.HTTPClient,
		Scrubber:   strings.NewReplacer(scrub...),
	})
	if err != nil {
		return nil, err
	}
	if b.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	b.IssuedAt = m.c.Now()
	b.ExpiresIn = cmp.Or(b.ExpiresIn, defaultExpiresIn)
	b.RefreshToken = cmp.Or(b.RefreshToken, oldRefresh)

	if err := m.tokens.Save(ctx, &b); err != nil {
		return nil, fmt.Errorf("saving tokens: %w", err)
	}
	m.bundle, m.loaded = &b, true
	return &b, nil
}
