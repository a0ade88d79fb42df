package cloudbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/deskbridge/deskbridge/internal/metrics"
)

const defaultTokenLifetime = 7200 * time.Second

var (
	// ErrInvalidCredential means the remote side rejected the app credentials
	// or the access token.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrNoToken means the credential endpoint answered without a token.
	ErrNoToken = errors.New("no access token in response")
)

// TokenManager caches the platform access token and refreshes it lazily.
// A token is never handed out past its expiry minus margin.
type TokenManager struct {
	baseURL string
	appID   string
	secret  string
	margin  time.Duration
	http    *http.Client
	logger  zerolog.Logger
	now     func() time.Time

	// refreshMu serializes refreshes so concurrent callers see one request.
	refreshMu sync.Mutex

	mu    sync.Mutex
	token *oauth2.Token
}

var _ oauth2.TokenSource = (*TokenManager)(nil)

// NewTokenManager creates a manager for the credential endpoint under baseURL.
func NewTokenManager(baseURL, appID, secret string, margin time.Duration, httpClient *http.Client, logger zerolog.Logger) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenManager{
		baseURL: baseURL,
		appID:   appID,
		secret:  secret,
		margin:  margin,
		http:    httpClient,
		logger:  logger.With().Str("component", "token").Logger(),
		now:     time.Now,
	}
}

// Get returns a currently valid access token, refreshing first if the cache
// is empty or the cached token is within margin of expiry.
func (m *TokenManager) Get(ctx context.Context) (string, error) {
	if tok := m.cached(); tok != "" {
		return tok, nil
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	if tok := m.cached(); tok != "" {
		return tok, nil
	}
	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	if tok := m.cached(); tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}

// Token implements oauth2.TokenSource.
func (m *TokenManager) Token() (*oauth2.Token, error) {
	if _, err := m.Get(context.Background()); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil, ErrNoToken
	}
	tok := *m.token
	return &tok, nil
}

// Refresh fetches a new token unconditionally. On failure the cached token is
// kept, unless the endpoint reported the credentials invalid.
func (m *TokenManager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return m.refreshLocked(ctx)
}

// Invalidate drops the cached token so the next Get refreshes.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

// Expiry returns the cached token's expiry, or zero when none is cached.
func (m *TokenManager) Expiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return time.Time{}
	}
	return m.token.Expiry
}

func (m *TokenManager) cached() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil || m.token.AccessToken == "" {
		return ""
	}
	if !m.now().Before(m.token.Expiry.Add(-m.margin)) {
		return ""
	}
	return m.token.AccessToken
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

func (m *TokenManager) refreshLocked(ctx context.Context) error {
	tok, err := m.fetch(ctx)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			m.Invalidate()
		}
		metrics.IncTokenRefresh(metrics.ResultError)
		m.logger.Error().Err(err).Msg("token refresh failed")
		return err
	}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()

	metrics.IncTokenRefresh(metrics.ResultSuccess)
	m.logger.Info().Time("expires", tok.Expiry).Msg("token refreshed")
	return nil
}

func (m *TokenManager) fetch(ctx context.Context) (*oauth2.Token, error) {
	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", m.appID)
	q.Set("secret", m.secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/cgi-bin/token?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.http.Do(req) // #nosec G704 -- URL is the configured API base
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("token endpoint status %d: %w", resp.StatusCode, ErrInvalidCredential)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("unmarshal token response: %w", err)
	}
	if tr.ErrCode != 0 {
		return nil, apiError(tr.ErrCode, tr.ErrMsg)
	}
	if tr.AccessToken == "" {
		return nil, ErrNoToken
	}

	lifetime := defaultTokenLifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}
	return &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   "Bearer",
		Expiry:      m.now().Add(lifetime),
	}, nil
}
