package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tradewire/internal/util"
)

// ErrRefreshExpired means the refresh token itself has expired and the user
// must run the authorization-code flow again (tradewire-renew). This is a
// setup error, not something the reconnect loop can recover from.
var ErrRefreshExpired = errors.New("auth: refresh token expired, re-run tradewire-renew")

// expirySkew is subtracted from the access-token lifetime so a token about
// to expire mid-request is refreshed up front.
const expirySkew = 60 * time.Second

// refreshAttempts bounds retries against a flaky token endpoint.
const refreshAttempts = 3

// Compile-time interface check.
var _ CredentialStore = (*OAuthClient)(nil)

// OAuthClient implements CredentialStore against the brokerage's OAuth2
// token endpoint, persisting tokens through a Cache.
type OAuthClient struct {
	authURL     string
	tokenURL    string
	appKey      string
	redirectURL string
	httpClient  *http.Client
	cache       Cache
	log         *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	tok    Token
	loaded bool
}

// NewOAuthClient creates an OAuthClient. httpClient may be nil, in which
// case a client with a 30s timeout is used.
func NewOAuthClient(authURL, tokenURL, appKey, redirectURL string, cache Cache, httpClient *http.Client, log *slog.Logger) *OAuthClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &OAuthClient{
		authURL:     authURL,
		tokenURL:    tokenURL,
		appKey:      appKey,
		redirectURL: redirectURL,
		httpClient:  httpClient,
		cache:       cache,
		log:         log.With("component", "auth"),
		now:         time.Now,
	}
}

// AuthURL returns the URL the user visits to authorize the app and obtain
// the one-time code for Exchange.
func (c *OAuthClient) AuthURL() string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("redirect_uri", c.redirectURL)
	q.Set("client_id", c.appKey)
	return c.authURL + "?" + q.Encode()
}

// Exchange trades an authorization code for a fresh token pair and caches
// it. The code must not be URL-encoded.
func (c *OAuthClient) Exchange(ctx context.Context, code string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.appKey)
	form.Set("access_type", "offline")
	form.Set("redirect_uri", c.redirectURL)
	form.Set("code", code)

	tok, err := c.postToken(ctx, form)
	if err != nil {
		return Token{}, fmt.Errorf("exchanging authorization code: %w", err)
	}

	c.mu.Lock()
	c.tok = tok
	c.loaded = true
	c.mu.Unlock()

	if err := c.cache.Save(tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Token returns a token with a valid access value, refreshing through the
// refresh-token grant when the cached one has expired.
func (c *OAuthClient) Token(ctx context.Context) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		tok, err := c.cache.Load()
		if err != nil {
			return Token{}, err
		}
		c.tok = tok
		c.loaded = true
	}

	now := c.now()
	if c.tok.AccessValid(now.Add(expirySkew)) {
		return c.tok, nil
	}
	if !c.tok.RefreshValid(now) {
		return Token{}, ErrRefreshExpired
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.appKey)
	form.Set("refresh_token", c.tok.RefreshToken)

	var fresh Token
	err := util.Retry(ctx, refreshAttempts, 500*time.Millisecond, func() error {
		var perr error
		fresh, perr = c.postToken(ctx, form)
		return perr
	})
	if err != nil {
		return Token{}, fmt.Errorf("refreshing access token: %w", err)
	}

	// The refresh grant may omit a new refresh token; keep the old one.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = c.tok.RefreshToken
		fresh.RefreshExpiresAt = c.tok.RefreshExpiresAt
	}
	c.tok = fresh

	if err := c.cache.Save(c.tok); err != nil {
		c.log.Warn("failed to persist refreshed token", "err", err)
	}
	return c.tok, nil
}

// Invalidate discards the cached access token; the next Token call runs the
// refresh grant.
func (c *OAuthClient) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tok.AccessToken = ""
	c.tok.AccessExpiresAt = time.Time{}
}

// tokenResponse is the token endpoint's JSON body.
type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

func (c *OAuthClient) postToken(ctx context.Context, form url.Values) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Token{}, fmt.Errorf("token endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Token{}, fmt.Errorf("parsing token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Token{}, fmt.Errorf("token endpoint returned no access token")
	}

	now := c.now()
	tok := Token{
		AccessToken:     tr.AccessToken,
		RefreshToken:    tr.RefreshToken,
		AccessExpiresAt: now.Add(time.Duration(tr.ExpiresIn) * time.Second),
		ClientID:        c.appKey,
	}
	if tr.RefreshTokenExpiresIn > 0 {
		tok.RefreshExpiresAt = now.Add(time.Duration(tr.RefreshTokenExpiresIn) * time.Second)
	}
	return tok, nil
}
