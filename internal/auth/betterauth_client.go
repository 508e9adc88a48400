package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Provider represents OAuth providers
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// ErrNoAccount is returned when the broker has no account linked for the
// requested provider.
var ErrNoAccount = errors.New("no account connected")

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// OAuth2 converts t for use with golang.org/x/oauth2.
func (t *Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       t.Expiry,
	}
}

// BrokerClient fetches provider access tokens from a token broker that owns
// storage and refresh of the underlying OAuth grants.
type BrokerClient struct {
	baseURL string
	client  *http.Client
}

// NewBrokerClient creates client to fetch tokens from the broker at baseURL.
func NewBrokerClient(baseURL string, httpClient *http.Client) *BrokerClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &BrokerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

// GetToken fetches the provider token the broker holds for the caller
// identified by jwt.
func (c *BrokerClient) GetToken(ctx context.Context, jwt string, provider Provider) (*Token, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwt)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", provider, ErrNoAccount)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, errors.New("broker returned an empty access token")
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}

// TokenSource returns an oauth2.TokenSource that asks the broker for a fresh
// token whenever the cached one expires.
func (c *BrokerClient) TokenSource(ctx context.Context, jwt string, provider Provider) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &brokerTokenSource{ctx: ctx, client: c, jwt: jwt, provider: provider})
}

type brokerTokenSource struct {
	ctx      context.Context
	client   *BrokerClient
	jwt      string
	provider Provider
}

func (s *brokerTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.client.GetToken(s.ctx, s.jwt, s.provider)
	if err != nil {
		return nil, err
	}
	return tok.OAuth2(), nil
}
