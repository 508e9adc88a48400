package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// GraphScope is the application scope requested for Microsoft Graph.
const GraphScope = "https://graph.microsoft.com/.default"

// ErrNoCredentials is returned when no credential source is configured.
var ErrNoCredentials = errors.New("no remote credentials configured")

// Credentials selects how the service authenticates to the remote mail host.
// The first complete source wins: client credentials, then a static access
// token, then the token broker.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	AccessToken string

	BrokerURL string
	BrokerJWT string

	// AuthorityURL overrides the Microsoft identity platform host.
	AuthorityURL string
}

// Source reports which credential source c selects.
func (c Credentials) Source() string {
	switch {
	case c.TenantID != "" && c.ClientID != "" && c.ClientSecret != "":
		return "client_credentials"
	case c.AccessToken != "":
		return "static_token"
	case c.BrokerURL != "" && c.BrokerJWT != "":
		return "token_broker"
	default:
		return ""
	}
}

// TokenSource builds the token source selected by c for provider. The
// returned source caches tokens until they expire.
func (c Credentials) TokenSource(ctx context.Context, provider Provider) (oauth2.TokenSource, error) {
	switch c.Source() {
	case "client_credentials":
		authority := c.AuthorityURL
		if authority == "" {
			authority = "https://login.microsoftonline.com"
		}
		cc := &clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, url.PathEscape(c.TenantID)),
			Scopes:       []string{GraphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		return cc.TokenSource(ctx), nil
	case "static_token":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.AccessToken, TokenType: "Bearer"}), nil
	case "token_broker":
		return NewBrokerClient(c.BrokerURL, nil).TokenSource(ctx, c.BrokerJWT, provider), nil
	default:
		return nil, ErrNoCredentials
	}
}
