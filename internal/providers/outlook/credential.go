package outlook

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"golang.org/x/oauth2"
)

// tokenSourceCredential adapts an oauth2.TokenSource to the Azure credential
// interface used by the Graph SDK.
type tokenSourceCredential struct {
	ts oauth2.TokenSource
}

// NewCredential wraps ts as an azcore.TokenCredential.
func NewCredential(ts oauth2.TokenSource) azcore.TokenCredential {
	return &tokenSourceCredential{ts: ts}
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("acquire graph token: %w", err)
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{
		Token:     tok.AccessToken,
		ExpiresOn: expires,
	}, nil
}
