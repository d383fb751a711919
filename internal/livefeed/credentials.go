package livefeed

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// CredentialSource supplies the bearer token and signed-in identity. Its
// lifecycle (refresh, sign-out) belongs to the caller.
type CredentialSource interface {
	// Token returns the current bearer token.
	Token(ctx context.Context) (string, error)
	// Viewer returns the signed-in identity used for optimistic messages.
	Viewer() Author
	// TokenSource exposes the underlying oauth2 source for HTTP clients.
	TokenSource() oauth2.TokenSource
}

// Credentials adapts an oauth2.TokenSource and a viewer identity.
type Credentials struct {
	ts     oauth2.TokenSource
	viewer Author
}

// NewCredentials wraps ts. The source is reused across reconnects, so it
// should cache tokens (oauth2.ReuseTokenSource does).
func NewCredentials(ts oauth2.TokenSource, viewer Author) (*Credentials, error) {
	if ts == nil {
		return nil, fmt.Errorf("livefeed: credentials: token source is required")
	}
	if viewer.Name == "" && viewer.ID == "" {
		return nil, fmt.Errorf("livefeed: credentials: viewer identity is required")
	}
	return &Credentials{ts: oauth2.ReuseTokenSource(nil, ts), viewer: viewer}, nil
}

// StaticCredentials is a convenience for a fixed bearer token.
func StaticCredentials(token string, viewer Author) (*Credentials, error) {
	if token == "" {
		return nil, fmt.Errorf("livefeed: credentials: token is required")
	}
	return NewCredentials(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}), viewer)
}

// Token returns the access token. oauth2 token sources do not take a
// context, so cancellation is only checked before the call.
func (c *Credentials) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := c.ts.Token()
	if err != nil {
		return "", fmt.Errorf("livefeed: token: %w", err)
	}
	return tok.AccessToken, nil
}

// Viewer returns the signed-in identity.
func (c *Credentials) Viewer() Author { return c.viewer }

// TokenSource returns the cached token source.
func (c *Credentials) TokenSource() oauth2.TokenSource { return c.ts }
