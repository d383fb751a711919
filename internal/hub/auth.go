package hub

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/civichall/agora/internal/config"
	"github.com/civichall/agora/internal/livefeed"
)

// RoleModerator may post system announcements.
const RoleModerator = "moderator"

// authorKey is the gin context key holding the authenticated Author.
const authorKey = "hub.author"

// TokenTable maps bearer tokens to the identities they authenticate.
type TokenTable struct {
	byToken map[string]livefeed.Author
}

// NewTokenTable builds a TokenTable from configured tokens.
func NewTokenTable(tokens []config.TokenConfig) (*TokenTable, error) {
	t := &TokenTable{byToken: make(map[string]livefeed.Author, len(tokens))}
	for i, tc := range tokens {
		if tc.Token == "" {
			return nil, fmt.Errorf("tokens[%d]: token is required", i)
		}
		if tc.Name == "" {
			return nil, fmt.Errorf("tokens[%d]: name is required", i)
		}
		t.byToken[tc.Token] = livefeed.Author{
			ID:        tc.UserID,
			Name:      tc.Name,
			AvatarURL: tc.Avatar,
			Role:      tc.Role,
			Verified:  tc.Verified,
		}
	}
	return t, nil
}

// Lookup returns the identity for token.
func (t *TokenTable) Lookup(token string) (livefeed.Author, bool) {
	a, ok := t.byToken[token]
	return a, ok
}

// Len returns the number of configured tokens.
func (t *TokenTable) Len() int { return len(t.byToken) }

// bearerToken extracts the token from an "Authorization: Bearer x" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireAuth rejects requests without a known bearer token.
func requireAuth(t *TokenTable) gin.HandlerFunc {
	return func(c *gin.Context) {
		author, ok := t.Lookup(bearerToken(c.Request))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(authorKey, author)
		c.Next()
	}
}

func authorFrom(c *gin.Context) livefeed.Author {
	a, _ := c.MustGet(authorKey).(livefeed.Author)
	return a
}
