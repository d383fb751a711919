package livefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
)

// DefaultHistoryLimit is the number of recent messages used to seed a session.
const DefaultHistoryLimit = 50

// HistoryLoader returns the most recent persisted messages of a feed,
// oldest first.
type HistoryLoader interface {
	Load(ctx context.Context, feed FeedID, limit int) ([]Message, error)
}

// HistoryFunc adapts a function to HistoryLoader.
type HistoryFunc func(ctx context.Context, feed FeedID, limit int) ([]Message, error)

func (f HistoryFunc) Load(ctx context.Context, feed FeedID, limit int) ([]Message, error) {
	return f(ctx, feed, limit)
}

// HTTPHistory loads history from GET {BaseURL}/feeds/{feed}/messages.
type HTTPHistory struct {
	baseURL string
	client  *http.Client
}

// HTTPHistoryOpts holds parameters for creating an HTTPHistory.
type HTTPHistoryOpts struct {
	BaseURL     string           // e.g. "https://agora.example.org"
	Credentials CredentialSource // bearer token for each request
	// For testing: a base client whose transport is wrapped with the bearer
	// token. Defaults to http.DefaultClient.
	Client *http.Client
}

// NewHTTPHistory creates an HTTPHistory.
func NewHTTPHistory(opts HTTPHistoryOpts) (*HTTPHistory, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("livefeed: history: base url is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("livefeed: history: credentials are required")
	}
	return &HTTPHistory{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  bearerClient(opts.Client, opts.Credentials),
	}, nil
}

// bearerClient returns an HTTP client that adds the credentials' token to
// every request, built on base when given.
func bearerClient(base *http.Client, creds CredentialSource) *http.Client {
	ctx := context.Background()
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	return oauth2.NewClient(ctx, creds.TokenSource())
}

// Load fetches up to limit messages. A non-2xx status is an error.
func (h *HTTPHistory) Load(ctx context.Context, feed FeedID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	u := fmt.Sprintf("%s/feeds/%s/messages?limit=%s",
		h.baseURL, url.PathEscape(string(feed)), strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("livefeed: history: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("livefeed: history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("livefeed: history: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var msgs []Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("livefeed: history: decode: %w", err)
	}
	for i := range msgs {
		if msgs[i].Kind == "" {
			msgs[i].Kind = KindChat
		}
	}
	return msgs, nil
}
