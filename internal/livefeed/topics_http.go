package livefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// HTTPTopics lists and creates topics over the hub's REST endpoints.
type HTTPTopics struct {
	baseURL string
	client  *http.Client
}

// HTTPTopicsOpts holds parameters for creating an HTTPTopics.
type HTTPTopicsOpts struct {
	BaseURL     string
	Credentials CredentialSource
	Client      *http.Client // optional base client
}

// NewHTTPTopics creates an HTTPTopics.
func NewHTTPTopics(opts HTTPTopicsOpts) (*HTTPTopics, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("livefeed: topics: base url is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("livefeed: topics: credentials are required")
	}
	return &HTTPTopics{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  bearerClient(opts.Client, opts.Credentials),
	}, nil
}

// CreateTopicRequest is the body of POST /topics.
type CreateTopicRequest struct {
	Title  string `json:"title"`
	FeedID FeedID `json:"feedId"`
}

// List returns up to limit recent topics, newest first.
func (t *HTTPTopics) List(ctx context.Context, limit int) ([]Topic, error) {
	u := t.baseURL + "/topics"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("livefeed: topics: build request: %w", err)
	}
	var topics []Topic
	if err := t.do(req, http.StatusOK, &topics); err != nil {
		return nil, fmt.Errorf("livefeed: topics: list: %w", err)
	}
	return topics, nil
}

// Create posts a new topic and returns it as stored by the hub.
func (t *HTTPTopics) Create(ctx context.Context, title string, feed FeedID) (Topic, error) {
	if strings.TrimSpace(title) == "" {
		return Topic{}, fmt.Errorf("livefeed: topics: title is required")
	}
	if feed == "" {
		return Topic{}, fmt.Errorf("livefeed: topics: feed is required")
	}
	body, err := json.Marshal(CreateTopicRequest{Title: title, FeedID: feed})
	if err != nil {
		return Topic{}, fmt.Errorf("livefeed: topics: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/topics", bytes.NewReader(body))
	if err != nil {
		return Topic{}, fmt.Errorf("livefeed: topics: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	var topic Topic
	if err := t.do(req, http.StatusCreated, &topic); err != nil {
		return Topic{}, fmt.Errorf("livefeed: topics: create: %w", err)
	}
	return topic, nil
}

func (t *HTTPTopics) do(req *http.Request, want int, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
