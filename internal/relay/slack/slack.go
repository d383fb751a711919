// Package slack relays feed messages to Slack channels with chat.postMessage.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	slackapi "github.com/slack-go/slack"

	"github.com/civichall/agora/internal/livefeed"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the slack.Client methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Sink posts feed messages to the Slack channel mapped to each feed.
type Sink struct {
	client   slackClient
	channels map[livefeed.FeedID]string
	// backoff is the fallback wait when Slack omits Retry-After.
	backoff func(attempt int) time.Duration
}

// SinkOpts holds parameters for creating a Slack Sink.
type SinkOpts struct {
	BotToken string            // xoxb-...
	Channels map[string]string // feed -> channel ID
	// For testing: inject a mock client.
	Client slackClient
}

// New creates a Slack Sink.
func New(opts SinkOpts) (*Sink, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("slack: at least one channel is required")
	}
	s := &Sink{
		client:   opts.Client,
		channels: make(map[livefeed.FeedID]string, len(opts.Channels)),
		backoff:  exponential,
	}
	for feed, ch := range opts.Channels {
		s.channels[livefeed.FeedID(feed)] = ch
	}
	if s.client == nil {
		s.client = slackapi.New(opts.BotToken)
	}
	return s, nil
}

func exponential(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

// Name identifies the sink in logs.
func (s *Sink) Name() string { return "slack" }

// Post sends msg to the channel mapped to feed. Unmapped feeds are skipped.
// The text is escaped so relayed content cannot mention Slack users.
func (s *Sink) Post(ctx context.Context, feed livefeed.FeedID, msg livefeed.Message) error {
	channelID, ok := s.channels[feed]
	if !ok {
		return nil
	}
	options := []slackapi.MsgOption{
		slackapi.MsgOptionText(msg.Content, true),
		slackapi.MsgOptionUsername(displayName(msg.Author)),
	}
	if msg.Author.AvatarURL != "" {
		options = append(options, slackapi.MsgOptionIconURL(msg.Author.AvatarURL))
	}

	err := s.retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessage(channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func displayName(a livefeed.Author) string {
	name := a.Name
	if a.Role != "" {
		name += " (" + a.Role + ")"
	}
	if a.Verified {
		name += " ✓"
	}
	return name
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors, honouring
// Retry-After when present.
func (s *Sink) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = s.backoff(attempt)
		}
		log.Warn().Int("attempt", attempt+1).Dur("wait", wait).Msg("slack: rate limited, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
