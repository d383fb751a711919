// Package discord relays feed messages to Discord channels over the REST API.
package discord

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/civichall/agora/internal/livefeed"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff after a 429.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute

	verifiedColor = "#3b82f6"
	defaultColor  = "#6b7280"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Sink posts feed messages to the Discord channel mapped to each feed.
type Sink struct {
	sess        session
	channels    map[livefeed.FeedID]string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// SinkOpts holds parameters for creating a Discord Sink.
type SinkOpts struct {
	BotToken string            // Discord bot token
	Channels map[string]string // feed -> channel ID
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Sink.
func New(opts SinkOpts) (*Sink, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("discord: at least one channel is required")
	}

	s := &Sink{
		sess:        opts.Session,
		channels:    make(map[livefeed.FeedID]string, len(opts.Channels)),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	for feed, ch := range opts.Channels {
		s.channels[livefeed.FeedID(feed)] = ch
	}

	if s.sess == nil {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		s.sess = dg
	}
	return s, nil
}

// Name identifies the sink in logs.
func (s *Sink) Name() string { return "discord" }

// Post sends msg to the channel mapped to feed. Unmapped feeds are skipped.
func (s *Sink) Post(ctx context.Context, feed livefeed.FeedID, msg livefeed.Message) error {
	channelID, ok := s.channels[feed]
	if !ok {
		return nil
	}
	data := buildMessageSend(feed, msg)
	err := s.retryOnRateLimit(ctx, func() error {
		_, sendErr := s.sess.ChannelMessageSendComplex(channelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// buildMessageSend renders msg as an embed attributed to its author. Mentions
// are disabled so relayed text cannot ping the Discord server.
func buildMessageSend(feed livefeed.FeedID, msg livefeed.Message) *discordgo.MessageSend {
	name := msg.Author.Name
	if msg.Author.Role != "" {
		name += " (" + msg.Author.Role + ")"
	}
	color := defaultColor
	if msg.Author.Verified {
		color = verifiedColor
	}
	embed := &discordgo.MessageEmbed{
		Author: &discordgo.MessageEmbedAuthor{
			Name:    name,
			IconURL: msg.Author.AvatarURL,
		},
		Description: msg.Content,
		Color:       parseHexColor(color),
		Footer:      &discordgo.MessageEmbedFooter{Text: string(feed)},
	}
	if !msg.Timestamp.IsZero() {
		embed.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339)
	}
	return &discordgo.MessageSend{
		Embeds:          []*discordgo.MessageEmbed{embed},
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (s *Sink) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * s.baseBackoff
		if wait > s.maxBackoff {
			wait = s.maxBackoff
		}
		log.Warn().Int("attempt", attempt+1).Int("max", maxRetries).Dur("wait", wait).
			Msg("discord: rate limited, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
