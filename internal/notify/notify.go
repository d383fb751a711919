// Package notify runs a user-configured shell command when a watched feed
// mentions the viewer or a new topic is announced.
package notify

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/civichall/agora/internal/livefeed"
)

// commandTimeout bounds one notification command.
const commandTimeout = 10 * time.Second

// Notifier delivers notifications. Best-effort: errors are logged, not
// returned.
type Notifier struct {
	// Command is a shell command template, e.g.
	// "notify-send {{.Author}} {{.Content}}". Placeholders are replaced
	// with shell-quoted values.
	Command string
	// Viewer is the signed-in identity; messages mentioning "@name" notify.
	Viewer livefeed.Author
	// Tmux also shows a tmux status message when running inside tmux.
	Tmux bool

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (n *Notifier) exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	if n.run != nil {
		return n.run(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Mentions reports whether msg was written by someone else and mentions the
// viewer as @name.
func (n *Notifier) Mentions(msg livefeed.Message) bool {
	if n.Viewer.Name == "" || msg.Kind == livefeed.KindSystem {
		return false
	}
	if msg.Author.ID != "" && msg.Author.ID == n.Viewer.ID {
		return false
	}
	if msg.Author.ID == "" && msg.Author.Name == n.Viewer.Name {
		return false
	}
	return strings.Contains(strings.ToLower(msg.Content), "@"+strings.ToLower(n.Viewer.Name))
}

// Message notifies about msg in feed.
func (n *Notifier) Message(ctx context.Context, feed livefeed.FeedID, msg livefeed.Message) {
	n.fire(ctx, strings.NewReplacer(
		"{{.Feed}}", shellQuote(string(feed)),
		"{{.Author}}", shellQuote(msg.Author.Name),
		"{{.Content}}", shellQuote(msg.Content),
		"{{.Title}}", shellQuote(""),
	), msg.Author.Name+": "+msg.Content)
}

// Topic notifies about a newly announced topic.
func (n *Notifier) Topic(ctx context.Context, t livefeed.Topic) {
	n.fire(ctx, strings.NewReplacer(
		"{{.Feed}}", shellQuote(string(t.FeedID)),
		"{{.Author}}", shellQuote(t.Author.Name),
		"{{.Content}}", shellQuote(t.Title),
		"{{.Title}}", shellQuote(t.Title),
	), "New topic: "+t.Title)
}

func (n *Notifier) fire(ctx context.Context, r *strings.Replacer, summary string) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if n.Command != "" {
		if out, err := n.exec(ctx, "sh", "-c", r.Replace(n.Command)); err != nil {
			log.Warn().Err(err).Str("output", strings.TrimSpace(string(out))).Msg("notify: command failed")
		}
	}
	if n.Tmux && os.Getenv("TMUX") != "" {
		if _, err := n.exec(ctx, "tmux", "display-message", summary); err != nil {
			log.Warn().Err(err).Msg("notify: tmux display-message failed")
		}
	}
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
