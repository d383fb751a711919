package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/civichall/agora/internal/livefeed"
)

// formatAuthor renders an author with role and verification badge.
func formatAuthor(a livefeed.Author) string {
	var b strings.Builder
	b.WriteString(a.Name)
	if a.Role != "" {
		fmt.Fprintf(&b, " (%s)", a.Role)
	}
	if a.Verified {
		b.WriteString(" ✓")
	}
	return b.String()
}

// formatMessage renders one transcript line.
func formatMessage(m livefeed.Message) string {
	ts := m.Timestamp.Local().Format(time.TimeOnly)
	if m.Kind == livefeed.KindSystem {
		return fmt.Sprintf("[%s] * %s", ts, m.Content)
	}
	line := fmt.Sprintf("[%s] %s: %s", ts, formatAuthor(m.Author), m.Content)
	if m.Pinned {
		line = "📌 " + line
	}
	if m.ReactionCount > 0 {
		line += fmt.Sprintf("  (+%d)", m.ReactionCount)
	}
	switch m.State {
	case livefeed.StatePending:
		line += "  …sending"
	case livefeed.StateFailed:
		line += fmt.Sprintf("  !! not delivered, /retry %s", shortID(m.ID))
	}
	return line
}

// formatTopic renders one topic line.
func formatTopic(t livefeed.Topic) string {
	return fmt.Sprintf("[%s] %s  (feed: %s, by %s)",
		t.CreatedAt.Local().Format(time.DateTime), t.Title, t.FeedID, t.Author.Name)
}

// shortID abbreviates an id for display; commands accept any unique prefix.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func describeResult(res livefeed.SendResult) string {
	switch res {
	case livefeed.SendRejectedNotConnected:
		return "not connected; message not sent"
	case livefeed.SendRejectedEmpty:
		return "nothing to send"
	case livefeed.SendFailed:
		return "send failed; use /retry to try again"
	default:
		return string(res)
	}
}
