// Package livefeed implements the client side of a live discussion feed: a
// reconnecting event-stream connection, an ordered de-duplicating transcript,
// and the session controller that binds both to one feed.
package livefeed

import (
	"errors"
	"time"
)

// FeedID identifies one live discussion. It is immutable for the life of a
// session.
type FeedID string

// Kind distinguishes viewer chat from informational server messages.
type Kind string

const (
	KindChat   Kind = "chat"
	KindSystem Kind = "system"
)

// DeliveryState tracks an outbound chat message from optimistic display to
// server confirmation. System messages carry the zero value.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

// Author describes who wrote a message.
type Author struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar,omitempty"`
	Role      string `json:"role,omitempty"`
	Verified  bool   `json:"verified,omitempty"`
}

// same reports whether a and b identify the same person. The stable ID wins
// when both sides carry one.
func (a Author) same(b Author) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.Name == b.Name
}

// Message is one transcript entry.
type Message struct {
	ID            string        `json:"id"`
	Nonce         string        `json:"nonce,omitempty"` // client correlation id, echoed by the server
	Author        Author        `json:"author"`
	Content       string        `json:"content"`
	Timestamp     time.Time     `json:"timestamp"`
	Kind          Kind          `json:"kind"`
	Pinned        bool          `json:"pinned,omitempty"`
	ReactionCount int           `json:"reactionCount"`
	State         DeliveryState `json:"deliveryState,omitempty"`
}

// ConnState is the lifecycle state of a Manager.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Open
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SendResult is the outcome of one ComposeAndSend call.
type SendResult string

const (
	SendAccepted             SendResult = "accepted"
	SendRejectedNotConnected SendResult = "rejected-not-connected"
	SendRejectedEmpty        SendResult = "rejected-empty"
	SendFailed               SendResult = "failed"
)

var (
	// ErrNotConnected is returned by Send when the connection is not Open.
	ErrNotConnected = errors.New("livefeed: not connected")
	// ErrAlreadyOpen is returned by Open when the manager is already running.
	ErrAlreadyOpen = errors.New("livefeed: already open")
	// ErrUnknownMessage is returned for ids absent from the transcript.
	ErrUnknownMessage = errors.New("livefeed: unknown message")
	// ErrSessionStopped is returned when a session was stopped before or
	// during the requested operation.
	ErrSessionStopped = errors.New("livefeed: session stopped")
	// ErrHistoryUnavailable wraps History Loader failures.
	ErrHistoryUnavailable = errors.New("livefeed: history unavailable")
)
