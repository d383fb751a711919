package livefeed

import "time"

// Frame types carried on the live connection.
const (
	FrameMessage = "message" // server -> client: one transcript entry
	FrameSend    = "send"    // client -> server: a composed message
	FrameTopic   = "topic"   // server -> client: a newly created discussion topic
	FrameError   = "error"   // server -> client: rejection of a send
)

// Frame is one logical event on the live connection.
type Frame struct {
	Type    string   `json:"type"`
	Nonce   string   `json:"nonce,omitempty"`
	Content string   `json:"content,omitempty"`
	Message *Message `json:"message,omitempty"`
	Topic   *Topic   `json:"topic,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Topic is a discussion topic announced on the topic broadcast channel.
type Topic struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Author    Author    `json:"author"`
	FeedID    FeedID    `json:"feedId"`
	CreatedAt time.Time `json:"createdAt"`
}

// sendFrame builds the outbound frame for a composed message. The author is
// implied by the authenticated connection.
func sendFrame(nonce, content string) Frame {
	return Frame{Type: FrameSend, Nonce: nonce, Content: content}
}

// inboundMessage extracts the message carried by a frame, copying the frame
// nonce onto it when the message itself does not repeat it.
func inboundMessage(f Frame) (Message, bool) {
	if f.Type != FrameMessage || f.Message == nil {
		return Message{}, false
	}
	m := *f.Message
	if m.Nonce == "" {
		m.Nonce = f.Nonce
	}
	if m.Kind == "" {
		m.Kind = KindChat
	}
	return m, true
}
