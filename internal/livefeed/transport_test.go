package livefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// Compile-time interface compliance checks.
var _ Dialer = (*WSDialer)(nil)
var _ Dialer = (*MockDialer)(nil)
var _ Conn = (*MockConn)(nil)
var _ HistoryLoader = (*HTTPHistory)(nil)
var _ CredentialSource = (*Credentials)(nil)

func TestWSDialer_RoundTrip(t *testing.T) {
	var gotAuth, gotPath string
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.EscapedPath()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		ws.WriteJSON(Frame{
			Type:    FrameMessage,
			Nonce:   f.Nonce,
			Message: &Message{ID: "srv-1", Author: alice, Content: f.Content, Timestamp: at(1)},
		})
		ws.ReadMessage() // wait for the client close
	}))
	defer srv.Close()

	d, err := NewWSDialer(WSDialerOpts{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewWSDialer: %v", err)
	}
	conn, err := d.Dial(context.Background(), "ward 5", "tok-123")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteFrame(sendFrame("n1", "hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	f, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	m, ok := inboundMessage(f)
	if !ok {
		t.Fatalf("frame %+v carries no message", f)
	}
	if m.ID != "srv-1" || m.Nonce != "n1" || m.Content != "hello" || m.Kind != KindChat {
		t.Errorf("message = %+v", m)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/feeds/ward%205/live" {
		t.Errorf("path = %q", gotPath)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWSDialer_RejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d, _ := NewWSDialer(WSDialerOpts{BaseURL: srv.URL})
	_, err := d.Dial(context.Background(), "f", "bad")
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %v, want status 401", err)
	}
}

func TestWSBase(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"http://localhost:8080", "ws://localhost:8080", false},
		{"https://agora.example.org/", "wss://agora.example.org", false},
		{"wss://agora.example.org/api", "wss://agora.example.org/api", false},
		{"ftp://x", "", true},
	}
	for _, tt := range tests {
		got, err := wsBase(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("wsBase(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("wsBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWSDialer_CustomPath(t *testing.T) {
	d, err := NewWSDialer(WSDialerOpts{BaseURL: "http://h", PathFunc: TopicsLivePath})
	if err != nil {
		t.Fatalf("NewWSDialer: %v", err)
	}
	if got := d.baseURL + d.pathFunc("ignored"); got != "ws://h/topics/live" {
		t.Errorf("url = %q", got)
	}
	if _, err := NewWSDialer(WSDialerOpts{}); err == nil {
		t.Error("expected error for missing base url")
	}
}

func TestInboundMessage(t *testing.T) {
	if _, ok := inboundMessage(Frame{Type: FrameTopic}); ok {
		t.Error("topic frame should not yield a message")
	}
	if _, ok := inboundMessage(Frame{Type: FrameMessage}); ok {
		t.Error("message frame without body should not yield a message")
	}
	m, ok := inboundMessage(Frame{Type: FrameMessage, Nonce: "n", Message: &Message{ID: "x", Nonce: "own"}})
	if !ok || m.Nonce != "own" {
		t.Errorf("message nonce = %q, want own", m.Nonce)
	}
}
