package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/civichall/agora/internal/db"
	"github.com/civichall/agora/internal/livefeed"
)

var (
	alice = livefeed.Author{ID: "u1", Name: "alice", Role: "moderator", Verified: true}
	bob   = livefeed.Author{Name: "bob"}
)

// testClock hands out strictly increasing timestamps.
type testClock struct{ t time.Time }

func (c *testClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	clk := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := New(StoreOpts{DB: gdb, Now: clk.now, MaxHistory: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, clk
}

func TestNew_RequiresDB(t *testing.T) {
	_, err := New(StoreOpts{})
	if err == nil {
		t.Fatal("expected error for nil db")
	}
	if got := err.Error(); got != "store: db is required" {
		t.Errorf("error = %q", got)
	}
}

func TestAppendMessage_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	tests := []struct {
		name string
		in   NewMessage
		want string
	}{
		{"missing feed", NewMessage{Author: alice, Content: "x"}, "feed is required"},
		{"missing content", NewMessage{Feed: "f", Author: alice}, "content is required"},
		{"missing author", NewMessage{Feed: "f", Content: "x"}, "author name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AppendMessage(ctx, tt.in)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want to contain %q", err, tt.want)
			}
		})
	}
}

func TestAppendMessage_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	got, err := s.AppendMessage(ctx, NewMessage{Feed: "council", Nonce: "n1", Author: alice, Content: "hello"})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if got.ID == "" {
		t.Error("ID should be assigned")
	}
	if got.Kind != livefeed.KindChat {
		t.Errorf("Kind = %q, want chat", got.Kind)
	}
	if got.Nonce != "n1" {
		t.Errorf("Nonce = %q, want n1", got.Nonce)
	}

	msgs, err := s.RecentMessages(ctx, "council", 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1", len(msgs))
	}
	if diff := cmp.Diff(got, msgs[0]); diff != "" {
		t.Errorf("stored message mismatch (-appended +loaded):\n%s", diff)
	}
}

func TestRecentMessages_NewestWindowOldestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, c := range []string{"one", "two", "three", "four"} {
		if _, err := s.AppendMessage(ctx, NewMessage{Feed: "f", Author: bob, Content: c}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	s.AppendMessage(ctx, NewMessage{Feed: "other", Author: bob, Content: "elsewhere"})

	msgs, err := s.RecentMessages(ctx, "f", 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	var got []string
	for _, m := range msgs {
		got = append(got, m.Content)
	}
	if diff := cmp.Diff([]string{"two", "three", "four"}, got); diff != "" {
		t.Errorf("window mismatch (-want +got):\n%s", diff)
	}
}

func TestRecentMessages_CapsLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		s.AppendMessage(ctx, NewMessage{Feed: "f", Author: bob, Content: "x"})
	}
	msgs, err := s.RecentMessages(ctx, "f", 500)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 10 {
		t.Errorf("len = %d, want MaxHistory 10", len(msgs))
	}
}

func TestFindByNonce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	stored, _ := s.AppendMessage(ctx, NewMessage{Feed: "f", Nonce: "n1", Author: alice, Content: "hi"})
	s.AppendMessage(ctx, NewMessage{Feed: "f", Nonce: "n2", Author: bob, Content: "yo"})

	got, ok, err := s.FindByNonce(ctx, "f", alice, "n1")
	if err != nil || !ok {
		t.Fatalf("FindByNonce = %v, %v", ok, err)
	}
	if got.ID != stored.ID {
		t.Errorf("ID = %q, want %q", got.ID, stored.ID)
	}

	tests := []struct {
		name   string
		feed   livefeed.FeedID
		author livefeed.Author
		nonce  string
	}{
		{"other feed", "g", alice, "n1"},
		{"other author", "f", livefeed.Author{ID: "u9", Name: "alice"}, "n1"},
		{"unknown nonce", "f", alice, "n9"},
		{"empty nonce", "f", alice, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := s.FindByNonce(ctx, tt.feed, tt.author, tt.nonce)
			if err != nil {
				t.Fatalf("FindByNonce: %v", err)
			}
			if ok {
				t.Error("expected no match")
			}
		})
	}

	// Authors without an ID match by name.
	if _, ok, _ := s.FindByNonce(ctx, "f", bob, "n2"); !ok {
		t.Error("name-only author should match by name")
	}
}

func TestPruneBefore(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	s.AppendMessage(ctx, NewMessage{Feed: "f", Author: bob, Content: "old"})
	s.AppendMessage(ctx, NewMessage{Feed: "f", Author: bob, Content: "older?"})
	cutoff := clk.t.Add(time.Millisecond)
	s.AppendMessage(ctx, NewMessage{Feed: "f", Author: bob, Content: "new"})

	n, err := s.PruneBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	msgs, _ := s.RecentMessages(ctx, "f", 0)
	if len(msgs) != 1 || msgs[0].Content != "new" {
		t.Errorf("remaining = %+v", msgs)
	}
}

func TestTopics(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTopic(ctx, "", "f", alice); err == nil {
		t.Error("expected error for empty title")
	}
	if _, err := s.CreateTopic(ctx, "t", "", alice); err == nil {
		t.Error("expected error for empty feed")
	}

	first, err := s.CreateTopic(ctx, "Parks budget", "parks", alice)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if first.ID == "" || first.Author.Name != "alice" || first.FeedID != "parks" {
		t.Errorf("topic = %+v", first)
	}
	second, _ := s.CreateTopic(ctx, "Bus routes", "transit", bob)

	topics, err := s.RecentTopics(ctx, 0)
	if err != nil {
		t.Fatalf("RecentTopics: %v", err)
	}
	if len(topics) != 2 || topics[0].ID != second.ID || topics[1].ID != first.ID {
		t.Errorf("topics = %+v, want newest first", topics)
	}
}

func TestAppendMessage_DuplicateNonce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.AppendMessage(ctx, NewMessage{Feed: "f", Nonce: "n1", Author: alice, Content: "once"})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	got, err := s.AppendMessage(ctx, NewMessage{Feed: "f", Nonce: "n1", Author: alice, Content: "once"})
	if !errors.Is(err, ErrDuplicateNonce) {
		t.Fatalf("err = %v, want ErrDuplicateNonce", err)
	}
	if got.ID != first.ID {
		t.Errorf("returned ID = %q, want stored %q", got.ID, first.ID)
	}

	// The same nonce is free for another author, another feed, and
	// messages without a nonce never collide.
	for _, m := range []NewMessage{
		{Feed: "f", Nonce: "n1", Author: bob, Content: "mine"},
		{Feed: "g", Nonce: "n1", Author: alice, Content: "elsewhere"},
		{Feed: "f", Author: alice, Content: "no nonce"},
		{Feed: "f", Author: alice, Content: "no nonce"},
	} {
		if _, err := s.AppendMessage(ctx, m); err != nil {
			t.Errorf("AppendMessage(%+v): %v", m, err)
		}
	}
	msgs, _ := s.RecentMessages(ctx, "f", 0)
	if len(msgs) != 4 {
		t.Errorf("feed f has %d messages, want 4", len(msgs))
	}
}
