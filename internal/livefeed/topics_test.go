package livefeed

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memTopics is an in-memory TopicLister.
type memTopics struct {
	mu     sync.Mutex
	topics []Topic // newest first
	calls  int
}

func (m *memTopics) List(ctx context.Context, limit int) ([]Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	out := append([]Topic(nil), m.topics...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTopics) set(topics ...Topic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = topics
}

func (m *memTopics) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestTopicBoard_DedupAndOrder(t *testing.T) {
	d := NewMockDialer()
	l := newStateLog()
	got := make(chan Topic, 10)
	b, err := NewTopicBoard(TopicBoardOpts{
		Dialer:      d,
		Credentials: testCreds(t),
		Clock:       newFakeClock(),
		Seed:        []Topic{{ID: "t1", Title: "Parks", CreatedAt: at(10)}},
		OnTopic:     func(tp Topic) { got <- tp },
		OnState:     l.record,
	})
	if err != nil {
		t.Fatalf("NewTopicBoard: %v", err)
	}
	defer func() {
		b.Stop()
		b.Wait()
	}()

	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	l.wait(t, Open)
	if feeds := d.Feeds(); feeds[0] != TopicsFeed {
		t.Errorf("dialed %q, want %q", feeds[0], TopicsFeed)
	}

	conn := d.LastConn()
	conn.Deliver(Frame{Type: FrameTopic, Topic: &Topic{ID: "t2", Title: "Zoning", CreatedAt: at(30)}})
	conn.Deliver(Frame{Type: FrameTopic, Topic: &Topic{ID: "t1", Title: "Parks", CreatedAt: at(10)}})
	conn.Deliver(Frame{Type: FrameMessage, Message: &Message{ID: "m"}})
	conn.Deliver(Frame{Type: FrameTopic, Topic: &Topic{ID: "t3", Title: "Transit", CreatedAt: at(20)}})

	for _, want := range []string{"t2", "t3"} {
		select {
		case tp := <-got:
			if tp.ID != want {
				t.Errorf("OnTopic = %q, want %q", tp.ID, want)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("OnTopic for %s not called", want)
		}
	}

	topics := b.Topics()
	wantOrder := []string{"t2", "t3", "t1"}
	if len(topics) != len(wantOrder) {
		t.Fatalf("Topics len = %d, want %d", len(topics), len(wantOrder))
	}
	for i, id := range wantOrder {
		if topics[i].ID != id {
			t.Errorf("Topics[%d] = %q, want %q", i, topics[i].ID, id)
		}
	}
}

func TestTopicBoard_Reconnects(t *testing.T) {
	clk := newFakeClock()
	d := NewMockDialer()
	l := newStateLog()
	b, err := NewTopicBoard(TopicBoardOpts{
		Dialer:      d,
		Credentials: testCreds(t),
		Clock:       clk,
		OnState:     l.record,
	})
	if err != nil {
		t.Fatalf("NewTopicBoard: %v", err)
	}
	defer func() {
		b.Stop()
		b.Wait()
	}()

	b.Start()
	l.wait(t, Open)
	d.LastConn().Drop()
	l.wait(t, Reconnecting)
	clk.Advance(DefaultRetryDelay)
	l.wait(t, Open)
	if b.State() != Open {
		t.Errorf("State = %s, want open", b.State())
	}
	if err := b.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestTopicBoard_CatchUpAfterReconnect(t *testing.T) {
	clk := newFakeClock()
	d := NewMockDialer()
	l := newStateLog()
	lister := &memTopics{}
	got := make(chan Topic, 10)
	b, err := NewTopicBoard(TopicBoardOpts{
		Dialer:      d,
		Credentials: testCreds(t),
		Clock:       clk,
		Seed:        []Topic{{ID: "t1", Title: "Parks", CreatedAt: at(10)}},
		Lister:      lister,
		OnTopic:     func(tp Topic) { got <- tp },
		OnState:     l.record,
	})
	if err != nil {
		t.Fatalf("NewTopicBoard: %v", err)
	}
	defer func() {
		b.Stop()
		b.Wait()
	}()

	b.Start()
	l.wait(t, Open)
	if n := lister.callCount(); n != 0 {
		t.Errorf("first open listed %d times, want 0", n)
	}

	d.LastConn().Drop()
	l.wait(t, Reconnecting)
	// Created while the board was offline.
	lister.set(
		Topic{ID: "t3", Title: "Bike lanes", CreatedAt: at(30)},
		Topic{ID: "t2", Title: "Library hours", CreatedAt: at(20)},
		Topic{ID: "t1", Title: "Parks", CreatedAt: at(10)},
	)
	clk.Advance(DefaultRetryDelay)
	l.wait(t, Open)

	var order []string
	for len(order) < 2 {
		select {
		case tp := <-got:
			order = append(order, tp.ID)
		case <-time.After(waitTimeout):
			t.Fatalf("caught up %v, want t2 and t3", order)
		}
	}
	if order[0] != "t2" || order[1] != "t3" {
		t.Errorf("OnTopic order = %v, want [t2 t3]", order)
	}
	topics := b.Topics()
	if len(topics) != 3 || topics[0].ID != "t3" || topics[2].ID != "t1" {
		t.Errorf("Topics = %+v", topics)
	}
	select {
	case tp := <-got:
		t.Errorf("unexpected extra topic %+v", tp)
	default:
	}
}

func TestTopicsLivePath(t *testing.T) {
	if got := TopicsLivePath("anything"); got != "/topics/live" {
		t.Errorf("TopicsLivePath = %q", got)
	}
}
