package livefeed

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTopicCatchUp is how many topics are re-listed after a reconnect.
const DefaultTopicCatchUp = 50

// TopicsFeed is the pseudo-feed carrying topic creation broadcasts.
const TopicsFeed FeedID = "topics"

// TopicsLivePath is the live endpoint for topic broadcasts.
func TopicsLivePath(FeedID) string { return "/topics/live" }

// TopicLister lists the most recent topics, newest first. HTTPTopics
// implements it.
type TopicLister interface {
	List(ctx context.Context, limit int) ([]Topic, error)
}

// TopicBoard keeps a de-duplicated, newest-first list of topics announced
// on the topic broadcast channel. It reuses Manager for reconnection and,
// given a Lister, re-lists topics after every reconnect so announcements
// missed during an outage still appear.
type TopicBoard struct {
	mgr          *Manager
	onTopic      func(Topic)
	onState      func(ConnState)
	lister       TopicLister
	catchUpLimit int

	ctx    context.Context // cancelled by Stop
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	topics  []Topic
	seen    map[string]bool
	wasOpen bool
	stopped bool
}

// TopicBoardOpts holds parameters for creating a TopicBoard.
type TopicBoardOpts struct {
	Dialer        Dialer // should target TopicsLivePath
	Credentials   CredentialSource
	Clock         Clock
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Seed          []Topic         // optional initial topics
	Lister        TopicLister     // optional; enables catch-up after reconnect
	CatchUpLimit  int             // defaults to DefaultTopicCatchUp
	OnTopic       func(Topic)     // called once per new topic
	OnState       func(ConnState) // optional
}

// NewTopicBoard creates a TopicBoard.
func NewTopicBoard(opts TopicBoardOpts) (*TopicBoard, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &TopicBoard{
		onTopic:      opts.OnTopic,
		onState:      opts.OnState,
		lister:       opts.Lister,
		catchUpLimit: opts.CatchUpLimit,
		ctx:          ctx,
		cancel:       cancel,
		seen:         make(map[string]bool),
	}
	if b.onTopic == nil {
		b.onTopic = func(Topic) {}
	}
	if b.onState == nil {
		b.onState = func(ConnState) {}
	}
	if b.catchUpLimit <= 0 {
		b.catchUpLimit = DefaultTopicCatchUp
	}
	for _, t := range opts.Seed {
		b.addLocked(t)
	}

	mgr, err := NewManager(ManagerOpts{
		Dialer:        opts.Dialer,
		Credentials:   opts.Credentials,
		Clock:         opts.Clock,
		RetryDelay:    opts.RetryDelay,
		MaxRetryDelay: opts.MaxRetryDelay,
		OnFrame:       b.handleFrame,
		OnState:       b.handleState,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("livefeed: topic board: %w", err)
	}
	b.mgr = mgr
	return b, nil
}

// Start opens the broadcast connection.
func (b *TopicBoard) Start() error { return b.mgr.Open(TopicsFeed) }

// Stop closes the connection and cancels any catch-up in flight.
// Idempotent.
func (b *TopicBoard) Stop() error {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.cancel()
	return b.mgr.Close()
}

// Wait blocks until connection and catch-up goroutines have exited after
// Stop.
func (b *TopicBoard) Wait() {
	b.mgr.Wait()
	b.wg.Wait()
}

// State returns the connection state.
func (b *TopicBoard) State() ConnState { return b.mgr.State() }

// Topics returns the known topics, newest first.
func (b *TopicBoard) Topics() []Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.topics)
}

func (b *TopicBoard) handleFrame(f Frame) {
	if f.Type != FrameTopic || f.Topic == nil {
		return
	}
	b.add([]Topic{*f.Topic})
}

func (b *TopicBoard) handleState(st ConnState) {
	b.onState(st)
	if st != Open {
		return
	}
	b.mu.Lock()
	reconnect := b.wasOpen
	b.wasOpen = true
	if !reconnect || b.stopped || b.lister == nil {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.catchUp()
}

// catchUp re-lists recent topics after a reconnect.
func (b *TopicBoard) catchUp() {
	defer b.wg.Done()
	topics, err := b.lister.List(b.ctx, b.catchUpLimit)
	if err != nil {
		if b.ctx.Err() == nil {
			log.Warn().Err(err).Msg("livefeed: topic catch-up after reconnect failed")
		}
		return
	}
	// Oldest first so OnTopic sees announcements in creation order.
	slices.Reverse(topics)
	b.add(topics)
}

// add records new topics and reports each one once.
func (b *TopicBoard) add(topics []Topic) {
	var added []Topic
	b.mu.Lock()
	for _, t := range topics {
		if b.addLocked(t) {
			added = append(added, t)
		}
	}
	b.mu.Unlock()
	for _, t := range added {
		b.onTopic(t)
	}
}

// addLocked inserts t keeping newest-first order; duplicates are dropped.
func (b *TopicBoard) addLocked(t Topic) bool {
	if t.ID == "" || b.seen[t.ID] {
		return false
	}
	b.seen[t.ID] = true
	i := 0
	for i < len(b.topics) && !b.topics[i].CreatedAt.Before(t.CreatedAt) {
		i++
	}
	b.topics = slices.Insert(b.topics, i, t)
	return true
}
