// Package relay mirrors confirmed feed messages to external chat platforms.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/civichall/agora/internal/livefeed"
)

// DefaultBuffer is the Fanout queue size.
const DefaultBuffer = 256

// Sink posts one message to an external platform. Sinks decide themselves
// which feeds they mirror and return nil for the rest.
type Sink interface {
	Name() string
	Post(ctx context.Context, feed livefeed.FeedID, msg livefeed.Message) error
}

type item struct {
	feed livefeed.FeedID
	msg  livefeed.Message
}

// Fanout delivers published messages to every sink on a background
// goroutine, so a slow platform never blocks the hub.
type Fanout struct {
	sinks []Sink
	queue chan item

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// FanoutOpts holds parameters for creating a Fanout.
type FanoutOpts struct {
	Sinks  []Sink
	Buffer int // defaults to DefaultBuffer
}

// NewFanout creates a Fanout. Call Start to begin delivery.
func NewFanout(opts FanoutOpts) (*Fanout, error) {
	for i, s := range opts.Sinks {
		if s == nil {
			return nil, fmt.Errorf("relay: sinks[%d] is nil", i)
		}
	}
	buf := opts.Buffer
	if buf <= 0 {
		buf = DefaultBuffer
	}
	return &Fanout{sinks: opts.Sinks, queue: make(chan item, buf)}, nil
}

// Start launches the delivery goroutine.
func (f *Fanout) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("relay: fanout closed")
	}
	if f.started {
		return nil
	}
	f.started = true
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.run(ctx)
	return nil
}

// Publish queues msg for delivery. Only chat messages are relayed.
// It never blocks; when the queue is full the message is dropped and false
// is returned.
func (f *Fanout) Publish(feed livefeed.FeedID, msg livefeed.Message) bool {
	if len(f.sinks) == 0 || msg.Kind != livefeed.KindChat {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.queue <- item{feed: feed, msg: msg}:
		return true
	default:
		log.Warn().Str("feed", string(feed)).Str("id", msg.ID).Msg("relay: queue full, dropping message")
		return false
	}
}

// Close stops accepting messages, delivers what is queued and waits for the
// delivery goroutine. Idempotent.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	started := f.started
	f.mu.Unlock()

	if started {
		f.wg.Wait()
		f.cancel()
	}
}

func (f *Fanout) run(ctx context.Context) {
	defer f.wg.Done()
	for it := range f.queue {
		for _, s := range f.sinks {
			if err := s.Post(ctx, it.feed, it.msg); err != nil {
				log.Error().Err(err).Str("sink", s.Name()).Str("feed", string(it.feed)).
					Msg("relay: post failed")
			}
		}
	}
}
