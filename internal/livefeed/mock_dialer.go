package livefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// errDropped is returned by MockConn.ReadFrame after Drop.
var errDropped = errors.New("mock conn: dropped by peer")

// MockDialer implements Dialer for tests. Every Dial either fails with the
// configured error or returns a fresh MockConn.
type MockDialer struct {
	mu      sync.Mutex
	dialErr error
	block   chan struct{} // when set, Dial waits for it or ctx
	conns   []*MockConn
	dials   int
	tokens  []string
	feeds   []FeedID
	notify  chan struct{}
}

// NewMockDialer creates a MockDialer that succeeds by default.
func NewMockDialer() *MockDialer {
	return &MockDialer{notify: make(chan struct{}, 100)}
}

// Dial records the attempt and returns a new MockConn.
func (d *MockDialer) Dial(ctx context.Context, feed FeedID, token string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.tokens = append(d.tokens, token)
	d.feeds = append(d.feeds, feed)
	block := d.block
	d.mu.Unlock()

	defer func() {
		select {
		case d.notify <- struct{}{}:
		default:
		}
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, fmt.Errorf("mock dialer: %w", d.dialErr)
	}
	c := newMockConn()
	d.conns = append(d.conns, c)
	return c, nil
}

// --- Test helpers ---

// SetDialErr makes subsequent dials fail with err (nil restores success).
func (d *MockDialer) SetDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// Block makes subsequent dials wait until the returned release func is
// called or the dial context is cancelled.
func (d *MockDialer) Block() (release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	d.block = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.block == ch {
				d.block = nil
			}
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Dialed returns a channel that receives after each completed Dial.
func (d *MockDialer) Dialed() <-chan struct{} { return d.notify }

// DialCount returns the number of Dial calls.
func (d *MockDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Tokens returns the bearer tokens passed to Dial, in order.
func (d *MockDialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Feeds returns the feeds passed to Dial, in order.
func (d *MockDialer) Feeds() []FeedID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]FeedID(nil), d.feeds...)
}

// Conns returns every connection handed out.
func (d *MockDialer) Conns() []*MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockConn(nil), d.conns...)
}

// LastConn returns the most recent connection, or nil.
func (d *MockDialer) LastConn() *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// MockConn is an in-memory Conn. Frames pushed with Deliver are returned by
// ReadFrame; frames written by the client are recorded.
type MockConn struct {
	inbound chan Frame
	gone    chan struct{}

	mu       sync.Mutex
	written  []Frame
	writeErr error
	closed   bool
	dropped  bool
	once     sync.Once
}

func newMockConn() *MockConn {
	return &MockConn{
		inbound: make(chan Frame, 100),
		gone:    make(chan struct{}),
	}
}

// ReadFrame returns the next delivered frame, or an error once the
// connection is closed or dropped.
func (c *MockConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.gone:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.dropped {
			return Frame{}, errDropped
		}
		return Frame{}, io.EOF
	}
}

// WriteFrame records f.
func (c *MockConn) WriteFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("mock conn: closed")
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, f)
	return nil
}

// Close marks the connection closed.
func (c *MockConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.gone) })
	return nil
}

// --- Test helpers ---

// Deliver queues an inbound frame as if the server sent it.
func (c *MockConn) Deliver(f Frame) {
	c.inbound <- f
}

// Drop simulates the server or network closing the connection.
func (c *MockConn) Drop() {
	c.mu.Lock()
	c.dropped = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.gone) })
}

// SetWriteErr makes subsequent writes fail with err.
func (c *MockConn) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Written returns a copy of all frames written by the client.
func (c *MockConn) Written() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.written...)
}

// Closed reports whether the client closed the connection.
func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
