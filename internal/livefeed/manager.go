package livefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultRetryDelay is the fixed pause before re-opening a dropped connection.
const DefaultRetryDelay = 4 * time.Second

// Manager owns one live connection to one feed and re-opens it after
// unplanned drops. All transitions are observed through OnState; connection
// errors are never returned to the caller of Open.
type Manager struct {
	dialer        Dialer
	creds         CredentialSource
	clock         Clock
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	onFrame       func(Frame)
	onState       func(ConnState)

	mu         sync.Mutex
	feed       FeedID
	state      ConnState
	attempt    uint64 // generation of the current connect attempt
	conn       Conn
	cancelDial context.CancelFunc
	retry      Timer // the only outstanding reconnect timer, if any
	failures   int   // consecutive failed attempts since the last Open
	pending    []ConnState

	notifyMu sync.Mutex
	wg       sync.WaitGroup
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Dialer      Dialer
	Credentials CredentialSource
	Clock       Clock         // defaults to SystemClock
	RetryDelay  time.Duration // defaults to DefaultRetryDelay
	// MaxRetryDelay enables capped exponential backoff when greater than
	// RetryDelay. Zero keeps the fixed interval.
	MaxRetryDelay time.Duration
	OnFrame       func(Frame)     // called on the read goroutine
	OnState       func(ConnState) // called in transition order, outside the lock
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("livefeed: manager: dialer is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("livefeed: manager: credentials are required")
	}
	m := &Manager{
		dialer:        opts.Dialer,
		creds:         opts.Credentials,
		clock:         opts.Clock,
		retryDelay:    opts.RetryDelay,
		maxRetryDelay: opts.MaxRetryDelay,
		onFrame:       opts.OnFrame,
		onState:       opts.OnState,
	}
	if m.clock == nil {
		m.clock = SystemClock
	}
	if m.retryDelay <= 0 {
		m.retryDelay = DefaultRetryDelay
	}
	if m.onFrame == nil {
		m.onFrame = func(Frame) {}
	}
	if m.onState == nil {
		m.onState = func(ConnState) {}
	}
	return m, nil
}

// Open starts connecting to feed. It returns immediately; dial failures
// move the manager to Reconnecting instead of being returned.
func (m *Manager) Open(feed FeedID) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return ErrAlreadyOpen
	}
	m.feed = feed
	m.failures = 0
	m.connectLocked()
	m.mu.Unlock()
	m.flush()
	return nil
}

// Send writes f if the connection is Open. Frames are never queued across
// disconnects.
func (m *Manager) Send(f Frame) error {
	m.mu.Lock()
	if m.state != Open || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen := m.conn, m.attempt
	m.mu.Unlock()

	if err := conn.WriteFrame(f); err != nil {
		m.dropped(gen, err)
		return fmt.Errorf("livefeed: send: %w", err)
	}
	return nil
}

// Close cancels any pending retry and in-flight dial, closes the transport
// and moves to Disconnected. Calling it again is a no-op. It does not wait
// for background goroutines; use Wait for that.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.attempt++
	m.stopRetryLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	m.setStateLocked(Disconnected)
	feed := m.feed
	m.mu.Unlock()

	var err error
	if conn != nil {
		if err = conn.Close(); err != nil {
			err = fmt.Errorf("livefeed: close %s: %w", feed, err)
		}
	}
	log.Debug().Str("feed", string(feed)).Msg("livefeed: connection closed")
	m.flush()
	return err
}

// Wait blocks until the dial and read goroutines of past attempts have
// exited. It must not be called from OnFrame or OnState.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// connectLocked starts a new attempt. Caller holds m.mu.
func (m *Manager) connectLocked() {
	m.attempt++
	gen := m.attempt
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.setStateLocked(Connecting)
	m.wg.Add(1)
	go m.dial(ctx, cancel, gen, m.feed)
}

// dial runs one connect attempt. The result is discarded if the attempt
// was superseded by Close while dialing.
func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, feed FeedID) {
	defer m.wg.Done()
	defer cancel()

	token, err := m.creds.Token(ctx)
	var conn Conn
	if err == nil {
		conn, err = m.dialer.Dial(ctx, feed, token)
	}

	m.mu.Lock()
	if gen != m.attempt || m.state != Connecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial = nil
	if err != nil {
		log.Warn().Err(err).Str("feed", string(feed)).Int("failures", m.failures+1).
			Msg("livefeed: connect failed")
		m.scheduleRetryLocked()
		m.mu.Unlock()
		m.flush()
		return
	}
	m.conn = conn
	m.failures = 0
	m.setStateLocked(Open)
	m.wg.Add(1)
	go m.readLoop(gen, conn)
	m.mu.Unlock()

	log.Debug().Str("feed", string(feed)).Msg("livefeed: connection open")
	m.flush()
}

// readLoop pumps frames from conn until it fails.
func (m *Manager) readLoop(gen uint64, conn Conn) {
	defer m.wg.Done()
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			m.dropped(gen, err)
			return
		}
		if !m.current(gen) {
			return
		}
		m.onFrame(f)
	}
}

// current reports whether gen is still the live attempt.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.attempt && m.state == Open
}

// dropped handles an unplanned close of attempt gen. Repeated signals for
// the same attempt are ignored, so at most one retry is ever scheduled.
func (m *Manager) dropped(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.attempt || (m.state != Open && m.state != Connecting) {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	feed := m.feed
	m.scheduleRetryLocked()
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	log.Info().Err(cause).Str("feed", string(feed)).Msg("livefeed: connection dropped, will reconnect")
	m.flush()
}

// scheduleRetryLocked moves to Reconnecting and arms the retry timer unless
// one is already armed. Caller holds m.mu.
func (m *Manager) scheduleRetryLocked() {
	m.setStateLocked(Reconnecting)
	if m.retry != nil {
		return
	}
	delay := m.nextDelayLocked()
	m.failures++
	gen := m.attempt
	m.retry = m.clock.AfterFunc(delay, func() { m.fireRetry(gen) })
}

// nextDelayLocked returns the fixed delay, or a doubling delay capped at
// maxRetryDelay when backoff is enabled.
func (m *Manager) nextDelayLocked() time.Duration {
	if m.maxRetryDelay <= m.retryDelay {
		return m.retryDelay
	}
	d := m.retryDelay
	for i := 0; i < m.failures && d < m.maxRetryDelay; i++ {
		d *= 2
	}
	if d > m.maxRetryDelay {
		d = m.maxRetryDelay
	}
	return d
}

// fireRetry is the retry timer callback.
func (m *Manager) fireRetry(gen uint64) {
	m.mu.Lock()
	if gen != m.attempt || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.connectLocked()
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// setStateLocked records a transition for delivery by flush.
func (m *Manager) setStateLocked(s ConnState) {
	if m.state == s {
		return
	}
	m.state = s
	m.pending = append(m.pending, s)
}

// flush delivers recorded transitions in order. Only one goroutine delivers
// at a time; a transition recorded while another goroutine (or a callback on
// this one) is delivering is picked up by that deliverer.
func (m *Manager) flush() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			if len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			s := m.pending[0]
			m.pending = m.pending[1:]
			m.mu.Unlock()
			m.onState(s)
		}
		m.notifyMu.Unlock()

		m.mu.Lock()
		empty := len(m.pending) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}
