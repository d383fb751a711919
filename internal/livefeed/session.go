package livefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPendingTimeout is how long an optimistic message may stay pending
// before it is marked failed.
const DefaultPendingTimeout = 30 * time.Second

// EventType identifies a session notification.
type EventType string

const (
	EventState              EventType = "state"
	EventTranscript         EventType = "transcript"
	EventSendResult         EventType = "send_result"
	EventHistoryUnavailable EventType = "history_unavailable"
)

// Event is delivered to the presentation layer. Only the fields relevant to
// Type are set.
type Event struct {
	Type       EventType
	Feed       FeedID
	State      ConnState
	Transcript []Message
	Result     SendResult
	MessageID  string
	Err        error
}

// Session binds one Manager and one Reconciler to one feed. A session is
// started once and stopped once; switching feeds means a new Session.
type Session struct {
	feed           FeedID
	history        HistoryLoader
	historyLimit   int
	creds          CredentialSource
	clock          Clock
	pendingTimeout time.Duration
	onEvent        func(Event)

	rec *Reconciler
	mgr *Manager

	ctx    context.Context // cancelled by Stop
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
	wasOpen bool  // an Open state has been observed before
	expiry  Timer // pending-expiry sweep
	wg      sync.WaitGroup
	done    chan struct{}
}

// SessionOpts holds parameters for creating a Session.
type SessionOpts struct {
	Feed           FeedID
	History        HistoryLoader
	Dialer         Dialer
	Credentials    CredentialSource
	Clock          Clock         // defaults to SystemClock
	RetryDelay     time.Duration // defaults to DefaultRetryDelay
	MaxRetryDelay  time.Duration // >RetryDelay enables capped backoff
	PendingTimeout time.Duration // defaults to DefaultPendingTimeout
	HistoryLimit   int           // defaults to DefaultHistoryLimit
	MatchWindow    time.Duration // defaults to DefaultMatchWindow
	// OnEvent receives notifications from any goroutine. It may call back
	// into the session.
	OnEvent func(Event)
}

// NewSession creates a Session for opts.Feed. Nothing happens until Start.
func NewSession(opts SessionOpts) (*Session, error) {
	if opts.Feed == "" {
		return nil, fmt.Errorf("livefeed: session: feed is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("livefeed: session: history loader is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("livefeed: session: credentials are required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		feed:           opts.Feed,
		history:        opts.History,
		historyLimit:   opts.HistoryLimit,
		creds:          opts.Credentials,
		clock:          clock,
		pendingTimeout: opts.PendingTimeout,
		onEvent:        opts.OnEvent,
		rec:            NewReconciler(ReconcilerOpts{Clock: clock, MatchWindow: opts.MatchWindow}),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	if s.historyLimit <= 0 {
		s.historyLimit = DefaultHistoryLimit
	}
	if s.pendingTimeout <= 0 {
		s.pendingTimeout = DefaultPendingTimeout
	}
	if s.onEvent == nil {
		s.onEvent = func(Event) {}
	}

	mgr, err := NewManager(ManagerOpts{
		Dialer:        opts.Dialer,
		Credentials:   opts.Credentials,
		Clock:         clock,
		RetryDelay:    opts.RetryDelay,
		MaxRetryDelay: opts.MaxRetryDelay,
		OnFrame:       s.handleFrame,
		OnState:       s.handleState,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("livefeed: session: %w", err)
	}
	s.mgr = mgr
	return s, nil
}

// Feed returns the feed this session is bound to.
func (s *Session) Feed() FeedID { return s.feed }

// State returns the live connection state.
func (s *Session) State() ConnState { return s.mgr.State() }

// Snapshot returns the ordered transcript.
func (s *Session) Snapshot() []Message { return s.rec.Snapshot() }

// Done is closed once Stop has been called and all background work
// (history load, catch-up, connection goroutines) has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start loads history, seeds the transcript and opens the live connection.
// A history failure is reported as EventHistoryUnavailable and the session
// continues with an empty transcript. If Stop runs before or during Start,
// no connection is left open and ErrSessionStopped is returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("livefeed: session %s already started", s.feed)
	}
	s.started = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(s.ctx, cancel)
	defer stopWatch()

	msgs, loadErr := s.history.Load(loadCtx, s.feed, s.historyLimit)

	if s.isStopped() {
		return ErrSessionStopped
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("livefeed: session %s: start: %w", s.feed, err)
	}
	if loadErr != nil {
		log.Warn().Err(loadErr).Str("feed", string(s.feed)).Msg("livefeed: history load failed")
		s.emit(Event{Type: EventHistoryUnavailable, Err: fmt.Errorf("%w: %v", ErrHistoryUnavailable, loadErr)})
		msgs = nil
	}
	s.rec.Seed(msgs)
	s.emitTranscript()

	if err := s.mgr.Open(s.feed); err != nil {
		return fmt.Errorf("livefeed: session %s: %w", s.feed, err)
	}
	// Stop may have completed between the check above and Open; its Close
	// then found nothing to close.
	if s.isStopped() {
		s.mgr.Close()
		return ErrSessionStopped
	}
	return nil
}

// ReloadHistory retries the history load and merges the result into the
// transcript.
func (s *Session) ReloadHistory(ctx context.Context) error {
	if s.isStopped() {
		return ErrSessionStopped
	}
	msgs, err := s.history.Load(ctx, s.feed, s.historyLimit)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
		s.emit(Event{Type: EventHistoryUnavailable, Err: err})
		return err
	}
	s.rec.Merge(msgs)
	s.emitTranscript()
	return nil
}

// ComposeAndSend validates text, shows it optimistically and transmits it.
// It returns the result and, unless rejected, the optimistic message id.
func (s *Session) ComposeAndSend(text string) (SendResult, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return s.sendResult(SendRejectedEmpty, "")
	}
	if s.isStopped() || s.mgr.State() != Open {
		return s.sendResult(SendRejectedNotConnected, "")
	}

	id := s.rec.IngestLocal(Message{Author: s.creds.Viewer(), Content: text})
	s.emitTranscript()

	if err := s.mgr.Send(sendFrame(id, text)); err != nil {
		// The connection dropped after the state check; nothing was written.
		if errors.Is(err, ErrNotConnected) {
			s.rec.Discard(id)
			s.emitTranscript()
			return s.sendResult(SendRejectedNotConnected, "")
		}
		log.Warn().Err(err).Str("feed", string(s.feed)).Str("id", id).Msg("livefeed: send failed")
		s.rec.MarkFailed(id)
		s.emitTranscript()
		return s.sendResult(SendFailed, id)
	}
	s.armExpiry()
	return s.sendResult(SendAccepted, id)
}

// Resend retransmits a failed message under its original correlation id so
// the server can de-duplicate it.
func (s *Session) Resend(id string) (SendResult, error) {
	if s.isStopped() || s.mgr.State() != Open {
		res, _ := s.sendResult(SendRejectedNotConnected, id)
		return res, nil
	}
	m, err := s.rec.MarkPending(id)
	if err != nil {
		return SendFailed, err
	}
	s.emitTranscript()

	if err := s.mgr.Send(sendFrame(m.Nonce, m.Content)); err != nil {
		s.rec.MarkFailed(id)
		s.emitTranscript()
		if errors.Is(err, ErrNotConnected) {
			res, _ := s.sendResult(SendRejectedNotConnected, id)
			return res, nil
		}
		res, _ := s.sendResult(SendFailed, id)
		return res, nil
	}
	s.armExpiry()
	res, _ := s.sendResult(SendAccepted, id)
	return res, nil
}

// Like adds a local reaction to a message.
func (s *Session) Like(id string) error {
	if err := s.rec.Like(id); err != nil {
		return err
	}
	s.emitTranscript()
	return nil
}

// Stop tears the session down: it cancels an in-flight Start or catch-up,
// closes the connection and cancels timers. It is idempotent and does not
// block; wait on Done to observe completion.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	s.mu.Unlock()

	s.cancel()
	if err := s.mgr.Close(); err != nil {
		log.Debug().Err(err).Str("feed", string(s.feed)).Msg("livefeed: close on stop")
	}
	go func() {
		s.wg.Wait()
		s.mgr.Wait()
		close(s.done)
	}()
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// handleFrame is the Manager's frame callback.
func (s *Session) handleFrame(f Frame) {
	if s.isStopped() {
		return
	}
	switch f.Type {
	case FrameMessage:
		m, ok := inboundMessage(f)
		if !ok {
			return
		}
		s.rec.IngestRemote(m)
		s.emitTranscript()
	case FrameError:
		if f.Nonce == "" {
			log.Warn().Str("feed", string(s.feed)).Str("error", f.Error).Msg("livefeed: server error")
			return
		}
		if err := s.rec.MarkFailed(f.Nonce); err != nil {
			return
		}
		s.emitTranscript()
		s.sendResult(SendFailed, f.Nonce)
	}
}

// handleState is the Manager's state callback. Every Open after the first
// is a reconnect and triggers a history catch-up.
func (s *Session) handleState(st ConnState) {
	s.emit(Event{Type: EventState, State: st})
	if st != Open {
		return
	}

	s.mu.Lock()
	reconnect := s.wasOpen
	s.wasOpen = true
	if !reconnect || s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.catchUp(s.clock.Now())
}

// catchUp merges the history written while the connection was down and
// fails optimistic sends from before the reconnect that the server never
// stored.
func (s *Session) catchUp(reconnectedAt time.Time) {
	defer s.wg.Done()
	msgs, err := s.history.Load(s.ctx, s.feed, s.historyLimit)
	if err != nil {
		log.Warn().Err(err).Str("feed", string(s.feed)).Msg("livefeed: catch-up after reconnect failed")
		return
	}
	if s.isStopped() {
		return
	}
	s.rec.Merge(msgs)
	if ids := s.rec.ExpirePending(reconnectedAt); len(ids) > 0 {
		log.Info().Str("feed", string(s.feed)).Int("count", len(ids)).
			Msg("livefeed: unconfirmed sends failed after reconnect")
	}
	s.emitTranscript()
}

// armExpiry schedules the pending sweep unless one is already scheduled.
func (s *Session) armExpiry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.expiry != nil {
		return
	}
	s.expiry = s.clock.AfterFunc(s.pendingTimeout, s.expire)
}

// expire fails messages pending longer than the timeout and re-arms while
// any remain.
func (s *Session) expire() {
	s.mu.Lock()
	s.expiry = nil
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	// ExpirePending is exclusive; a message exactly pendingTimeout old is due.
	cutoff := s.clock.Now().Add(-s.pendingTimeout).Add(time.Nanosecond)
	if ids := s.rec.ExpirePending(cutoff); len(ids) > 0 {
		log.Info().Str("feed", string(s.feed)).Strs("ids", ids).Msg("livefeed: pending sends timed out")
		s.emitTranscript()
	}
	if len(s.rec.Pending()) > 0 {
		s.armExpiry()
	}
}

func (s *Session) sendResult(res SendResult, id string) (SendResult, string) {
	s.emit(Event{Type: EventSendResult, Result: res, MessageID: id})
	return res, id
}

func (s *Session) emitTranscript() {
	s.emit(Event{Type: EventTranscript, Transcript: s.rec.Snapshot()})
}

func (s *Session) emit(e Event) {
	e.Feed = s.feed
	s.onEvent(e)
}
