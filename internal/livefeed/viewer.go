package livefeed

import (
	"context"
	"fmt"
	"sync"
)

// Viewer holds at most one live Session and guarantees the previous one is
// fully torn down before the next one starts.
type Viewer struct {
	template SessionOpts

	switchMu sync.Mutex // serializes Switch and Close
	mu       sync.Mutex
	current  *Session
}

// NewViewer creates a Viewer. template supplies every SessionOpts field
// except Feed.
func NewViewer(template SessionOpts) (*Viewer, error) {
	if template.History == nil {
		return nil, fmt.Errorf("livefeed: viewer: history loader is required")
	}
	if template.Dialer == nil {
		return nil, fmt.Errorf("livefeed: viewer: dialer is required")
	}
	if template.Credentials == nil {
		return nil, fmt.Errorf("livefeed: viewer: credentials are required")
	}
	return &Viewer{template: template}, nil
}

// Current returns the active session, or nil.
func (v *Viewer) Current() *Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Switch stops the current session, waits for its teardown, then creates
// and starts a session for feed. Start runs outside the switch lock, so a
// later Switch can cancel a slow history load.
func (v *Viewer) Switch(ctx context.Context, feed FeedID) (*Session, error) {
	v.switchMu.Lock()
	if err := v.stopCurrent(ctx); err != nil {
		v.switchMu.Unlock()
		return nil, err
	}

	opts := v.template
	opts.Feed = feed
	s, err := NewSession(opts)
	if err != nil {
		v.switchMu.Unlock()
		return nil, err
	}
	v.mu.Lock()
	v.current = s
	v.mu.Unlock()
	v.switchMu.Unlock()

	if err := s.Start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Close stops the current session and waits for its teardown.
func (v *Viewer) Close(ctx context.Context) error {
	v.switchMu.Lock()
	defer v.switchMu.Unlock()
	return v.stopCurrent(ctx)
}

// stopCurrent stops and awaits the current session. Caller holds switchMu.
func (v *Viewer) stopCurrent(ctx context.Context) error {
	v.mu.Lock()
	old := v.current
	v.current = nil
	v.mu.Unlock()
	if old == nil {
		return nil
	}
	old.Stop()
	select {
	case <-old.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("livefeed: viewer: waiting for %s teardown: %w", old.Feed(), ctx.Err())
	}
}
