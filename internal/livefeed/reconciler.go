package livefeed

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMatchWindow bounds the author+content fallback match used when an
// inbound message carries no correlation id.
const DefaultMatchWindow = 10 * time.Second

// entry is one transcript slot. seq records arrival order and breaks
// timestamp ties.
type entry struct {
	msg       Message
	seq       uint64
	likeDelta int // local reactions not yet reflected by the server
}

func (e *entry) less(o *entry) bool {
	if !e.msg.Timestamp.Equal(o.msg.Timestamp) {
		return e.msg.Timestamp.Before(o.msg.Timestamp)
	}
	return e.seq < o.seq
}

// Reconciler merges seeded history, live inbound messages and optimistic
// local sends into one ordered transcript with exactly one entry per
// logical message.
type Reconciler struct {
	clock       Clock
	matchWindow time.Duration

	mu      sync.Mutex
	entries []*entry
	byID    map[string]*entry // server ids and nonces both resolve here
	seq     uint64
	seeded  bool
	early   []Message // remote messages received before Seed
}

// ReconcilerOpts holds parameters for creating a Reconciler.
type ReconcilerOpts struct {
	Clock       Clock         // defaults to SystemClock
	MatchWindow time.Duration // defaults to DefaultMatchWindow
}

// NewReconciler creates an empty, unseeded Reconciler.
func NewReconciler(opts ReconcilerOpts) *Reconciler {
	r := &Reconciler{
		clock:       opts.Clock,
		matchWindow: opts.MatchWindow,
		byID:        make(map[string]*entry),
	}
	if r.clock == nil {
		r.clock = SystemClock
	}
	if r.matchWindow <= 0 {
		r.matchWindow = DefaultMatchWindow
	}
	return r
}

// Seed replaces the transcript with a time-sorted copy of msgs, then applies
// any remote messages that arrived before it.
func (r *Reconciler) Seed(msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = r.entries[:0]
	r.byID = make(map[string]*entry, len(msgs))
	for _, m := range msgs {
		r.ingestRemoteLocked(normalizeRemote(m))
	}
	r.seeded = true

	early := r.early
	r.early = nil
	for _, m := range early {
		r.ingestRemoteLocked(m)
	}
}

// Merge ingests a page of history as remote messages. Used to catch up
// after a reconnect; entries already present are left alone.
func (r *Reconciler) Merge(msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.ingestRemoteLocked(normalizeRemote(m))
	}
}

// IngestRemote inserts a server-originated message, reconciling it with a
// pending local send when it is that send's echo.
func (r *Reconciler) IngestRemote(m Message) {
	m = normalizeRemote(m)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seeded {
		r.early = append(r.early, m)
		return
	}
	r.ingestRemoteLocked(m)
}

// IngestLocal inserts an optimistic chat message in the pending state and
// returns its id. A nonce is generated when m.ID is empty.
func (r *Reconciler) IngestLocal(m Message) string {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Nonce = m.ID
	m.Kind = KindChat
	m.State = StatePending
	if m.Timestamp.IsZero() {
		m.Timestamp = r.clock.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(m)
	return m.ID
}

// MarkFailed moves a pending message to failed. Confirmed messages stay
// confirmed.
func (r *Reconciler) MarkFailed(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if e.msg.State == StatePending {
		e.msg.State = StateFailed
	}
	return nil
}

// Discard removes a pending message that never reached the wire. Other
// states are left alone.
func (r *Reconciler) Discard(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if e.msg.State != StatePending {
		return fmt.Errorf("livefeed: message %s is %s, not pending", id, e.msg.State)
	}
	r.removeLocked(e)
	for k, v := range r.byID {
		if v == e {
			delete(r.byID, k)
		}
	}
	return nil
}

// MarkConfirmed moves a pending or failed message to confirmed.
func (r *Reconciler) MarkConfirmed(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if e.msg.Kind == KindChat {
		e.msg.State = StateConfirmed
	}
	return nil
}

// MarkPending puts a failed message back to pending for a resend and
// returns the updated message.
func (r *Reconciler) MarkPending(id string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if e.msg.State != StateFailed {
		return Message{}, fmt.Errorf("livefeed: message %s is %s, not failed", id, e.msg.State)
	}
	e.msg.State = StatePending
	return e.msg, nil
}

// ExpirePending fails every pending message stamped before cutoff and
// returns their ids.
func (r *Reconciler) ExpirePending(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, e := range r.entries {
		if e.msg.State == StatePending && e.msg.Timestamp.Before(cutoff) {
			e.msg.State = StateFailed
			ids = append(ids, e.msg.ID)
		}
	}
	return ids
}

// Pending returns the ids of messages still awaiting confirmation.
func (r *Reconciler) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, e := range r.entries {
		if e.msg.State == StatePending {
			ids = append(ids, e.msg.ID)
		}
	}
	return ids
}

// Like increments a message's reaction count locally.
func (r *Reconciler) Like(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	e.likeDelta++
	return nil
}

// Snapshot returns the ordered transcript.
func (r *Reconciler) Snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.msg
		out[i].ReactionCount += e.likeDelta
	}
	return out
}

// Len returns the number of transcript entries.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// normalizeRemote fills defaults for a server message.
func normalizeRemote(m Message) Message {
	if m.Kind == "" {
		m.Kind = KindChat
	}
	if m.Kind == KindChat {
		m.State = StateConfirmed
	} else {
		m.State = ""
	}
	if m.ReactionCount < 0 {
		m.ReactionCount = 0
	}
	return m
}

// ingestRemoteLocked applies one server message. Caller holds r.mu.
func (r *Reconciler) ingestRemoteLocked(m Message) {
	if e, ok := r.byID[m.ID]; ok && m.ID != "" {
		if e.msg.State == StateConfirmed || e.msg.Kind == KindSystem {
			return
		}
		// The server reused our nonce as its id.
		r.confirmLocked(e, m)
		return
	}

	if m.Kind == KindChat {
		if e := r.matchLocked(m); e != nil {
			r.confirmLocked(e, m)
			return
		}
	}
	r.insertLocked(m)
}

// matchLocked finds the optimistic entry m confirms: by nonce when the
// wire carried one, otherwise the oldest unconfirmed entry from the same
// author with identical content inside the match window.
func (r *Reconciler) matchLocked(m Message) *entry {
	if m.Nonce != "" {
		// A confirmed hit is a redelivery under another server id;
		// confirmLocked ignores it.
		if e, ok := r.byID[m.Nonce]; ok && e.msg.Kind == KindChat && e.msg.Nonce == m.Nonce && e.msg.Author.same(m.Author) {
			return e
		}
		return nil
	}
	for _, e := range r.entries {
		if e.msg.Kind != KindChat || e.msg.State == StateConfirmed || e.msg.Nonce == "" {
			continue
		}
		if !e.msg.Author.same(m.Author) || e.msg.Content != m.Content {
			continue
		}
		d := m.Timestamp.Sub(e.msg.Timestamp)
		if d < 0 {
			d = -d
		}
		if d <= r.matchWindow {
			return e
		}
	}
	return nil
}

// confirmLocked replaces the optimistic entry e with the server copy m,
// re-keying it to the server id and keeping its arrival rank.
func (r *Reconciler) confirmLocked(e *entry, m Message) {
	if e.msg.State == StateConfirmed {
		return
	}
	nonce := e.msg.Nonce
	r.removeLocked(e)

	m.State = StateConfirmed
	if m.Nonce == "" {
		m.Nonce = nonce
	}
	if m.ID == "" {
		m.ID = e.msg.ID
	}
	e.msg = m
	r.placeLocked(e)
	r.byID[m.ID] = e
	if nonce != "" {
		r.byID[nonce] = e
	}
}

// insertLocked appends m as a new entry at its sorted position.
func (r *Reconciler) insertLocked(m Message) {
	r.seq++
	e := &entry{msg: m, seq: r.seq}
	r.placeLocked(e)
	if m.ID != "" {
		r.byID[m.ID] = e
	}
	if m.Nonce != "" {
		if _, taken := r.byID[m.Nonce]; !taken {
			r.byID[m.Nonce] = e
		}
	}
}

// placeLocked inserts e into entries keeping (timestamp, seq) order.
func (r *Reconciler) placeLocked(e *entry) {
	i, _ := slices.BinarySearchFunc(r.entries, e, func(a, b *entry) int {
		switch {
		case a.less(b):
			return -1
		case b.less(a):
			return 1
		default:
			return 0
		}
	})
	r.entries = slices.Insert(r.entries, i, e)
}

func (r *Reconciler) removeLocked(e *entry) {
	if i := slices.Index(r.entries, e); i >= 0 {
		r.entries = slices.Delete(r.entries, i, i+1)
	}
}
