package livefeed

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var (
	alice = Author{ID: "u1", Name: "alice"}
	bob   = Author{ID: "u2", Name: "bob"}
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func chat(id string, a Author, content string, ts time.Time) Message {
	return Message{ID: id, Author: a, Content: content, Timestamp: ts, Kind: KindChat}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func newTestReconciler(clk Clock) *Reconciler {
	r := NewReconciler(ReconcilerOpts{Clock: clk})
	r.Seed(nil)
	return r
}

func TestReconciler_SeedSortsByTimestamp(t *testing.T) {
	r := NewReconciler(ReconcilerOpts{})
	r.Seed([]Message{
		chat("c", alice, "third", at(30)),
		chat("a", bob, "first", at(10)),
		chat("b", alice, "second", at(20)),
	})

	got := r.Snapshot()
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids(got)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	for _, m := range got {
		if m.State != StateConfirmed {
			t.Errorf("seeded %s state = %q, want confirmed", m.ID, m.State)
		}
	}
}

func TestReconciler_OutOfOrderArrival(t *testing.T) {
	r := newTestReconciler(newFakeClock())
	r.IngestRemote(chat("m30", alice, "c", at(30)))
	r.IngestRemote(chat("m10", bob, "a", at(10)))
	r.IngestRemote(chat("m20", alice, "b", at(20)))

	if diff := cmp.Diff([]string{"m10", "m20", "m30"}, ids(r.Snapshot())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestReconciler_TiesKeepArrivalOrder(t *testing.T) {
	r := newTestReconciler(newFakeClock())
	r.IngestRemote(chat("x", alice, "1", at(5)))
	r.IngestRemote(chat("y", bob, "2", at(5)))
	r.IngestRemote(chat("z", alice, "3", at(5)))

	if diff := cmp.Diff([]string{"x", "y", "z"}, ids(r.Snapshot())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestReconciler_RedeliveryIsIdempotent(t *testing.T) {
	r := newTestReconciler(newFakeClock())
	m := chat("m1", alice, "hello", at(1))
	r.IngestRemote(m)
	r.IngestRemote(m)
	r.Merge([]Message{m})

	if n := r.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestReconciler_NonceConfirmsPending(t *testing.T) {
	clk := newFakeClock()
	r := newTestReconciler(clk)
	r.IngestRemote(chat("old", bob, "earlier", clk.Now().Add(-time.Minute)))

	id := r.IngestLocal(Message{Author: alice, Content: "my point"})
	snap := r.Snapshot()
	if len(snap) != 2 || snap[1].State != StatePending || snap[1].Nonce != id {
		t.Fatalf("after IngestLocal: %+v", snap)
	}

	echo := chat("srv-9", alice, "my point", clk.Now().Add(300*time.Millisecond))
	echo.Nonce = id
	r.IngestRemote(echo)

	snap = r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Len = %d, want 2 (echo must replace the pending entry)", len(snap))
	}
	got := snap[1]
	if got.ID != "srv-9" || got.State != StateConfirmed || got.Nonce != id {
		t.Errorf("confirmed entry = %+v", got)
	}

	// A second echo under a different server id is a redelivery.
	dup := echo
	dup.ID = "srv-10"
	r.IngestRemote(dup)
	if r.Len() != 2 {
		t.Errorf("redelivered echo created a duplicate: %v", ids(r.Snapshot()))
	}

	// Both the server id and the nonce resolve to the confirmed entry.
	if err := r.Like("srv-9"); err != nil {
		t.Errorf("Like by server id: %v", err)
	}
	if err := r.Like(id); err != nil {
		t.Errorf("Like by nonce: %v", err)
	}
}

func TestReconciler_FallbackMatchWithoutNonce(t *testing.T) {
	clk := newFakeClock()
	r := newTestReconciler(clk)
	r.IngestLocal(Message{Author: alice, Content: "same words"})

	// Different author: not a match.
	r.IngestRemote(chat("b1", bob, "same words", clk.Now().Add(time.Second)))
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}

	r.IngestRemote(chat("a1", alice, "same words", clk.Now().Add(2*time.Second)))
	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Len = %d, want 2: %v", len(snap), ids(snap))
	}
	for _, m := range snap {
		if m.State != StateConfirmed {
			t.Errorf("%s state = %q, want confirmed", m.ID, m.State)
		}
	}
}

func TestReconciler_FallbackRespectsWindow(t *testing.T) {
	clk := newFakeClock()
	r := newTestReconciler(clk)
	local := r.IngestLocal(Message{Author: alice, Content: "again"})

	r.IngestRemote(chat("late", alice, "again", clk.Now().Add(DefaultMatchWindow+time.Second)))
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (outside window is a new message)", r.Len())
	}
	if got := r.Pending(); len(got) != 1 || got[0] != local {
		t.Errorf("Pending = %v, want [%s]", got, local)
	}
}

func TestReconciler_SystemMessagesNeverMatch(t *testing.T) {
	clk := newFakeClock()
	r := newTestReconciler(clk)
	r.IngestLocal(Message{Author: alice, Content: "welcome"})

	sys := Message{ID: "s1", Author: alice, Content: "welcome", Timestamp: clk.Now(), Kind: KindSystem}
	r.IngestRemote(sys)
	r.IngestRemote(sys)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Len = %d, want 2: %v", len(snap), ids(snap))
	}
	for _, m := range snap {
		if m.Kind == KindSystem && m.State != "" {
			t.Errorf("system message state = %q, want empty", m.State)
		}
	}
	if len(r.Pending()) != 1 {
		t.Error("system message should not confirm the pending send")
	}
}

func TestReconciler_EarlyMessagesAppliedOnSeed(t *testing.T) {
	r := NewReconciler(ReconcilerOpts{})
	r.IngestRemote(chat("live", bob, "while loading", at(50)))
	if r.Len() != 0 {
		t.Fatalf("Len before Seed = %d, want 0", r.Len())
	}

	r.Seed([]Message{
		chat("h1", alice, "old", at(10)),
		chat("live", bob, "while loading", at(50)),
	})
	if diff := cmp.Diff([]string{"h1", "live"}, ids(r.Snapshot())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestReconciler_FailAndResend(t *testing.T) {
	clk := newFakeClock()
	r := newTestReconciler(clk)
	id := r.IngestLocal(Message{Author: alice, Content: "x"})

	if err := r.MarkFailed(id); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if _, err := r.MarkPending("nope"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("MarkPending unknown err = %v, want ErrUnknownMessage", err)
	}
	m, err := r.MarkPending(id)
	if err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	if m.State != StatePending || m.Nonce != id {
		t.Errorf("resend message = %+v", m)
	}
	if _, err := r.MarkPending(id); err == nil {
		t.Error("MarkPending on a pending message should fail")
	}
}

func TestReconciler_ConfirmedNeverRegresses(t *testing.T) {
	clk := newFakeClock()
	r := newTestReconciler(clk)
	id := r.IngestLocal(Message{Author: alice, Content: "x"})
	if err := r.MarkConfirmed(id); err != nil {
		t.Fatalf("MarkConfirmed: %v", err)
	}
	r.MarkFailed(id)
	if got := r.Snapshot()[0].State; got != StateConfirmed {
		t.Errorf("state = %q, want confirmed", got)
	}
	if ids := r.ExpirePending(clk.Now().Add(time.Hour)); len(ids) != 0 {
		t.Errorf("ExpirePending touched confirmed message: %v", ids)
	}
}

func TestReconciler_LateEchoConfirmsFailed(t *testing.T) {
	clk := newFakeClock()
	r := newTestReconciler(clk)
	id := r.IngestLocal(Message{Author: alice, Content: "slow"})
	r.ExpirePending(clk.Now().Add(time.Second))
	if got := r.Snapshot()[0].State; got != StateFailed {
		t.Fatalf("state = %q, want failed", got)
	}

	echo := chat("srv", alice, "slow", clk.Now())
	echo.Nonce = id
	r.IngestRemote(echo)
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].State != StateConfirmed {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestReconciler_ExpirePendingCutoff(t *testing.T) {
	clk := newFakeClock()
	r := newTestReconciler(clk)
	early := r.IngestLocal(Message{Author: alice, Content: "a"})
	clk.Advance(10 * time.Second)
	r.IngestLocal(Message{Author: alice, Content: "b"})

	got := r.ExpirePending(clk.Now().Add(-5 * time.Second))
	if diff := cmp.Diff([]string{early}, got); diff != "" {
		t.Errorf("expired mismatch (-want +got):\n%s", diff)
	}
	if n := len(r.Pending()); n != 1 {
		t.Errorf("Pending = %d, want 1", n)
	}
}

func TestReconciler_LikeAddsToServerCount(t *testing.T) {
	r := newTestReconciler(newFakeClock())
	m := chat("m1", bob, "good point", at(1))
	m.ReactionCount = 3
	r.IngestRemote(m)

	if err := r.Like("m1"); err != nil {
		t.Fatalf("Like: %v", err)
	}
	if got := r.Snapshot()[0].ReactionCount; got != 4 {
		t.Errorf("ReactionCount = %d, want 4", got)
	}
	if err := r.Like("missing"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Like unknown err = %v, want ErrUnknownMessage", err)
	}
}

func TestReconciler_NegativeReactionsClamped(t *testing.T) {
	r := newTestReconciler(newFakeClock())
	m := chat("m1", bob, "x", at(1))
	m.ReactionCount = -2
	r.IngestRemote(m)
	if got := r.Snapshot()[0].ReactionCount; got != 0 {
		t.Errorf("ReactionCount = %d, want 0", got)
	}
}

func TestReconciler_NonceFromOtherAuthorDoesNotConfirm(t *testing.T) {
	clk := newFakeClock()
	r := newTestReconciler(clk)
	id := r.IngestLocal(Message{Author: alice, Content: "my vote is yes"})

	forged := chat("srv-1", Author{ID: "u3", Name: "mallory"}, "my vote is no", clk.Now())
	forged.Nonce = id
	r.IngestRemote(forged)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Len = %d, want 2: %+v", len(snap), snap)
	}
	for _, m := range snap {
		switch m.Author.Name {
		case "alice":
			if m.State != StatePending || m.Content != "my vote is yes" {
				t.Errorf("own entry = %+v, want untouched pending", m)
			}
		case "mallory":
			if m.ID != "srv-1" {
				t.Errorf("foreign entry = %+v", m)
			}
		}
	}

	// The real echo still confirms the send.
	echo := chat("srv-2", alice, "my vote is yes", clk.Now())
	echo.Nonce = id
	r.IngestRemote(echo)
	if r.Len() != 2 || len(r.Pending()) != 0 {
		t.Errorf("after echo: %+v", r.Snapshot())
	}
}

func TestReconciler_Discard(t *testing.T) {
	r := newTestReconciler(newFakeClock())
	r.IngestRemote(chat("h1", bob, "hi", at(1)))
	id := r.IngestLocal(Message{Author: alice, Content: "never sent"})

	if err := r.Discard(id); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if diff := cmp.Diff([]string{"h1"}, ids(r.Snapshot())); diff != "" {
		t.Errorf("transcript (-want +got):\n%s", diff)
	}
	if err := r.Like(id); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Like after Discard err = %v, want ErrUnknownMessage", err)
	}
	if err := r.Discard("h1"); err == nil {
		t.Error("confirmed message should not be discarded")
	}
	if err := r.Discard("nope"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("err = %v, want ErrUnknownMessage", err)
	}
}

func TestReconciler_RandomInterleavingsStayOrderedAndUnique(t *testing.T) {
	for seed := uint64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(int64(seed ^ seed*7919)))
		clk := newFakeClock()
		r := NewReconciler(ReconcilerOpts{Clock: clk})

		var (
			delivered []Message // everything the server has sent so far
			echoes    []Message // echoes of local sends not yet delivered
			seeded    bool
			nextID    int
		)
		newServer := func() Message {
			nextID++
			a := bob
			if rng.Intn(2) == 0 {
				a = Author{ID: "u3", Name: "carol"}
			}
			return chat(fmt.Sprintf("s%d", nextID), a, fmt.Sprintf("c%d", nextID), clk.Now().Add(time.Duration(rng.Intn(20)-10)*time.Second))
		}

		for step := 0; step < 200; step++ {
			clk.Advance(time.Duration(rng.Intn(1500)) * time.Millisecond)
			switch op := rng.Intn(6); {
			case !seeded && (op == 0 || step == 20):
				page := make([]Message, 0, len(delivered))
				for _, m := range delivered {
					if rng.Intn(2) == 0 {
						page = append(page, m)
					}
				}
				r.Seed(page)
				seeded = true
			case op == 1:
				m := newServer()
				delivered = append(delivered, m)
				r.IngestRemote(m)
			case op == 2 && len(delivered) > 0:
				r.IngestRemote(delivered[rng.Intn(len(delivered))])
			case op == 3 && seeded:
				id := r.IngestLocal(Message{Author: alice, Content: "same words"})
				nextID++
				echo := chat(fmt.Sprintf("s%d", nextID), alice, "same words", clk.Now().Add(time.Duration(rng.Intn(3000))*time.Millisecond))
				echo.Nonce = id
				echoes = append(echoes, echo)
			case op == 4 && len(echoes) > 0:
				i := rng.Intn(len(echoes))
				echo := echoes[i]
				echoes = append(echoes[:i], echoes[i+1:]...)
				delivered = append(delivered, echo)
				r.IngestRemote(echo)
			case op == 5 && seeded && len(delivered) > 0:
				r.Merge(delivered[rng.Intn(len(delivered)):])
			}
		}
		if !seeded {
			r.Seed(nil)
		}

		snap := r.Snapshot()
		seenID := make(map[string]bool)
		seenNonce := make(map[string]bool)
		for i, m := range snap {
			if i > 0 && m.Timestamp.Before(snap[i-1].Timestamp) {
				t.Fatalf("seed %d: entry %d (%s) out of order", seed, i, m.ID)
			}
			if seenID[m.ID] {
				t.Fatalf("seed %d: id %s appears twice", seed, m.ID)
			}
			seenID[m.ID] = true
			if m.Nonce != "" {
				if seenNonce[m.Nonce] {
					t.Fatalf("seed %d: nonce %s appears twice", seed, m.Nonce)
				}
				seenNonce[m.Nonce] = true
			}
		}
		for _, m := range delivered {
			if !seenID[m.ID] {
				t.Fatalf("seed %d: delivered message %s missing", seed, m.ID)
			}
		}
		if got, want := len(r.Pending()), len(echoes); got != want {
			t.Errorf("seed %d: pending = %d, want %d undelivered echoes", seed, got, want)
		}
	}
}
