package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(capacity int, ttl time.Duration) (*Queue, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := NewQueue(Options{Capacity: capacity, TTL: ttl})
	q.now = clock.now
	return q, clock
}

func TestGetInteractionsDrains(t *testing.T) {
	q, _ := newTestQueue(100, DefaultTTL)

	q.QueueInteraction("S1", "timeline", "select", json.RawMessage(`{"event_id":"seg-2"}`), "")

	got := q.GetInteractions("S1")
	if len(got) != 1 {
		t.Fatalf("got %d interactions, want 1", len(got))
	}
	if got[0].ComponentID != "timeline" || got[0].SessionID != "S1" || got[0].ID == "" {
		t.Errorf("unexpected record: %+v", got[0])
	}
	var data map[string]string
	if err := json.Unmarshal(got[0].Data, &data); err != nil || data["event_id"] != "seg-2" {
		t.Errorf("payload = %s (%v)", got[0].Data, err)
	}

	if again := q.GetInteractions("S1"); len(again) != 0 {
		t.Fatalf("second drain returned %d entries, want 0", len(again))
	}
}

func TestGetInteractionsLeavesOtherSessions(t *testing.T) {
	q, _ := newTestQueue(100, DefaultTTL)
	q.QueueInteraction("S1", "a", "click", nil, "")
	q.QueueInteraction("S2", "b", "click", nil, "")
	q.QueueInteraction("S1", "c", "click", nil, "")

	got := q.GetInteractions("S1")
	if len(got) != 2 || got[0].ComponentID != "a" || got[1].ComponentID != "c" {
		t.Fatalf("S1 drain = %+v", got)
	}
	if peek := q.PeekInteractions("S2"); len(peek) != 1 || peek[0].ComponentID != "b" {
		t.Fatalf("S2 entries disturbed: %+v", peek)
	}
}

func TestExpiredInteractionsDiscarded(t *testing.T) {
	q, clock := newTestQueue(100, 5*time.Minute)
	q.QueueInteraction("S1", "old", "click", nil, "")
	q.QueueInteraction("S2", "old-other", "click", nil, "")
	clock.advance(4 * time.Minute)
	q.QueueInteraction("S1", "fresh", "click", nil, "")
	clock.advance(90 * time.Second)

	if peek := q.PeekInteractions("S1"); len(peek) != 1 || peek[0].ComponentID != "fresh" {
		t.Fatalf("peek = %+v, want only fresh", peek)
	}
	if q.Len() != 3 {
		t.Fatalf("peek must not remove entries, Len = %d", q.Len())
	}

	got := q.GetInteractions("S1")
	if len(got) != 1 || got[0].ComponentID != "fresh" {
		t.Fatalf("drain = %+v, want only fresh", got)
	}
	if q.Len() != 0 {
		t.Fatalf("expired entries of other sessions should be discarded, Len = %d", q.Len())
	}
}

func TestCapacityEvictsWithinSession(t *testing.T) {
	q, _ := newTestQueue(3, DefaultTTL)
	q.QueueInteraction("quiet", "q0", "click", nil, "")
	for i := 0; i < 5; i++ {
		q.QueueInteraction("noisy", fmt.Sprintf("n%d", i), "click", nil, "")
	}

	noisy := q.PeekInteractions("noisy")
	if len(noisy) != 3 || noisy[0].ComponentID != "n2" || noisy[2].ComponentID != "n4" {
		t.Fatalf("noisy = %+v, want n2..n4", noisy)
	}
	if quiet := q.PeekInteractions("quiet"); len(quiet) != 1 {
		t.Fatalf("noisy session evicted another session's entry: %+v", quiet)
	}
}

func TestPruneAndClear(t *testing.T) {
	q, clock := newTestQueue(10, time.Minute)
	q.QueueInteraction("S1", "a", "click", nil, "")
	q.QueueInteraction("S2", "b", "click", nil, "")
	clock.advance(2 * time.Minute)
	q.QueueInteraction("S2", "c", "click", nil, "")

	if n := q.Prune(); n != 2 {
		t.Fatalf("Prune = %d, want 2", n)
	}
	if n := q.Clear("S2"); n != 1 {
		t.Fatalf("Clear = %d, want 1", n)
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
}

func TestJanitorPrunes(t *testing.T) {
	q := NewQueue(Options{TTL: 10 * time.Millisecond})
	q.QueueInteraction("S1", "a", "click", nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartJanitor(ctx, q, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("janitor did not discard the expired interaction")
}

// op is one step of a generated queue workload.
type op struct {
	Session int
	Drain   bool
	Advance int // seconds
}

func TestQueueProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	const capacity = 5
	ttl := 5 * time.Minute

	genOp := gopter.CombineGens(
		gen.IntRange(0, 3),
		gen.Bool(),
		gen.IntRange(0, 120),
	).Map(func(vals []interface{}) op {
		return op{Session: vals[0].(int), Drain: vals[1].(bool), Advance: vals[2].(int)}
	})

	properties.Property("drains never return foreign, expired, or repeated entries", prop.ForAll(
		func(ops []op) bool {
			q, clock := newTestQueue(capacity, ttl)
			seen := map[string]bool{}

			for _, o := range ops {
				clock.advance(time.Duration(o.Advance) * time.Second)
				sessionID := fmt.Sprintf("S%d", o.Session)
				if !o.Drain {
					q.QueueInteraction(sessionID, "c", "click", nil, "")
					if len(q.PeekInteractions(sessionID)) > capacity {
						return false
					}
					continue
				}
				for _, item := range q.GetInteractions(sessionID) {
					if item.SessionID != sessionID {
						return false
					}
					if clock.now().Sub(item.CreatedAt) >= ttl {
						return false
					}
					if seen[item.ID] {
						return false
					}
					seen[item.ID] = true
				}
			}
			return true
		},
		gen.SliceOf(genOp),
	))

	properties.TestingRun(t)
}
