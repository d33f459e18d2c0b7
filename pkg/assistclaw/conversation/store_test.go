package conversation

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(ttl time.Duration) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	return NewStore(Config{TTL: ttl}, nil, WithClock(clock.Now)), clock
}

func TestStorePutGetClear(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(time.Minute)

	if got := store.Get("+15550001"); got != nil {
		t.Fatalf("Get on empty store = %+v, want nil", got)
	}

	st := NewState("+15550001", time.Time{})
	st.Intent = classifier.IntentScheduleMeeting
	st.Slots[classifier.EntityAttendee] = "jane@example.com"
	store.Put("+15550001", st)

	got := store.Get("+15550001")
	if got == nil || got.Slot(classifier.EntityAttendee) != "jane@example.com" {
		t.Fatalf("Get = %+v, want stored attendee", got)
	}

	// Mutating the copy must not leak into the store.
	got.Slots[classifier.EntityAttendee] = "mallory@example.com"
	if again := store.Get("+15550001"); again.Slot(classifier.EntityAttendee) != "jane@example.com" {
		t.Errorf("stored state mutated through copy: %q", again.Slot(classifier.EntityAttendee))
	}

	if !store.Clear("+15550001") {
		t.Error("Clear returned false for existing state")
	}
	if store.Get("+15550001") != nil {
		t.Error("state still present after Clear")
	}
	if store.Count() != 0 {
		t.Errorf("Count = %d after Clear, want 0", store.Count())
	}
}

func TestStoreSerializesSameUser(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(time.Hour)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ss := store.Lock("user")
			defer ss.Unlock()

			st := ss.Get()
			if st == nil {
				st = NewState("user", time.Time{})
			}
			n, _ := strconv.Atoi(st.Slots[classifier.EntityDuration])
			st.Slots[classifier.EntityDuration] = strconv.Itoa(n + 1)
			ss.Put(st)
		}()
	}
	wg.Wait()

	got := store.Get("user")
	if got.Slot(classifier.EntityDuration) != strconv.Itoa(workers) {
		t.Errorf("counter = %s, want %d (lost updates)", got.Slot(classifier.EntityDuration), workers)
	}
}

func TestStoreExpiry(t *testing.T) {
	t.Parallel()
	store, clock := newTestStore(30 * time.Minute)

	store.Put("a", NewState("a", time.Time{}))
	clock.Advance(20 * time.Minute)
	store.Put("b", NewState("b", time.Time{}))
	clock.Advance(15 * time.Minute)

	if removed := store.Sweep(); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if store.Get("a") != nil {
		t.Error("expired conversation a still present")
	}
	if store.Get("b") == nil {
		t.Error("live conversation b was removed")
	}
}

func TestSessionGetTreatsExpiredAsAbsent(t *testing.T) {
	t.Parallel()
	store, clock := newTestStore(time.Minute)

	store.Put("u", NewState("u", time.Time{}))
	clock.Advance(2 * time.Minute)

	if st := store.Get("u"); st != nil {
		t.Errorf("Get after TTL = %+v, want nil", st)
	}
}

func TestSweepSkipsHeldEntries(t *testing.T) {
	t.Parallel()
	store, clock := newTestStore(time.Minute)

	store.Put("u", NewState("u", time.Time{}))
	clock.Advance(5 * time.Minute)

	ss := store.Lock("u")
	if removed := store.SweepExpired(clock.Now()); removed != 0 {
		t.Errorf("SweepExpired removed %d held entries, want 0", removed)
	}
	fresh := NewState("u", time.Time{})
	fresh.Intent = classifier.IntentSendEmail
	ss.Put(fresh)
	ss.Unlock()

	if st := store.Get("u"); st == nil || st.Intent != classifier.IntentSendEmail {
		t.Errorf("Get = %+v, want the state written while the sweep ran", st)
	}
}

func TestStoreList(t *testing.T) {
	t.Parallel()
	store, clock := newTestStore(time.Hour)

	store.Put("first", NewState("first", time.Time{}))
	clock.Advance(time.Second)
	store.Put("second", NewState("second", time.Time{}))

	list := store.List()
	if len(list) != 2 {
		t.Fatalf("List len = %d, want 2", len(list))
	}
	if list[0].UserID != "first" || list[1].UserID != "second" {
		t.Errorf("List order = %s, %s; want first, second", list[0].UserID, list[1].UserID)
	}
}

func TestStateClone(t *testing.T) {
	t.Parallel()

	st := NewState("u", time.Now())
	st.Options = []Option{{Label: "10:00", Values: map[classifier.EntityType]string{classifier.EntityTime: "10:00"}}}
	st.PendingSwitch = &PendingSwitch{Intent: classifier.IntentSendEmail, Entities: classifier.Entities{classifier.EntitySubject: "hi"}}

	c := st.Clone()
	c.Options[0].Values[classifier.EntityTime] = "11:00"
	c.PendingSwitch.Entities[classifier.EntitySubject] = "changed"

	if st.Options[0].Values[classifier.EntityTime] != "10:00" {
		t.Error("Clone shares option values")
	}
	if st.PendingSwitch.Entities[classifier.EntitySubject] != "hi" {
		t.Error("Clone shares pending switch entities")
	}
}
