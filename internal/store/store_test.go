package store

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sqlgate/internal/core"
)

func testKey(conn string) core.ConnectionKey {
	return core.ConnectionKey{Username: "demo", SessionID: "sess-1", ConnectionID: conn}
}

func TestPutRejectsDuplicateKey(t *testing.T) {
	s := New(nil, time.Second)
	key := testKey("c1")

	if err := s.Put(key, "sampledb", nil); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := s.Put(key, "sampledb", nil); err != core.ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestLeaseUnknownKey(t *testing.T) {
	s := New(nil, time.Second)
	if _, _, err := s.Lease(context.Background(), testKey("nope")); err != core.ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

// At most one in-flight operation may hold a key's connection; concurrent
// holders of the same key must serialize, never overlap.
func TestLeaseSerializesSameKey(t *testing.T) {
	s := New(nil, 5*time.Second)
	key := testKey("c1")
	if err := s.Put(key, "sampledb", nil); err != nil {
		t.Fatal(err)
	}

	var inFlight int32
	var overlaps int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.Lease(context.Background(), key); err != nil {
				t.Errorf("Lease failed: %v", err)
				return
			}
			if atomic.AddInt32(&inFlight, 1) > 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			s.Unlease(key)
		}()
	}
	wg.Wait()

	if overlaps != 0 {
		t.Fatalf("detected %d overlapping holders of one key", overlaps)
	}
}

func TestLeaseBusyTimesOut(t *testing.T) {
	s := New(nil, 50*time.Millisecond)
	key := testKey("c1")
	if err := s.Put(key, "sampledb", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Lease(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, _, err := s.Lease(context.Background(), key)
	if err != core.ErrConnectionBusy {
		t.Fatalf("expected ErrConnectionBusy, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("busy wait not bounded: took %v", elapsed)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := New(nil, time.Second)
	key := testKey("c1")
	if err := s.Put(key, "sampledb", nil); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Remove(key); !ok {
		t.Fatal("first Remove should return the entry")
	}
	if _, ok := s.Remove(key); ok {
		t.Fatal("second Remove should be a no-op")
	}
}

// A removal racing an in-flight operation must not interrupt it: the entry
// is doomed and the connection comes back through the release callback
// when the holder unleases.
func TestRemoveAllDoomsLeasedEntries(t *testing.T) {
	var released int32
	s := New(func(database string, conn *sql.Conn) {
		atomic.AddInt32(&released, 1)
	}, time.Second)

	held := testKey("held")
	idle := testKey("idle")
	if err := s.Put(held, "sampledb", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(idle, "sampledb", nil); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Lease(context.Background(), held); err != nil {
		t.Fatal(err)
	}

	removed := s.RemoveAll("demo", "sess-1")
	if len(removed) != 1 {
		t.Fatalf("expected 1 immediately removed entry, got %d", len(removed))
	}
	if atomic.LoadInt32(&released) != 0 {
		t.Fatal("release callback fired before the holder finished")
	}

	s.Unlease(held)
	if atomic.LoadInt32(&released) != 1 {
		t.Fatal("release callback did not fire after Unlease of a doomed entry")
	}
	if s.Len() != 0 {
		t.Fatalf("store should be empty, has %d entries", s.Len())
	}
}

// A waiter can win the semaphore in the instant between the holder's
// Unlease and a racing removal: the removal then sees the key busy and
// dooms it, but the doomed entry's new holder is the waiter, not the old
// one. The waiter must complete the removal, or the connection is
// stranded forever.
func TestLeaseWinnerCompletesDoomedRemoval(t *testing.T) {
	var released int32
	s := New(func(database string, conn *sql.Conn) {
		atomic.AddInt32(&released, 1)
	}, 5*time.Second)

	key := testKey("c1")
	if err := s.Put(key, "sampledb", nil); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	ent := s.entries[key]
	s.mu.Unlock()

	// Holder takes the lease; the waiter blocks on the semaphore.
	if _, _, err := s.Lease(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	waiterErr := make(chan error, 1)
	go func() {
		_, _, err := s.Lease(context.Background(), key)
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// Hand the token to the waiter while holding the store lock, so the
	// waiter acquires the semaphore but cannot re-check the map yet.
	s.mu.Lock()
	<-ent.sem
	deadline := time.Now().Add(2 * time.Second)
	for len(ent.sem) == 0 {
		if time.Now().After(deadline) {
			s.mu.Unlock()
			t.Fatal("waiter never took the semaphore token")
		}
		time.Sleep(time.Millisecond)
	}

	// The removal lands now: the semaphore is full, so the entry is doomed
	// rather than handed back.
	if rem, ok := s.removeLocked(key); ok {
		s.mu.Unlock()
		t.Fatalf("removal should have doomed the busy entry, got %+v", rem)
	}
	s.mu.Unlock()

	select {
	case err := <-waiterErr:
		if err != core.ErrKeyNotFound {
			t.Fatalf("waiter expected ErrKeyNotFound, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not return")
	}
	if atomic.LoadInt32(&released) != 1 {
		t.Fatalf("release callback fired %d times, want 1", atomic.LoadInt32(&released))
	}
	if s.Len() != 0 {
		t.Fatalf("store should be empty, has %d entries", s.Len())
	}
	// The key is free again for a fresh registration.
	if err := s.Put(key, "sampledb", nil); err != nil {
		t.Fatalf("re-registering after the doomed removal failed: %v", err)
	}
}

func TestDiscardLeased(t *testing.T) {
	s := New(nil, time.Second)
	key := testKey("c1")
	if err := s.Put(key, "sampledb", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Lease(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.DiscardLeased(key); !ok {
		t.Fatal("DiscardLeased should return the held entry")
	}
	if s.Has(key) {
		t.Fatal("entry should be gone after DiscardLeased")
	}
	// The key is free again for a fresh registration.
	if err := s.Put(key, "sampledb", nil); err != nil {
		t.Fatalf("re-registering after discard failed: %v", err)
	}
}

func TestKeysSnapshot(t *testing.T) {
	s := New(nil, time.Second)
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := s.Put(testKey(id), "sampledb", nil); err != nil {
			t.Fatal(err)
		}
	}
	keys := s.Keys()
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1].String() >= keys[i].String() {
			t.Fatal("keys not sorted")
		}
	}
}
