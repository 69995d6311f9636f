package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"sqlgate/internal/core"
)

// ReleaseFunc is called for a connection whose entry was removed while its
// lease was held; the holder's Unlease performs the deferred removal.
type ReleaseFunc func(database string, conn *sql.Conn)

// Store maps ConnectionKeys to loaned pool connections. It is the single
// synchronization point between stateless HTTP requests and stateful
// backend connections: at most one in-flight operation holds any key's
// connection, enforced by a per-entry semaphore.
type Store struct {
	mu      sync.Mutex
	entries map[core.ConnectionKey]*entry
	release ReleaseFunc
	timeout time.Duration
}

type entry struct {
	conn     *sql.Conn
	database string
	sem      chan struct{} // capacity 1: holding the token is holding the lease
	doomed   bool          // removed while leased; holder finishes the removal
}

// New builds a store. release is invoked (outside the store lock) when a
// doomed entry's lease comes back; leaseTimeout bounds how long a second
// request may wait on a busy key.
func New(release ReleaseFunc, leaseTimeout time.Duration) *Store {
	if leaseTimeout <= 0 {
		leaseTimeout = 10 * time.Second
	}
	return &Store{
		entries: make(map[core.ConnectionKey]*entry),
		release: release,
		timeout: leaseTimeout,
	}
}

// Put registers a newly acquired connection under key. At most one
// connection may ever be registered per key.
func (s *Store) Put(key core.ConnectionKey, database string, conn *sql.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; exists {
		return core.ErrDuplicateKey
	}
	s.entries[key] = &entry{
		conn:     conn,
		database: database,
		sem:      make(chan struct{}, 1),
	}
	return nil
}

// Has reports whether key is registered.
func (s *Store) Has(key core.ConnectionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Lease takes exclusive use of key's connection. A concurrent holder makes
// the caller wait up to the lease timeout, after which ErrConnectionBusy is
// returned; requests on the same key are thereby serialized, never
// interleaved.
func (s *Store) Lease(ctx context.Context, key core.ConnectionKey) (*sql.Conn, string, error) {
	s.mu.Lock()
	ent, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return nil, "", core.ErrKeyNotFound
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case ent.sem <- struct{}{}:
	case <-timer.C:
		return nil, "", core.ErrConnectionBusy
	case <-ctx.Done():
		return nil, "", core.ErrConnectionBusy
	}

	// The entry may have been removed or doomed while we waited. A doomed
	// entry that is still registered means the previous holder unleased
	// before the removal landed, so the token we just took makes us the
	// holder: finishing the removal falls to us.
	s.mu.Lock()
	cur, ok := s.entries[key]
	if ok && cur == ent && !ent.doomed {
		s.mu.Unlock()
		return ent.conn, ent.database, nil
	}
	doomed := ok && cur == ent
	if doomed {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	<-ent.sem
	if doomed && s.release != nil {
		s.release(ent.database, ent.conn)
	}
	return nil, "", core.ErrKeyNotFound
}

// Unlease gives the key's connection back. If the entry was doomed while
// leased, the removal is completed here and the release callback fires.
func (s *Store) Unlease(key core.ConnectionKey) {
	s.mu.Lock()
	ent, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	if ent.doomed {
		delete(s.entries, key)
		s.mu.Unlock()
		<-ent.sem
		if s.release != nil {
			s.release(ent.database, ent.conn)
		}
		return
	}
	s.mu.Unlock()

	select {
	case <-ent.sem:
	default:
		// Unlease without a held lease is a programming error upstream;
		// tolerate it rather than block.
	}
}

// Removed describes one connection taken out of the store.
type Removed struct {
	Key      core.ConnectionKey
	Database string
	Conn     *sql.Conn
}

// Remove unregisters key. If the lease is free the connection is returned
// to the caller for release; if the lease is held the entry is doomed and
// the holder releases it on Unlease. Removing an absent key is a no-op.
func (s *Store) Remove(key core.ConnectionKey) (*Removed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

func (s *Store) removeLocked(key core.ConnectionKey) (*Removed, bool) {
	ent, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	select {
	case ent.sem <- struct{}{}:
		// Lease acquired: safe to hand the connection out immediately.
		// Give the token back so blocked Lease callers wake up, re-check
		// the map and see the entry is gone.
		delete(s.entries, key)
		<-ent.sem
		return &Removed{Key: key, Database: ent.database, Conn: ent.conn}, true
	default:
		ent.doomed = true
		return nil, false
	}
}

// DiscardLeased removes an entry whose lease the caller currently holds
// and hands the connection back for disposal. The caller's lease token is
// consumed here; no further Unlease is needed.
func (s *Store) DiscardLeased(key core.ConnectionKey) (*Removed, bool) {
	s.mu.Lock()
	ent, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-ent.sem
	return &Removed{Key: key, Database: ent.database, Conn: ent.conn}, true
}

// RemoveAll sweeps every entry owned by (username, sessionID) across all of
// that session's connection ids. In-use entries are doomed rather than
// interrupted. The returned slice holds the immediately reclaimed
// connections.
func (s *Store) RemoveAll(username, sessionID string) []Removed {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Removed
	for key := range s.entries {
		if key.Username != username || key.SessionID != sessionID {
			continue
		}
		if rem, ok := s.removeLocked(key); ok {
			out = append(out, *rem)
		}
	}
	return out
}

// Keys returns every registered key, for operational tooling.
func (s *Store) Keys() []core.ConnectionKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.ConnectionKey, 0, len(s.entries))
	for key := range s.entries {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the number of registered entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
