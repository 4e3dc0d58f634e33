// Package memory is an in-process replica.DocumentStore. Several
// coordinators sharing one Store behave like devices sharing a remote
// account, which makes it the store of choice for tests and DATA_BACKEND=memory.
package memory

import (
	"context"
	"errors"
	"sync"

	"cashbook/internal/core"
	"cashbook/internal/replica"
)

// ErrInjected is the default failure returned by FailWrites.
var ErrInjected = errors.New("memory: injected failure")

type record struct {
	doc      core.Document
	revision int64
	origin   string
	deleted  bool
}

// Store keeps documents in a map and fans writes out through a replica.Hub.
type Store struct {
	mu       sync.Mutex
	docs     map[string]record
	hub      *replica.Hub
	writeErr error
	writes   int
	closed   bool
}

// New returns an empty store.
func New() *Store {
	return &Store{docs: make(map[string]record), hub: replica.NewHub()}
}

// Get implements replica.DocumentStore.
func (s *Store) Get(ctx context.Context, key string) (replica.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return replica.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return replica.Snapshot{}, replica.ErrClosed
	}
	return s.snapshotLocked(key), nil
}

// Write implements replica.DocumentStore.
func (s *Store) Write(ctx context.Context, key string, doc core.Document, origin string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, replica.ErrClosed
	}
	s.writes++
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return 0, err
	}
	rec := s.docs[key]
	rec.doc = doc.Clone()
	rec.revision++
	rec.origin = origin
	rec.deleted = false
	s.docs[key] = rec
	snap := s.snapshotLocked(key)
	// Publishing under the lock keeps hub order equal to revision order.
	s.hub.Publish(key, snap)
	s.mu.Unlock()
	return snap.Revision, nil
}

// Subscribe implements replica.DocumentStore.
func (s *Store) Subscribe(ctx context.Context, key string) (<-chan replica.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, replica.ErrClosed
	}
	return s.hub.Subscribe(ctx, key, replica.Update{Snapshot: s.snapshotLocked(key)}), nil
}

// Put seeds key with doc as if another client had written it.
func (s *Store) Put(key string, doc core.Document, origin string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.docs[key]
	rec.doc = doc.Clone()
	rec.revision++
	rec.origin = origin
	rec.deleted = false
	s.docs[key] = rec
	snap := s.snapshotLocked(key)
	s.hub.Publish(key, snap)
	return snap.Revision
}

// Delete removes key; subscribers see a snapshot with Exists false.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[key]
	if !ok || rec.deleted {
		return
	}
	rec.doc = core.Document{}
	rec.revision++
	rec.origin = ""
	rec.deleted = true
	s.docs[key] = rec
	s.hub.Publish(key, s.snapshotLocked(key))
}

// FailWrites makes every following Write return err until it is called
// with nil.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// DropSubscriptions ends every live subscription on key with err.
func (s *Store) DropSubscriptions(key string, err error) {
	if err == nil {
		err = ErrInjected
	}
	s.hub.Fail(key, err)
}

// Writes counts Write calls, failed ones included.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Subscribers returns the number of live subscriptions on key.
func (s *Store) Subscribers(key string) int {
	return s.hub.Subscribers(key)
}

// Close ends all subscriptions and rejects further calls.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

func (s *Store) snapshotLocked(key string) replica.Snapshot {
	rec, ok := s.docs[key]
	if !ok {
		return replica.Snapshot{}
	}
	if rec.deleted {
		return replica.Snapshot{Revision: rec.revision}
	}
	return replica.Snapshot{Document: rec.doc.Clone(), Exists: true, Revision: rec.revision, Origin: rec.origin}
}
