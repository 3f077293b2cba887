// Package cache is a query-keyed in-memory store for server entities.
// It supports the optimistic-mutation protocol: snapshot-and-apply in
// one step, rollback from an undo entry, stale marking, and
// cancellation of in-flight background refetches.
//
// Values held in the store are treated as immutable: writers replace
// whole values and readers must not mutate what they get back. That
// makes an undo entry an exact image of the pre-mutation state.
package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Key identifies one cached collection: an entity type plus filter
// parameters, e.g. {todos, {status: done, list_id: l1}}.
type Key struct {
	Entity string
	Filter map[string]string
}

// NewKey builds a key. A nil filter means the unfiltered collection.
func NewKey(entity string, filter map[string]string) Key {
	return Key{Entity: entity, Filter: filter}
}

// String returns the canonical form: entity plus sorted filter pairs.
func (k Key) String() string {
	if len(k.Filter) == 0 {
		return k.Entity
	}
	parts := make([]string, 0, len(k.Filter))
	for name, v := range k.Filter {
		parts = append(parts, name+"="+v)
	}
	sort.Strings(parts)
	return k.Entity + "?" + strings.Join(parts, "&")
}

// UndoEntry captures the pre-mutation state of one key. It restores
// only while its write is still the newest one for the key; later
// writes win and are reconciled by the settle-time refetch instead.
type UndoEntry struct {
	ID      string
	Key     Key
	existed bool
	prev    any
	applied uint64
}

type entry struct {
	key       Key
	value     any
	present   bool
	version   uint64
	stale     bool
	fetchedAt time.Time
	cancel    context.CancelFunc
}

// Store holds cache entries keyed by canonical query key. Safe for
// concurrent use.
type Store struct {
	mu         sync.Mutex
	entries    map[string]*entry
	staleAfter time.Duration
	now        func() time.Time
}

// NewStore creates a store whose entries go stale staleAfter their
// last confirmed fetch.
func NewStore(staleAfter time.Duration) *Store {
	return &Store{
		entries:    make(map[string]*entry),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (s *Store) ensureLocked(k Key) *entry {
	id := k.String()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{key: k}
		s.entries[id] = e
	}
	return e
}

// Get returns the cached value for k, stale or not.
func (s *Store) Get(k Key) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k.String()]
	if !ok || !e.present {
		return nil, false
	}
	return e.value, true
}

// Stale reports whether k needs a reconciling refetch: missing,
// explicitly invalidated, or past its freshness window.
func (s *Store) Stale(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k.String()]
	if !ok || !e.present {
		return true
	}
	if e.stale {
		return true
	}
	return s.now().Sub(e.fetchedAt) > s.staleAfter
}

// BeginMutation runs the first two steps of the mutation protocol
// atomically: cancel any in-flight background refetch for k (so a
// stale response cannot clobber the optimistic value), snapshot the
// current state, and write the optimistic value.
func (s *Store) BeginMutation(k Key, optimistic any) UndoEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.ensureLocked(k)
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	undo := UndoEntry{
		ID:      uuid.NewString(),
		Key:     k,
		existed: e.present,
		prev:    e.value,
	}
	e.value = optimistic
	e.present = true
	e.version++
	undo.applied = e.version
	return undo
}

// Rollback restores the snapshot held in undo. It reports false when
// a later write superseded the mutation, in which case the state is
// left alone and the settle-time refetch reconciles it.
func (s *Store) Rollback(undo UndoEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[undo.Key.String()]
	if !ok || e.version != undo.applied {
		return false
	}
	if !undo.existed {
		delete(s.entries, undo.Key.String())
		return true
	}
	e.value = undo.prev
	e.version++
	return true
}

// Invalidate marks k stale so the next read triggers a refetch.
func (s *Store) Invalidate(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k.String()]; ok {
		e.stale = true
	}
}

// InvalidateEntity marks every cached key of the entity stale.
func (s *Store) InvalidateEntity(entity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.key.Entity == entity {
			e.stale = true
		}
	}
}

// Keys returns every cached key for the entity.
func (s *Store) Keys(entity string) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []Key
	for _, e := range s.entries {
		if e.key.Entity == entity {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// StartRefetch registers a background refetch for k and returns the
// context the fetch must run under. A previously registered refetch
// for the same key is cancelled.
func (s *Store) StartRefetch(ctx context.Context, k Key) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.ensureLocked(k)
	if e.cancel != nil {
		e.cancel()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	return fetchCtx
}

// CompleteRefetch installs a server-confirmed value. It reports false
// when the refetch was cancelled mid-flight, in which case the value
// is discarded.
func (s *Store) CompleteRefetch(fetchCtx context.Context, k Key, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fetchCtx.Err() != nil {
		return false
	}
	e := s.ensureLocked(k)
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.value = value
	e.present = true
	e.version++
	e.stale = false
	e.fetchedAt = s.now()
	return true
}

// SetNow overrides the clock (tests).
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
