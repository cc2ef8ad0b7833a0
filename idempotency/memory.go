package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Option func(*InMemoryStore)

func WithClock(c clock.Clock) Option {
	return func(s *InMemoryStore) { s.clock = c }
}

// InMemoryStore is a simple in-memory implementation of Store. Records are
// copied in and out so callers never share them.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	clock   clock.Clock

	// TTL for records (0 means no expiration)
	ttl time.Duration

	// stopChan is used to signal the cleanup goroutine to stop
	stopChan chan struct{}
	// stopped indicates if the store has been stopped
	stopped bool
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new in-memory idempotency store
func NewInMemoryStore(ttl time.Duration, opts ...Option) *InMemoryStore {
	store := &InMemoryStore{
		records:  make(map[string]*Record),
		clock:    clock.New(),
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(store)
	}

	// Start cleanup goroutine if TTL is set
	if ttl > 0 {
		ticker := store.clock.Ticker(ttl)
		go store.cleanupLoop(ticker)
	}

	return store
}

// Stop stops the cleanup goroutine. Should be called when the store is no longer needed
// to prevent goroutine leaks.
func (s *InMemoryStore) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
	}
}

func (s *InMemoryStore) expired(r *Record, now time.Time) bool {
	return s.ttl > 0 && now.Sub(r.CreatedAt) > s.ttl
}

// Get retrieves an existing record by key
func (s *InMemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[key]
	if !exists || s.expired(record, s.clock.Now()) {
		return nil, ErrKeyNotFound
	}
	return record.clone(), nil
}

// Create creates a new record, returning error if key already exists
func (s *InMemoryStore) Create(_ context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if existing, exists := s.records[key]; exists && !s.expired(existing, now) {
		return existing.clone(), ErrDuplicateKey
	}

	record := &Record{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[key] = record
	return record.clone(), nil
}

// Update updates an existing record
func (s *InMemoryStore) Update(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.Key]; !exists {
		return ErrKeyNotFound
	}

	record.UpdatedAt = s.clock.Now()
	s.records[record.Key] = record.clone()
	return nil
}

// Delete removes a record by key
func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

// cleanupLoop periodically removes expired records
func (s *InMemoryStore) cleanupLoop(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired records
func (s *InMemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for key, record := range s.records {
		if s.expired(record, now) {
			delete(s.records, key)
		}
	}
}

// Size returns the number of records in the store
func (s *InMemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
