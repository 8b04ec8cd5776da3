package tests

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tripsync/internal/domain"
	"tripsync/internal/kv"
	"tripsync/internal/queue"
	"tripsync/internal/service"
)

var _ queue.Lease = (*MockFlushLocker)(nil)

// ──────────────────────────────────────────────
// FAULTY STORE
// ──────────────────────────────────────────────

// FaultyStore wraps a MemoryStore with error injection and call counters.
type FaultyStore struct {
	*kv.MemoryStore

	mu            sync.RWMutex
	getError      error
	setError      error
	multiSetError error

	// Counters for verification
	GetCallCount      int32
	SetCallCount      int32
	MultiSetCallCount int32
}

// NewFaultyStore creates a FaultyStore over an empty MemoryStore.
func NewFaultyStore() *FaultyStore {
	return &FaultyStore{MemoryStore: kv.NewMemoryStore()}
}

// FailGet makes every Get return err. nil clears it.
func (s *FaultyStore) FailGet(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getError = err
}

// FailSet makes every Set return err. nil clears it.
func (s *FaultyStore) FailSet(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setError = err
}

// FailMultiSet makes every MultiSet return err. nil clears it.
func (s *FaultyStore) FailMultiSet(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multiSetError = err
}

func (s *FaultyStore) Get(ctx context.Context, key string) ([]byte, error) {
	atomic.AddInt32(&s.GetCallCount, 1)
	s.mu.RLock()
	err := s.getError
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *FaultyStore) Set(ctx context.Context, key string, value []byte) error {
	atomic.AddInt32(&s.SetCallCount, 1)
	s.mu.RLock()
	err := s.setError
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func (s *FaultyStore) MultiSet(ctx context.Context, pairs []kv.Pair) error {
	atomic.AddInt32(&s.MultiSetCallCount, 1)
	s.mu.RLock()
	err := s.multiSetError
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.MultiSet(ctx, pairs)
}

// ──────────────────────────────────────────────
// RECORDING PUBLISHER
// ──────────────────────────────────────────────

// RecordingPublisher keeps every published event.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event

	// Error injection
	PublishError error
}

// NewRecordingPublisher creates a new RecordingPublisher.
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

func (p *RecordingPublisher) Publish(ctx context.Context, event domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.PublishError
}

// Count returns how many events of type t were published.
func (p *RecordingPublisher) Count(t domain.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// ──────────────────────────────────────────────
// MOCK FLUSH LOCKER
// ──────────────────────────────────────────────

// MockFlushLocker is an in-memory queue.Lease.
type MockFlushLocker struct {
	mu   sync.Mutex
	held map[string]bool

	AcquireCallCount int32
	ReleaseCallCount int32
}

// NewMockFlushLocker creates a new MockFlushLocker.
func NewMockFlushLocker() *MockFlushLocker {
	return &MockFlushLocker{held: make(map[string]bool)}
}

// Hold marks name as held by someone else.
func (m *MockFlushLocker) Hold(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[name] = true
}

func (m *MockFlushLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	atomic.AddInt32(&m.AcquireCallCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[name] {
		return false, nil
	}
	m.held[name] = true
	return true, nil
}

func (m *MockFlushLocker) Release(ctx context.Context, name string) error {
	atomic.AddInt32(&m.ReleaseCallCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, name)
	return nil
}

// ──────────────────────────────────────────────
// INSTRUMENTED QUEUE
// ──────────────────────────────────────────────

// InstrumentedQueue wraps an ActionQueue, counting flushes and tracking how
// many run at once. When Gate is set, Flush waits for it to close.
type InstrumentedQueue struct {
	service.ActionQueue

	Gate chan struct{}

	FlushCallCount int32
	inFlight       int32
	MaxInFlight    int32
}

func (q *InstrumentedQueue) Flush(ctx context.Context) (queue.FlushResult, error) {
	atomic.AddInt32(&q.FlushCallCount, 1)
	n := atomic.AddInt32(&q.inFlight, 1)
	defer atomic.AddInt32(&q.inFlight, -1)

	for {
		max := atomic.LoadInt32(&q.MaxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&q.MaxInFlight, max, n) {
			break
		}
	}

	if q.Gate != nil {
		<-q.Gate
	}
	return q.ActionQueue.Flush(ctx)
}

// Flushes returns the number of Flush calls so far.
func (q *InstrumentedQueue) Flushes() int32 {
	return atomic.LoadInt32(&q.FlushCallCount)
}
