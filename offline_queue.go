package fasq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OfflineQueueManager is a durable FIFO queue of mutation attempts made
// while offline, replayed when connectivity returns. Every change persists
// through the configured QueueStore and publishes a snapshot of the entry
// list to subscribers.
type OfflineQueueManager struct {
	mu          sync.Mutex
	store       QueueStore
	entries     []OfflineMutation
	subscribers map[int]chan []OfflineMutation
	nextSubID   int
	metrics     *MetricsCollector
	logger      Logger
	newID       func() string
	now         func() time.Time
}

// NewOfflineQueueManager creates a queue backed by store.
func NewOfflineQueueManager(store QueueStore) *OfflineQueueManager {
	return &OfflineQueueManager{
		store:       store,
		subscribers: make(map[int]chan []OfflineMutation),
		newID:       func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// Enqueue appends a mutation with a fresh unique id and zero attempts,
// persists the queue and publishes the updated entry list.
func (m *OfflineQueueManager) Enqueue(ctx context.Context, key QueryKey, mutationType string, variables any) (OfflineMutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := OfflineMutation{
		ID:           m.newID(),
		Key:          key,
		MutationType: mutationType,
		Variables:    variables,
		CreatedAt:    m.now(),
	}
	m.entries = append(m.entries, entry)
	if err := m.persistLocked(ctx); err != nil {
		m.entries = m.entries[:len(m.entries)-1]
		return OfflineMutation{}, err
	}
	m.publishLocked()
	return entry, nil
}

// Remove deletes the entry with id, persists and publishes. Unknown ids
// are a no-op.
func (m *OfflineQueueManager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, entry := range m.entries {
		if entry.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			if err := m.persistLocked(ctx); err != nil {
				return err
			}
			m.publishLocked()
			return nil
		}
	}
	return nil
}

// Clear drops all entries, persists and publishes.
func (m *OfflineQueueManager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	if err := m.persistLocked(ctx); err != nil {
		return err
	}
	m.publishLocked()
	return nil
}

// Load repopulates in-memory state from the durable store, e.g. after a
// process restart.
func (m *OfflineQueueManager) Load(ctx context.Context) error {
	entries, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.metrics.SetOfflineQueueDepth(len(m.entries))
	m.publishLocked()
	return nil
}

// Entries returns a copy of the queued mutations in FIFO order.
func (m *OfflineQueueManager) Entries() []OfflineMutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OfflineMutation(nil), m.entries...)
}

// Len returns the number of queued mutations.
func (m *OfflineQueueManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Subscribe returns a channel delivering entry-list snapshots plus an
// unsubscribe func. One snapshot is published per queue change.
func (m *OfflineQueueManager) Subscribe() (<-chan []OfflineMutation, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan []OfflineMutation, 16)
	m.subscribers[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(ch)
		}
	}
}

// Replay attempts each queued mutation in FIFO order. A successful handler
// call removes the entry; a failure increments its attempt count, records
// the error and leaves it queued for the next online transition. The first
// handler error is returned after the full pass.
func (m *OfflineQueueManager) Replay(ctx context.Context, handler MutationHandler) error {
	snapshot := m.Entries()
	var firstErr error

	for _, entry := range snapshot {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}

		err := handler(ctx, entry)
		m.metrics.RecordOfflineReplay(err == nil)
		if err == nil {
			if removeErr := m.Remove(ctx, entry.ID); removeErr != nil && firstErr == nil {
				firstErr = removeErr
			}
			continue
		}

		if m.logger != nil {
			m.logger.Warn("offline mutation replay failed", "id", entry.ID, "type", entry.MutationType, "err", err)
		}
		m.recordFailure(ctx, entry.ID, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// recordFailure bumps the attempt counter and stores the error text on the
// queued entry.
func (m *OfflineQueueManager) recordFailure(ctx context.Context, id string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == id {
			m.entries[i].Attempts++
			m.entries[i].LastError = cause.Error()
			_ = m.persistLocked(ctx)
			m.publishLocked()
			return
		}
	}
}

// persistLocked saves the current entry list. Caller holds the lock.
func (m *OfflineQueueManager) persistLocked(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Save(ctx, append([]OfflineMutation(nil), m.entries...))
}

// publishLocked sends a snapshot to every subscriber. Caller holds the lock.
func (m *OfflineQueueManager) publishLocked() {
	m.metrics.SetOfflineQueueDepth(len(m.entries))
	snapshot := append([]OfflineMutation(nil), m.entries...)
	for _, ch := range m.subscribers {
		publish(ch, snapshot)
	}
}

// MemoryQueueStore is an in-memory QueueStore, the default when no durable
// backend is configured and the store used in tests.
type MemoryQueueStore struct {
	mu      sync.Mutex
	entries []OfflineMutation
}

// NewMemoryQueueStore creates an empty in-memory store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{}
}

// Save replaces the stored entry list.
func (s *MemoryQueueStore) Save(_ context.Context, entries []OfflineMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]OfflineMutation(nil), entries...)
	return nil
}

// Load returns the stored entry list.
func (s *MemoryQueueStore) Load(_ context.Context) ([]OfflineMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OfflineMutation(nil), s.entries...), nil
}

// NetworkStatus tracks connectivity as an observable boolean, deduplicating
// consecutive identical values before publishing. A network collaborator
// calls SetOnline; replay wiring subscribes for false→true transitions.
type NetworkStatus struct {
	mu          sync.Mutex
	online      bool
	subscribers map[int]chan bool
	nextSubID   int
}

// NewNetworkStatus creates a tracker with the given initial state.
func NewNetworkStatus(online bool) *NetworkStatus {
	return &NetworkStatus{
		online:      online,
		subscribers: make(map[int]chan bool),
	}
}

// IsOnline returns the current connectivity state.
func (n *NetworkStatus) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// SetOnline updates connectivity. Consecutive identical values are
// deduplicated: subscribers see only transitions.
func (n *NetworkStatus) SetOnline(online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.online == online {
		return
	}
	n.online = online
	for _, ch := range n.subscribers {
		publish(ch, online)
	}
}

// Subscribe returns a channel of connectivity transitions plus an
// unsubscribe func.
func (n *NetworkStatus) Subscribe() (<-chan bool, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextSubID
	n.nextSubID++
	ch := make(chan bool, 4)
	n.subscribers[id] = ch
	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.subscribers[id]; ok {
			delete(n.subscribers, id)
			close(ch)
		}
	}
}
