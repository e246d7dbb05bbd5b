package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wakala/checkoutd/internal/domain"
)

// MemoryPendingStore is a process-local PendingStore. It does not survive a
// restart.
type MemoryPendingStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	now     func() time.Time
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{
		records: make(map[string][]byte),
		now:     time.Now,
	}
}

func (s *MemoryPendingStore) Save(_ context.Context, session *domain.PaymentSession) error {
	data, err := encodePending(session)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[session.BuyerKey] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryPendingStore) Load(ctx context.Context, buyerKey string) (*domain.PaymentSession, error) {
	s.mu.RLock()
	data, ok := s.records[buyerKey]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	session, err := decodePending(buyerKey, data)
	if err != nil || session.Expired(s.now()) {
		return nil, s.Clear(ctx, buyerKey)
	}
	return session, nil
}

func (s *MemoryPendingStore) Clear(_ context.Context, buyerKey string) error {
	s.mu.Lock()
	delete(s.records, buyerKey)
	s.mu.Unlock()
	return nil
}

func (s *MemoryPendingStore) ListKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
