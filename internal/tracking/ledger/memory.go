package ledger

import (
	"context"
	"sync"
	"time"

	"pixtrack/internal/tracking/fsm"
)

// MemoryStore keeps transactions in process memory.
type MemoryStore struct {
	mu  sync.Mutex
	txs map[string]Transaction
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]Transaction)}
}

func (s *MemoryStore) Create(ctx context.Context, tx Transaction) (Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.txs[tx.ID]; ok {
		return existing, false, nil
	}
	s.txs[tx.ID] = tx
	return tx, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return tx, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, to Status, at time.Time) (Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return Transaction{}, false, ErrNotFound
	}
	if !fsm.Advances(tx.Status, to) {
		return tx, false, nil
	}
	tx.Status = to
	tx.UpdatedAt = at
	s.txs[id] = tx
	return tx, true, nil
}

func (s *MemoryStore) FindActive(ctx context.Context, userID, plan string, since time.Time) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  Transaction
		found bool
	)
	for _, tx := range s.txs {
		if tx.UserID != userID || tx.Plan != plan || fsm.IsTerminal(tx.Status) {
			continue
		}
		if tx.CreatedAt.Before(since) {
			continue
		}
		if !found || tx.CreatedAt.After(best.CreatedAt) {
			best, found = tx, true
		}
	}
	if !found {
		return Transaction{}, ErrNotFound
	}
	return best, nil
}

func (s *MemoryStore) ExpireStale(ctx context.Context, before, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, tx := range s.txs {
		if fsm.IsTerminal(tx.Status) || !tx.CreatedAt.Before(before) {
			continue
		}
		tx.Status = fsm.StatusExpired
		tx.UpdatedAt = at
		s.txs[id] = tx
		n++
	}
	return n, nil
}
