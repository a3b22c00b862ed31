package store

import (
	"context"
	"sync"
	"time"

	"github.com/catlab/drinks-services/internal/ledgersvc/models"
)

// MemoryTransactionStore is an in-process TransactionStore. It backs tests
// and keeps the merge service runnable without postgres.
type MemoryTransactionStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string][]*models.Transaction // by card uid
}

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{rows: make(map[string][]*models.Transaction)}
}

func (s *MemoryTransactionStore) InCardTx(_ context.Context, cardUid string, fn func(CardTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memCardTx{store: s, cardUid: cardUid})
}

// ByCard returns a snapshot of a card's rows, for assertions.
func (s *MemoryTransactionStore) ByCard(cardUid string) []*models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Transaction, 0, len(s.rows[cardUid]))
	for _, t := range s.rows[cardUid] {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

func (s *MemoryTransactionStore) Pending(_ context.Context, cardUid string) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Transaction
	for _, t := range s.rows[cardUid] {
		if !t.HasSynced {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryTransactionStore) CreatePendingTopup(_ context.Context, cardUid, topupUid string, amount int64) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.rows[cardUid] {
		if t.TopupUid == topupUid {
			cp := *t
			return &cp, nil
		}
	}
	s.nextID++
	t := &models.Transaction{
		ID:        s.nextID,
		CardUid:   cardUid,
		TType:     models.TransactionTopup,
		Amount:    amount,
		TopupUid:  topupUid,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.rows[cardUid] = append(s.rows[cardUid], t)
	cp := *t
	return &cp, nil
}

func (s *MemoryTransactionStore) LedgerSummary(_ context.Context, cardUid string) (int64, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var balance int64
	var count int64
	for _, t := range s.rows[cardUid] {
		if t.SyncId == nil || *t.SyncId == models.IdOverflow {
			continue
		}
		balance += t.Amount
		if *t.SyncId > count {
			count = *t.SyncId
		}
	}
	return balance, uint32(count), nil
}

func (s *MemoryTransactionStore) MarkAllPending(_ context.Context, cardUid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.rows[cardUid] {
		t.HasSynced = false
	}
	return nil
}

type memCardTx struct {
	store   *MemoryTransactionStore
	cardUid string
}

func (c *memCardTx) Get(syncId int64) (*models.Transaction, error) {
	for _, t := range c.store.rows[c.cardUid] {
		if t.SyncId != nil && *t.SyncId == syncId {
			return t, nil
		}
	}
	return nil, nil
}

func (c *memCardTx) ByTopupUid(topupUid string) (*models.Transaction, error) {
	if topupUid == "" {
		return nil, nil
	}
	for _, t := range c.store.rows[c.cardUid] {
		if t.TopupUid == topupUid {
			return t, nil
		}
	}
	return nil, nil
}

func (c *memCardTx) MaxSyncId() (int64, bool, error) {
	var max int64
	found := false
	for _, t := range c.store.rows[c.cardUid] {
		if t.SyncId == nil || *t.SyncId == models.IdOverflow {
			continue
		}
		if !found || *t.SyncId > max {
			max = *t.SyncId
			found = true
		}
	}
	return max, found, nil
}

func (c *memCardTx) Overflows() ([]*models.Transaction, error) {
	var out []*models.Transaction
	for _, t := range c.store.rows[c.cardUid] {
		if t.SyncId != nil && *t.SyncId == models.IdOverflow {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *memCardTx) Insert(t *models.Transaction) error {
	c.store.nextID++
	t.ID = c.store.nextID
	t.CreatedAt = time.Now()
	t.UpdatedAt = time.Now()
	cp := *t
	c.store.rows[c.cardUid] = append(c.store.rows[c.cardUid], &cp)
	return nil
}

func (c *memCardTx) Update(t *models.Transaction) error {
	for i, row := range c.store.rows[c.cardUid] {
		if row.ID == t.ID {
			t.UpdatedAt = time.Now()
			cp := *t
			c.store.rows[c.cardUid][i] = &cp
			return nil
		}
	}
	return nil
}
