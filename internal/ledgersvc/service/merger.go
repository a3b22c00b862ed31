package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/catlab/drinks-services/internal/ledgersvc/models"
	"github.com/catlab/drinks-services/internal/ledgersvc/store"

	log "github.com/sirupsen/logrus"
)

// ErrTransactionMergeConflict means two finalized uploads disagree about the
// same (card, sync id) pair. That is a data-integrity bug and is never
// resolved silently.
var ErrTransactionMergeConflict = errors.New("transaction merge conflict")

// MergerService reconciles transactions uploaded by any number of terminals
// into one ledger per card. Merging is idempotent and order-insensitive.
type MergerService struct {
	txStore store.TransactionStore
}

func NewMergerService(txStore store.TransactionStore) *MergerService {
	return &MergerService{txStore: txStore}
}

// Merge upserts the uploaded transactions keyed by (card, sync id) and
// returns the authoritative post-merge rows in input order.
func (s *MergerService) Merge(ctx context.Context, items []*models.Transaction) ([]*models.Transaction, error) {
	byCard := make(map[string][]*models.Transaction)
	var cards []string
	for _, item := range items {
		if item.SyncId == nil {
			return nil, fmt.Errorf("uploaded transaction for card %s has no sync id", item.CardUid)
		}
		if _, seen := byCard[item.CardUid]; !seen {
			cards = append(cards, item.CardUid)
		}
		byCard[item.CardUid] = append(byCard[item.CardUid], item)
	}

	merged := make(map[*models.Transaction]*models.Transaction, len(items))
	for _, cardUid := range cards {
		group := byCard[cardUid]
		sort.SliceStable(group, func(i, j int) bool {
			return *group[i].SyncId < *group[j].SyncId
		})

		err := s.txStore.InCardTx(ctx, cardUid, func(tx store.CardTx) error {
			for _, item := range group {
				row, err := s.mergeOne(tx, item)
				if err != nil {
					return err
				}
				merged[item] = row
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]*models.Transaction, 0, len(items))
	for _, item := range items {
		out = append(out, merged[item])
	}
	return out, nil
}

func (s *MergerService) mergeOne(tx store.CardTx, item *models.Transaction) (*models.Transaction, error) {
	syncId := *item.SyncId

	if syncId == models.IdOverflow {
		return s.mergeOverflow(tx, item)
	}

	existing, err := tx.Get(syncId)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		// a web topup the terminal just applied gets its sync id here
		if item.TopupUid != "" {
			pending, err := tx.ByTopupUid(item.TopupUid)
			if err != nil {
				return nil, err
			}
			if pending != nil && pending.SyncId == nil {
				return s.adoptPending(tx, pending, item)
			}
		}

		if err := s.fillGaps(tx, item.CardUid, syncId); err != nil {
			return nil, err
		}

		row := *item
		row.HasSynced = true
		if err := tx.Insert(&row); err != nil {
			return nil, err
		}
		return &row, nil
	}

	if existing.TType == models.TransactionUnknown {
		// placeholders are mutable reservations
		existing.TType = item.TType
		existing.Amount = item.Amount
		existing.OrderUid = item.OrderUid
		existing.TopupUid = item.TopupUid
		existing.Discount = item.Discount
		existing.HasSynced = true
		if err := tx.Update(existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	// finalized rows are immutable: a replay must match exactly
	if existing.TType != item.TType || existing.Amount != item.Amount {
		return nil, fmt.Errorf("%w: card %s sync %d has %s/%d, upload says %s/%d",
			ErrTransactionMergeConflict, item.CardUid, syncId,
			existing.TType, existing.Amount, item.TType, item.Amount)
	}
	if !existing.HasSynced {
		existing.HasSynced = true
		if err := tx.Update(existing); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// adoptPending assigns the terminal-chosen sync id to a server-created topup
// row instead of duplicating it.
func (s *MergerService) adoptPending(tx store.CardTx, pending, item *models.Transaction) (*models.Transaction, error) {
	if pending.Amount != item.Amount {
		return nil, fmt.Errorf("%w: topup %s has value %d, upload says %d",
			ErrTransactionMergeConflict, item.TopupUid, pending.Amount, item.Amount)
	}
	if err := s.fillGaps(tx, item.CardUid, *item.SyncId); err != nil {
		return nil, err
	}
	pending.SyncId = item.SyncId
	pending.HasSynced = true
	if err := tx.Update(pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// fillGaps inserts zero-effect unknown placeholders so the card's sync id
// sequence stays contiguous. A slower terminal's late upload merges into the
// placeholder instead of creating ambiguity.
func (s *MergerService) fillGaps(tx store.CardTx, cardUid string, upTo int64) error {
	max, ok, err := tx.MaxSyncId()
	if err != nil {
		return err
	}
	next := int64(1)
	if ok {
		next = max + 1
	}
	for n := next; n < upTo; n++ {
		id := n
		placeholder := &models.Transaction{
			CardUid: cardUid,
			SyncId:  &id,
			TType:   models.TransactionUnknown,
			Amount:  0,
		}
		if err := tx.Insert(placeholder); err != nil {
			return err
		}
		log.Debugf("filled sync gap %d on card %s", n, cardUid)
	}
	return nil
}

// mergeOverflow records a counter-wrap event. The sentinel id is shared by
// every overflow on a card, so idempotency is judged on content instead.
func (s *MergerService) mergeOverflow(tx store.CardTx, item *models.Transaction) (*models.Transaction, error) {
	existing, err := tx.Overflows()
	if err != nil {
		return nil, err
	}
	for _, row := range existing {
		if row.TType == item.TType && row.Amount == item.Amount && row.OrderUid == item.OrderUid {
			return row, nil
		}
	}
	row := *item
	row.HasSynced = true
	if err := tx.Insert(&row); err != nil {
		return nil, err
	}
	return &row, nil
}
