package service

import (
	"context"
	"testing"

	"github.com/catlab/drinks-services/internal/ledgersvc/models"
	"github.com/catlab/drinks-services/internal/ledgersvc/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncId(n int64) *int64 { return &n }

func upload(cardUid string, id int64, ttype models.TransactionType, amount int64) *models.Transaction {
	return &models.Transaction{
		CardUid: cardUid,
		SyncId:  syncId(id),
		TType:   ttype,
		Amount:  amount,
	}
}

func TestMerge(t *testing.T) {
	ctx := context.Background()

	t.Run("uploads land in order and are marked synced", func(t *testing.T) {
		st := store.NewMemoryTransactionStore()
		m := NewMergerService(st)

		_, err := m.Merge(ctx, []*models.Transaction{
			upload("card-1", 1, models.TransactionTopup, 1000),
			upload("card-1", 2, models.TransactionSale, -300),
		})
		require.NoError(t, err)

		rows := st.ByCard("card-1")
		require.Len(t, rows, 2)
		for _, r := range rows {
			assert.True(t, r.HasSynced)
		}

		balance, count, err := st.LedgerSummary(ctx, "card-1")
		require.NoError(t, err)
		assert.Equal(t, int64(700), balance)
		assert.Equal(t, uint32(2), count)
	})

	t.Run("replaying the same upload changes nothing", func(t *testing.T) {
		st := store.NewMemoryTransactionStore()
		m := NewMergerService(st)

		items := []*models.Transaction{
			upload("card-1", 1, models.TransactionTopup, 1000),
			upload("card-1", 2, models.TransactionSale, -300),
		}
		_, err := m.Merge(ctx, items)
		require.NoError(t, err)
		_, err = m.Merge(ctx, []*models.Transaction{
			upload("card-1", 1, models.TransactionTopup, 1000),
			upload("card-1", 2, models.TransactionSale, -300),
		})
		require.NoError(t, err)

		rows := st.ByCard("card-1")
		assert.Len(t, rows, 2)
	})

	t.Run("missing sync id is rejected outright", func(t *testing.T) {
		m := NewMergerService(store.NewMemoryTransactionStore())
		_, err := m.Merge(ctx, []*models.Transaction{
			{CardUid: "card-1", TType: models.TransactionSale, Amount: -100},
		})
		assert.Error(t, err)
	})

	t.Run("gaps are reserved with placeholders", func(t *testing.T) {
		st := store.NewMemoryTransactionStore()
		m := NewMergerService(st)

		// a fast terminal uploads sync 4 before the slow one reports 2 and 3
		_, err := m.Merge(ctx, []*models.Transaction{
			upload("card-1", 1, models.TransactionTopup, 1000),
			upload("card-1", 4, models.TransactionSale, -100),
		})
		require.NoError(t, err)

		rows := st.ByCard("card-1")
		require.Len(t, rows, 4)
		placeholders := 0
		for _, r := range rows {
			if r.TType == models.TransactionUnknown {
				placeholders++
				assert.Zero(t, r.Amount)
			}
		}
		assert.Equal(t, 2, placeholders)
	})

	t.Run("late upload fills its placeholder", func(t *testing.T) {
		st := store.NewMemoryTransactionStore()
		m := NewMergerService(st)

		_, err := m.Merge(ctx, []*models.Transaction{
			upload("card-1", 1, models.TransactionTopup, 1000),
			upload("card-1", 3, models.TransactionSale, -100),
		})
		require.NoError(t, err)

		merged, err := m.Merge(ctx, []*models.Transaction{
			upload("card-1", 2, models.TransactionSale, -250),
		})
		require.NoError(t, err)
		require.Len(t, merged, 1)
		assert.Equal(t, models.TransactionSale, merged[0].TType)
		assert.Equal(t, int64(-250), merged[0].Amount)

		// still exactly three rows, no duplicate for sync 2
		rows := st.ByCard("card-1")
		assert.Len(t, rows, 3)

		balance, _, err := st.LedgerSummary(ctx, "card-1")
		require.NoError(t, err)
		assert.Equal(t, int64(650), balance)
	})

	t.Run("conflicting finalized rows abort the merge", func(t *testing.T) {
		st := store.NewMemoryTransactionStore()
		m := NewMergerService(st)

		_, err := m.Merge(ctx, []*models.Transaction{
			upload("card-1", 1, models.TransactionSale, -100),
		})
		require.NoError(t, err)

		_, err = m.Merge(ctx, []*models.Transaction{
			upload("card-1", 1, models.TransactionSale, -999),
		})
		assert.ErrorIs(t, err, ErrTransactionMergeConflict)

		_, err = m.Merge(ctx, []*models.Transaction{
			upload("card-1", 1, models.TransactionTopup, -100),
		})
		assert.ErrorIs(t, err, ErrTransactionMergeConflict)
	})

	t.Run("web topup row adopts the terminal's sync id", func(t *testing.T) {
		st := store.NewMemoryTransactionStore()
		m := NewMergerService(st)

		pending, err := st.CreatePendingTopup(ctx, "card-1", "topup-1", 500)
		require.NoError(t, err)
		require.Nil(t, pending.SyncId)

		item := upload("card-1", 1, models.TransactionTopup, 500)
		item.TopupUid = "topup-1"
		merged, err := m.Merge(ctx, []*models.Transaction{item})
		require.NoError(t, err)
		require.Len(t, merged, 1)
		assert.Equal(t, pending.ID, merged[0].ID)
		require.NotNil(t, merged[0].SyncId)
		assert.Equal(t, int64(1), *merged[0].SyncId)

		// no second row was created
		rows := st.ByCard("card-1")
		assert.Len(t, rows, 1)
		assert.True(t, rows[0].HasSynced)
	})

	t.Run("topup adoption with a different value is a conflict", func(t *testing.T) {
		st := store.NewMemoryTransactionStore()
		m := NewMergerService(st)

		_, err := st.CreatePendingTopup(ctx, "card-1", "topup-1", 500)
		require.NoError(t, err)

		item := upload("card-1", 1, models.TransactionTopup, 900)
		item.TopupUid = "topup-1"
		_, err = m.Merge(ctx, []*models.Transaction{item})
		assert.ErrorIs(t, err, ErrTransactionMergeConflict)
	})

	t.Run("overflow rows dedupe on content", func(t *testing.T) {
		st := store.NewMemoryTransactionStore()
		m := NewMergerService(st)

		over := upload("card-1", models.IdOverflow, models.TransactionSale, -100)
		over.OrderUid = "order-1"

		_, err := m.Merge(ctx, []*models.Transaction{over})
		require.NoError(t, err)

		// same type and value but another order is a distinct event
		_, err = m.Merge(ctx, []*models.Transaction{
			upload("card-1", models.IdOverflow, models.TransactionSale, -100),
		})
		require.NoError(t, err)

		// replaying the first one changes nothing
		replay := upload("card-1", models.IdOverflow, models.TransactionSale, -100)
		replay.OrderUid = "order-1"
		_, err = m.Merge(ctx, []*models.Transaction{replay})
		require.NoError(t, err)

		overflows := 0
		for _, r := range st.ByCard("card-1") {
			if r.SyncId != nil && *r.SyncId == models.IdOverflow {
				overflows++
			}
		}
		assert.Equal(t, 2, overflows)

		// the sentinel never counts towards balance or counter
		balance, count, err := st.LedgerSummary(ctx, "card-1")
		require.NoError(t, err)
		assert.Zero(t, balance)
		assert.Zero(t, count)
	})

	t.Run("cards merge independently", func(t *testing.T) {
		st := store.NewMemoryTransactionStore()
		m := NewMergerService(st)

		_, err := m.Merge(ctx, []*models.Transaction{
			upload("card-1", 1, models.TransactionTopup, 1000),
			upload("card-2", 1, models.TransactionTopup, 200),
			upload("card-1", 2, models.TransactionSale, -300),
		})
		require.NoError(t, err)

		b1, _, err := st.LedgerSummary(ctx, "card-1")
		require.NoError(t, err)
		b2, _, err := st.LedgerSummary(ctx, "card-2")
		require.NoError(t, err)
		assert.Equal(t, int64(700), b1)
		assert.Equal(t, int64(200), b2)
	})
}
