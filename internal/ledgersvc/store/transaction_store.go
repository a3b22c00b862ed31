package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/catlab/drinks-services/internal/ledgersvc/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CardTx is the per-card transactional view the merger operates on. All of
// its methods run under the card's row lock.
type CardTx interface {
	// Get returns the row at a sync id, or nil when absent.
	Get(syncId int64) (*models.Transaction, error)

	// ByTopupUid returns the row carrying a topup uid, or nil.
	ByTopupUid(topupUid string) (*models.Transaction, error)

	// MaxSyncId returns the highest non-sentinel sync id on the card.
	MaxSyncId() (int64, bool, error)

	// Overflows returns every sentinel row on the card.
	Overflows() ([]*models.Transaction, error)

	Insert(t *models.Transaction) error
	Update(t *models.Transaction) error
}

// TransactionStore is what the merge service needs from persistence.
type TransactionStore interface {
	// InCardTx runs fn under a row-level lock on the card, so concurrent
	// uploads for the same card serialize instead of racing the upsert.
	InCardTx(ctx context.Context, cardUid string, fn func(CardTx) error) error
}

const txColumns = `id, card_uid, sync_id, type, value, COALESCE(order_uid, ''), COALESCE(topup_uid, ''), discount_percentage, has_synced, created_at, updated_at`

type PgTransactionStore struct {
	db *pgxpool.Pool
}

func NewPgTransactionStore(db *pgxpool.Pool) *PgTransactionStore {
	return &PgTransactionStore{db: db}
}

// InCardTx locks the card row FOR UPDATE inside one pg transaction, creating
// the card on first contact, then runs fn.
func (s *PgTransactionStore) InCardTx(ctx context.Context, cardUid string, fn func(CardTx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO cards (uid, organisation_id, order_token_aliases)
		VALUES ($1, 0, '{}')
		ON CONFLICT (uid) DO NOTHING
	`, cardUid)
	if err != nil {
		return err
	}

	var cardID int64
	err = tx.QueryRow(ctx, `SELECT id FROM cards WHERE uid = $1 FOR UPDATE`, cardUid).Scan(&cardID)
	if err != nil {
		return fmt.Errorf("lock card %s: %w", cardUid, err)
	}

	if err := fn(&pgCardTx{tx: tx, cardUid: cardUid}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Pending returns the card's transactions no terminal has applied to the tag
// yet (web topups, or uploads from a slower terminal).
func (s *PgTransactionStore) Pending(ctx context.Context, cardUid string) ([]*models.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE card_uid = $1 AND has_synced = false
		ORDER BY created_at
	`, cardUid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// CreatePendingTopup records a web topup awaiting a terminal. The topup uid
// doubles as an idempotency key: a replayed request returns the existing row.
func (s *PgTransactionStore) CreatePendingTopup(ctx context.Context, cardUid, topupUid string, amount int64) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := s.db.QueryRow(ctx, `
		INSERT INTO transactions (card_uid, type, value, topup_uid, has_synced)
		VALUES ($1, $2, $3, $4, false)
		RETURNING `+txColumns+`
	`, cardUid, models.TransactionTopup, amount, topupUid).Scan(scanDest(t)...)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "unique_topup_uid" {
			return s.byTopupUid(ctx, topupUid)
		}
		return nil, fmt.Errorf("create pending topup: %w", err)
	}
	return t, nil
}

func (s *PgTransactionStore) byTopupUid(ctx context.Context, topupUid string) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := s.db.QueryRow(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE topup_uid = $1
	`, topupUid).Scan(scanDest(t)...)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// LedgerSummary derives the authoritative balance and counter for a card
// from its merged rows. Reset deltas already carry the negated balance, so a
// plain sum reconstructs the post-merge balance; the overflow sentinel is
// excluded.
func (s *PgTransactionStore) LedgerSummary(ctx context.Context, cardUid string) (int64, uint32, error) {
	var balance int64
	var count uint32
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(value), 0), COALESCE(MAX(sync_id), 0)
		FROM transactions
		WHERE card_uid = $1 AND sync_id IS NOT NULL AND sync_id <> $2
	`, cardUid, models.IdOverflow).Scan(&balance, &count)
	if err != nil {
		return 0, 0, err
	}
	return balance, count, nil
}

// MarkAllPending flags every row of a card as not yet applied. Used only by
// the operator rebuild flow.
func (s *PgTransactionStore) MarkAllPending(ctx context.Context, cardUid string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE transactions SET has_synced = false, updated_at = now()
		WHERE card_uid = $1
	`, cardUid)
	return err
}

type pgCardTx struct {
	tx      pgx.Tx
	cardUid string
}

func (c *pgCardTx) Get(syncId int64) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := c.tx.QueryRow(context.Background(), `
		SELECT `+txColumns+`
		FROM transactions
		WHERE card_uid = $1 AND sync_id = $2
	`, c.cardUid, syncId).Scan(scanDest(t)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (c *pgCardTx) ByTopupUid(topupUid string) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := c.tx.QueryRow(context.Background(), `
		SELECT `+txColumns+`
		FROM transactions
		WHERE card_uid = $1 AND topup_uid = $2
	`, c.cardUid, topupUid).Scan(scanDest(t)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (c *pgCardTx) MaxSyncId() (int64, bool, error) {
	var max *int64
	err := c.tx.QueryRow(context.Background(), `
		SELECT MAX(sync_id) FROM transactions
		WHERE card_uid = $1 AND sync_id IS NOT NULL AND sync_id <> $2
	`, c.cardUid, models.IdOverflow).Scan(&max)
	if err != nil {
		return 0, false, err
	}
	if max == nil {
		return 0, false, nil
	}
	return *max, true, nil
}

func (c *pgCardTx) Overflows() ([]*models.Transaction, error) {
	rows, err := c.tx.Query(context.Background(), `
		SELECT `+txColumns+`
		FROM transactions
		WHERE card_uid = $1 AND sync_id = $2
		ORDER BY id
	`, c.cardUid, models.IdOverflow)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (c *pgCardTx) Insert(t *models.Transaction) error {
	err := c.tx.QueryRow(context.Background(), `
		INSERT INTO transactions
			(card_uid, sync_id, type, value, order_uid, topup_uid, discount_percentage, has_synced)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		RETURNING id, created_at, updated_at
	`, t.CardUid, t.SyncId, t.TType, t.Amount, t.OrderUid, t.TopupUid, t.Discount, t.HasSynced).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "unique_card_sync" {
			return fmt.Errorf("duplicate sync id %v on card %s: %w", t.SyncId, t.CardUid, err)
		}
		return err
	}
	return nil
}

func (c *pgCardTx) Update(t *models.Transaction) error {
	_, err := c.tx.Exec(context.Background(), `
		UPDATE transactions
		SET sync_id = $2, type = $3, value = $4, order_uid = NULLIF($5, ''),
		    topup_uid = NULLIF($6, ''), discount_percentage = $7,
		    has_synced = $8, updated_at = now()
		WHERE id = $1
	`, t.ID, t.SyncId, t.TType, t.Amount, t.OrderUid, t.TopupUid, t.Discount, t.HasSynced)
	return err
}

func scanDest(t *models.Transaction) []interface{} {
	return []interface{}{
		&t.ID,
		&t.CardUid,
		&t.SyncId,
		&t.TType,
		&t.Amount,
		&t.OrderUid,
		&t.TopupUid,
		&t.Discount,
		&t.HasSynced,
		&t.CreatedAt,
		&t.UpdatedAt,
	}
}

func scanTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for rows.Next() {
		t := &models.Transaction{}
		if err := rows.Scan(scanDest(t)...); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
