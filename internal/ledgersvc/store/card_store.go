package store

import (
	"context"

	"github.com/catlab/drinks-services/internal/ledgersvc/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

type CardStore struct {
	db *pgxpool.Pool
}

func NewCardStore(db *pgxpool.Pool) *CardStore {
	return &CardStore{db: db}
}

// GetOrCreateByUid resolves a card row for a tag uid, creating it on first
// contact. Terminals may see a physical tag before the server ever did.
func (s *CardStore) GetOrCreateByUid(ctx context.Context, uid string, organisationID int64) (*models.Card, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cards (uid, organisation_id, order_token_aliases)
		VALUES ($1, $2, '{}')
		ON CONFLICT (uid) DO NOTHING
	`, uid, organisationID)
	if err != nil {
		return nil, err
	}

	card := &models.Card{}
	err = s.db.QueryRow(ctx, `
		SELECT id, uid, organisation_id, order_token_aliases, created_at, updated_at
		FROM cards
		WHERE uid = $1
	`, uid).Scan(
		&card.ID,
		&card.Uid,
		&card.OrganisationID,
		&card.OrderTokenAliases,
		&card.CreatedAt,
		&card.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (s *CardStore) GetByID(ctx context.Context, id int64) (*models.Card, error) {
	card := &models.Card{}
	err := s.db.QueryRow(ctx, `
		SELECT id, uid, organisation_id, order_token_aliases, created_at, updated_at
		FROM cards
		WHERE id = $1
	`, id).Scan(
		&card.ID,
		&card.Uid,
		&card.OrganisationID,
		&card.OrderTokenAliases,
		&card.CreatedAt,
		&card.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (s *CardStore) SaveAliases(ctx context.Context, id int64, aliases []string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE cards
		SET order_token_aliases = $2, updated_at = now()
		WHERE id = $1
	`, id, aliases)
	return err
}
