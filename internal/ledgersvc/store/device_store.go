package store

import (
	"context"
	"errors"

	"github.com/catlab/drinks-services/internal/ledgersvc/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DeviceStore struct {
	db *pgxpool.Pool
}

func NewDeviceStore(db *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{db: db}
}

const deviceColumns = `id, uid, organisation_id, COALESCE(public_key, ''), approved_at, created_at, updated_at`

// Register stores or rotates a device's public key. Rotation drops any
// earlier approval: the new key is inert until approved again.
func (s *DeviceStore) Register(ctx context.Context, uid string, organisationID int64, publicKey string) (*models.Device, error) {
	d := &models.Device{}
	err := s.db.QueryRow(ctx, `
		INSERT INTO devices (uid, organisation_id, public_key, approved_at)
		VALUES ($1, $2, $3, NULL)
		ON CONFLICT (uid) DO UPDATE
		SET public_key = EXCLUDED.public_key, approved_at = NULL, updated_at = now()
		RETURNING `+deviceColumns+`
	`, uid, organisationID, publicKey).Scan(deviceDest(d)...)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *DeviceStore) GetByUid(ctx context.Context, uid string) (*models.Device, error) {
	d := &models.Device{}
	err := s.db.QueryRow(ctx, `
		SELECT `+deviceColumns+` FROM devices WHERE uid = $1
	`, uid).Scan(deviceDest(d)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

// Approve grants the administrative trust gate for a device key.
func (s *DeviceStore) Approve(ctx context.Context, uid string) (*models.Device, error) {
	d := &models.Device{}
	err := s.db.QueryRow(ctx, `
		UPDATE devices SET approved_at = now(), updated_at = now()
		WHERE uid = $1
		RETURNING `+deviceColumns+`
	`, uid).Scan(deviceDest(d)...)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ApprovedKeys lists the usable verification keys of one organisation.
func (s *DeviceStore) ApprovedKeys(ctx context.Context, organisationID int64) ([]*models.Device, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE organisation_id = $1 AND approved_at IS NOT NULL
		ORDER BY id
	`, organisationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		d := &models.Device{}
		if err := rows.Scan(deviceDest(d)...); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func deviceDest(d *models.Device) []interface{} {
	return []interface{}{
		&d.ID,
		&d.Uid,
		&d.OrganisationID,
		&d.PublicKey,
		&d.ApprovedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	}
}
