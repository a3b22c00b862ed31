package models

import "time"

type TransactionType string

const (
	TransactionSale     TransactionType = "sale"
	TransactionTopup    TransactionType = "topup"
	TransactionRefund   TransactionType = "refund"
	TransactionReset    TransactionType = "reset"
	TransactionReversal TransactionType = "reversal"
	TransactionUnknown  TransactionType = "unknown"
	TransactionOverflow TransactionType = "overflow"
)

// IdOverflow marks counter-wrap/reset events. Rows carrying it are excluded
// from the per-card contiguity invariant.
const IdOverflow int64 = -1

// Transaction is one ledger row. SyncId is the card's transaction counter at
// the moment the delta was applied and is unique per card; it is nil for
// server-created topups no terminal has applied yet.
type Transaction struct {
	ID        int64           `json:"id"`
	CardUid   string          `json:"card_uid"`
	SyncId    *int64          `json:"card_sync_id"`
	TType     TransactionType `json:"type"`
	Amount    int64           `json:"value"`
	OrderUid  string          `json:"order_uid,omitempty"`
	TopupUid  string          `json:"topup_uid,omitempty"`
	Discount  *int            `json:"discount_percentage,omitempty"`
	HasSynced bool            `json:"has_synced"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Card struct {
	ID                int64     `json:"id"`
	Uid               string    `json:"uid"`
	OrganisationID    int64     `json:"organisation_id"`
	OrderTokenAliases []string  `json:"orderTokenAliases"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Device is a terminal's registered identity. A device signs tags only after
// an administrator approves its public key.
type Device struct {
	ID             int64      `json:"id"`
	Uid            string     `json:"uid"`
	OrganisationID int64      `json:"organisation_id"`
	PublicKey      string     `json:"public_key"`
	ApprovedAt     *time.Time `json:"approved_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Status reports the approval state observed by clients.
func (d *Device) Status() string {
	switch {
	case d == nil || d.PublicKey == "":
		return "none"
	case d.ApprovedAt == nil:
		return "pending"
	default:
		return "approved"
	}
}
