package comm

import (
	"encoding/json"
	"time"
)

// SocketMessage is the framing for the reader socket protocol.
// Type is e.g. "nfc:card:connect", "nfc:data", "nfc:write".
type SocketMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// reader socket payloads

type CardConnectData struct {
	Uid string `json:"uid"`
}

type CardDisconnectData struct {
	Uid string `json:"uid"`
}

type CardNdefData struct {
	Uid  string `json:"uid"`
	Ndef string `json:"ndef"` // base64 encoded NDEF message
}

type HmacRequest struct {
	Uid     string `json:"uid"`
	Content string `json:"content"` // base64
}

type HmacResponse struct {
	Uid    string `json:"uid"`
	Digest string `json:"digest"` // base64
	Error  string `json:"error,omitempty"`
}

type WriteAck struct {
	Uid   string `json:"uid"`
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// transaction types shared by terminal and ledger
const (
	TypeSale     = "sale"
	TypeTopup    = "topup"
	TypeRefund   = "refund"
	TypeReset    = "reset"
	TypeReversal = "reversal"
	TypeUnknown  = "unknown"
)

// server api payloads

type TransactionPayload struct {
	Id         int64      `json:"id,omitempty"`
	CardUid    string     `json:"card_uid"`
	SyncId     *int64     `json:"card_sync_id"`
	TType      string     `json:"type"`
	Amount     int64      `json:"value"`
	OrderUid   string     `json:"order_uid,omitempty"`
	TopupUid   string     `json:"topup_uid,omitempty"`
	Discount   *int       `json:"discount_percentage,omitempty"`
	HasSynced  bool       `json:"has_synced"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	MergedAt   *time.Time `json:"merged_at,omitempty"`
}

type PendingTransactions struct {
	Items []TransactionPayload `json:"items"`
}

type CardEnvelope struct {
	Id                  int64               `json:"id"`
	Uid                 string              `json:"uid"`
	Balance             string              `json:"balance"` // decimal string, major units
	TransactionCount    uint32              `json:"transaction_count"`
	OrderTokenAliases   []string            `json:"orderTokenAliases"`
	PendingTransactions PendingTransactions `json:"pendingTransactions"`
}

type MergeRequest struct {
	Items []TransactionPayload `json:"items"`
}

type MergeResponse struct {
	Items []TransactionPayload `json:"items"`
}

type PublicKeyEntryPayload struct {
	Id         int64      `json:"id"`
	Uid        string     `json:"uid"`
	PublicKey  string     `json:"public_key"` // base64 SPKI DER
	ApprovedAt *time.Time `json:"approved_at"`
}

type RegisterKeyRequest struct {
	PublicKey string `json:"public_key"`
}

type DeviceStatusPayload struct {
	Uid    string `json:"uid"`
	Status string `json:"status"` // none | pending | approved
}

type TopupRequest struct {
	TopupUid string `json:"topup_uid"`
	Amount   int64  `json:"value"`
}

type AliasesRequest struct {
	OrderTokenAliases []string `json:"orderTokenAliases"`
}

// broker events

type MergeEvent struct {
	CardUid   string    `json:"card_uid"`
	Merged    int       `json:"merged"`
	Timestamp time.Time `json:"timestamp"`
}

type DeviceApprovedEvent struct {
	DeviceUid  string    `json:"device_uid"`
	ApprovedAt time.Time `json:"approved_at"`
}
