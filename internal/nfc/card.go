package nfc

import (
	"time"
)

// HistorySize is the number of recent deltas a tag remembers.
const HistorySize = 5

// Card is the in-memory model of one tag's signed state. An instance is
// created when a tag is detected and discarded on disconnect; it never
// outlives one reader session.
type Card struct {
	Uid                  string
	Balance              int32
	TransactionCount     uint32
	LastTransaction      time.Time
	PreviousTransactions [HistorySize]int32
	DiscountPercentage   uint8

	// DataVersion is the payload version the card was parsed from,
	// VersionLegacy or VersionSigned.
	DataVersion int

	// SignerDeviceUid identifies who last signed the tag. Set only for
	// version 1 payloads.
	SignerDeviceUid string
}

func NewCard(uid string) *Card {
	return &Card{Uid: uid}
}

// Apply records a delta on the card: the counter increments and the ring
// buffer slot for the new counter value takes the delta. The returned value
// is the sync id of the applied transaction.
func (c *Card) Apply(delta int32, at time.Time) uint32 {
	c.TransactionCount++
	c.PreviousTransactions[c.TransactionCount%HistorySize] = delta
	c.Balance += delta
	c.LastTransaction = at
	return c.TransactionCount
}

// LastDelta returns the most recently applied delta.
func (c *Card) LastDelta() int32 {
	return c.PreviousTransactions[c.TransactionCount%HistorySize]
}

// DeltaFromCounter looks a delta up in the ring buffer by its sync id.
// It reports false when the id is outside the remembered window.
func (c *Card) DeltaFromCounter(syncId uint32) (int32, bool) {
	if syncId == 0 || syncId > c.TransactionCount {
		return 0, false
	}
	if c.TransactionCount-syncId >= HistorySize {
		return 0, false
	}
	return c.PreviousTransactions[syncId%HistorySize], true
}

// Zero clears every mutable field. Used by the operator rebuild flow.
func (c *Card) Zero() {
	c.Balance = 0
	c.TransactionCount = 0
	c.LastTransaction = time.Time{}
	c.PreviousTransactions = [HistorySize]int32{}
	c.DiscountPercentage = 0
	c.SignerDeviceUid = ""
}
