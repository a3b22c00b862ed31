package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, path string) *OfflineStore {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWatermarks(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "offline.db"))

	_, known, err := s.LastSyncId("card-1")
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, s.SetLastSyncId("card-1", 7))

	got, known, err := s.LastSyncId("card-1")
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, uint32(7), got)

	// other cards are untouched
	_, known, err = s.LastSyncId("card-2")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestMirrors(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "offline.db"))

	got, err := s.Mirror("card-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	ndef := []byte{0xd1, 0x01, 0x05, 0x55, 0x03, 0x78}
	require.NoError(t, s.SetMirror("card-1", ndef))

	got, err = s.Mirror("card-1")
	require.NoError(t, err)
	assert.Equal(t, ndef, got)
}

func TestQueue(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "offline.db"))

	discount := 10
	require.NoError(t, s.Enqueue(&QueuedTransaction{
		CardUid: "card-1", SyncId: 1, TType: "topup", Amount: 1000, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.Enqueue(&QueuedTransaction{
		CardUid: "card-1", SyncId: 2, TType: "sale", Amount: -300,
		OrderUid: "order-1", Discount: &discount, CreatedAt: time.Now(),
	}))

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(1), pending[0].SyncId)
	assert.Equal(t, int64(2), pending[1].SyncId)
	assert.Equal(t, "order-1", pending[1].OrderUid)
	require.NotNil(t, pending[1].Discount)
	assert.Equal(t, 10, *pending[1].Discount)

	// ack the first, the second stays
	require.NoError(t, s.Ack([]uint64{pending[0].QueueID}))

	pending, err = s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].SyncId)
}

func TestFailedWrites(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "offline.db"))

	fw, err := s.FailedWrite("card-1")
	require.NoError(t, err)
	assert.Nil(t, fw)

	require.NoError(t, s.SetFailedWrite(&FailedWrite{
		CardUid: "card-1", SyncId: 5, Amount: -300, TType: "sale", RecordedAt: time.Now(),
	}))

	fw, err = s.FailedWrite("card-1")
	require.NoError(t, err)
	require.NotNil(t, fw)
	assert.Equal(t, uint32(5), fw.SyncId)
	assert.Equal(t, int32(-300), fw.Amount)

	require.NoError(t, s.ClearFailedWrite("card-1"))
	fw, err = s.FailedWrite("card-1")
	require.NoError(t, err)
	assert.Nil(t, fw)

	// clearing an absent entry is a no-op
	require.NoError(t, s.ClearFailedWrite("card-1"))
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetLastSyncId("card-1", 3))
	require.NoError(t, s.SetMirror("card-1", []byte{1, 2, 3}))
	require.NoError(t, s.Enqueue(&QueuedTransaction{CardUid: "card-1", SyncId: 3, TType: "sale", Amount: -100}))
	require.NoError(t, s.Close())

	s = openTestStore(t, path)

	got, known, err := s.LastSyncId("card-1")
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, uint32(3), got)

	mirror, err := s.Mirror("card-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, mirror)

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(3), pending[0].SyncId)
}
