package nfc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCardApply(t *testing.T) {
	t.Run("first delta gets sync id 1", func(t *testing.T) {
		c := NewCard("uid-1")
		at := time.Unix(1700000000, 0)

		syncId := c.Apply(500, at)
		assert.Equal(t, uint32(1), syncId)
		assert.Equal(t, int32(500), c.Balance)
		assert.Equal(t, int32(500), c.LastDelta())
		assert.True(t, c.LastTransaction.Equal(at))
	})

	t.Run("ring buffer keeps the last five deltas", func(t *testing.T) {
		c := NewCard("uid-1")
		for i := int32(1); i <= 7; i++ {
			c.Apply(i, time.Now())
		}

		// 1 and 2 have been evicted
		_, ok := c.DeltaFromCounter(1)
		assert.False(t, ok)
		_, ok = c.DeltaFromCounter(2)
		assert.False(t, ok)

		for i := uint32(3); i <= 7; i++ {
			delta, ok := c.DeltaFromCounter(i)
			assert.True(t, ok)
			assert.Equal(t, int32(i), delta)
		}
	})

	t.Run("future and zero sync ids are out of window", func(t *testing.T) {
		c := NewCard("uid-1")
		c.Apply(10, time.Now())

		_, ok := c.DeltaFromCounter(0)
		assert.False(t, ok)
		_, ok = c.DeltaFromCounter(2)
		assert.False(t, ok)
	})
}

func TestCardZero(t *testing.T) {
	c := NewCard("uid-1")
	c.Apply(1000, time.Now())
	c.DiscountPercentage = 20
	c.SignerDeviceUid = "device-1"

	c.Zero()

	assert.Equal(t, "uid-1", c.Uid)
	assert.Equal(t, int32(0), c.Balance)
	assert.Equal(t, uint32(0), c.TransactionCount)
	assert.Equal(t, uint8(0), c.DiscountPercentage)
	assert.Empty(t, c.SignerDeviceUid)
	assert.True(t, c.LastTransaction.IsZero())
}
