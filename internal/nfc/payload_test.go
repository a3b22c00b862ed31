package nfc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orgSecret = []byte("test-org-secret")

func testHmac(uid string, content []byte) ([]byte, error) {
	return ComputeHmac(orgSecret, uid, content), nil
}

// stubSigner produces deterministic 64-byte signatures so payload tests do
// not depend on the key package.
type stubSigner struct {
	uid string
}

func (s *stubSigner) DeviceUid() string { return s.uid }

func (s *stubSigner) Sign(payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, []byte(s.uid))
	mac.Write(payload)
	digest := mac.Sum(nil)
	return append(digest, digest...), nil
}

type stubVerifier struct{}

func (stubVerifier) Verify(deviceUid string, payload, sig []byte) bool {
	expected, _ := (&stubSigner{uid: deviceUid}).Sign(payload)
	return hmac.Equal(expected, sig)
}

type rejectVerifier struct{}

func (rejectVerifier) Verify(string, []byte, []byte) bool { return false }

func testCard(uid string) *Card {
	c := NewCard(uid)
	c.Apply(1000, time.Unix(1700000000, 0))
	c.Apply(-250, time.Unix(1700000100, 0))
	c.DiscountPercentage = 15
	return c
}

func TestLegacyPayload(t *testing.T) {
	t.Run("round trip preserves every field", func(t *testing.T) {
		card := testCard("04:a1:b2:c3")

		raw, err := EncodeLegacy(card, testHmac)
		require.NoError(t, err)
		assert.Len(t, raw, 65)

		got, err := Decode("04:a1:b2:c3", raw, nil, testHmac)
		require.NoError(t, err)
		assert.Equal(t, card.Balance, got.Balance)
		assert.Equal(t, card.TransactionCount, got.TransactionCount)
		assert.Equal(t, card.PreviousTransactions, got.PreviousTransactions)
		assert.Equal(t, card.DiscountPercentage, got.DiscountPercentage)
		assert.True(t, card.LastTransaction.Equal(got.LastTransaction))
		assert.Equal(t, VersionLegacy, got.DataVersion)
	})

	t.Run("layout is big endian with trailing discount", func(t *testing.T) {
		card := NewCard("uid")
		card.Balance = 0x0400
		card.TransactionCount = 7
		card.DiscountPercentage = 15

		raw, err := EncodeLegacy(card, testHmac)
		require.NoError(t, err)
		assert.Equal(t, uint32(0x0400), binary.BigEndian.Uint32(raw[0:4]))
		assert.Equal(t, uint32(7), binary.BigEndian.Uint32(raw[4:8]))
		assert.Equal(t, byte(15), raw[32])
	})

	t.Run("tampered balance is rejected", func(t *testing.T) {
		raw, err := EncodeLegacy(testCard("uid-1"), testHmac)
		require.NoError(t, err)

		raw[3] ^= 0x01
		_, err = Decode("uid-1", raw, nil, testHmac)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("payload copied to another card is rejected", func(t *testing.T) {
		raw, err := EncodeLegacy(testCard("uid-1"), testHmac)
		require.NoError(t, err)

		_, err = Decode("uid-2", raw, nil, testHmac)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("wrong length is invalid, not a mismatch", func(t *testing.T) {
		_, err := Decode("uid-1", make([]byte, 40), nil, testHmac)
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("zero last transaction decodes as zero time", func(t *testing.T) {
		raw, err := EncodeLegacy(NewCard("uid-1"), testHmac)
		require.NoError(t, err)

		got, err := Decode("uid-1", raw, nil, testHmac)
		require.NoError(t, err)
		assert.True(t, got.LastTransaction.IsZero())
	})
}

func TestSignedPayload(t *testing.T) {
	signer := &stubSigner{uid: "device-1"}

	t.Run("round trip preserves fields and signer", func(t *testing.T) {
		card := testCard("04:a1:b2:c3")

		raw, err := EncodeSigned(card, signer)
		require.NoError(t, err)
		assert.Len(t, raw, 135)

		got, err := Decode("04:a1:b2:c3", raw, stubVerifier{}, nil)
		require.NoError(t, err)
		assert.Equal(t, card.Balance, got.Balance)
		assert.Equal(t, card.TransactionCount, got.TransactionCount)
		assert.Equal(t, VersionSigned, got.DataVersion)
		assert.Equal(t, "device-1", got.SignerDeviceUid)
	})

	t.Run("tampered body is rejected", func(t *testing.T) {
		raw, err := EncodeSigned(testCard("uid-1"), signer)
		require.NoError(t, err)

		raw[40] ^= 0x01
		_, err = Decode("uid-1", raw, stubVerifier{}, nil)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("payload copied to another card is rejected", func(t *testing.T) {
		raw, err := EncodeSigned(testCard("uid-1"), signer)
		require.NoError(t, err)

		_, err = Decode("uid-2", raw, stubVerifier{}, nil)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("untrusted signer is rejected", func(t *testing.T) {
		raw, err := EncodeSigned(testCard("uid-1"), signer)
		require.NoError(t, err)

		_, err = Decode("uid-1", raw, rejectVerifier{}, nil)
		assert.ErrorIs(t, err, ErrSignatureMismatch)

		_, err = Decode("uid-1", raw, nil, nil)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("short payload is invalid", func(t *testing.T) {
		raw := []byte{0x00, 0x01, 0xde, 0xad}
		_, err := Decode("uid-1", raw, stubVerifier{}, nil)
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}

func TestDetectVersion(t *testing.T) {
	t.Run("leading 0x0001 means signed", func(t *testing.T) {
		assert.Equal(t, VersionSigned, DetectVersion([]byte{0x00, 0x01, 0xff}))
	})

	t.Run("anything else is legacy", func(t *testing.T) {
		assert.Equal(t, VersionLegacy, DetectVersion([]byte{0x00, 0x00, 0x04, 0x00}))
		assert.Equal(t, VersionLegacy, DetectVersion([]byte{0xff, 0xff}))
		assert.Equal(t, VersionLegacy, DetectVersion([]byte{0x01}))
		assert.Equal(t, VersionLegacy, DetectVersion(nil))
	})
}

func TestEncodeFallback(t *testing.T) {
	t.Run("signer present writes version 1", func(t *testing.T) {
		raw, err := Encode(testCard("uid-1"), &stubSigner{uid: "device-1"}, testHmac)
		require.NoError(t, err)
		assert.Equal(t, VersionSigned, DetectVersion(raw))
	})

	t.Run("no signer falls back to legacy", func(t *testing.T) {
		raw, err := Encode(testCard("uid-1"), nil, testHmac)
		require.NoError(t, err)
		assert.Equal(t, VersionLegacy, DetectVersion(raw))
		assert.Len(t, raw, 65)
	})
}
