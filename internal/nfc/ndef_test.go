package nfc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURIRecord(t *testing.T) {
	t.Run("http prefix is abbreviated", func(t *testing.T) {
		r := NewURIRecord("http://topup.example.com/uid-1")
		assert.Equal(t, byte(3), r.Payload[0])
		assert.Equal(t, "topup.example.com/uid-1", string(r.Payload[1:]))

		uri, err := URIFromRecord(r)
		require.NoError(t, err)
		assert.Equal(t, "http://topup.example.com/uid-1", uri)
	})

	t.Run("unknown scheme keeps the full uri", func(t *testing.T) {
		r := NewURIRecord("tel:+123")
		assert.Equal(t, byte(0), r.Payload[0])

		uri, err := URIFromRecord(r)
		require.NoError(t, err)
		assert.Equal(t, "tel:+123", uri)
	})

	t.Run("non uri record is rejected", func(t *testing.T) {
		_, err := URIFromRecord(Record{TNF: 0x04, Type: []byte(ExternalType)})
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}

func TestMessageRoundTrip(t *testing.T) {
	t.Run("short records", func(t *testing.T) {
		in := []Record{
			NewURIRecord("http://topup.example.com/uid-1"),
			{TNF: 0x04, Type: []byte(ExternalType), Payload: []byte{1, 2, 3}},
		}

		out, err := DecodeMessage(EncodeMessage(in))
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, in[0].Payload, out[0].Payload)
		assert.Equal(t, in[1].Type, out[1].Type)
		assert.Equal(t, in[1].Payload, out[1].Payload)
	})

	t.Run("long form payload", func(t *testing.T) {
		payload := bytes.Repeat([]byte{0xab}, 1000)
		in := []Record{{TNF: 0x04, Type: []byte(ExternalType), Payload: payload}}

		out, err := DecodeMessage(EncodeMessage(in))
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, payload, out[0].Payload)
	})

	t.Run("record id round trips", func(t *testing.T) {
		in := []Record{{TNF: 0x04, Type: []byte("t"), ID: []byte("id-1"), Payload: []byte{9}}}

		out, err := DecodeMessage(EncodeMessage(in))
		require.NoError(t, err)
		assert.Equal(t, []byte("id-1"), out[0].ID)
	})

	t.Run("truncated input is invalid", func(t *testing.T) {
		raw := EncodeMessage([]Record{NewURIRecord("http://x.example/y")})
		_, err := DecodeMessage(raw[:len(raw)-3])
		assert.ErrorIs(t, err, ErrInvalidMessage)

		_, err = DecodeMessage(nil)
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}

func TestTagMessage(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xde, 0xad, 0xbe, 0xef}
	raw := BuildTagMessage("topup.example.com", "uid-1", payload)

	t.Run("payload record is recoverable", func(t *testing.T) {
		got, err := PayloadFromMessage(raw)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("uri record points at the topup page", func(t *testing.T) {
		records, err := DecodeMessage(raw)
		require.NoError(t, err)
		require.Len(t, records, 2)

		uri, err := URIFromRecord(records[0])
		require.NoError(t, err)
		assert.Equal(t, "http://topup.example.com/uid-1", uri)
	})

	t.Run("message without payload record is invalid", func(t *testing.T) {
		onlyURI := EncodeMessage([]Record{NewURIRecord("http://x.example/y")})
		_, err := PayloadFromMessage(onlyURI)
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}
