package nfc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Payload versions. Version detection inspects the first two bytes of the
// payload: the value 1 means a signed payload, anything else is legacy. A
// legacy balance whose top two bytes happen to be 0x0001 would collide, but
// balances never reach that range in practice so the heuristic is accepted
// as is.
const (
	VersionLegacy = 0
	VersionSigned = 1
)

const (
	bodySize          = 4 + 4 + 4 + 4*HistorySize + 1
	hmacSize          = sha256.Size
	versionHeaderSize = 2
	deviceUidSize     = 36
	signatureSize     = 64

	legacySize = bodySize + hmacSize
	signedSize = versionHeaderSize + deviceUidSize + bodySize + signatureSize
)

// HmacFunc computes the legacy symmetric digest for a card. The reader owns
// the organisation secret, so the terminal delegates instead of holding it.
type HmacFunc func(uid string, content []byte) ([]byte, error)

// Signer produces the version 1 signature for a payload.
type Signer interface {
	DeviceUid() string
	Sign(payload []byte) ([]byte, error)
}

// Verifier checks a version 1 signature against a cache of trusted keys.
// It must return false, never an error, for unknown or unapproved signers.
type Verifier interface {
	Verify(deviceUid string, payload, sig []byte) bool
}

func encodeBody(c *Card) []byte {
	b := make([]byte, bodySize)
	binary.BigEndian.PutUint32(b[0:], uint32(c.Balance))
	binary.BigEndian.PutUint32(b[4:], c.TransactionCount)
	binary.BigEndian.PutUint32(b[8:], uint32(c.LastTransaction.Unix()))
	for i := 0; i < HistorySize; i++ {
		binary.BigEndian.PutUint32(b[12+4*i:], uint32(c.PreviousTransactions[i]))
	}
	b[bodySize-1] = c.DiscountPercentage
	return b
}

func decodeBody(c *Card, b []byte) {
	c.Balance = int32(binary.BigEndian.Uint32(b[0:]))
	c.TransactionCount = binary.BigEndian.Uint32(b[4:])
	secs := binary.BigEndian.Uint32(b[8:])
	if secs == 0 {
		c.LastTransaction = time.Time{}
	} else {
		c.LastTransaction = time.Unix(int64(secs), 0).UTC()
	}
	for i := 0; i < HistorySize; i++ {
		c.PreviousTransactions[i] = int32(binary.BigEndian.Uint32(b[12+4*i:]))
	}
	c.DiscountPercentage = b[bodySize-1]
}

// padDeviceUid NUL-pads or truncates a device uid to its on-wire size.
func padDeviceUid(uid string) []byte {
	b := make([]byte, deviceUidSize)
	copy(b, uid)
	return b
}

func trimDeviceUid(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// DetectVersion reports the payload version of raw tag bytes.
func DetectVersion(raw []byte) int {
	if len(raw) >= versionHeaderSize && binary.BigEndian.Uint16(raw) == VersionSigned {
		return VersionSigned
	}
	return VersionLegacy
}

// ComputeHmac is the legacy digest: HMAC-SHA256 over content followed by the
// card uid, keyed with the organisation secret.
func ComputeHmac(orgSecret []byte, uid string, content []byte) []byte {
	mac := hmac.New(sha256.New, orgSecret)
	mac.Write(content)
	mac.Write([]byte(uid))
	return mac.Sum(nil)
}

// EncodeLegacy serializes a card as a version 0 payload.
func EncodeLegacy(c *Card, legacyHmac HmacFunc) ([]byte, error) {
	body := encodeBody(c)
	digest, err := legacyHmac(c.Uid, body)
	if err != nil {
		return nil, fmt.Errorf("legacy hmac: %w", err)
	}
	if len(digest) != hmacSize {
		return nil, fmt.Errorf("legacy hmac: unexpected digest size %d", len(digest))
	}
	return append(body, digest...), nil
}

// EncodeSigned serializes a card as a version 1 payload. The signature covers
// versionHeader, deviceUid, body and the card uid, binding it to both the
// signer and the physical tag.
func EncodeSigned(c *Card, signer Signer) ([]byte, error) {
	out := make([]byte, 0, signedSize)
	header := make([]byte, versionHeaderSize)
	binary.BigEndian.PutUint16(header, VersionSigned)
	out = append(out, header...)
	out = append(out, padDeviceUid(signer.DeviceUid())...)
	out = append(out, encodeBody(c)...)

	signed := append(append([]byte{}, out...), []byte(c.Uid)...)
	sig, err := signer.Sign(signed)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	if len(sig) != signatureSize {
		return nil, fmt.Errorf("sign payload: unexpected signature size %d", len(sig))
	}
	return append(out, sig...), nil
}

// Encode serializes a card with the latest available scheme: version 1 when
// a signer is present, version 0 otherwise. Falling back keeps a mixed fleet
// able to migrate terminal by terminal.
func Encode(c *Card, signer Signer, legacyHmac HmacFunc) ([]byte, error) {
	if signer != nil {
		return EncodeSigned(c, signer)
	}
	return EncodeLegacy(c, legacyHmac)
}

// Decode parses and verifies raw tag bytes for the tag with the given uid.
// It returns ErrInvalidMessage for malformed bytes and ErrSignatureMismatch
// when HMAC or ECDSA verification fails.
func Decode(uid string, raw []byte, verifier Verifier, legacyHmac HmacFunc) (*Card, error) {
	if DetectVersion(raw) == VersionSigned {
		return decodeSigned(uid, raw, verifier)
	}
	return decodeLegacy(uid, raw, legacyHmac)
}

func decodeLegacy(uid string, raw []byte, legacyHmac HmacFunc) (*Card, error) {
	if len(raw) != legacySize {
		return nil, fmt.Errorf("%w: legacy payload is %d bytes", ErrInvalidMessage, len(raw))
	}
	body, digest := raw[:bodySize], raw[bodySize:]

	expected, err := legacyHmac(uid, body)
	if err != nil {
		return nil, fmt.Errorf("legacy hmac: %w", err)
	}
	if !hmac.Equal(expected, digest) {
		return nil, ErrSignatureMismatch
	}

	c := NewCard(uid)
	c.DataVersion = VersionLegacy
	decodeBody(c, body)
	return c, nil
}

func decodeSigned(uid string, raw []byte, verifier Verifier) (*Card, error) {
	if len(raw) != signedSize {
		return nil, fmt.Errorf("%w: signed payload is %d bytes", ErrInvalidMessage, len(raw))
	}
	content := raw[:signedSize-signatureSize]
	sig := raw[signedSize-signatureSize:]
	deviceUid := trimDeviceUid(raw[versionHeaderSize : versionHeaderSize+deviceUidSize])

	if verifier == nil {
		return nil, ErrSignatureMismatch
	}
	signed := append(append([]byte{}, content...), []byte(uid)...)
	if !verifier.Verify(deviceUid, signed, sig) {
		return nil, ErrSignatureMismatch
	}

	c := NewCard(uid)
	c.DataVersion = VersionSigned
	c.SignerDeviceUid = deviceUid
	decodeBody(c, content[versionHeaderSize+deviceUidSize:])
	return c, nil
}
