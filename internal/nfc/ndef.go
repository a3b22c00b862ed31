package nfc

import (
	"fmt"
	"strings"
)

// ExternalType is the NDEF external record type carrying the signed payload.
const ExternalType = "eu.catlab.drinks"

// NDEF type name formats used on the tag.
const (
	tnfWellKnown = 0x01
	tnfExternal  = 0x04
)

const (
	flagMB = 0x80
	flagME = 0x40
	flagSR = 0x10
	flagIL = 0x08
	tnfMsk = 0x07
)

// uriPrefixes are the RFC-defined URI abbreviation codes, index = code.
var uriPrefixes = []string{
	"",
	"http://www.",
	"https://www.",
	"http://",
	"https://",
}

// Record is one NDEF record.
type Record struct {
	TNF     byte
	Type    []byte
	ID      []byte
	Payload []byte
}

// EncodeMessage serializes records into one NDEF message. Records are short
// form whenever the payload fits a single byte length.
func EncodeMessage(records []Record) []byte {
	var out []byte
	for i, r := range records {
		header := r.TNF & tnfMsk
		if i == 0 {
			header |= flagMB
		}
		if i == len(records)-1 {
			header |= flagME
		}
		short := len(r.Payload) < 256
		if short {
			header |= flagSR
		}
		if len(r.ID) > 0 {
			header |= flagIL
		}

		out = append(out, header, byte(len(r.Type)))
		if short {
			out = append(out, byte(len(r.Payload)))
		} else {
			n := len(r.Payload)
			out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		}
		if len(r.ID) > 0 {
			out = append(out, byte(len(r.ID)))
		}
		out = append(out, r.Type...)
		out = append(out, r.ID...)
		out = append(out, r.Payload...)
	}
	return out
}

// DecodeMessage parses an NDEF message into its records.
func DecodeMessage(b []byte) ([]Record, error) {
	var records []Record
	i := 0
	for i < len(b) {
		if len(b[i:]) < 3 {
			return nil, fmt.Errorf("%w: truncated record header", ErrInvalidMessage)
		}
		header := b[i]
		typeLen := int(b[i+1])
		i += 2

		var payloadLen int
		if header&flagSR != 0 {
			payloadLen = int(b[i])
			i++
		} else {
			if len(b[i:]) < 4 {
				return nil, fmt.Errorf("%w: truncated payload length", ErrInvalidMessage)
			}
			payloadLen = int(b[i])<<24 | int(b[i+1])<<16 | int(b[i+2])<<8 | int(b[i+3])
			i += 4
		}

		idLen := 0
		if header&flagIL != 0 {
			if i >= len(b) {
				return nil, fmt.Errorf("%w: truncated id length", ErrInvalidMessage)
			}
			idLen = int(b[i])
			i++
		}

		if len(b[i:]) < typeLen+idLen+payloadLen {
			return nil, fmt.Errorf("%w: truncated record body", ErrInvalidMessage)
		}
		r := Record{
			TNF:     header & tnfMsk,
			Type:    append([]byte{}, b[i:i+typeLen]...),
			ID:      append([]byte{}, b[i+typeLen:i+typeLen+idLen]...),
			Payload: append([]byte{}, b[i+typeLen+idLen:i+typeLen+idLen+payloadLen]...),
		}
		i += typeLen + idLen + payloadLen
		records = append(records, r)

		if header&flagME != 0 {
			break
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidMessage)
	}
	return records, nil
}

// NewURIRecord builds a well-known "U" record, abbreviating the scheme when
// possible.
func NewURIRecord(uri string) Record {
	code := byte(0)
	rest := uri
	for i := len(uriPrefixes) - 1; i >= 1; i-- {
		if strings.HasPrefix(uri, uriPrefixes[i]) {
			code = byte(i)
			rest = uri[len(uriPrefixes[i]):]
			break
		}
	}
	return Record{
		TNF:     tnfWellKnown,
		Type:    []byte("U"),
		Payload: append([]byte{code}, []byte(rest)...),
	}
}

// URIFromRecord expands a well-known "U" record back into its URI.
func URIFromRecord(r Record) (string, error) {
	if r.TNF != tnfWellKnown || string(r.Type) != "U" || len(r.Payload) < 1 {
		return "", fmt.Errorf("%w: not a uri record", ErrInvalidMessage)
	}
	code := int(r.Payload[0])
	if code >= len(uriPrefixes) {
		return "", fmt.Errorf("%w: unknown uri prefix code %d", ErrInvalidMessage, code)
	}
	return uriPrefixes[code] + string(r.Payload[1:]), nil
}

// BuildTagMessage lays out the two records stored on a tag: the human/QR
// fallback URI first, then the signed binary payload.
func BuildTagMessage(topupDomain, cardUid string, payload []byte) []byte {
	return EncodeMessage([]Record{
		NewURIRecord("http://" + topupDomain + "/" + cardUid),
		{TNF: tnfExternal, Type: []byte(ExternalType), Payload: payload},
	})
}

// PayloadFromMessage extracts the signed payload record from raw tag bytes.
func PayloadFromMessage(b []byte) ([]byte, error) {
	records, err := DecodeMessage(b)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.TNF == tnfExternal && string(r.Type) == ExternalType {
			return r.Payload, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s record", ErrInvalidMessage, ExternalType)
}
