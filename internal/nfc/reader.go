package nfc

import "context"

// Reader event types.
const (
	EventCardConnect    = "card:connect"
	EventCardData       = "card:data"
	EventCardDisconnect = "card:disconnect"
)

// Event is one reader-side occurrence, delivered on the Events channel.
type Event struct {
	Type string
	Uid  string
	Ndef []byte
}

// Reader is the device-level contract both transports satisfy: the remote
// socket protocol and the embedded bridge.
type Reader interface {
	Connect(ctx context.Context) error
	Close() error

	// Events delivers card connect/data/disconnect events in arrival order.
	Events() <-chan Event

	// Write stores an NDEF message on the tag with the given uid.
	Write(ctx context.Context, uid string, ndef []byte) error

	// Hmac computes the legacy symmetric digest for a card. The reader side
	// holds the organisation secret.
	Hmac(ctx context.Context, uid string, content []byte) ([]byte, error)

	// RecoverInvalidContent asks the reader to re-read the tag after a parse
	// failure and returns the fresh raw bytes.
	RecoverInvalidContent(ctx context.Context, uid string) ([]byte, error)
}
