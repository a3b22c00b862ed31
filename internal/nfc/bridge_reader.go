package nfc

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// BridgeTransport is the raw device surface an embedded reader chip exposes.
type BridgeTransport interface {
	// WaitForTag blocks until a tag enters the field and returns its uid.
	WaitForTag(ctx context.Context) (string, error)

	// TagPresent reports whether the tag is still in the field.
	TagPresent(uid string) bool

	ReadNdef(uid string) ([]byte, error)
	WriteNdef(uid string, ndef []byte) error
}

// BridgeReader adapts an embedded reader chip to the Reader contract. Unlike
// the socket transport it holds the organisation secret itself and computes
// the legacy digest locally.
type BridgeReader struct {
	transport BridgeTransport
	orgSecret []byte

	pollInterval time.Duration

	events chan Event
	cancel context.CancelFunc
	once   sync.Once
}

func NewBridgeReader(transport BridgeTransport, orgSecret []byte) *BridgeReader {
	return &BridgeReader{
		transport:    transport,
		orgSecret:    orgSecret,
		pollInterval: 250 * time.Millisecond,
		events:       make(chan Event, 16),
	}
}

func (b *BridgeReader) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.pollLoop(ctx)
	return nil
}

func (b *BridgeReader) Close() error {
	b.once.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
	})
	return nil
}

func (b *BridgeReader) Events() <-chan Event {
	return b.events
}

// pollLoop waits for a tag, emits connect and data events, then watches for
// field departure before waiting for the next tag.
func (b *BridgeReader) pollLoop(ctx context.Context) {
	defer close(b.events)

	for {
		uid, err := b.transport.WaitForTag(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("bridge: wait for tag: %v", err)
			continue
		}

		b.events <- Event{Type: EventCardConnect, Uid: uid}

		ndef, err := b.transport.ReadNdef(uid)
		if err != nil {
			log.Errorf("bridge: read ndef for %s: %v", uid, err)
		} else {
			b.events <- Event{Type: EventCardData, Uid: uid, Ndef: ndef}
		}

		for b.transport.TagPresent(uid) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.pollInterval):
			}
		}
		b.events <- Event{Type: EventCardDisconnect, Uid: uid}
	}
}

func (b *BridgeReader) Write(ctx context.Context, uid string, ndef []byte) error {
	if !b.transport.TagPresent(uid) {
		return fmt.Errorf("%w: tag %s left the field", ErrWriteFailure, uid)
	}
	if err := b.transport.WriteNdef(uid, ndef); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return nil
}

func (b *BridgeReader) Hmac(_ context.Context, uid string, content []byte) ([]byte, error) {
	return ComputeHmac(b.orgSecret, uid, content), nil
}

func (b *BridgeReader) RecoverInvalidContent(_ context.Context, uid string) ([]byte, error) {
	if !b.transport.TagPresent(uid) {
		return nil, ErrNoCardFound
	}
	return b.transport.ReadNdef(uid)
}
