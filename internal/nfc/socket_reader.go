package nfc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/catlab/drinks-services/internal/comm"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// SocketReader drives a remote reader daemon over a websocket. The daemon
// pushes nfc:card:connect / nfc:data / nfc:card:disconnect events and answers
// nfc:write, nfc:hmac and nfc:recover requests.
type SocketReader struct {
	url  string
	conn *websocket.Conn

	events chan Event

	writeMu sync.Mutex // serializes websocket writes

	ackWaiters  sync.Map // uid -> chan comm.WriteAck
	hmacWaiters sync.Map // uid -> chan comm.HmacResponse
	dataWaiters sync.Map // uid -> chan []byte

	closed chan struct{}
	once   sync.Once
}

func NewSocketReader(url string) *SocketReader {
	return &SocketReader{
		url:    url,
		events: make(chan Event, 16),
		closed: make(chan struct{}),
	}
}

func (s *SocketReader) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial reader socket: %w", err)
	}
	s.conn = conn

	go s.readLoop()

	log.Infof("reader socket connected: %s", s.url)
	return nil
}

func (s *SocketReader) Close() error {
	s.once.Do(func() { close(s.closed) })
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *SocketReader) Events() <-chan Event {
	return s.events
}

func (s *SocketReader) readLoop() {
	defer close(s.events)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Errorf("reader socket unexpected close: %v", err)
			} else {
				log.Info("reader socket closed")
			}
			return
		}

		msg := &comm.SocketMessage{}
		if err := json.Unmarshal(raw, msg); err != nil {
			log.Errorf("reader socket: malformed message: %v", err)
			continue
		}

		s.dispatch(msg)
	}
}

func (s *SocketReader) dispatch(msg *comm.SocketMessage) {
	switch msg.Type {
	case "nfc:card:connect":
		var data comm.CardConnectData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			log.Errorf("reader socket: bad connect payload: %v", err)
			return
		}
		s.events <- Event{Type: EventCardConnect, Uid: data.Uid}

	case "nfc:card:disconnect":
		var data comm.CardDisconnectData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			log.Errorf("reader socket: bad disconnect payload: %v", err)
			return
		}
		s.events <- Event{Type: EventCardDisconnect, Uid: data.Uid}

	case "nfc:data":
		var data comm.CardNdefData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			log.Errorf("reader socket: bad data payload: %v", err)
			return
		}
		ndef, err := base64.StdEncoding.DecodeString(data.Ndef)
		if err != nil {
			log.Errorf("reader socket: bad ndef encoding for %s: %v", data.Uid, err)
			return
		}
		// a recover request may be waiting on this uid
		if ch, ok := s.dataWaiters.LoadAndDelete(data.Uid); ok {
			ch.(chan []byte) <- ndef
			return
		}
		s.events <- Event{Type: EventCardData, Uid: data.Uid, Ndef: ndef}

	case "nfc:write:ack":
		var ack comm.WriteAck
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			log.Errorf("reader socket: bad write ack: %v", err)
			return
		}
		if ch, ok := s.ackWaiters.LoadAndDelete(ack.Uid); ok {
			ch.(chan comm.WriteAck) <- ack
		}

	case "nfc:hmac:result":
		var rsp comm.HmacResponse
		if err := json.Unmarshal(msg.Data, &rsp); err != nil {
			log.Errorf("reader socket: bad hmac result: %v", err)
			return
		}
		if ch, ok := s.hmacWaiters.LoadAndDelete(rsp.Uid); ok {
			ch.(chan comm.HmacResponse) <- rsp
		}

	default:
		log.Warnf("reader socket: unknown event received: %s", msg.Type)
	}
}

func (s *SocketReader) send(msgType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	bytes, err := json.Marshal(&comm.SocketMessage{Type: msgType, Data: payload})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, bytes)
}

func (s *SocketReader) Write(ctx context.Context, uid string, ndef []byte) error {
	ch := make(chan comm.WriteAck, 1)
	s.ackWaiters.Store(uid, ch)
	defer s.ackWaiters.Delete(uid)

	err := s.send("nfc:write", &comm.CardNdefData{
		Uid:  uid,
		Ndef: base64.StdEncoding.EncodeToString(ndef),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	select {
	case ack := <-ch:
		if !ack.Ok {
			return fmt.Errorf("%w: %s", ErrWriteFailure, ack.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrWriteFailure, ctx.Err())
	case <-s.closed:
		return fmt.Errorf("%w: reader closed", ErrWriteFailure)
	}
}

func (s *SocketReader) Hmac(ctx context.Context, uid string, content []byte) ([]byte, error) {
	ch := make(chan comm.HmacResponse, 1)
	s.hmacWaiters.Store(uid, ch)
	defer s.hmacWaiters.Delete(uid)

	err := s.send("nfc:hmac", &comm.HmacRequest{
		Uid:     uid,
		Content: base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		return nil, err
	}

	select {
	case rsp := <-ch:
		if rsp.Error != "" {
			return nil, fmt.Errorf("reader hmac: %s", rsp.Error)
		}
		return base64.StdEncoding.DecodeString(rsp.Digest)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrNoCardFound
	}
}

func (s *SocketReader) RecoverInvalidContent(ctx context.Context, uid string) ([]byte, error) {
	ch := make(chan []byte, 1)
	s.dataWaiters.Store(uid, ch)
	defer s.dataWaiters.Delete(uid)

	if err := s.send("nfc:recover", &comm.CardConnectData{Uid: uid}); err != nil {
		return nil, err
	}

	select {
	case ndef := <-ch:
		return ndef, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrNoCardFound
	}
}
