package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketWatermarks = []byte("watermarks")
	bucketMirrors    = []byte("mirrors")
	bucketQueue      = []byte("queue")
	bucketFailed     = []byte("failed")
)

// QueuedTransaction is one applied delta awaiting upload. Rows stay in the
// queue until the server confirms the merge.
type QueuedTransaction struct {
	QueueID   uint64    `json:"-"`
	CardUid   string    `json:"card_uid"`
	SyncId    int64     `json:"card_sync_id"`
	TType     string    `json:"type"`
	Amount    int64     `json:"value"`
	OrderUid  string    `json:"order_uid,omitempty"`
	TopupUid  string    `json:"topup_uid,omitempty"`
	Discount  *int      `json:"discount_percentage,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FailedWrite records a delta whose tag write failed, so the next operation
// on the same counter value can compensate before proceeding.
type FailedWrite struct {
	CardUid    string    `json:"card_uid"`
	SyncId     uint32    `json:"sync_id"`
	Amount     int32     `json:"amount"`
	TType      string    `json:"type"`
	RecordedAt time.Time `json:"recorded_at"`
}

// OfflineStore is the terminal's durable mirror: last-seen tag bytes per uid,
// last-known sync counter per uid, the pending upload queue and the
// failed-write map. It survives process restarts.
type OfflineStore struct {
	db *bolt.DB
}

func Open(path string) (*OfflineStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open offline store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketWatermarks, bucketMirrors, bucketQueue, bucketFailed} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &OfflineStore{db: db}, nil
}

func (s *OfflineStore) Close() error {
	return s.db.Close()
}

// LastSyncId returns the last-known sync counter for a card uid.
func (s *OfflineStore) LastSyncId(uid string) (uint32, bool, error) {
	var value uint32
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketWatermarks).Get([]byte(uid)); v != nil {
			value = binary.BigEndian.Uint32(v)
			found = true
		}
		return nil
	})
	return value, found, err
}

func (s *OfflineStore) SetLastSyncId(uid string, value uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, value)
		return tx.Bucket(bucketWatermarks).Put([]byte(uid), b)
	})
}

// Mirror returns the last raw NDEF bytes seen on a card, or nil.
func (s *OfflineStore) Mirror(uid string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMirrors).Get([]byte(uid)); v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	})
	return out, err
}

func (s *OfflineStore) SetMirror(uid string, ndef []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMirrors).Put([]byte(uid), ndef)
	})
}

// Enqueue appends a transaction to the durable upload queue.
func (s *OfflineStore) Enqueue(t *QueuedTransaction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		t.QueueID = seq

		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), raw)
	})
}

// Pending returns the queued transactions in insertion order.
func (s *OfflineStore) Pending() ([]*QueuedTransaction, error) {
	var out []*QueuedTransaction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			t := &QueuedTransaction{}
			if err := json.Unmarshal(v, t); err != nil {
				return err
			}
			t.QueueID = binary.BigEndian.Uint64(k)
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

// Ack removes queue entries once the server confirmed their merge.
func (s *OfflineStore) Ack(queueIDs []uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		for _, id := range queueIDs {
			if err := b.Delete(seqKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *OfflineStore) FailedWrite(uid string) (*FailedWrite, error) {
	var out *FailedWrite
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketFailed).Get([]byte(uid)); v != nil {
			out = &FailedWrite{}
			return json.Unmarshal(v, out)
		}
		return nil
	})
	return out, err
}

func (s *OfflineStore) SetFailedWrite(fw *FailedWrite) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(fw)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFailed).Put([]byte(fw.CardUid), raw)
	})
}

func (s *OfflineStore) ClearFailedWrite(uid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFailed).Delete([]byte(uid))
	})
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
