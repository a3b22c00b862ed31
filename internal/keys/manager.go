package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MaxDeviceId bounds the numeric device id on the wire.
const MaxDeviceId = 0xFFFFFF

// SignatureSize is the fixed r‖s encoding length of a P-256 signature.
const SignatureSize = 64

// Device approval states as observed by the client. The transition
// none → pending → approved is driven by an administrative action.
const (
	StatusNone     = "none"
	StatusPending  = "pending"
	StatusApproved = "approved"
)

// PublicKeyEntry is a device's cached view of another device's trust state.
// Only entries with a non-nil ApprovedAt are usable for verification.
type PublicKeyEntry struct {
	Id         int64
	Uid        string
	PublicKey  string // base64 SPKI DER
	ApprovedAt *time.Time
}

type trustedKey struct {
	entry PublicKeyEntry
	key   *ecdsa.PublicKey
}

// Manager owns the terminal's key pair and the cache of trusted public keys.
type Manager struct {
	store *Keystore

	mu        sync.RWMutex
	deviceUid string
	deviceId  int64
	priv      *ecdsa.PrivateKey
	byUid     map[string]*trustedKey
	byId      map[int64]*trustedKey
}

func NewManager(store *Keystore) *Manager {
	return &Manager{
		store: store,
		byUid: make(map[string]*trustedKey),
		byId:  make(map[int64]*trustedKey),
	}
}

// GenerateKeyPair creates a new EC key pair and persists the private key
// encrypted under the device secret. This is an explicit operator action; it
// overwrites any pair previously stored for the uid.
func (m *Manager) GenerateKeyPair(deviceUid string, deviceId int64, secret string) error {
	if deviceId < 0 || deviceId > MaxDeviceId {
		return fmt.Errorf("device id %d out of range", deviceId)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	if err := m.store.Save(deviceUid, priv, secret); err != nil {
		return err
	}

	m.mu.Lock()
	m.deviceUid = deviceUid
	m.deviceId = deviceId
	m.priv = priv
	m.mu.Unlock()

	log.Infof("generated key pair for device %s", deviceUid)
	return nil
}

// Initialize loads an existing stored pair. When none exists or the secret is
// wrong, the manager stays uninitialized; it never generates a key on its own.
func (m *Manager) Initialize(deviceUid string, deviceId int64, secret string) error {
	if deviceId < 0 || deviceId > MaxDeviceId {
		return fmt.Errorf("device id %d out of range", deviceId)
	}

	priv, err := m.store.Load(deviceUid, secret)
	if err != nil {
		if errors.Is(err, ErrNoStoredKey) || errors.Is(err, ErrBadSecret) {
			log.Warnf("key pair for device %s not loaded: %v", deviceUid, err)
		}
		return err
	}

	m.mu.Lock()
	m.deviceUid = deviceUid
	m.deviceId = deviceId
	m.priv = priv
	m.mu.Unlock()
	return nil
}

func (m *Manager) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.priv != nil
}

func (m *Manager) DeviceUid() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deviceUid
}

// PublicKey returns the manager's own public key as base64 SPKI DER, the
// format sent to the server for registration.
func (m *Manager) PublicKey() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.priv == nil {
		return "", ErrNoStoredKey
	}
	der, err := x509.MarshalPKIXPublicKey(&m.priv.PublicKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// LoadPublicKeys replaces the trusted key cache. Entries whose key fails to
// parse are skipped; unapproved entries are cached but never verify.
func (m *Manager) LoadPublicKeys(entries []PublicKeyEntry) {
	byUid := make(map[string]*trustedKey, len(entries))
	byId := make(map[int64]*trustedKey, len(entries))

	for _, e := range entries {
		pub, err := parsePublicKey(e.PublicKey)
		if err != nil {
			log.Warnf("skipping public key for device %s: %v", e.Uid, err)
			continue
		}
		t := &trustedKey{entry: e, key: pub}
		byUid[e.Uid] = t
		byId[e.Id] = t
	}

	m.mu.Lock()
	m.byUid = byUid
	m.byId = byId
	m.mu.Unlock()
}

func parsePublicKey(b64 string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ecdsa public key")
	}
	if ecdsaPub.Curve != elliptic.P256() {
		return nil, errors.New("unexpected curve")
	}
	return ecdsaPub, nil
}

// Sign produces the fixed 64-byte r‖s signature over a payload.
func (m *Manager) Sign(payload []byte) ([]byte, error) {
	m.mu.RLock()
	priv := m.priv
	m.mu.RUnlock()
	if priv == nil {
		return nil, ErrNoStoredKey
	}

	hash := sha256.Sum256(payload)
	r, s, err := ecdsa.Sign(rand.Reader, priv, hash[:])
	if err != nil {
		return nil, err
	}

	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// Verify checks a payload signature against the cached key for a device. The
// device is looked up by uid, falling back to its numeric id. It returns
// false, never an error, for an unknown signer, an unapproved key or a bad
// signature.
func (m *Manager) Verify(deviceUid string, payload, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}

	m.mu.RLock()
	t, ok := m.byUid[deviceUid]
	if !ok {
		if id, err := strconv.ParseInt(deviceUid, 10, 64); err == nil {
			t, ok = m.byId[id]
		}
	}
	m.mu.RUnlock()

	if !ok || t.entry.ApprovedAt == nil {
		return false
	}

	hash := sha256.Sum256(payload)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(t.key, hash[:], r, s)
}
