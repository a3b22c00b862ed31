package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize  = 16
	nonceSize = 12
)

// ErrNoStoredKey means no key pair was ever generated for the device.
var ErrNoStoredKey = errors.New("keys: no stored key pair")

// ErrBadSecret means the stored key pair exists but could not be decrypted.
var ErrBadSecret = errors.New("keys: cannot decrypt stored key pair")

// Keystore persists one encrypted EC private key per device uid. The key is
// sealed with AES-GCM under a scrypt derivation of the device secret.
type Keystore struct {
	dir string
}

func NewKeystore(dir string) *Keystore {
	return &Keystore{dir: dir}
}

func (k *Keystore) path(deviceUid string) string {
	return filepath.Join(k.dir, deviceUid+".key")
}

func deriveKey(secret string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(secret), salt, 1<<15, 8, 1, 32)
}

// Save encrypts and writes the private key, namespaced by device uid.
func (k *Keystore) Save(deviceUid string, priv *ecdsa.PrivateKey, secret string) error {
	if err := os.MkdirAll(k.dir, 0700); err != nil {
		return fmt.Errorf("keystore dir: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	aesKey, err := deriveKey(secret, salt)
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	out := append(append(salt, nonce...), gcm.Seal(nil, nonce, der, []byte(deviceUid))...)
	return os.WriteFile(k.path(deviceUid), out, 0600)
}

// Load reads and decrypts the private key for a device uid. ErrNoStoredKey
// and ErrBadSecret distinguish a missing pair from a wrong secret.
func (k *Keystore) Load(deviceUid string, secret string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(k.path(deviceUid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoStoredKey
		}
		return nil, err
	}
	if len(raw) < saltSize+nonceSize+1 {
		return nil, ErrBadSecret
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	sealed := raw[saltSize+nonceSize:]

	aesKey, err := deriveKey(secret, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	der, err := gcm.Open(nil, nonce, sealed, []byte(deviceUid))
	if err != nil {
		return nil, ErrBadSecret
	}

	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, ErrBadSecret
	}
	return priv, nil
}
