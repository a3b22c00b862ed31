package keys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	return NewManager(NewKeystore(dir))
}

func TestKeyLifecycle(t *testing.T) {
	t.Run("generated key survives a restart", func(t *testing.T) {
		dir := t.TempDir()

		m := newTestManager(t, dir)
		require.NoError(t, m.GenerateKeyPair("device-1", 42, "s3cret"))
		assert.True(t, m.IsInitialized())

		pub, err := m.PublicKey()
		require.NoError(t, err)

		reloaded := newTestManager(t, dir)
		require.NoError(t, reloaded.Initialize("device-1", 42, "s3cret"))
		assert.Equal(t, "device-1", reloaded.DeviceUid())

		pub2, err := reloaded.PublicKey()
		require.NoError(t, err)
		assert.Equal(t, pub, pub2)
	})

	t.Run("wrong secret never initializes", func(t *testing.T) {
		dir := t.TempDir()

		m := newTestManager(t, dir)
		require.NoError(t, m.GenerateKeyPair("device-1", 42, "s3cret"))

		reloaded := newTestManager(t, dir)
		err := reloaded.Initialize("device-1", 42, "wrong")
		assert.ErrorIs(t, err, ErrBadSecret)
		assert.False(t, reloaded.IsInitialized())
	})

	t.Run("missing key is reported, never generated", func(t *testing.T) {
		m := newTestManager(t, t.TempDir())
		err := m.Initialize("device-1", 42, "s3cret")
		assert.ErrorIs(t, err, ErrNoStoredKey)
		assert.False(t, m.IsInitialized())
	})

	t.Run("device id out of range is rejected", func(t *testing.T) {
		m := newTestManager(t, t.TempDir())
		assert.Error(t, m.GenerateKeyPair("device-1", MaxDeviceId+1, "s3cret"))
		assert.Error(t, m.Initialize("device-1", -1, "s3cret"))
	})
}

func TestSignAndVerify(t *testing.T) {
	now := time.Now()

	// signer terminal and verifier terminal with separate keystores
	signer := newTestManager(t, t.TempDir())
	require.NoError(t, signer.GenerateKeyPair("device-1", 1, "s3cret"))
	signerPub, err := signer.PublicKey()
	require.NoError(t, err)

	verifier := newTestManager(t, t.TempDir())
	verifier.LoadPublicKeys([]PublicKeyEntry{
		{Id: 1, Uid: "device-1", PublicKey: signerPub, ApprovedAt: &now},
	})

	payload := []byte("balance and counter bytes")
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	require.Len(t, sig, SignatureSize)

	t.Run("trusted signature verifies", func(t *testing.T) {
		assert.True(t, verifier.Verify("device-1", payload, sig))
	})

	t.Run("lookup falls back to the numeric id", func(t *testing.T) {
		assert.True(t, verifier.Verify("1", payload, sig))
	})

	t.Run("tampered payload fails", func(t *testing.T) {
		assert.False(t, verifier.Verify("device-1", []byte("other bytes"), sig))
	})

	t.Run("unknown signer fails", func(t *testing.T) {
		assert.False(t, verifier.Verify("device-9", payload, sig))
	})

	t.Run("truncated signature fails", func(t *testing.T) {
		assert.False(t, verifier.Verify("device-1", payload, sig[:32]))
	})

	t.Run("unapproved key never verifies", func(t *testing.T) {
		pending := newTestManager(t, t.TempDir())
		pending.LoadPublicKeys([]PublicKeyEntry{
			{Id: 1, Uid: "device-1", PublicKey: signerPub, ApprovedAt: nil},
		})
		assert.False(t, pending.Verify("device-1", payload, sig))
	})

	t.Run("unparseable key entries are skipped", func(t *testing.T) {
		m := newTestManager(t, t.TempDir())
		m.LoadPublicKeys([]PublicKeyEntry{
			{Id: 1, Uid: "device-1", PublicKey: "not base64!", ApprovedAt: &now},
		})
		assert.False(t, m.Verify("device-1", payload, sig))
	})

	t.Run("signing without a key fails", func(t *testing.T) {
		m := newTestManager(t, t.TempDir())
		_, err := m.Sign(payload)
		assert.ErrorIs(t, err, ErrNoStoredKey)
	})
}
