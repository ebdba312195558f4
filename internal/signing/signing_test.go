package signing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/cardvault/internal/errs"
)

func TestOpen_MissingFileGivesEmptyManager(t *testing.T) {
	m, err := Open(t.TempDir())
	require.NoError(t, err)
	require.Zero(t, m.KeyVersion())
	require.Nil(t, m.PublicKey())

	_, err = m.Sign([]byte("payload"))
	require.ErrorIs(t, err, errs.ErrNoSigningKey)
}

func TestGenerate_SignVerifyRoundTrip(t *testing.T) {
	m, err := Open(t.TempDir())
	require.NoError(t, err)

	pub, err := m.Generate()
	require.NoError(t, err)
	require.EqualValues(t, 1, m.KeyVersion())

	payload := []byte(`{"device_id":"x","actions":[]}`)
	sig, err := m.Sign(payload)
	require.NoError(t, err)
	require.True(t, Verify(pub, payload, sig))
	require.False(t, Verify(pub, []byte("tampered"), sig))
}

func TestGenerate_TwiceFails(t *testing.T) {
	m, _ := Open(t.TempDir())
	_, err := m.Generate()
	require.NoError(t, err)
	_, err = m.Generate()
	require.Error(t, err)
}

func TestRemove_AllowsFreshGenerateAfterSignOut(t *testing.T) {
	dir := t.TempDir()
	m, _ := Open(dir)
	oldPub, err := m.Generate()
	require.NoError(t, err)

	require.NoError(t, m.Remove())
	require.Zero(t, m.KeyVersion())
	_, err = m.Sign([]byte("payload"))
	require.ErrorIs(t, err, errs.ErrNoSigningKey)

	reopened, err := Open(dir)
	require.NoError(t, err)
	newPub, err := reopened.Generate()
	require.NoError(t, err)
	require.EqualValues(t, 1, reopened.KeyVersion())
	require.NotEqual(t, oldPub, newPub)
}

func TestRemove_WithoutKeyIsNoOp(t *testing.T) {
	m, _ := Open(t.TempDir())
	require.NoError(t, m.Remove())
}

func TestRotate_BumpsVersionAndInvalidatesOldKey(t *testing.T) {
	m, _ := Open(t.TempDir())
	oldPub, err := m.Generate()
	require.NoError(t, err)

	newPub, ver, err := m.Rotate()
	require.NoError(t, err)
	require.EqualValues(t, 2, ver)
	require.NotEqual(t, oldPub, newPub)

	payload := []byte("after rotation")
	sig, err := m.Sign(payload)
	require.NoError(t, err)
	require.True(t, Verify(newPub, payload, sig))
	require.False(t, Verify(oldPub, payload, sig))
}

func TestRotate_WithoutKeyFails(t *testing.T) {
	m, _ := Open(t.TempDir())
	_, _, err := m.Rotate()
	require.ErrorIs(t, err, errs.ErrNoSigningKey)
}

func TestOpen_ReloadsPersistedKey(t *testing.T) {
	dir := t.TempDir()
	m, _ := Open(dir)
	pub, err := m.Generate()
	require.NoError(t, err)
	_, _, err = m.Rotate()
	require.NoError(t, err)
	rotatedPub := m.PublicKey()

	reloaded, err := Open(dir)
	require.NoError(t, err)
	require.EqualValues(t, 2, reloaded.KeyVersion())
	require.Equal(t, rotatedPub, reloaded.PublicKey())
	require.NotEqual(t, pub, reloaded.PublicKey())

	sig, err := reloaded.Sign([]byte("hello"))
	require.NoError(t, err)
	require.True(t, Verify(rotatedPub, []byte("hello"), sig))
}

func TestVerify_RejectsBadKeyLength(t *testing.T) {
	require.False(t, Verify([]byte("short"), []byte("p"), []byte("s")))
}
