// Package signing owns the per-device Ed25519 signing key and its version.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/and161185/cardvault/internal/errs"
)

const keyFileName = "signing_key.json"

type keyFile struct {
	KeyVersion int64     `json:"key_version"`
	PrivateKey []byte    `json:"private_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Manager holds the current device key. Not safe for concurrent use on its
// own; the store's writer lock serializes callers.
type Manager struct {
	dir     string
	version int64
	priv    ed25519.PrivateKey
	created time.Time
}

// Open loads the key file from dir if present. A missing file leaves the
// manager empty; Sign then fails with ErrNoSigningKey until Generate runs.
func Open(dir string) (*Manager, error) {
	m := &Manager{dir: dir}
	b, err := os.ReadFile(filepath.Join(dir, keyFileName))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return nil, fmt.Errorf("signing key file: %w", err)
	}
	if len(kf.PrivateKey) != ed25519.PrivateKeySize || kf.KeyVersion < 1 {
		return nil, fmt.Errorf("signing key file: %w", errs.ErrCorruptSnapshot)
	}
	m.version = kf.KeyVersion
	m.priv = ed25519.PrivateKey(kf.PrivateKey)
	m.created = kf.CreatedAt
	return m, nil
}

// Generate creates the initial keypair at version 1 and persists it.
// Returns the public key to register with the server.
func (m *Manager) Generate() (ed25519.PublicKey, error) {
	if m.priv != nil {
		return nil, errors.New("signing key already present")
	}
	return m.install(1)
}

// Rotate replaces the keypair, bumping the version. Signatures already made
// with the old key stay verifiable server-side until the version expires.
func (m *Manager) Rotate() (ed25519.PublicKey, int64, error) {
	if m.priv == nil {
		return nil, 0, errs.ErrNoSigningKey
	}
	pub, err := m.install(m.version + 1)
	if err != nil {
		return nil, 0, err
	}
	return pub, m.version, nil
}

func (m *Manager) install(version int64) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	kf := keyFile{KeyVersion: version, PrivateKey: priv, CreatedAt: time.Now().UTC()}
	b, err := json.Marshal(kf)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(m.dir, keyFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	m.version = kf.KeyVersion
	m.priv = priv
	m.created = kf.CreatedAt
	return pub, nil
}

// Remove deletes the key file and clears the in-memory key. Sign-out calls
// this so a later Generate can start a fresh device registration.
func (m *Manager) Remove() error {
	if err := os.Remove(filepath.Join(m.dir, keyFileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	m.version = 0
	m.priv = nil
	m.created = time.Time{}
	return nil
}

// Sign signs payload with the current key. No key present is a fatal local
// condition: the device must re-register.
func (m *Manager) Sign(payload []byte) ([]byte, error) {
	if m.priv == nil {
		return nil, errs.ErrNoSigningKey
	}
	return ed25519.Sign(m.priv, payload), nil
}

// KeyVersion returns the current key version, 0 when no key exists.
func (m *Manager) KeyVersion() int64 { return m.version }

// PublicKey returns the current public key, nil when no key exists.
func (m *Manager) PublicKey() ed25519.PublicKey {
	if m.priv == nil {
		return nil
	}
	return m.priv.Public().(ed25519.PublicKey)
}

// Verify checks sig over payload against pub. Shared by server-side
// verification so both halves agree on the primitive.
func Verify(pub, payload, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}
