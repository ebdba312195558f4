package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/and161185/cardvault/internal/errs"
	"github.com/and161185/cardvault/internal/model"
)

const (
	snapshotName = "collection.json"
	backupSuffix = ".bak"
)

// snapshotFile is the durable on-disk form of the store. Hash covers the
// JSON encoding of the file with Hash itself empty, detecting tampering or
// torn writes before any field is trusted.
type snapshotFile struct {
	UserID            string                `json:"user_id"`
	DeviceID          string                `json:"device_id"`
	State             model.CollectionState `json:"state"`
	Queue             []model.QueuedAction  `json:"queue"`
	Version           int64                 `json:"version"`
	LastSyncedVersion int64                 `json:"last_synced_version"`
	SigningKeyVersion int64                 `json:"signing_key_version"`
	Hash              string                `json:"hash"`
}

func primaryPath(dir string) string { return filepath.Join(dir, snapshotName) }
func backupPath(dir string) string  { return filepath.Join(dir, snapshotName+backupSuffix) }

func (sf *snapshotFile) computeHash() (string, error) {
	cp := *sf
	cp.Hash = ""
	b, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// loadSnapshot reads and hash-verifies one snapshot file.
func loadSnapshot(path string) (*snapshotFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf snapshotFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	want, err := sf.computeHash()
	if err != nil {
		return nil, err
	}
	if sf.Hash != want {
		return nil, fmt.Errorf("snapshot %s: %w", filepath.Base(path), errs.ErrCorruptSnapshot)
	}
	return &sf, nil
}

// persistLocked writes the snapshot atomically: temp file, previous
// snapshot demoted to .bak, rename into place. Callers hold s.mu.
func (s *Store) persistLocked() error {
	sf := snapshotFile{
		UserID:            s.userID.String(),
		DeviceID:          s.deviceID.String(),
		State:             s.state,
		Queue:             s.queue.Pending(),
		Version:           s.version,
		LastSyncedVersion: s.lastSynced,
		SigningKeyVersion: s.keyVersion,
	}
	h, err := sf.computeHash()
	if err != nil {
		return err
	}
	sf.Hash = h

	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	path := primaryPath(s.dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, backupPath(s.dir)); err != nil {
			return err
		}
	}
	return os.Rename(tmp, path)
}

func removeSnapshots(dir string) error {
	for _, p := range []string{primaryPath(dir), backupPath(dir), primaryPath(dir) + ".tmp"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
