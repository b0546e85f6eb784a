package memory

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// snapshotVersion is bumped when the snapshot encoding changes shape.
const snapshotVersion = 1

// snapshotFileName is the single durable artifact under the storage directory.
const snapshotFileName = "memory.snapshot"

// FilePersister saves the store state as one gob-encoded snapshot file,
// replaced atomically on each flush: the new snapshot is written fully to a
// temporary file in the same directory and only then renamed over the durable
// copy, so a crash mid-write never leaves a half-written snapshot visible.
type FilePersister struct {
	dir    string
	logger *slog.Logger
}

// NewFilePersister creates a FilePersister rooted at dir, creating the
// directory if needed.
func NewFilePersister(dir string, logger *slog.Logger) (*FilePersister, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create storage dir %s: %w", dir, err)
	}
	return &FilePersister{dir: dir, logger: logger}, nil
}

// Load reads and decodes the snapshot file. ok is false when no snapshot
// exists yet; a snapshot that exists but cannot be decoded is an error the
// caller downgrades to a warn-and-start-empty.
func (p *FilePersister) Load(_ context.Context) (SnapshotData, bool, error) {
	path := filepath.Join(p.dir, snapshotFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotData{}, false, nil
		}
		return SnapshotData{}, false, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()

	var data SnapshotData
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return SnapshotData{}, false, fmt.Errorf("snapshot: decode %s: %w", path, err)
	}
	if data.Version != snapshotVersion {
		return SnapshotData{}, false, fmt.Errorf("snapshot: unsupported version %d", data.Version)
	}
	return data, true, nil
}

// Save encodes data to a temporary file and renames it over the durable copy.
func (p *FilePersister) Save(_ context.Context, data SnapshotData) error {
	path := filepath.Join(p.dir, snapshotFileName)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("snapshot: create %s: %w", tmp, err)
	}
	if err := gob.NewEncoder(f).Encode(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: rename %s: %w", tmp, err)
	}
	return nil
}

// Close is a no-op; the persister holds no open resources between saves.
func (p *FilePersister) Close() error { return nil }

// Name identifies the backend in logs and status output.
func (p *FilePersister) Name() string { return "snapshot" }

// Compile-time interface satisfaction check.
var _ Persister = (*FilePersister)(nil)
