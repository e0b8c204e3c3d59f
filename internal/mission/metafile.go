package mission

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// persistMu orders metadata writes so the last writer always carries the
// newest state.
var persistMu sync.Mutex

// Persist writes the mission to MetadataPath, replacing the previous
// record atomically.
func (m *Mission) Persist() error {
	if m.MetadataPath == "" {
		return nil
	}
	persistMu.Lock()
	defer persistMu.Unlock()

	data, err := m.Encode()
	if err != nil {
		return err
	}
	return writeAtomic(m.MetadataPath, data)
}

func (m *Mission) persistLogged() {
	if err := m.Persist(); err != nil {
		m.logger().Warn("failed to persist mission", "path", m.MetadataPath, "error", err)
	}
}

// Claim binds the mission to timestamp ts inside dir and writes its first
// record. The file is created exclusively; fs.ErrExist means another
// mission already owns ts.
func (m *Mission) Claim(dir string, ts int64) error {
	path := filepath.Join(dir, strconv.FormatInt(ts, 10))

	prevTS, prevPath := m.Timestamp, m.MetadataPath
	m.Timestamp, m.MetadataPath = ts, path
	data, err := m.Encode()
	if err == nil {
		err = createExclusive(path, data)
	}
	if err != nil {
		m.Timestamp, m.MetadataPath = prevTS, prevPath
		return err
	}
	return nil
}

// RemoveMetadata deletes the mission's metadata file.
func (m *Mission) RemoveMetadata() error {
	if m.MetadataPath == "" {
		return nil
	}
	persistMu.Lock()
	defer persistMu.Unlock()
	if err := os.Remove(m.MetadataPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove metadata: %w", err)
	}
	return nil
}

// Load reads and decodes the metadata file at path.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	rec, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	rec.Mission.MetadataPath = path
	return rec, nil
}

func createExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}
