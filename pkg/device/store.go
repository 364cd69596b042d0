package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pion/logging"
)

// Store abstracts persistence for the device registry.
// Implementations can use files or in-memory storage.
//
// All methods must be safe for concurrent use.
type Store interface {
	// Load returns all persisted devices.
	Load() ([]*Device, error)

	// Save atomically replaces the persisted device set.
	Save(devices []*Device) error
}

// storeFileVersion is bumped when the on-disk layout changes.
const storeFileVersion = 1

// storeFile is the on-disk envelope. Records are kept raw so one corrupt
// record does not take down the rest of the file.
type storeFile struct {
	Version int               `json:"version"`
	Devices []json.RawMessage `json:"devices"`
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	// Path is the device file location, e.g. ~/.local/share/ras/devices.json.
	Path string

	// LoggerFactory creates the store's logger. Defaults to the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// FileStore persists devices to a single JSON file. Writes go through a
// temporary file that is fsynced and renamed into place, so readers never
// observe a half-written store. Master secrets are stored base64-encoded
// and the file is created with owner-only permissions.
type FileStore struct {
	path string
	log  logging.LeveledLogger
	mu   sync.Mutex
}

// NewFileStore creates a file-backed store at the given path.
func NewFileStore(config FileStoreConfig) (*FileStore, error) {
	if config.Path == "" {
		return nil, errors.New("device: store path required")
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &FileStore{
		path: config.Path,
		log:  loggerFactory.NewLogger("device"),
	}, nil
}

// Load reads the device file. A missing file yields an empty registry.
// Individual records that fail to parse or validate are skipped with a
// diagnostic; the rest load normally.
func (s *FileStore) Load() ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("device: read store: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("device: parse store: %w", err)
	}

	devices := make([]*Device, 0, len(file.Devices))
	for i, raw := range file.Devices {
		var d Device
		if err := json.Unmarshal(raw, &d); err != nil {
			s.log.Warnf("skipping corrupt device record %d: %v", i, err)
			continue
		}
		if err := d.Validate(); err != nil {
			s.log.Warnf("skipping invalid device record %d: %v", i, err)
			continue
		}
		devices = append(devices, &d)
	}
	return devices, nil
}

// Save writes the full device set atomically: temporary file, fsync, rename.
func (s *FileStore) Save(devices []*Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := storeFile{Version: storeFileVersion}
	for _, d := range devices {
		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("device: encode record %q: %w", d.ID, err)
		}
		file.Devices = append(file.Devices, raw)
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("device: encode store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("device: create store dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("device: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("device: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("device: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("device: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("device: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("device: rename into place: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory Store implementation. Useful for testing and
// development. Data is lost when the process exits.
//
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	devices []*Device
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the stored devices.
func (m *MemoryStore) Load() ([]*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*Device, len(m.devices))
	for i, d := range m.devices {
		result[i] = d.Clone()
	}
	return result, nil
}

// Save replaces the stored device set.
func (m *MemoryStore) Save(devices []*Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices = make([]*Device, len(devices))
	for i, d := range devices {
		m.devices[i] = d.Clone()
	}
	return nil
}

// Verify implementations satisfy Store.
var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
