package syncstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Medium is the raw string storage behind an Adapter.
type Medium interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Keys() ([]string, error)
}

// MemoryMedium keeps records in memory. It backs the session-scoped store:
// the records live as long as the owning context keeps the medium.
type MemoryMedium struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryMedium creates an empty in-memory medium.
func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{data: make(map[string]string)}
}

// Get implements Medium.
func (m *MemoryMedium) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements Medium.
func (m *MemoryMedium) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Remove implements Medium.
func (m *MemoryMedium) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys implements Medium.
func (m *MemoryMedium) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

const (
	// recordSuffix marks record files inside a DirMedium directory.
	recordSuffix = ".rec"

	// digestPrefix marks record files named by the digest of their key.
	digestPrefix = "sha256-"

	// maxNameLen is the file name limit of common filesystems.
	maxNameLen = 255
)

// DirMedium stores one file per key in a directory shared by every process
// that opens the same origin. Writes go through a temp file and rename, so a
// reader never observes a partially written record.
//
// Keys too long to hex encode into a file name are stored under the digest
// of the key. Such a file starts with the hex encoded key on its own line.
type DirMedium struct {
	dir string

	mu      sync.Mutex
	digests map[string]string // digest file name -> key
}

// NewDirMedium creates the directory if needed and returns a medium over it.
func NewDirMedium(dir string) (*DirMedium, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shared store directory %s: %w", dir, err)
	}
	return &DirMedium{dir: dir, digests: make(map[string]string)}, nil
}

// Dir returns the directory holding the records.
func (m *DirMedium) Dir() string {
	return m.dir
}

// FileName returns the file name used for key.
// Keys are hex encoded so any string is a valid key. Keys whose encoding
// would exceed the file name limit are named by their SHA-256 digest.
func FileName(key string) string {
	name := hex.EncodeToString([]byte(key)) + recordSuffix
	if len(name) <= maxNameLen {
		return name
	}
	sum := sha256.Sum256([]byte(key))
	return digestPrefix + hex.EncodeToString(sum[:]) + recordSuffix
}

func isDigestName(name string) bool {
	return strings.HasPrefix(name, digestPrefix) && strings.HasSuffix(name, recordSuffix)
}

// KeyFromFileName reverses FileName for hex named records. Temp files,
// foreign files and digest named records report false; use
// DirMedium.KeyForFile for the latter.
func KeyFromFileName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordSuffix) {
		return "", false
	}
	raw, err := hex.DecodeString(strings.TrimSuffix(name, recordSuffix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// KeyForFile returns the key stored in the record file name. Digest named
// records are resolved from keys this medium has addressed, or else from the
// file's key line. A removed digest file of a key never addressed here
// reports false.
func (m *DirMedium) KeyForFile(name string) (string, bool) {
	if key, ok := KeyFromFileName(name); ok {
		return key, true
	}
	if !isDigestName(name) {
		return "", false
	}

	m.mu.Lock()
	key, ok := m.digests[name]
	m.mu.Unlock()
	if ok {
		return key, true
	}

	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return "", false
	}
	key, _, err = splitKeyLine(data)
	if err != nil || FileName(key) != name {
		return "", false
	}
	m.remember(name, key)
	return key, true
}

func (m *DirMedium) remember(name, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digests[name] = key
}

// splitKeyLine separates the key line of a digest named record.
func splitKeyLine(data []byte) (key string, value []byte, err error) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", nil, errors.New("missing key line")
	}
	raw, err := hex.DecodeString(string(data[:i]))
	if err != nil {
		return "", nil, fmt.Errorf("bad key line: %w", err)
	}
	return string(raw), data[i+1:], nil
}

// path returns the file of key and whether it is digest named.
func (m *DirMedium) path(key string) (string, bool) {
	name := FileName(key)
	digest := isDigestName(name)
	if digest {
		m.remember(name, key)
	}
	return filepath.Join(m.dir, name), digest
}

// Get implements Medium.
func (m *DirMedium) Get(key string) (string, bool, error) {
	path, digest := m.path(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %q: %w", key, err)
	}
	if !digest {
		return string(data), true, nil
	}

	stored, value, err := splitKeyLine(data)
	if err != nil {
		return "", false, fmt.Errorf("read %q: %w", key, err)
	}
	if stored != key {
		return "", false, fmt.Errorf("read %q: %s holds another key", key, filepath.Base(path))
	}
	return string(value), true, nil
}

// Set implements Medium.
func (m *DirMedium) Set(key, value string) error {
	path, digest := m.path(key)
	if digest {
		value = hex.EncodeToString([]byte(key)) + "\n" + value
	}

	f, err := os.CreateTemp(m.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	tmp := f.Name()
	if _, err := f.WriteString(value); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

// Remove implements Medium.
func (m *DirMedium) Remove(key string) error {
	path, _ := m.path(key)
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Keys implements Medium.
func (m *DirMedium) Keys() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.dir, err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if key, ok := m.KeyForFile(e.Name()); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}
