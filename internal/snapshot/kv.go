package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/franz/dive-atlas/internal/util"
	"github.com/natefinch/atomic"
)

// VersionKey is the key under which the installed snapshot's version token is kept
const VersionKey = "master_db_version"

// FileKV is a small durable key/value store backed by one JSON file.
// Every Set rewrites the file atomically.
type FileKV struct {
	path string
	mu   sync.Mutex
}

// NewFileKV returns a store backed by the file at path
func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

// Path returns the backing file path
func (kv *FileKV) Path() string {
	return kv.path
}

// load must be called with the lock held. A corrupt file reads as empty.
func (kv *FileKV) load() (map[string]string, error) {
	data, err := os.ReadFile(kv.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", kv.path, err)
	}

	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		util.WarnLog("Ignoring corrupt state file %s: %v", kv.path, err)
		return map[string]string{}, nil
	}
	return values, nil
}

func (kv *FileKV) save(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(kv.path), 0755); err != nil {
		return err
	}
	if err := atomic.WriteFile(kv.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", kv.path, err)
	}
	return nil
}

// Get returns the value for key, or "" when unset
func (kv *FileKV) Get(key string) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	values, err := kv.load()
	if err != nil {
		return "", err
	}
	return values[key], nil
}

// Set stores value under key
func (kv *FileKV) Set(key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	values, err := kv.load()
	if err != nil {
		return err
	}
	values[key] = value
	return kv.save(values)
}

// Delete removes key
func (kv *FileKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	values, err := kv.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return kv.save(values)
}
