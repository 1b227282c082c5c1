// Package config persists task configuration to configs/<task_id>.json.
// The store treats the bytes on disk as opaque to a pluggable Codec: the
// core never assumes plaintext, so an encrypting codec is a legitimate
// future Codec implementation without any change to this package.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/block/rowsync/internal/model"
)

// Codec encodes/decodes a TaskConfig to/from the bytes written to disk.
type Codec interface {
	Encode(cfg model.TaskConfig) ([]byte, error)
	Decode(data []byte) (model.TaskConfig, error)
}

// jsonCodec is the default Codec: plain, indented JSON.
type jsonCodec struct{}

func (jsonCodec) Encode(cfg model.TaskConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (jsonCodec) Decode(data []byte) (model.TaskConfig, error) {
	var cfg model.TaskConfig
	err := json.Unmarshal(data, &cfg)
	return cfg, err
}

// Store persists task configs under dir, one file per task.
type Store struct {
	dir   string
	codec Codec
}

// New returns a Store using the default plaintext JSON codec.
func New(dir string) *Store {
	return &Store{dir: dir, codec: jsonCodec{}}
}

// NewWithCodec returns a Store using a caller-supplied codec, e.g. one
// that encrypts configuration at rest.
func NewWithCodec(dir string, codec Codec) *Store {
	return &Store{dir: dir, codec: codec}
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Save persists cfg, overwriting any existing file for the same task id.
func (s *Store) Save(cfg model.TaskConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", s.dir, err)
	}
	data, err := s.codec.Encode(cfg)
	if err != nil {
		return fmt.Errorf("config: encode %s: %w", cfg.TaskID, err)
	}
	if err := os.WriteFile(s.path(cfg.TaskID), data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", cfg.TaskID, err)
	}
	return nil
}

// Load reads and decodes the config for taskID.
func (s *Store) Load(taskID string) (model.TaskConfig, error) {
	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		return model.TaskConfig{}, fmt.Errorf("config: read %s: %w", taskID, err)
	}
	return s.codec.Decode(data)
}

// Delete removes the persisted config for taskID, if any.
func (s *Store) Delete(taskID string) error {
	err := os.Remove(s.path(taskID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: delete %s: %w", taskID, err)
	}
	return nil
}

// List returns every persisted task id found under dir.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: list %s: %w", s.dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}
