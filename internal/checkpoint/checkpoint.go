// Package checkpoint persists each task's resume position durably, so a
// restarted worker resumes incremental replication from the last
// successfully-applied binlog position rather than replaying or skipping
// events.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/block/rowsync/internal/errkind"
	"github.com/block/rowsync/internal/model"
)

// Store persists one task's checkpoint as state/<task_id>.json, written
// via a temp-file-then-rename so a crash mid-write never corrupts the
// previous good checkpoint.
type Store struct {
	dir    string
	taskID string

	mu       sync.Mutex
	last     time.Time
	minEvery time.Duration
}

// New returns a Store writing to dir/<taskID>.json, throttling non-forced
// saves to at most one per minEvery.
func New(dir, taskID string, minEvery time.Duration) *Store {
	if minEvery <= 0 {
		minEvery = time.Second
	}
	return &Store{dir: dir, taskID: taskID, minEvery: minEvery}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, s.taskID+".json")
}

// Load reads the last persisted checkpoint. A missing file is not an
// error: it means the task has never completed incremental sync before,
// and the caller should start full-sync from scratch.
func (s *Store) Load() (*model.Checkpoint, error) {
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Bug, fmt.Errorf("read checkpoint: %w", err))
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, fmt.Errorf("parse checkpoint: %w", err))
	}
	return &cp, nil
}

// Save persists cp if at least minEvery has passed since the last save;
// when force is set it writes unconditionally. The worker forces its
// saves (after full sync, and after each interval-paced flush in the
// incremental loop), doing its own pacing.
func (s *Store) Save(cp *model.Checkpoint, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && time.Since(s.last) < s.minEvery {
		return nil
	}
	if err := s.writeAtomic(cp); err != nil {
		return err
	}
	s.last = time.Now()
	return nil
}

func (s *Store) writeAtomic(cp *model.Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errkind.Wrap(errkind.Bug, fmt.Errorf("mkdir checkpoint dir: %w", err))
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.Bug, fmt.Errorf("marshal checkpoint: %w", err))
	}
	tmpPath := filepath.Join(s.dir, s.taskID+".json."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return errkind.Wrap(errkind.Bug, fmt.Errorf("write temp checkpoint: %w", err))
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		_ = os.Remove(tmpPath)
		return errkind.Wrap(errkind.Bug, fmt.Errorf("rename checkpoint: %w", err))
	}
	return nil
}
