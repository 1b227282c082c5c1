// Package logging builds the per-task logger: a logrus.Entry writing to
// an append-only file, tagged with the task id on every line. logrus
// already satisfies the siddontang/loggers.Advanced interface the rest of
// the core (and go-mysql's canal) expects, the same way the teacher hands
// a bare *logrus.Logger to every component that wants one.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// New opens (or creates) dir/<taskID>.log for append and returns a
// logger tagged with the task id, plus the file's Close for shutdown.
func New(dir, taskID string) (*logrus.Entry, func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, taskID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open %s: %w", path, err)
	}

	base := logrus.New()
	base.SetOutput(f)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	return base.WithField("task_id", taskID), f.Close, nil
}
