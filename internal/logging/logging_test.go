package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_WritesTaggedLinesToTheTaskLogFile(t *testing.T) {
	dir := t.TempDir()
	logger, closeFn, err := New(dir, "orders")
	assert.NoError(t, err)
	defer closeFn()

	logger.Info("hello")

	data, err := os.ReadFile(filepath.Join(dir, "orders.log"))
	assert.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), `task_id=orders`)
}

func TestNew_CreatesTheLogDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	_, closeFn, err := New(dir, "orders")
	assert.NoError(t, err)
	defer closeFn()

	info, err := os.Stat(dir)
	assert.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNew_AppendsAcrossReopens(t *testing.T) {
	dir := t.TempDir()
	logger1, close1, err := New(dir, "orders")
	assert.NoError(t, err)
	logger1.Info("first")
	assert.NoError(t, close1())

	logger2, close2, err := New(dir, "orders")
	assert.NoError(t, err)
	logger2.Info("second")
	assert.NoError(t, close2())

	data, err := os.ReadFile(filepath.Join(dir, "orders.log"))
	assert.NoError(t, err)
	assert.Contains(t, string(data), "first")
	assert.Contains(t, string(data), "second")
}
