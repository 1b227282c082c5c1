// Package taskmanager owns the registry of running sync tasks: starting,
// stopping, resetting, and deleting them, and restoring persisted tasks
// on process boot.
package taskmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/siddontang/loggers"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/time/rate"

	"github.com/block/rowsync/internal/checkpoint"
	"github.com/block/rowsync/internal/config"
	"github.com/block/rowsync/internal/convert"
	"github.com/block/rowsync/internal/dbconn"
	"github.com/block/rowsync/internal/errkind"
	"github.com/block/rowsync/internal/flush"
	"github.com/block/rowsync/internal/introspect"
	"github.com/block/rowsync/internal/logging"
	"github.com/block/rowsync/internal/metrics"
	"github.com/block/rowsync/internal/model"
	"github.com/block/rowsync/internal/replsource"
	"github.com/block/rowsync/internal/sink"
	"github.com/block/rowsync/internal/supervisor"
	"github.com/block/rowsync/internal/worker"
)

// Dirs is the local filesystem layout the manager persists to.
type Dirs struct {
	Configs string
	State   string
	Logs    string
}

// Manager is the task registry: one entry per running (or soft-stopped)
// task, guarded by a single lock. Worker execution always happens outside
// the lock.
type Manager struct {
	dirs     Dirs
	configs  *config.Store
	registry *prometheus.Registry

	mu    sync.Mutex
	tasks map[string]*taskEntry
}

type taskEntry struct {
	cfg        model.TaskConfig
	cancel     context.CancelFunc
	done       chan struct{}
	closeLog   func() error
	metricsReg *metrics.TaskMetrics
	sup        *supervisor.Supervisor
	w          *worker.Worker
}

// New returns a Manager persisting configs/checkpoints/logs under dirs,
// owning its own Prometheus registry for the tasks it starts.
func New(dirs Dirs) *Manager {
	return &Manager{
		dirs:     dirs,
		configs:  config.New(dirs.Configs),
		registry: prometheus.NewRegistry(),
		tasks:    make(map[string]*taskEntry),
	}
}

// Registry exposes the manager's Prometheus registry for the (external)
// HTTP surface to scrape.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Start persists cfg and launches a supervised worker for it.
func (m *Manager) Start(ctx context.Context, cfg model.TaskConfig) error {
	if err := m.validate(cfg); err != nil {
		return errkind.Wrap(errkind.ConfigInvalid, err)
	}
	if err := m.configs.Save(cfg); err != nil {
		return err
	}
	return m.launch(ctx, cfg)
}

// StartByID loads a persisted config and launches it, resuming from
// whatever checkpoint exists.
func (m *Manager) StartByID(ctx context.Context, taskID string) error {
	cfg, err := m.configs.Load(taskID)
	if err != nil {
		return errkind.Wrap(errkind.ConfigInvalid, err)
	}
	return m.launch(ctx, cfg)
}

func (m *Manager) validate(cfg model.TaskConfig) error {
	if cfg.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if cfg.SourceDSN == "" || cfg.SinkURI == "" {
		return fmt.Errorf("source_dsn and sink_uri are required")
	}
	if len(cfg.Schemas) == 0 {
		return fmt.Errorf("at least one schema is required")
	}
	return nil
}

func (m *Manager) launch(parent context.Context, cfg model.TaskConfig) error {
	cfg = cfg.WithDefaults()

	m.mu.Lock()
	if _, exists := m.tasks[cfg.TaskID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("task %s is already running", cfg.TaskID)
	}
	m.mu.Unlock()

	logger, closeLog, err := logging.New(m.dirs.Logs, cfg.TaskID)
	if err != nil {
		return err
	}

	w, err := m.buildWorker(parent, cfg, logger)
	if err != nil {
		_ = closeLog()
		return err
	}

	metricsReg, err := metrics.Register(m.registry, cfg.TaskID)
	if err != nil {
		_ = closeLog()
		return err
	}

	sup := &supervisor.Supervisor{
		Worker:     w,
		Logger:     logger,
		BackoffMax: time.Duration(cfg.IncReconnectBackoffMaxSec) * time.Second,
		MaxRetries: cfg.IncReconnectMaxRetry,
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	entry := &taskEntry{cfg: cfg, cancel: cancel, done: done, closeLog: closeLog, metricsReg: metricsReg, sup: sup, w: w}
	m.mu.Lock()
	m.tasks[cfg.TaskID] = entry
	m.mu.Unlock()

	go func() {
		defer close(done)
		defer closeLog()
		if err := sup.Run(ctx); err != nil {
			logger.Errorf("task %s stopped: %v", cfg.TaskID, err)
		}
	}()
	return nil
}

func (m *Manager) buildWorker(ctx context.Context, cfg model.TaskConfig, logger loggers.Advanced) (*worker.Worker, error) {
	dbCfg := dbconn.DefaultConfig()
	dbCfg.TLSMode = cfg.SourceTLS

	sourceDB, err := dbconn.Open(ctx, cfg.SourceDSN, dbCfg)
	if err != nil {
		return nil, err
	}

	introspector := introspect.New(sourceDB, 30*time.Second)
	cpStore := checkpoint.New(m.dirs.State, cfg.TaskID, time.Duration(cfg.StateSaveIntervalSec)*time.Second)

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.SinkURI).SetMaxPoolSize(uint64(cfg.MongoMaxPoolSize)))
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, fmt.Errorf("connect sink: %w", err))
	}
	db := mongoClient.Database(cfg.SinkDB)

	limiter := rate.NewLimiter(rate.Inf, 1)
	writer := sink.New(mongoDatabase{db}, limiter, logger)
	buffer := flush.New(writer, cfg.FlushBatchSize, time.Duration(cfg.FlushIntervalSec)*time.Second, cfg.FlushConcurrency)

	source := replsource.New(replsource.Config{
		Addr:    cfg.SourceDSN,
		Schemas: cfg.Schemas,
		Logger:  logger,
	})
	source.OnTableChangedCallback(introspector.Invalidate)

	w := &worker.Worker{
		TaskID:       cfg.TaskID,
		Config:       cfg,
		Logger:       logger,
		SourceDB:     sourceDB,
		Introspector: introspector,
		Checkpoints:  cpStore,
		Flush:        buffer,
		Source:       source,
		NewConverter: func(ts *introspect.TableSchema, cfg model.TaskConfig) worker.Converter {
			return convert.FromColumnList(ts.Columns, cfg.PKField, cfg.UsePKAsMongoID)
		},
	}
	return w, nil
}

// mongoDatabase adapts *mongo.Database to sink.Database.
type mongoDatabase struct{ db *mongo.Database }

func (m mongoDatabase) Collection(name string) *mongo.Collection { return m.db.Collection(name) }

// Stop signals the task, closes its replication stream, and removes it
// from the registry.
func (m *Manager) Stop(taskID string) error {
	entry, err := m.takeEntry(taskID, true)
	if err != nil {
		return err
	}
	entry.cancel()
	<-entry.done
	entry.metricsReg.Unregister(m.registry)
	return nil
}

// StopSoft signals the task but leaves the registry entry intact, for a
// graceful drain before process shutdown.
func (m *Manager) StopSoft(taskID string) error {
	entry, err := m.takeEntry(taskID, false)
	if err != nil {
		return err
	}
	entry.cancel()
	<-entry.done
	return nil
}

func (m *Manager) takeEntry(taskID string, remove bool) (*taskEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s is not running", taskID)
	}
	if remove {
		delete(m.tasks, taskID)
	}
	return entry, nil
}

// Reset deletes the task's checkpoint only; the next start re-runs
// full-sync.
func (m *Manager) Reset(taskID string) error {
	path := filepath.Join(m.dirs.State, taskID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("taskmanager: reset %s: %w", taskID, err)
	}
	return nil
}

// Delete stops the task (if running), then deletes its config,
// checkpoint, and log file.
func (m *Manager) Delete(taskID string) error {
	m.mu.Lock()
	_, running := m.tasks[taskID]
	m.mu.Unlock()
	if running {
		if err := m.Stop(taskID); err != nil {
			return err
		}
	}
	if err := m.configs.Delete(taskID); err != nil {
		return err
	}
	if err := m.Reset(taskID); err != nil {
		return err
	}
	logPath := filepath.Join(m.dirs.Logs, taskID+".log")
	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("taskmanager: delete log %s: %w", taskID, err)
	}
	return nil
}

// List returns the task ids currently registered (running or soft-stopped).
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		out = append(out, id)
	}
	return out
}

// Status returns the live status of a running task.
func (m *Manager) Status(taskID string) (model.Status, model.MetricsSnapshot, error) {
	m.mu.Lock()
	entry, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return "", model.MetricsSnapshot{}, fmt.Errorf("task %s is not running", taskID)
	}
	status, snap := entry.w.Status()
	entry.metricsReg.Observe(status, snap)
	return status, snap, nil
}

// RestoreFromDisk starts every persisted task config at boot.
func (m *Manager) RestoreFromDisk(ctx context.Context) error {
	ids, err := m.configs.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := m.StartByID(ctx, id); err != nil {
			return fmt.Errorf("taskmanager: restore %s: %w", id, err)
		}
	}
	return nil
}
