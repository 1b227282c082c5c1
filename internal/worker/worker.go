// Package worker implements the per-task sync state machine: an initial
// full snapshot of configured tables followed by an indefinite
// incremental tail of the source's replication log, applying the
// configured document-versioning policy to each change.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/siddontang/loggers"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/block/rowsync/internal/errkind"
	"github.com/block/rowsync/internal/introspect"
	"github.com/block/rowsync/internal/model"
)

// Converter is the subset of *convert.Converter the worker needs, broken
// out as an interface so tests can inject a fake.
type Converter interface {
	ToBase(row model.Row) (bson.M, error)
	ToVersion(row model.Row, op string) (bson.M, error)
	ExtractPK(row model.Row) (any, bool)
	FilterByPK(row model.Row) bson.M
	FilterByPKField(row model.Row) bson.M
}

// ConverterFactory builds a table-scoped Converter from its introspected
// schema and the task's policy config.
type ConverterFactory func(schema *introspect.TableSchema, cfg model.TaskConfig) Converter

// Introspector is the subset of *introspect.Introspector the worker needs.
type Introspector interface {
	ListTables(ctx context.Context, schema string, onlyBaseTable bool) ([]string, error)
	Schema(ctx context.Context, schema, table string) (*introspect.TableSchema, error)
	Invalidate(schema, table string)
}

// CheckpointStore is the subset of *checkpoint.Store the worker needs.
type CheckpointStore interface {
	Load() (*model.Checkpoint, error)
	Save(cp *model.Checkpoint, force bool) error
}

// FlushBuffer is the subset of *flush.Buffer the worker needs.
type FlushBuffer interface {
	Add(ctx context.Context, collection string, wm mongo.WriteModel) error
	Flush(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Source is the subset of *replsource.Client the worker needs.
type Source interface {
	MasterPosition(ctx context.Context) (mysql.Position, error)
	RunFrom(ctx context.Context, pos mysql.Position) error
	Events() <-chan model.Event
	Close()
}

// Worker runs one task's full-sync-then-incremental state machine.
type Worker struct {
	TaskID string
	Config model.TaskConfig
	Logger loggers.Advanced

	SourceDB     *sql.DB
	Introspector Introspector
	Checkpoints  CheckpointStore
	Flush        FlushBuffer
	Source       Source
	NewConverter ConverterFactory

	mu            sync.Mutex
	status        model.Status
	metrics       model.MetricsSnapshot
	tableMap      map[string]string // source table -> sink collection
	lastDiscovery time.Time
	lastProgress  time.Time
}

// Status returns the worker's current lifecycle state and metrics
// snapshot, safe to call from any goroutine.
func (w *Worker) Status() (model.Status, model.MetricsSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.metrics
}

func (w *Worker) setStatus(s model.Status) {
	w.mu.Lock()
	w.status = s
	w.metrics.Phase = string(s)
	w.mu.Unlock()
}

// Run drives the worker through its whole lifecycle: load checkpoint,
// full-sync if absent, then incremental tail until ctx is cancelled. A
// top-level recover classifies any unchecked panic as errkind.Bug rather
// than crashing the process, matching this core's error-handling design.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%v", r)
			if len(msg) > 300 {
				msg = msg[:300]
			}
			w.setStatus(model.StatusError)
			err = errkind.Wrap(errkind.Bug, fmt.Errorf("panic in sync worker: %s", msg))
		}
	}()

	w.setStatus(model.StatusInitializing)
	cfg := w.Config.WithDefaults()
	w.Config = cfg

	if err := w.resolveTableMap(ctx); err != nil {
		return err
	}

	cp, err := w.Checkpoints.Load()
	if err != nil {
		return err
	}
	if cp == nil {
		w.setStatus(model.StatusFullSync)
		if err := w.runFullSync(ctx); err != nil {
			w.setStatus(model.StatusError)
			return err
		}
		pos, err := w.Source.MasterPosition(ctx)
		if err != nil {
			w.setStatus(model.StatusError)
			return err
		}
		cp = &model.Checkpoint{LogFile: pos.Name, LogPos: pos.Pos}
		if err := w.Checkpoints.Save(cp, true); err != nil {
			return err
		}
	}

	w.setStatus(model.StatusIncSync)
	return w.runIncremental(ctx, mysql.Position{Name: cp.LogFile, Pos: cp.LogPos})
}

// resolveTableMap builds the source-table → sink-collection map. An
// explicit table_map in config always wins; an empty one is auto-built
// from introspection with the configured collection suffix applied.
func (w *Worker) resolveTableMap(ctx context.Context) error {
	if len(w.Config.TableMap) > 0 {
		w.tableMap = w.Config.TableMap
		return nil
	}
	w.tableMap = make(map[string]string)
	for _, schema := range w.Config.Schemas {
		tables, err := w.Introspector.ListTables(ctx, schema, w.Config.AutoDiscoverOnlyBaseTable)
		if err != nil {
			return err
		}
		for _, t := range tables {
			w.tableMap[t] = t + w.Config.CollectionSuffix
		}
	}
	w.lastDiscovery = time.Now()
	return nil
}

// refreshTableMapFor is called when the incremental loop meets a table
// outside the current table_map; it throttles itself to
// auto_discover_interval_sec per the Introspector's discovery contract.
func (w *Worker) refreshTableMapFor(ctx context.Context, schema, table string) (collection string, ok bool) {
	w.mu.Lock()
	since := time.Since(w.lastDiscovery)
	w.mu.Unlock()

	if since < time.Duration(w.Config.AutoDiscoverIntervalSec)*time.Second {
		return "", false
	}
	if !w.Config.AutoDiscoverNewTables {
		return "", false
	}
	if err := w.resolveTableMap(ctx); err != nil {
		return "", false
	}
	collection, ok = w.tableMap[table]
	return collection, ok
}

func (w *Worker) collectionFor(ctx context.Context, schema, table string) (string, bool) {
	if c, ok := w.tableMap[table]; ok {
		return c, true
	}
	return w.refreshTableMapFor(ctx, schema, table)
}

// runFullSync snapshots every configured table in sequence via keyset
// pagination on its primary key.
func (w *Worker) runFullSync(ctx context.Context) error {
	for table, collection := range w.tableMap {
		if err := w.fullSyncTable(ctx, table, collection); err != nil {
			return err
		}
	}
	return w.Flush.Flush(ctx)
}

func (w *Worker) fullSyncTable(ctx context.Context, table, collection string) error {
	schema := w.Config.Schemas[0]
	ts, err := w.Introspector.Schema(ctx, schema, table)
	if err != nil {
		return err
	}
	if ts.PKField == "" {
		w.Logger.Warnf("table %s has no detectable primary key; skipping full sync", table)
		return nil
	}
	conv := w.NewConverter(ts, w.Config)

	var last any
	sinceFlush := 0
	for {
		rows, n, err := w.fetchPage(ctx, schema, table, ts, last)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		for _, row := range rows {
			base, err := conv.ToBase(row)
			if err != nil {
				return errkind.Wrap(errkind.Bug, err)
			}
			wm := w.insertOrReplaceModel(conv, row, base)
			if err := w.Flush.Add(ctx, collection, wm); err != nil {
				return err
			}
			w.bumpMetric(func(m *model.MetricsSnapshot) { m.FullInsertCount++; m.ProcessedCount++ })
			if pk, ok := conv.ExtractPK(row); ok {
				last = pk
			}
			// MongoBulkBatchSize governs how often full-sync forces a bulk
			// apply, independent of FlushBatchSize's own per-collection
			// size trigger; a table with many small collections otherwise
			// never crosses FlushBatchSize and holds everything in memory
			// until the table is exhausted.
			sinceFlush++
			if sinceFlush >= w.Config.MongoBulkBatchSize {
				if err := w.Flush.Flush(ctx); err != nil {
					return err
				}
				sinceFlush = 0
			}
		}
		w.maybeLogProgress(table)
		if n < w.Config.FetchBatchSize {
			break
		}
	}
	return nil
}

// insertOrReplaceModel chooses the write model full-sync and insert
// events use: a replace-with-upsert keyed on _id when PK-as-id made _id
// deterministic, or a plain insert otherwise.
func (w *Worker) insertOrReplaceModel(conv Converter, row model.Row, doc bson.M) mongo.WriteModel {
	if w.Config.UsePKAsMongoID {
		if _, ok := doc["_id"]; ok {
			return mongo.NewReplaceOneModel().SetFilter(conv.FilterByPK(row)).SetReplacement(doc).SetUpsert(true)
		}
	}
	return mongo.NewInsertOneModel().SetDocument(doc)
}

// fetchPage runs one keyset-paginated SELECT page against the source,
// returning the decoded rows and how many were read.
func (w *Worker) fetchPage(ctx context.Context, schema, table string, ts *introspect.TableSchema, after any) ([]model.Row, int, error) {
	query := fmt.Sprintf("SELECT * FROM `%s`.`%s` WHERE `%s` > ? ORDER BY `%s` LIMIT ?",
		schema, table, ts.PKField, ts.PKField)
	args := []any{afterOrZero(after), w.Config.FetchBatchSize}
	if after == nil {
		query = fmt.Sprintf("SELECT * FROM `%s`.`%s` ORDER BY `%s` LIMIT ?", schema, table, ts.PKField)
		args = []any{w.Config.FetchBatchSize}
	}

	rows, err := w.SourceDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errkind.Wrap(errkind.SourceTransient, fmt.Errorf("full sync query: %w", err))
	}
	defer rows.Close()

	decoded, err := scanRows(rows)
	if err != nil {
		return nil, 0, errkind.Wrap(errkind.Bug, err)
	}
	return decoded, len(decoded), nil
}

func afterOrZero(v any) any {
	if v == nil {
		return 0
	}
	return v
}

// scanRows decodes every remaining row in rows into a model.Row keyed by
// column name.
func scanRows(rows *sql.Rows) ([]model.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []model.Row
	for rows.Next() {
		raw := make([]sql.RawBytes, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(model.Row, len(cols))
		for i, c := range cols {
			if raw[i] == nil {
				row[c] = nil
				continue
			}
			cp := make([]byte, len(raw[i]))
			copy(cp, raw[i])
			row[c] = cp
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (w *Worker) maybeLogProgress(table string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if time.Since(w.lastProgress) < time.Duration(w.Config.ProgressIntervalSec)*time.Second {
		return
	}
	w.lastProgress = time.Now()
	w.metrics.CurrentTable = table
	w.Logger.Infof("full sync progress: table=%s processed=%d", table, w.metrics.ProcessedCount)
}

func (w *Worker) bumpMetric(fn func(*model.MetricsSnapshot)) {
	w.mu.Lock()
	fn(&w.metrics)
	w.metrics.LastUpdate = time.Now()
	w.mu.Unlock()
}

// runIncremental opens the replication stream at pos and dispatches
// events into the FlushBuffer according to the configured policy until
// ctx is cancelled or the stream ends.
func (w *Worker) runIncremental(ctx context.Context, pos mysql.Position) error {
	streamErr := make(chan error, 1)
	go func() { streamErr <- w.Source.RunFrom(ctx, pos) }()

	lastSave := time.Now()
	for {
		select {
		case <-ctx.Done():
			_ = w.Flush.Stop(context.Background())
			w.Source.Close()
			return ctx.Err()

		case err := <-streamErr:
			_ = w.Flush.Stop(context.Background())
			if err != nil && err != context.Canceled {
				return errkind.Wrap(errkind.SourceTransient, err)
			}
			return err

		case ev, ok := <-w.Source.Events():
			if !ok {
				continue
			}
			if err := w.handleEvent(ctx, ev); err != nil {
				return err
			}
			// A forced flush right before saving the checkpoint keeps
			// invariant 2: the position persisted below is never ahead
			// of what the sink actually holds. Size-triggered flushes
			// inside Flush.Add and the buffer's own background timer
			// may apply additional batches in between; that only ever
			// leaves the sink further ahead, never behind.
			if time.Since(lastSave) >= time.Duration(w.Config.StateSaveIntervalSec)*time.Second {
				if err := w.Flush.Flush(ctx); err != nil {
					return err
				}
				w.saveCheckpoint(ev, true)
				lastSave = time.Now()
			}
		}
	}
}

func (w *Worker) saveCheckpoint(ev model.Event, force bool) {
	w.mu.Lock()
	snap := w.metrics
	w.mu.Unlock()
	cp := &model.Checkpoint{LogFile: ev.LogFile, LogPos: ev.LogPos, Metrics: snap}
	if err := w.Checkpoints.Save(cp, force); err != nil {
		w.Logger.Errorf("checkpoint save failed: %v", err)
	}
}

// handleEvent dispatches one replication event into the FlushBuffer per
// the task's versioning policy. Events for tables outside the resolved
// table_map, or whose PK cannot be resolved, are logged and dropped.
func (w *Worker) handleEvent(ctx context.Context, ev model.Event) error {
	collection, ok := w.collectionFor(ctx, ev.Schema, ev.Table)
	if !ok {
		return nil // unknown table even after a throttled refresh: drop
	}

	ts, err := w.Introspector.Schema(ctx, ev.Schema, ev.Table)
	if err != nil {
		return err
	}
	// Every event kind this worker acts on (insert, update, delete) reads
	// its row image from After: update's before-image is not needed
	// since only the after-image is converted, and delete carries the
	// deleted row's last-known image in After.
	row := introspect.RepairUnknownColumns(ev.After, ts)

	conv := w.NewConverter(ts, w.Config)
	if _, ok := conv.ExtractPK(row); !ok {
		w.Logger.Warnf("event on %s.%s has no resolvable primary key; skipping", ev.Schema, ev.Table)
		return nil
	}

	switch ev.Kind {
	case model.EventInsert:
		return w.handleInsert(ctx, collection, conv, row)
	case model.EventUpdate:
		if w.Config.InsertOnly {
			return nil
		}
		return w.handleUpdate(ctx, collection, conv, row)
	case model.EventDelete:
		if !w.Config.HandleDeletes || w.Config.InsertOnly {
			return nil
		}
		return w.handleDelete(ctx, collection, conv, row)
	}
	return nil
}

func (w *Worker) handleInsert(ctx context.Context, collection string, conv Converter, row model.Row) error {
	base, err := conv.ToBase(row)
	if err != nil {
		return errkind.Wrap(errkind.Bug, err)
	}
	wm := w.insertOrReplaceModel(conv, row, base)
	if err := w.Flush.Add(ctx, collection, wm); err != nil {
		return err
	}
	w.bumpMetric(func(m *model.MetricsSnapshot) { m.IncInsertCount++; m.ProcessedCount++ })
	return nil
}

func (w *Worker) handleUpdate(ctx context.Context, collection string, conv Converter, row model.Row) error {
	if w.Config.UpdateInsertNewDoc {
		version, err := conv.ToVersion(row, "update")
		if err != nil {
			return errkind.Wrap(errkind.Bug, err)
		}
		if err := w.Flush.Add(ctx, collection, mongo.NewInsertOneModel().SetDocument(version)); err != nil {
			return err
		}
	} else {
		base, err := conv.ToBase(row)
		if err != nil {
			return errkind.Wrap(errkind.Bug, err)
		}
		wm := mongo.NewReplaceOneModel().SetFilter(conv.FilterByPK(row)).SetReplacement(base).SetUpsert(true)
		if err := w.Flush.Add(ctx, collection, wm); err != nil {
			return err
		}
	}
	w.bumpMetric(func(m *model.MetricsSnapshot) { m.UpdateCount++; m.ProcessedCount++ })
	return nil
}

func (w *Worker) handleDelete(ctx context.Context, collection string, conv Converter, row model.Row) error {
	cfg := w.Config

	if cfg.HardDelete {
		wm := mongo.NewDeleteOneModel().SetFilter(conv.FilterByPK(row))
		if err := w.Flush.Add(ctx, collection, wm); err != nil {
			return err
		}
		w.bumpMetric(func(m *model.MetricsSnapshot) { m.DeleteCount++; m.ProcessedCount++ })
		return nil
	}

	if cfg.DeleteAppendNewDoc {
		version, err := conv.ToVersion(row, "delete")
		if err != nil {
			return errkind.Wrap(errkind.Bug, err)
		}
		if err := w.Flush.Add(ctx, collection, mongo.NewInsertOneModel().SetDocument(version)); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	markFields := bson.M{
		cfg.DeleteFlagField: true,
		cfg.DeleteTimeField: now,
		"_op":               "delete",
		"_ts":               now,
	}

	if cfg.DeleteMarkOnlyBaseDoc {
		wm := mongo.NewUpdateOneModel().SetFilter(conv.FilterByPK(row)).SetUpdate(bson.M{"$set": markFields}).SetUpsert(true)
		if err := w.Flush.Add(ctx, collection, wm); err != nil {
			return err
		}
	} else {
		// Per the preserved (if likely over-specified) source behavior:
		// mark the base doc by _id AND every doc carrying this pk under
		// PKField, which also reaches version documents.
		wmBase := mongo.NewUpdateOneModel().SetFilter(conv.FilterByPK(row)).SetUpdate(bson.M{"$set": markFields}).SetUpsert(true)
		if err := w.Flush.Add(ctx, collection, wmBase); err != nil {
			return err
		}
		wmAll := mongo.NewUpdateManyModel().SetFilter(conv.FilterByPKField(row)).SetUpdate(bson.M{"$set": markFields})
		if err := w.Flush.Add(ctx, collection, wmAll); err != nil {
			return err
		}
	}
	w.bumpMetric(func(m *model.MetricsSnapshot) { m.DeleteCount++; m.ProcessedCount++ })
	return nil
}

// TablesOf returns a deterministic view of the resolved table_map's
// source-table keys, used by the status surface and tests.
func (w *Worker) TablesOf() []string {
	out := make([]string, 0, len(w.tableMap))
	for t := range w.tableMap {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
