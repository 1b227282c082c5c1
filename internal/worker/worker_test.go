package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	gomongo "go.mongodb.org/mongo-driver/mongo"

	"github.com/block/rowsync/internal/convert"
	"github.com/block/rowsync/internal/errkind"
	"github.com/block/rowsync/internal/introspect"
	"github.com/block/rowsync/internal/model"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeConverter is a hand-rolled stand-in for *convert.Converter: it treats
// row["id"] as the PK and records enough of what it was asked to do for
// assertions, without any decimal/temporal conversion logic of its own.
type fakeConverter struct {
	mu          sync.Mutex
	lastVersion string
}

func (c *fakeConverter) ExtractPK(row model.Row) (any, bool) {
	v, ok := row["id"]
	return v, ok
}

func (c *fakeConverter) ToBase(row model.Row) (bson.M, error) {
	doc := bson.M{}
	for k, v := range row {
		doc[k] = v
	}
	if id, ok := row["id"]; ok {
		doc["_id"] = id
	}
	return doc, nil
}

func (c *fakeConverter) ToVersion(row model.Row, op string) (bson.M, error) {
	c.mu.Lock()
	c.lastVersion = op
	c.mu.Unlock()
	return bson.M{"_base_id": row["id"], "_is_version": true, "_op": op}, nil
}

func (c *fakeConverter) FilterByPK(row model.Row) bson.M      { return bson.M{"_id": row["id"]} }
func (c *fakeConverter) FilterByPKField(row model.Row) bson.M { return bson.M{"id": row["id"]} }

func newFakeConverterFactory(conv *fakeConverter) ConverterFactory {
	return func(*introspect.TableSchema, model.TaskConfig) Converter { return conv }
}

type addedOp struct {
	collection string
	wm         gomongo.WriteModel
}

type fakeFlushBuffer struct {
	mu         sync.Mutex
	added      []addedOp
	flushCalls int
	stopCalls  int
}

func (f *fakeFlushBuffer) Add(_ context.Context, collection string, wm gomongo.WriteModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, addedOp{collection, wm})
	return nil
}

func (f *fakeFlushBuffer) Flush(context.Context) error {
	f.mu.Lock()
	f.flushCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeFlushBuffer) Stop(context.Context) error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeFlushBuffer) opsFor(collection string) []gomongo.WriteModel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gomongo.WriteModel
	for _, a := range f.added {
		if a.collection == collection {
			out = append(out, a.wm)
		}
	}
	return out
}

type fakeIntrospector struct {
	mu                sync.Mutex
	tablesBySchema    map[string][]string
	schemas           map[string]*introspect.TableSchema
	listErr           error
	invalidated       []string
	lastOnlyBaseTable bool
}

func (in *fakeIntrospector) ListTables(_ context.Context, schema string, onlyBaseTable bool) ([]string, error) {
	in.mu.Lock()
	in.lastOnlyBaseTable = onlyBaseTable
	in.mu.Unlock()
	if in.listErr != nil {
		return nil, in.listErr
	}
	return in.tablesBySchema[schema], nil
}

func (in *fakeIntrospector) Schema(_ context.Context, schema, table string) (*introspect.TableSchema, error) {
	if ts, ok := in.schemas[schema+"."+table]; ok {
		return ts, nil
	}
	return &introspect.TableSchema{}, nil
}

func (in *fakeIntrospector) Invalidate(schema, table string) {
	in.mu.Lock()
	in.invalidated = append(in.invalidated, schema+"."+table)
	in.mu.Unlock()
}

type saveCall struct {
	cp    *model.Checkpoint
	force bool
}

type fakeCheckpointStore struct {
	mu      sync.Mutex
	cp      *model.Checkpoint
	loadErr error
	saves   []saveCall
}

func (s *fakeCheckpointStore) Load() (*model.Checkpoint, error) { return s.cp, s.loadErr }

func (s *fakeCheckpointStore) Save(cp *model.Checkpoint, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, saveCall{cp, force})
	s.cp = cp
	return nil
}

type panicCheckpointStore struct{}

func (panicCheckpointStore) Load() (*model.Checkpoint, error) { panic("boom") }
func (panicCheckpointStore) Save(*model.Checkpoint, bool) error { return nil }

type fakeSource struct {
	masterPos mysql.Position
	masterErr error
	events    chan model.Event
	runFunc   func(ctx context.Context) error
	closed    int32
}

func (s *fakeSource) MasterPosition(context.Context) (mysql.Position, error) {
	return s.masterPos, s.masterErr
}

func (s *fakeSource) RunFrom(ctx context.Context, _ mysql.Position) error { return s.runFunc(ctx) }
func (s *fakeSource) Events() <-chan model.Event                          { return s.events }
func (s *fakeSource) Close()                                              { atomic.AddInt32(&s.closed, 1) }

func blockUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// --- handleInsert / Scenario A's incremental-insert half ---

func TestHandleInsert_ReplacesWithUpsertWhenPKAsMongoID(t *testing.T) {
	conv := &fakeConverter{}
	flush := &fakeFlushBuffer{}
	w := &Worker{Config: model.TaskConfig{UsePKAsMongoID: true}, Logger: discardLogger(), Flush: flush}

	err := w.handleInsert(context.Background(), "orders", conv, model.Row{"id": int64(3), "amount": "30.00"})
	require.NoError(t, err)

	ops := flush.opsFor("orders")
	require.Len(t, ops, 1)
	_, isReplace := ops[0].(*gomongo.ReplaceOneModel)
	assert.True(t, isReplace)
	_, incremented := w.Status()
	assert.EqualValues(t, 1, incremented.IncInsertCount)
}

func TestHandleInsert_PlainInsertWhenNotUsingPKAsMongoID(t *testing.T) {
	conv := &fakeConverter{}
	flush := &fakeFlushBuffer{}
	w := &Worker{Config: model.TaskConfig{}, Logger: discardLogger(), Flush: flush}

	require.NoError(t, w.handleInsert(context.Background(), "orders", conv, model.Row{"id": int64(1)}))

	ops := flush.opsFor("orders")
	require.Len(t, ops, 1)
	_, isInsert := ops[0].(*gomongo.InsertOneModel)
	assert.True(t, isInsert)
}

// --- handleUpdate / Scenario B ---

func TestHandleUpdate_InsertsVersionDoc_LeavesBaseUntouched(t *testing.T) {
	conv := &fakeConverter{}
	flush := &fakeFlushBuffer{}
	w := &Worker{Config: model.TaskConfig{UpdateInsertNewDoc: true}, Logger: discardLogger(), Flush: flush}

	require.NoError(t, w.handleUpdate(context.Background(), "orders", conv, model.Row{"id": int64(1), "amount": "11.00"}))

	ops := flush.opsFor("orders")
	require.Len(t, ops, 1, "only a version document is written; the base document is never touched")
	_, isInsert := ops[0].(*gomongo.InsertOneModel)
	assert.True(t, isInsert)
	assert.Equal(t, "update", conv.lastVersion)
}

func TestHandleUpdate_ReplacesBaseWhenVersioningDisabled(t *testing.T) {
	conv := &fakeConverter{}
	flush := &fakeFlushBuffer{}
	w := &Worker{Config: model.TaskConfig{UpdateInsertNewDoc: false}, Logger: discardLogger(), Flush: flush}

	require.NoError(t, w.handleUpdate(context.Background(), "orders", conv, model.Row{"id": int64(1)}))

	ops := flush.opsFor("orders")
	require.Len(t, ops, 1)
	_, isReplace := ops[0].(*gomongo.ReplaceOneModel)
	assert.True(t, isReplace)
}

// --- handleDelete / Scenario C ---

func TestHandleDelete_SoftDeleteMarksOnlyBaseDoc(t *testing.T) {
	conv := &fakeConverter{}
	flush := &fakeFlushBuffer{}
	cfg := model.TaskConfig{
		HandleDeletes:         true,
		DeleteMarkOnlyBaseDoc: true,
		DeleteFlagField:       "deleted",
		DeleteTimeField:       "deleted_at",
	}
	w := &Worker{Config: cfg, Logger: discardLogger(), Flush: flush}

	require.NoError(t, w.handleDelete(context.Background(), "orders", conv, model.Row{"id": int64(1)}))

	ops := flush.opsFor("orders")
	require.Len(t, ops, 1)
	upd, ok := ops[0].(*gomongo.UpdateOneModel)
	require.True(t, ok)
	set := upd.Update.(bson.M)["$set"].(bson.M)
	assert.Equal(t, true, set["deleted"])
	assert.NotNil(t, set["deleted_at"])
	assert.Equal(t, "delete", set["_op"])
}

func TestHandleDelete_HardDeleteRemovesDoc(t *testing.T) {
	conv := &fakeConverter{}
	flush := &fakeFlushBuffer{}
	w := &Worker{Config: model.TaskConfig{HandleDeletes: true, HardDelete: true}, Logger: discardLogger(), Flush: flush}

	require.NoError(t, w.handleDelete(context.Background(), "orders", conv, model.Row{"id": int64(1)}))

	ops := flush.opsFor("orders")
	require.Len(t, ops, 1)
	_, isDelete := ops[0].(*gomongo.DeleteOneModel)
	assert.True(t, isDelete)
}

func TestHandleDelete_MarksBaseAndEveryVersionWhenNotBaseOnly(t *testing.T) {
	conv := &fakeConverter{}
	flush := &fakeFlushBuffer{}
	cfg := model.TaskConfig{HandleDeletes: true, DeleteMarkOnlyBaseDoc: false, DeleteFlagField: "deleted", DeleteTimeField: "deleted_at"}
	w := &Worker{Config: cfg, Logger: discardLogger(), Flush: flush}

	require.NoError(t, w.handleDelete(context.Background(), "orders", conv, model.Row{"id": int64(1)}))

	ops := flush.opsFor("orders")
	require.Len(t, ops, 2, "one UpdateOne by _id plus one UpdateMany by pk_field")
}

// --- handleEvent / Scenario E, drop rules, insert_only ---

func TestHandleEvent_RepairsUnknownColumnsBeforeConversion_ScenarioE(t *testing.T) {
	conv := &fakeConverter{}
	flush := &fakeFlushBuffer{}
	intro := &fakeIntrospector{schemas: map[string]*introspect.TableSchema{
		"shop.orders": {Columns: []convert.ColumnSpec{{Name: "id"}, {Name: "name"}}, PKField: "id"},
	}}
	w := &Worker{
		Config:       model.TaskConfig{},
		Logger:       discardLogger(),
		Flush:        flush,
		Introspector: intro,
		NewConverter: newFakeConverterFactory(conv),
		tableMap:     map[string]string{"orders": "orders"},
	}

	ev := model.Event{Kind: model.EventInsert, Schema: "shop", Table: "orders",
		After: model.Row{"UNKNOWN_COL0": int64(7), "UNKNOWN_COL1": "x"}}
	require.NoError(t, w.handleEvent(context.Background(), ev))

	ops := flush.opsFor("orders")
	require.Len(t, ops, 1)
	ins := ops[0].(*gomongo.InsertOneModel)
	doc := ins.Document.(bson.M)
	assert.Equal(t, int64(7), doc["id"])
	assert.Equal(t, "x", doc["name"])
	assert.NotContains(t, doc, "UNKNOWN_COL0")
}

func TestHandleEvent_DropsEventForUnresolvableTable(t *testing.T) {
	flush := &fakeFlushBuffer{}
	w := &Worker{Config: model.TaskConfig{}, Logger: discardLogger(), Flush: flush, tableMap: map[string]string{}}

	ev := model.Event{Kind: model.EventInsert, Schema: "shop", Table: "mystery", After: model.Row{"id": int64(1)}}
	require.NoError(t, w.handleEvent(context.Background(), ev))
	assert.Empty(t, flush.added)
}

func TestHandleEvent_DropsEventWithUnresolvablePK(t *testing.T) {
	conv := &fakeConverter{}
	flush := &fakeFlushBuffer{}
	intro := &fakeIntrospector{}
	w := &Worker{
		Config: model.TaskConfig{}, Logger: discardLogger(), Flush: flush,
		Introspector: intro, NewConverter: newFakeConverterFactory(conv),
		tableMap: map[string]string{"orders": "orders"},
	}

	ev := model.Event{Kind: model.EventInsert, Schema: "shop", Table: "orders", After: model.Row{"no_id_here": 1}}
	require.NoError(t, w.handleEvent(context.Background(), ev))
	assert.Empty(t, flush.added)
}

func TestHandleEvent_InsertOnlySkipsUpdatesAndDeletes(t *testing.T) {
	conv := &fakeConverter{}
	flush := &fakeFlushBuffer{}
	intro := &fakeIntrospector{}
	w := &Worker{
		Config: model.TaskConfig{InsertOnly: true}, Logger: discardLogger(), Flush: flush,
		Introspector: intro, NewConverter: newFakeConverterFactory(conv),
		tableMap: map[string]string{"orders": "orders"},
	}

	row := model.Row{"id": int64(1)}
	require.NoError(t, w.handleEvent(context.Background(), model.Event{Kind: model.EventUpdate, Schema: "shop", Table: "orders", After: row}))
	require.NoError(t, w.handleEvent(context.Background(), model.Event{Kind: model.EventDelete, Schema: "shop", Table: "orders", After: row}))
	assert.Empty(t, flush.added)
}

// --- table-map resolution and auto-discover throttling (boundary behavior) ---

func TestResolveTableMap_ExplicitTableMapSkipsIntrospection(t *testing.T) {
	intro := &fakeIntrospector{tablesBySchema: map[string][]string{"shop": {"orders"}}}
	w := &Worker{Config: model.TaskConfig{TableMap: map[string]string{"orders": "orders_v2"}}, Introspector: intro}

	require.NoError(t, w.resolveTableMap(context.Background()))
	assert.Equal(t, map[string]string{"orders": "orders_v2"}, w.tableMap)
}

func TestResolveTableMap_AutoDiscoversAndAppliesSuffix(t *testing.T) {
	intro := &fakeIntrospector{tablesBySchema: map[string][]string{"shop": {"orders", "customers"}}}
	w := &Worker{Config: model.TaskConfig{Schemas: []string{"shop"}, CollectionSuffix: "_sync"}, Introspector: intro}

	require.NoError(t, w.resolveTableMap(context.Background()))
	assert.Equal(t, "orders_sync", w.tableMap["orders"])
	assert.Equal(t, "customers_sync", w.tableMap["customers"])
}

func TestResolveTableMap_PassesAutoDiscoverOnlyBaseTableThrough(t *testing.T) {
	intro := &fakeIntrospector{tablesBySchema: map[string][]string{"shop": {"orders"}}}
	w := &Worker{
		Config:       model.TaskConfig{Schemas: []string{"shop"}, AutoDiscoverOnlyBaseTable: true},
		Introspector: intro,
	}

	require.NoError(t, w.resolveTableMap(context.Background()))
	assert.True(t, intro.lastOnlyBaseTable)
}

func TestRefreshTableMapFor_ThrottlesWithinDiscoveryInterval(t *testing.T) {
	intro := &fakeIntrospector{tablesBySchema: map[string][]string{"shop": {"orders"}}}
	w := &Worker{
		Config:        model.TaskConfig{Schemas: []string{"shop"}, AutoDiscoverNewTables: true, AutoDiscoverIntervalSec: 60},
		Introspector:  intro,
		tableMap:      map[string]string{},
		lastDiscovery: time.Now(),
	}

	_, ok := w.refreshTableMapFor(context.Background(), "shop", "orders")
	assert.False(t, ok, "a discovery within the interval must not re-query the source")
}

func TestRefreshTableMapFor_DiscoversAfterIntervalElapses(t *testing.T) {
	intro := &fakeIntrospector{tablesBySchema: map[string][]string{"shop": {"orders"}}}
	w := &Worker{
		Config:        model.TaskConfig{Schemas: []string{"shop"}, AutoDiscoverNewTables: true, AutoDiscoverIntervalSec: 1},
		Introspector:  intro,
		tableMap:      map[string]string{},
		lastDiscovery: time.Now().Add(-time.Hour),
	}

	collection, ok := w.refreshTableMapFor(context.Background(), "shop", "orders")
	assert.True(t, ok)
	assert.Equal(t, "orders", collection)
}

func TestRefreshTableMapFor_DisabledByConfigNeverDiscovers(t *testing.T) {
	intro := &fakeIntrospector{tablesBySchema: map[string][]string{"shop": {"orders"}}}
	w := &Worker{
		Config:        model.TaskConfig{Schemas: []string{"shop"}, AutoDiscoverNewTables: false},
		Introspector:  intro,
		tableMap:      map[string]string{},
		lastDiscovery: time.Now().Add(-time.Hour),
	}

	_, ok := w.refreshTableMapFor(context.Background(), "shop", "orders")
	assert.False(t, ok)
}

// --- runIncremental: checkpoint-after-flush ordering (invariant 2), clean
// shutdown drains the flush buffer (invariant 7), and reconnect classification
// (Scenario F) ---

func TestRunIncremental_FlushesBeforeEachCheckpointSave(t *testing.T) {
	checkpoints := &fakeCheckpointStore{}
	flush := &fakeFlushBuffer{}
	events := make(chan model.Event, 1)
	src := &fakeSource{events: events, runFunc: blockUntilCancelled}
	w := &Worker{
		Config:      model.TaskConfig{StateSaveIntervalSec: 0},
		Logger:      discardLogger(),
		Checkpoints: checkpoints,
		Flush:       flush,
		Source:      src,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.runIncremental(ctx, mysql.Position{Name: "bin.1", Pos: 4}) }()

	events <- model.Event{Kind: model.EventInsert, LogFile: "bin.1", LogPos: 100}

	require.Eventually(t, func() bool {
		checkpoints.mu.Lock()
		defer checkpoints.mu.Unlock()
		return len(checkpoints.saves) >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	checkpoints.mu.Lock()
	assert.GreaterOrEqual(t, checkpoints.saves[0].cp.LogPos, uint32(100))
	assert.True(t, checkpoints.saves[0].force)
	checkpoints.mu.Unlock()

	flush.mu.Lock()
	assert.GreaterOrEqual(t, flush.flushCalls, 1, "a flush must happen before the checkpoint advances past it")
	assert.Equal(t, 1, flush.stopCalls, "context cancellation drains the buffer on the way out")
	flush.mu.Unlock()
	assert.EqualValues(t, 1, atomic.LoadInt32(&src.closed))
}

func TestRunIncremental_StreamFailureIsClassifiedSourceTransient_ScenarioF(t *testing.T) {
	flush := &fakeFlushBuffer{}
	src := &fakeSource{
		events:  make(chan model.Event),
		runFunc: func(context.Context) error { return errors.New("connection reset by peer") },
	}
	w := &Worker{Config: model.TaskConfig{}, Logger: discardLogger(), Flush: flush, Source: src}

	err := w.runIncremental(context.Background(), mysql.Position{})
	assert.True(t, errkind.Is(err, errkind.SourceTransient))
	flush.mu.Lock()
	assert.Equal(t, 1, flush.stopCalls)
	flush.mu.Unlock()
}

func TestRunIncremental_CleanStreamEndReturnsNil(t *testing.T) {
	flush := &fakeFlushBuffer{}
	src := &fakeSource{events: make(chan model.Event), runFunc: func(context.Context) error { return nil }}
	w := &Worker{Config: model.TaskConfig{}, Logger: discardLogger(), Flush: flush, Source: src}

	err := w.runIncremental(context.Background(), mysql.Position{})
	assert.NoError(t, err)
}

// --- Run(): full lifecycle without touching a real database, by steering
// the config so the full-sync phase never reaches the source DB (no
// configured schemas, so resolveTableMap leaves tableMap empty and
// runFullSync's per-table loop never runs) ---

func TestRun_EntersIncrementalAfterEmptyFullSync(t *testing.T) {
	checkpoints := &fakeCheckpointStore{}
	flush := &fakeFlushBuffer{}
	src := &fakeSource{
		masterPos: mysql.Position{Name: "bin.1", Pos: 10},
		events:    make(chan model.Event),
		runFunc:   func(context.Context) error { return nil },
	}
	w := &Worker{
		TaskID:      "orders",
		Config:      model.TaskConfig{},
		Logger:      discardLogger(),
		Checkpoints: checkpoints,
		Flush:       flush,
		Source:      src,
	}

	err := w.Run(context.Background())
	require.NoError(t, err)

	status, _ := w.Status()
	assert.Equal(t, model.StatusIncSync, status)
	checkpoints.mu.Lock()
	require.Len(t, checkpoints.saves, 1)
	assert.Equal(t, "bin.1", checkpoints.saves[0].cp.LogFile)
	assert.True(t, checkpoints.saves[0].force)
	checkpoints.mu.Unlock()
	flush.mu.Lock()
	assert.Equal(t, 1, flush.flushCalls)
	flush.mu.Unlock()
}

func TestRun_ResumesFromExistingCheckpointWithoutFullSync(t *testing.T) {
	checkpoints := &fakeCheckpointStore{cp: &model.Checkpoint{LogFile: "bin.5", LogPos: 900}}
	flush := &fakeFlushBuffer{}
	src := &fakeSource{events: make(chan model.Event), runFunc: func(context.Context) error { return nil }}
	w := &Worker{Config: model.TaskConfig{}, Logger: discardLogger(), Checkpoints: checkpoints, Flush: flush, Source: src}

	require.NoError(t, w.Run(context.Background()))

	flush.mu.Lock()
	assert.Equal(t, 0, flush.flushCalls, "a resumed task skips full sync and its trailing flush entirely")
	flush.mu.Unlock()
}

func TestRun_RecoversUncheckedPanicAsBug(t *testing.T) {
	w := &Worker{Config: model.TaskConfig{}, Logger: discardLogger(), Checkpoints: panicCheckpointStore{}}

	err := w.Run(context.Background())
	assert.True(t, errkind.Is(err, errkind.Bug))
	status, _ := w.Status()
	assert.Equal(t, model.StatusError, status)
}

// --- misc ---

func TestTablesOf_ReturnsSortedSourceTableNames(t *testing.T) {
	w := &Worker{tableMap: map[string]string{"zebras": "z", "apples": "a"}}
	assert.Equal(t, []string{"apples", "zebras"}, w.TablesOf())
}

func TestBumpMetric_AccumulatesAcrossCalls(t *testing.T) {
	w := &Worker{}
	w.bumpMetric(func(m *model.MetricsSnapshot) { m.ProcessedCount++ })
	w.bumpMetric(func(m *model.MetricsSnapshot) { m.ProcessedCount++ })
	_, snap := w.Status()
	assert.EqualValues(t, 2, snap.ProcessedCount)
}
