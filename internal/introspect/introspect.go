// Package introspect discovers table schemas from MySQL's information
// schema: column lists (for the Converter), primary keys (for document
// identity), and the repair rule for binlog rows whose replication stream
// couldn't resolve real column names.
package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/block/rowsync/internal/convert"
	"github.com/block/rowsync/internal/errkind"
)

// unknownColPrefix is the synthetic column-name prefix the replication
// layer substitutes when it cannot resolve a table's real column names
// (e.g. the table_map event arrived before the schema was cached).
const unknownColPrefix = "UNKNOWN_COL"

// TableSchema is a table's column list (in binlog column order) and
// primary key field name. PKField is empty when the table has no
// detectable primary key — callers must treat that table as
// update/delete-unsafe (SchemaMissing) while still allowing inserts.
type TableSchema struct {
	Columns  []convert.ColumnSpec
	PKField  string
	cachedAt time.Time
}

// Introspector queries MySQL's information schema over a dedicated
// connection and caches results per table for a bounded TTL.
type Introspector struct {
	db  *sql.DB
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]*TableSchema // key: "schema.table"
}

func New(db *sql.DB, ttl time.Duration) *Introspector {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Introspector{db: db, ttl: ttl, cache: make(map[string]*TableSchema)}
}

func cacheKey(schema, table string) string { return schema + "." + table }

// ListTables returns schema's tables, sorted for determinism. When
// onlyBaseTable is set, views are excluded and only Table_type = 'BASE
// TABLE' entries are returned; otherwise every table and view is listed.
func (in *Introspector) ListTables(ctx context.Context, schema string, onlyBaseTable bool) ([]string, error) {
	query := "SHOW FULL TABLES FROM `" + schema + "`"
	if onlyBaseTable {
		query += " WHERE Table_type = 'BASE TABLE'"
	}
	rows, err := in.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errkind.Wrap(errkind.SourceTransient, fmt.Errorf("list tables: %w", err))
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return nil, errkind.Wrap(errkind.Bug, err)
		}
		tables = append(tables, name)
	}
	sort.Strings(tables)
	return tables, rows.Err()
}

// Schema returns the cached schema for schema.table, refreshing it from
// MySQL if the cache is empty or past its TTL.
func (in *Introspector) Schema(ctx context.Context, schema, table string) (*TableSchema, error) {
	key := cacheKey(schema, table)

	in.mu.Lock()
	cached, ok := in.cache[key]
	in.mu.Unlock()
	if ok && time.Since(cached.cachedAt) < in.ttl {
		return cached, nil
	}

	fresh, err := in.loadSchema(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	in.cache[key] = fresh
	in.mu.Unlock()
	return fresh, nil
}

// Invalidate drops the cached schema for schema.table, forcing the next
// Schema call to reload — used when OnTableChanged fires mid-stream.
func (in *Introspector) Invalidate(schema, table string) {
	in.mu.Lock()
	delete(in.cache, cacheKey(schema, table))
	in.mu.Unlock()
}

func (in *Introspector) loadSchema(ctx context.Context, schema, table string) (*TableSchema, error) {
	cols, err := in.loadColumns(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	pkCols, err := in.loadPrimaryKey(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	// Composite keys degrade to their first declared column; a table
	// with no declared primary key at all gets an empty PKField, which
	// the worker treats as SchemaMissing for update/delete while still
	// allowing inserts.
	var pkField string
	if len(pkCols) > 0 {
		pkField = pkCols[0]
	}
	return &TableSchema{Columns: cols, PKField: pkField, cachedAt: time.Now()}, nil
}

func (in *Introspector) loadColumns(ctx context.Context, schema, table string) ([]convert.ColumnSpec, error) {
	rows, err := in.db.QueryContext(ctx, "SHOW COLUMNS FROM `"+schema+"`.`"+table+"`")
	if err != nil {
		return nil, errkind.Wrap(errkind.SourceTransient, fmt.Errorf("show columns: %w", err))
	}
	defer rows.Close()

	var specs []convert.ColumnSpec
	for rows.Next() {
		var field, colType, null, key, extra string
		var def sql.NullString
		if err := rows.Scan(&field, &colType, &null, &key, &def, &extra); err != nil {
			return nil, errkind.Wrap(errkind.Bug, err)
		}
		specs = append(specs, columnSpecFromType(field, colType))
	}
	return specs, rows.Err()
}

func (in *Introspector) loadPrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	rows, err := in.db.QueryContext(ctx,
		"SHOW KEYS FROM `"+schema+"`.`"+table+"` WHERE Key_name = 'PRIMARY'")
	if err != nil {
		return nil, errkind.Wrap(errkind.SourceTransient, fmt.Errorf("show keys: %w", err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errkind.Wrap(errkind.Bug, err)
	}
	type keyRow struct {
		seq int
		col string
	}
	var keyRows []keyRow
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errkind.Wrap(errkind.Bug, err)
		}
		var seq int
		var colName string
		for i, name := range cols {
			switch name {
			case "Seq_in_index":
				seq, _ = toInt(dest[i])
			case "Column_name":
				colName, _ = asStr(dest[i])
			}
		}
		keyRows = append(keyRows, keyRow{seq: seq, col: colName})
	}
	sort.Slice(keyRows, func(i, j int) bool { return keyRows[i].seq < keyRows[j].seq })
	pk := make([]string, 0, len(keyRows))
	for _, kr := range keyRows {
		pk = append(pk, kr.col)
	}
	return pk, rows.Err()
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int64:
		return int(t), true
	case []byte:
		n, err := strconv.Atoi(string(t))
		return n, err == nil
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}

func asStr(v any) (string, bool) {
	switch t := v.(type) {
	case []byte:
		return string(t), true
	case string:
		return t, true
	default:
		return "", false
	}
}

func columnSpecFromType(name, mysqlType string) convert.ColumnSpec {
	lower := strings.ToLower(mysqlType)
	switch {
	case strings.HasPrefix(lower, "decimal") || strings.HasPrefix(lower, "numeric"):
		return convert.ColumnSpec{Name: name, Type: convert.TypeDecimal}
	case strings.HasPrefix(lower, "datetime") || strings.HasPrefix(lower, "timestamp"):
		return convert.ColumnSpec{Name: name, Type: convert.TypeDatetime}
	case strings.HasPrefix(lower, "date"):
		return convert.ColumnSpec{Name: name, Type: convert.TypeDate}
	default:
		return convert.ColumnSpec{Name: name, Type: convert.TypeOther}
	}
}

// RepairUnknownColumns rewrites a row whose keys are synthetic
// "UNKNOWN_COL<i>" placeholders (as emitted when the replication stream
// couldn't resolve real column names for a table_map event) into the real
// column names, using schema's binlog-ordered column list. Rows already
// using real column names pass through unchanged — the rewrite is an
// idempotent no-op whenever no UNKNOWN_COL key is present.
func RepairUnknownColumns(row map[string]any, schema *TableSchema) map[string]any {
	hasUnknown := false
	for k := range row {
		if strings.HasPrefix(k, unknownColPrefix) {
			hasUnknown = true
			break
		}
	}
	if !hasUnknown {
		return row
	}
	repaired := make(map[string]any, len(row))
	for k, v := range row {
		idx, ok := unknownColIndex(k)
		if !ok || idx >= len(schema.Columns) {
			repaired[k] = v
			continue
		}
		repaired[schema.Columns[idx].Name] = v
	}
	return repaired
}

func unknownColIndex(key string) (int, bool) {
	if !strings.HasPrefix(key, unknownColPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(key, unknownColPrefix))
	if err != nil {
		return 0, false
	}
	return n, true
}
