// Package model holds the data types shared across the sync core: row
// images coming off the binary log, the policy-bearing task configuration,
// and the advisory metrics snapshot each worker maintains.
package model

import "time"

// EventKind distinguishes the three binlog row-change kinds the core
// subscribes to.
type EventKind int

const (
	EventInsert EventKind = iota
	EventUpdate
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Row is a single row image. Keys are normally real column names; they may
// be synthetic "UNKNOWN_COL<i>" placeholders when the replication stream
// could not resolve the source schema, in which case the Introspector must
// repair them before the row reaches the Converter.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Event is one binlog row-change, already split from its surrounding
// transaction and translated out of the replication library's own types.
type Event struct {
	Kind   EventKind
	Schema string
	Table  string
	Before Row // only populated for EventUpdate
	After  Row // row image after the change; for EventDelete, the deleted row's image
	// LogFile/LogPos are the position *after* this event, suitable for
	// checkpointing once the event's sink effects are durable.
	LogFile string
	LogPos  uint32
}

// Checkpoint is the durable resume position for a task's incremental phase.
type Checkpoint struct {
	LogFile string          `json:"log_file"`
	LogPos  uint32          `json:"log_pos"`
	Metrics MetricsSnapshot `json:"metrics"`
}

// MetricsSnapshot is advisory only; it never gates correctness.
type MetricsSnapshot struct {
	Phase            string    `json:"phase"`
	CurrentTable     string    `json:"current_table"`
	ProcessedCount   int64     `json:"processed_count"`
	FullInsertCount  int64     `json:"full_insert_count"`
	IncInsertCount   int64     `json:"inc_insert_count"`
	UpdateCount      int64     `json:"update_count"`
	DeleteCount      int64     `json:"delete_count"`
	BinlogFile       string    `json:"binlog_file"`
	BinlogPos        uint32    `json:"binlog_pos"`
	LastUpdate       time.Time `json:"last_update"`
	LastError        string    `json:"error,omitempty"`
}

// Status is the coarse task lifecycle state reported to the admin surface.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusFullSync     Status = "full_sync"
	StatusIncSync      Status = "inc_sync"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// TaskConfig is a task's full, persisted configuration: connection
// endpoints, the source-table-to-sink-collection map, the versioning
// policy flags, and the throughput/discovery knobs that govern it.
type TaskConfig struct {
	TaskID string `json:"task_id"`

	SourceDSN string   `json:"source_dsn"`
	SourceTLS string   `json:"source_tls_mode"`
	Schemas   []string `json:"schemas"`

	SinkURI string `json:"sink_uri"`
	SinkDB  string `json:"sink_db"`

	// TableMap maps source table name to sink collection name. Empty
	// means auto-discover from the source catalog.
	TableMap map[string]string `json:"table_map"`
	// CollectionSuffix is appended to auto-discovered collection names.
	CollectionSuffix string `json:"collection_suffix"`

	PKField string `json:"pk_field"`

	// Policy flags.
	UpdateInsertNewDoc    bool `json:"update_insert_new_doc"`
	DeleteAppendNewDoc    bool `json:"delete_append_new_doc"`
	DeleteMarkOnlyBaseDoc bool `json:"delete_mark_only_base_doc"`
	HardDelete            bool `json:"hard_delete"`
	HandleDeletes         bool `json:"handle_deletes"`
	InsertOnly            bool `json:"insert_only"`
	UsePKAsMongoID        bool `json:"use_pk_as_mongo_id"`

	DeleteFlagField string `json:"delete_flag_field"`
	DeleteTimeField string `json:"delete_time_field"`

	// Throughput knobs.
	FetchBatchSize       int `json:"mysql_fetch_batch"`
	FlushBatchSize       int `json:"inc_flush_batch"`
	MongoBulkBatchSize   int `json:"mongo_bulk_batch"`
	FlushIntervalSec     int `json:"inc_flush_interval_sec"`
	StateSaveIntervalSec int `json:"state_save_interval_sec"`
	ProgressIntervalSec  int `json:"progress_interval_sec"`
	MongoMaxPoolSize     int `json:"mongo_max_pool_size"`
	FlushConcurrency     int `json:"flush_concurrency"`

	// Discovery flags.
	AutoDiscoverOnlyBaseTable bool `json:"auto_discover_only_base_table"`
	AutoDiscoverNewTables     bool `json:"auto_discover_new_tables"`
	AutoDiscoverIntervalSec   int  `json:"auto_discover_interval_sec"`

	// Reconnect policy.
	IncReconnectBackoffMaxSec int `json:"inc_reconnect_backoff_max_sec"`
	IncReconnectMaxRetry      int `json:"inc_reconnect_max_retry"`
}

// WithDefaults returns a copy of cfg with zero-valued knobs filled in from
// the documented defaults.
func (cfg TaskConfig) WithDefaults() TaskConfig {
	if cfg.FetchBatchSize == 0 {
		cfg.FetchBatchSize = 2000
	}
	if cfg.FlushBatchSize == 0 {
		cfg.FlushBatchSize = 2000
	}
	if cfg.MongoBulkBatchSize == 0 {
		cfg.MongoBulkBatchSize = 2000
	}
	if cfg.FlushIntervalSec == 0 {
		cfg.FlushIntervalSec = 2
	}
	if cfg.StateSaveIntervalSec == 0 {
		cfg.StateSaveIntervalSec = 2
	}
	if cfg.ProgressIntervalSec == 0 {
		cfg.ProgressIntervalSec = 10
	}
	if cfg.FlushConcurrency == 0 {
		cfg.FlushConcurrency = 4
	}
	if cfg.AutoDiscoverIntervalSec == 0 {
		cfg.AutoDiscoverIntervalSec = 60
	}
	if cfg.MongoMaxPoolSize == 0 {
		cfg.MongoMaxPoolSize = 100
	}
	if cfg.IncReconnectBackoffMaxSec == 0 {
		cfg.IncReconnectBackoffMaxSec = 30
	}
	if cfg.DeleteFlagField == "" {
		cfg.DeleteFlagField = "deleted"
	}
	if cfg.DeleteTimeField == "" {
		cfg.DeleteTimeField = "deleted_at"
	}
	return cfg
}
