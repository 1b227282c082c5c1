// Package replsource wraps go-mysql's canal client into the narrow event
// stream the sync worker consumes: each row-change event translated to
// model.Event and delivered over a channel, independent of canal's own
// handler-callback shape.
package replsource

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/go-mysql-org/go-mysql/schema"
	"github.com/siddontang/loggers"

	"github.com/block/rowsync/internal/errkind"
	"github.com/block/rowsync/internal/model"
)

// Client streams row-change events for a set of schemas off a MySQL
// binlog, starting from a given binlog file/position and forwarding
// translated events to Events().
type Client struct {
	canal.DummyEventHandler

	addr, user, password string
	schemas              []string
	logger               loggers.Advanced

	c *canal.Canal

	mu          sync.Mutex
	lastLogFile string

	events  chan model.Event
	onTable func(schema, table string)
}

// Config describes how to reach a source and which schemas to follow.
type Config struct {
	Addr     string
	User     string
	Password string
	Schemas  []string
	Logger   loggers.Advanced
}

// New builds a Client. The returned client does not connect until Start
// is called.
func New(cfg Config) *Client {
	return &Client{
		addr:     cfg.Addr,
		user:     cfg.User,
		password: cfg.Password,
		schemas:  cfg.Schemas,
		logger:   cfg.Logger,
		events:   make(chan model.Event, 1024),
	}
}

// Events returns the channel translated row events are delivered on. The
// channel is closed when the underlying canal stream ends.
func (cl *Client) Events() <-chan model.Event { return cl.events }

// OnTableChangedCallback registers a callback invoked when a DDL change is
// seen for a followed table, so the introspection cache can be
// invalidated.
func (cl *Client) OnTableChangedCallback(fn func(schema, table string)) {
	cl.onTable = fn
}

// serverID derives a replication client id that avoids colliding with
// real application servers or other rowsync workers on the same source:
// a fixed base plus a coarse time offset plus a random low-order term.
func serverID() uint32 {
	base := uint32(100)
	offset := uint32(time.Now().Unix() % 100000)
	jitter := uint32(rand.Intn(1000))
	return base + offset + jitter
}

// MasterPosition returns the source's current binlog position, used to
// establish the starting point for a task that has never checkpointed.
func (cl *Client) MasterPosition(ctx context.Context) (mysql.Position, error) {
	cfg := cl.canalConfig()
	c, err := canal.NewCanal(cfg)
	if err != nil {
		return mysql.Position{}, errkind.Wrap(errkind.SourceTransient, fmt.Errorf("create canal: %w", err))
	}
	defer c.Close()
	pos, err := c.GetMasterPos()
	if err != nil {
		return mysql.Position{}, errkind.Wrap(errkind.SourceTransient, fmt.Errorf("get master position: %w", err))
	}
	return pos, nil
}

func (cl *Client) canalConfig() *canal.Config {
	cfg := canal.NewDefaultConfig()
	cfg.Addr = cl.addr
	cfg.User = cl.user
	cfg.Password = cl.password
	cfg.Logger = cl.logger
	cfg.ServerID = serverID()
	cfg.Dump.ExecutionPath = "" // never dump; full-sync is this core's own job, not canal's
	var includes []string
	for _, schema := range cl.schemas {
		includes = append(includes, fmt.Sprintf("^%s\\..*$", schema))
	}
	cfg.IncludeTableRegex = includes
	return cfg
}

// RunFrom starts streaming from pos, blocking until the stream ends or ctx
// is cancelled. Events are delivered on Events() as they arrive; RunFrom
// closes the events channel before returning.
func (cl *Client) RunFrom(ctx context.Context, pos mysql.Position) error {
	defer close(cl.events)

	cfg := cl.canalConfig()
	c, err := canal.NewCanal(cfg)
	if err != nil {
		return errkind.Wrap(errkind.SourceTransient, fmt.Errorf("create canal: %w", err))
	}
	cl.c = c
	c.SetEventHandler(cl)

	cl.mu.Lock()
	cl.lastLogFile = pos.Name
	cl.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.RunFrom(pos) }()

	select {
	case <-ctx.Done():
		c.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return errkind.Wrap(errkind.SourceTransient, fmt.Errorf("canal run: %w", err))
		}
		return nil
	}
}

// Close stops the underlying canal connection.
func (cl *Client) Close() {
	if cl.c != nil {
		cl.c.Close()
	}
}

// OnRow implements canal.EventHandler: translate a RowsEvent into one or
// more model.Event values and push them onto the channel.
func (cl *Client) OnRow(e *canal.RowsEvent) error {
	cl.mu.Lock()
	logFile := cl.lastLogFile
	cl.mu.Unlock()

	switch e.Action {
	case canal.InsertAction:
		for _, row := range e.Rows {
			cl.emit(model.Event{
				Kind: model.EventInsert, Schema: e.Table.Schema, Table: e.Table.Name,
				After: rowToMap(e.Table.Columns, row), LogFile: logFile, LogPos: e.Header.LogPos,
			})
		}
	case canal.DeleteAction:
		for _, row := range e.Rows {
			cl.emit(model.Event{
				Kind: model.EventDelete, Schema: e.Table.Schema, Table: e.Table.Name,
				After: rowToMap(e.Table.Columns, row), LogFile: logFile, LogPos: e.Header.LogPos,
			})
		}
	case canal.UpdateAction:
		// UpdateAction delivers rows in (before, after) pairs.
		for i := 0; i+1 < len(e.Rows); i += 2 {
			cl.emit(model.Event{
				Kind: model.EventUpdate, Schema: e.Table.Schema, Table: e.Table.Name,
				Before: rowToMap(e.Table.Columns, e.Rows[i]),
				After:  rowToMap(e.Table.Columns, e.Rows[i+1]),
				LogFile: logFile, LogPos: e.Header.LogPos,
			})
		}
	}
	return nil
}

// OnRotate implements canal.EventHandler: captures the binlog file name
// for the position that row events after it belong to (RowsEvent headers
// only carry a position, never a file name).
func (cl *Client) OnRotate(_ *replication.EventHeader, rotateEvent *replication.RotateEvent) error {
	cl.mu.Lock()
	cl.lastLogFile = string(rotateEvent.NextLogName)
	cl.mu.Unlock()
	return nil
}

// OnTableChanged implements canal.EventHandler: forwards DDL notifications
// to whatever was registered via OnTableChangedCallback.
func (cl *Client) OnTableChanged(_ *replication.EventHeader, schema string, table string) error {
	if cl.onTable != nil {
		cl.onTable(schema, table)
	}
	return nil
}

func (cl *Client) emit(ev model.Event) {
	cl.events <- ev
}

// rowToMap zips a table's column names with one binlog row image into a
// model.Row. Columns whose name could not be resolved by go-mysql arrive
// as "" here; the worker's introspection repair step renames them.
func rowToMap(columns []schema.TableColumn, values []any) model.Row {
	row := make(model.Row, len(values))
	for i, v := range values {
		name := fmt.Sprintf("UNKNOWN_COL%d", i)
		if i < len(columns) && columns[i].Name != "" {
			name = columns[i].Name
		}
		row[name] = v
	}
	return row
}
