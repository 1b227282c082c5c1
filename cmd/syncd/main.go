package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/block/rowsync/internal/model"
	"github.com/block/rowsync/internal/taskmanager"
)

// cli is the top-level command tree: subcommands for start, stop, reset,
// delete, list and status, plus serve for the long-running daemon.
var cli struct {
	DataDir string `help:"Base directory for configs/state/logs." default:"./data"`

	Serve  ServeCmd  `cmd:"" help:"Restore persisted tasks and run until signalled."`
	Start  StartCmd  `cmd:"" help:"Start a task from a config file."`
	Stop   StopCmd   `cmd:"" help:"Stop a running task."`
	Reset  ResetCmd  `cmd:"" help:"Discard a task's checkpoint so it re-runs full sync."`
	Delete DeleteCmd `cmd:"" help:"Stop a task and delete its config, checkpoint, and log."`
	List   ListCmd   `cmd:"" help:"List registered task ids."`
	Status StatusCmd `cmd:"" help:"Show a task's current phase and metrics."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("syncd"),
		kong.Description("Replicates MySQL tables into MongoDB collections via binlog tailing."))

	mgr := taskmanager.New(taskmanager.Dirs{
		Configs: cli.DataDir + "/configs",
		State:   cli.DataDir + "/state",
		Logs:    cli.DataDir + "/logs",
	})

	err := ctx.Run(mgr)
	ctx.FatalIfErrorf(err)
}

// ServeCmd restores every persisted task config and blocks until the
// process receives SIGINT or SIGTERM, then soft-stops everything running.
type ServeCmd struct{}

func (s *ServeCmd) Run(mgr *taskmanager.Manager) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.RestoreFromDisk(ctx); err != nil {
		return fmt.Errorf("restore persisted tasks: %w", err)
	}

	<-ctx.Done()
	for _, id := range mgr.List() {
		if err := mgr.StopSoft(id); err != nil {
			fmt.Fprintf(os.Stderr, "stop %s: %v\n", id, err)
		}
	}
	return nil
}

// StartCmd starts a new task from a JSON config file on disk.
type StartCmd struct {
	ConfigFile string `arg:"" help:"Path to a task config JSON file."`
}

func (s *StartCmd) Run(mgr *taskmanager.Manager) error {
	data, err := os.ReadFile(s.ConfigFile)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var cfg model.TaskConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return mgr.Start(context.Background(), cfg)
}

// StopCmd hard-stops a running task and drops it from the registry.
type StopCmd struct {
	TaskID string `arg:""`
}

func (s *StopCmd) Run(mgr *taskmanager.Manager) error { return mgr.Stop(s.TaskID) }

// ResetCmd discards a task's checkpoint.
type ResetCmd struct {
	TaskID string `arg:""`
}

func (r *ResetCmd) Run(mgr *taskmanager.Manager) error { return mgr.Reset(r.TaskID) }

// DeleteCmd stops (if running) and fully removes a task's persisted state.
type DeleteCmd struct {
	TaskID string `arg:""`
}

func (d *DeleteCmd) Run(mgr *taskmanager.Manager) error { return mgr.Delete(d.TaskID) }

// ListCmd prints every registered task id, one per line.
type ListCmd struct{}

func (l *ListCmd) Run(mgr *taskmanager.Manager) error {
	for _, id := range mgr.List() {
		fmt.Println(id)
	}
	return nil
}

// StatusCmd prints a task's phase and metrics snapshot as JSON.
type StatusCmd struct {
	TaskID string `arg:""`
}

func (s *StatusCmd) Run(mgr *taskmanager.Manager) error {
	status, snap, err := mgr.Status(s.TaskID)
	if err != nil {
		return err
	}
	out := struct {
		Status  string                 `json:"status"`
		Metrics model.MetricsSnapshot `json:"metrics"`
	}{string(status), snap}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
