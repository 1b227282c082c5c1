// Package metrics renders a task's advisory metrics snapshot as
// Prometheus gauges, for the (out-of-scope) HTTP admin surface
// to scrape. Metrics are advisory only: they never gate correctness, and
// a scrape failure or a missed update never affects sync behavior.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/block/rowsync/internal/model"
)

// TaskMetrics is the set of series registered for one task.
type TaskMetrics struct {
	taskID string

	processed *prometheus.GaugeVec
	binlogPos prometheus.Gauge
	phaseInfo *prometheus.GaugeVec
}

// Register creates and registers one task's metric set on reg.
func Register(reg *prometheus.Registry, taskID string) (*TaskMetrics, error) {
	tm := &TaskMetrics{
		taskID: taskID,
		processed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "rowsync",
			Name:        "events_processed",
			Help:        "Cumulative row events processed by this task, by kind.",
			ConstLabels: prometheus.Labels{"task_id": taskID},
		}, []string{"kind"}),
		binlogPos: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rowsync",
			Name:        "binlog_pos",
			Help:        "Last checkpointed binlog position for this task.",
			ConstLabels: prometheus.Labels{"task_id": taskID},
		}),
		phaseInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "rowsync",
			Name:        "phase_info",
			Help:        "1 for the task's current lifecycle phase, 0 otherwise.",
			ConstLabels: prometheus.Labels{"task_id": taskID},
		}, []string{"phase"}),
	}
	for _, c := range []prometheus.Collector{tm.processed, tm.binlogPos, tm.phaseInfo} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return tm, nil
}

// Unregister removes every series belonging to this task, used when a task
// is stopped and dropped from the registry (Stop, and Delete through it)
// so the registry doesn't accumulate stale series forever.
func (tm *TaskMetrics) Unregister(reg *prometheus.Registry) {
	reg.Unregister(tm.processed)
	reg.Unregister(tm.binlogPos)
	reg.Unregister(tm.phaseInfo)
}

// Observe updates every series from a fresh metrics snapshot.
func (tm *TaskMetrics) Observe(status model.Status, snap model.MetricsSnapshot) {
	tm.processed.WithLabelValues("full_insert").Set(float64(snap.FullInsertCount))
	tm.processed.WithLabelValues("insert").Set(float64(snap.IncInsertCount))
	tm.processed.WithLabelValues("update").Set(float64(snap.UpdateCount))
	tm.processed.WithLabelValues("delete").Set(float64(snap.DeleteCount))
	tm.binlogPos.Set(float64(snap.BinlogPos))
	for _, phase := range []model.Status{
		model.StatusInitializing, model.StatusFullSync, model.StatusIncSync,
		model.StatusStopped, model.StatusError,
	} {
		val := 0.0
		if phase == status {
			val = 1.0
		}
		tm.phaseInfo.WithLabelValues(string(phase)).Set(val)
	}
}
