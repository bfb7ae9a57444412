package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	taskOpsCounter      metric.Int64Counter
	checkpointsCounter  metric.Int64Counter
	heartbeatsCounter   metric.Int64Counter
	mergesCounter       metric.Int64Counter
	sweepExpiredCounter metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter    metric.Int64Counter
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("taskcopilot_task_operations_total", metric.WithDescription("Total task operations (create, transition, archive, etc.)"))
		if err != nil {
			return
		}
		checkpointsCounter, err = m.Int64Counter("taskcopilot_checkpoints_total", metric.WithDescription("Total checkpoints created, by trigger"))
		if err != nil {
			return
		}
		heartbeatsCounter, err = m.Int64Counter("taskcopilot_heartbeats_total", metric.WithDescription("Total agent heartbeats recorded"))
		if err != nil {
			return
		}
		mergesCounter, err = m.Int64Counter("taskcopilot_merges_total", metric.WithDescription("Task branch merges by outcome (merged, conflict, up_to_date)"))
		if err != nil {
			return
		}
		sweepExpiredCounter, err = m.Int64Counter("taskcopilot_checkpoints_expired_total", metric.WithDescription("Checkpoints stamped expired by the sweep"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("taskcopilot_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("taskcopilot_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordTaskOp records a task operation (create, transition, archive, etc.).
func RecordTaskOp(ctx context.Context, op, stream, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		AttrStream.String(stream),
		AttrStatus.String(status),
	))
}

// RecordCheckpoint records one checkpoint created with the given trigger.
func RecordCheckpoint(ctx context.Context, trigger string) {
	if checkpointsCounter != nil {
		checkpointsCounter.Add(ctx, 1, metric.WithAttributes(AttrTrigger.String(trigger)))
	}
}

// RecordHeartbeat records one agent heartbeat.
func RecordHeartbeat(ctx context.Context, stream, agent string) {
	if heartbeatsCounter != nil {
		heartbeatsCounter.Add(ctx, 1, metric.WithAttributes(AttrStream.String(stream), AttrAgent.String(agent)))
	}
}

// RecordMerge records a merge attempt outcome: merged, conflict, or up_to_date.
func RecordMerge(ctx context.Context, outcome string) {
	if mergesCounter != nil {
		mergesCounter.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
	}
}

// RecordSweepExpired records checkpoints stamped expired in one sweep round.
func RecordSweepExpired(ctx context.Context, n int64) {
	if sweepExpiredCounter != nil && n > 0 {
		sweepExpiredCounter.Add(ctx, n)
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// TaskCountFunc returns (pending, in_progress, blocked, completed) counts.
// Used for the taskcopilot_tasks_total gauge.
type TaskCountFunc func() (pending, inProgress, blocked, completed int64)

// InitMetricsWithTaskCount creates instruments and optionally registers a callback for task gauges.
// Call after InitMeterProvider. If taskCount is nil, task gauges are not reported.
func InitMetricsWithTaskCount(ctx context.Context, taskCount TaskCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if taskCount == nil {
		return nil
	}
	m := Meter()
	tasksGauge, err := m.Float64ObservableGauge("taskcopilot_tasks_total", metric.WithDescription("Number of tasks by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		pending, inProgress, blocked, completed := taskCount()
		o.ObserveFloat64(tasksGauge, float64(pending), metric.WithAttributes(AttrStatus.String("pending")))
		o.ObserveFloat64(tasksGauge, float64(inProgress), metric.WithAttributes(AttrStatus.String("in_progress")))
		o.ObserveFloat64(tasksGauge, float64(blocked), metric.WithAttributes(AttrStatus.String("blocked")))
		o.ObserveFloat64(tasksGauge, float64(completed), metric.WithAttributes(AttrStatus.String("completed")))
		return nil
	}, tasksGauge)
	return err
}
