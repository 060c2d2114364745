package taskfarm

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/xqbumu/go-taskfarm"

// Metrics represents server metrics used to monitor task distribution.
type Metrics struct {
	TasksAvailable   int64 // Tasks waiting to be dispatched
	TasksRunning     int64 // Tasks currently held by a session
	TasksFinished    int64 // Tasks with a recorded result since the last reset
	TasksDispatched  int64 // Total TASK commands sent
	TasksRequeued    int64 // Total tasks returned to the pool by vanished workers
	ResultsRejected  int64 // Total results ignored because their task was not running
	SessionsActive   int64 // Currently connected workers
	SessionsAccepted int64 // Total accepted connections
}

// serverMetrics keeps atomic counters for snapshots and mirrors them to OpenTelemetry.
type serverMetrics struct {
	dispatched      atomic.Int64
	requeued        atomic.Int64
	resultsRejected atomic.Int64
	sessionsActive  atomic.Int64
	sessionsTotal   atomic.Int64

	dispatchedCounter metric.Int64Counter
	finishedCounter   metric.Int64Counter
	requeuedCounter   metric.Int64Counter
	commandsCounter   metric.Int64Counter
	sessionsGauge     metric.Int64UpDownCounter
	availableGauge    metric.Int64ObservableGauge
	availableReg      metric.Registration
}

// newServerMetrics registers the server instruments. stats is read by the observable gauge,
// whose data point is labelled with addr so servers sharing a provider stay apart.
func newServerMetrics(mp metric.MeterProvider, stats func() QueueStats, addr string) *serverMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &serverMetrics{}

	m.dispatchedCounter, _ = meter.Int64Counter("taskfarm.tasks.dispatched",
		metric.WithUnit("{task}"),
		metric.WithDescription("Number of tasks sent to workers"),
	)
	m.finishedCounter, _ = meter.Int64Counter("taskfarm.tasks.finished",
		metric.WithUnit("{task}"),
		metric.WithDescription("Number of results accepted from workers"),
	)
	m.requeuedCounter, _ = meter.Int64Counter("taskfarm.tasks.requeued",
		metric.WithUnit("{task}"),
		metric.WithDescription("Number of tasks returned to the pool after a worker went away"),
	)
	m.commandsCounter, _ = meter.Int64Counter("taskfarm.commands.received",
		metric.WithUnit("{command}"),
		metric.WithDescription("Number of commands received from workers"),
	)
	m.sessionsGauge, _ = meter.Int64UpDownCounter("taskfarm.sessions.active",
		metric.WithUnit("{session}"),
		metric.WithDescription("Number of connected workers"),
	)
	m.availableGauge, _ = meter.Int64ObservableGauge("taskfarm.tasks.available",
		metric.WithUnit("{task}"),
		metric.WithDescription("Number of tasks waiting to be dispatched"),
	)
	if m.availableGauge != nil {
		attrs := metric.WithAttributes(attribute.String("server.address", addr))
		m.availableReg, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.availableGauge, int64(stats().Available), attrs)
			return nil
		}, m.availableGauge)
	}
	return m
}

// close stops reporting the observable gauge.
func (m *serverMetrics) close() error {
	if m.availableReg == nil {
		return nil
	}
	return m.availableReg.Unregister()
}

func (m *serverMetrics) commandReceived(ctx context.Context, typ CommandType) {
	if m.commandsCounter != nil {
		m.commandsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("command.type", typ.String())))
	}
}

func (m *serverMetrics) taskDispatched(ctx context.Context) {
	m.dispatched.Add(1)
	if m.dispatchedCounter != nil {
		m.dispatchedCounter.Add(ctx, 1)
	}
}

func (m *serverMetrics) taskFinished(ctx context.Context) {
	if m.finishedCounter != nil {
		m.finishedCounter.Add(ctx, 1)
	}
}

func (m *serverMetrics) resultRejected() {
	m.resultsRejected.Add(1)
}

func (m *serverMetrics) taskRequeued(ctx context.Context) {
	m.requeued.Add(1)
	if m.requeuedCounter != nil {
		m.requeuedCounter.Add(ctx, 1)
	}
}

func (m *serverMetrics) sessionOpened(ctx context.Context) {
	m.sessionsActive.Add(1)
	m.sessionsTotal.Add(1)
	if m.sessionsGauge != nil {
		m.sessionsGauge.Add(ctx, 1)
	}
}

func (m *serverMetrics) sessionClosed(ctx context.Context) {
	m.sessionsActive.Add(-1)
	if m.sessionsGauge != nil {
		m.sessionsGauge.Add(ctx, -1)
	}
}

// snapshot combines the counters with the queue sizes.
func (m *serverMetrics) snapshot(stats QueueStats) Metrics {
	return Metrics{
		TasksAvailable:   int64(stats.Available),
		TasksRunning:     int64(stats.Running),
		TasksFinished:    int64(stats.Finished),
		TasksDispatched:  m.dispatched.Load(),
		TasksRequeued:    m.requeued.Load(),
		ResultsRejected:  m.resultsRejected.Load(),
		SessionsActive:   m.sessionsActive.Load(),
		SessionsAccepted: m.sessionsTotal.Load(),
	}
}
