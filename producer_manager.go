package taskfarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ProducerManager runs Producers on cron schedules and feeds what they produce into a sink,
// normally the server's task queue.
type ProducerManager[T Task] struct {
	ctx            context.Context    // Cancelled on Stop so in-flight Produce calls return
	cancel         context.CancelFunc
	cron           *cron.Cron         // Scheduler driving every producer entry
	schedule       string             // Default cron schedule for producers without their own
	produceTimeout time.Duration      // Timeout for a single Produce call (0 means none)
	sink           func(T) error      // Receives every produced task
	logger         *slog.Logger

	mu      sync.Mutex
	entries []cron.EntryID
	running bool
}

// NewProducerManager creates a ProducerManager. The cron scheduler is not started until Start.
func NewProducerManager[T Task](schedule string, produceTimeout time.Duration, sink func(T) error, logger *slog.Logger) *ProducerManager[T] {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	pm := &ProducerManager[T]{
		ctx:            ctx,
		cancel:         cancel,
		schedule:       schedule,
		produceTimeout: produceTimeout,
		sink:           sink,
		logger:         logger,
	}
	cl := cronLogger{logger: logger}
	pm.cron = cron.New(
		cron.WithLogger(cl),
		// Recover sits inside SkipIfStillRunning so a panic still releases the run token.
		cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
	)
	return pm
}

// Add schedules a producer. The producer's own ProduceCronSchedule wins over the
// manager's default schedule; ErrNoSchedule is returned when neither is set.
func (pm *ProducerManager[T]) Add(producer Producer[T]) (cron.EntryID, error) {
	schedule := pm.schedule
	if p, ok := producer.(ProducerCronSchedule); ok {
		if s, ok := p.ProduceCronSchedule(); ok && s != "" {
			schedule = s
		}
	}
	if schedule == "" {
		return 0, ErrNoSchedule
	}

	id, err := pm.cron.AddFunc(schedule, func() { pm.callProduce(producer) })
	if err != nil {
		return 0, fmt.Errorf("failed to schedule producer with %q: %w", schedule, err)
	}

	pm.mu.Lock()
	pm.entries = append(pm.entries, id)
	pm.mu.Unlock()

	pm.logger.Info("Producer scheduled", "entry", id, "schedule", schedule)
	return id, nil
}

// Remove unschedules a producer entry.
func (pm *ProducerManager[T]) Remove(id cron.EntryID) {
	pm.cron.Remove(id)
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for i, e := range pm.entries {
		if e == id {
			pm.entries = append(pm.entries[:i], pm.entries[i+1:]...)
			break
		}
	}
	pm.logger.Info("Producer removed", "entry", id)
}

// Len returns the number of scheduled producers.
func (pm *ProducerManager[T]) Len() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.entries)
}

// Start starts the cron scheduler in its own goroutine.
func (pm *ProducerManager[T]) Start() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.running {
		return
	}
	pm.running = true
	pm.cron.Start()
	pm.logger.Info("ProducerManager started", "producers", len(pm.entries))
}

// Stop stops the scheduler, cancels running Produce calls and waits for them to return.
func (pm *ProducerManager[T]) Stop() {
	pm.mu.Lock()
	wasRunning := pm.running
	pm.running = false
	pm.mu.Unlock()

	pm.cancel()
	if !wasRunning {
		return
	}
	<-pm.cron.Stop().Done()
	pm.logger.Info("ProducerManager stopped")
}

// callProduce calls Produce with a timeout context and hands the tasks to the sink.
func (pm *ProducerManager[T]) callProduce(producer Producer[T]) {
	ctx := pm.ctx
	if pm.produceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pm.produceTimeout)
		defer cancel()
	}

	tasks, err := producer.Produce(ctx)
	if err != nil {
		// Log production error, but keep the schedule
		pm.logger.Error("Producer error", "producer", fmt.Sprintf("%T", producer), "error", err)
		return
	}
	added := 0
	for _, t := range tasks {
		if err := pm.sink(t); err != nil {
			pm.logger.Warn("Produced task rejected", "producer", fmt.Sprintf("%T", producer), "task_id", t.TaskID(), "error", err)
			continue
		}
		added++
	}
	pm.logger.Debug("Producer added tasks", "producer", fmt.Sprintf("%T", producer), "count", added)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
