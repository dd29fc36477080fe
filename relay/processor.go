package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/careloophq/lib-events/log"
	"github.com/careloophq/lib-events/outbox"
	"github.com/careloophq/lib-events/rabbitmq"
	"github.com/careloophq/lib-events/runtime"
)

var (
	ErrStoreRequired     = errors.New("relay store is required")
	ErrPublisherRequired = errors.New("relay publisher is required")
	ErrProcessorRunning  = errors.New("relay processor already running")
)

// Publisher is the broker surface the relay needs. Publish must only return
// nil once the broker has confirmed the message.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// TickResult captures the outcome of one relay pass.
type TickResult struct {
	// Claimed is the number of records this pass moved to PROCESSING.
	Claimed int
	// Published is the number of records confirmed and marked PROCESSED.
	Published int
	// Failed is the number of records marked FAILED.
	Failed int
	// Conflicts counts rows another instance claimed first. Not an error.
	Conflicts int
	// Reclaimed is the number of stale PROCESSING rows handed back to the
	// poll, left behind by a relay that died mid-pass.
	Reclaimed int
	// Released is the number of claimed rows returned unattempted after
	// this pass aborted. Releasing does not charge their retry budget.
	Released int
	// Aborted reports whether a transient broker failure cut the pass short.
	Aborted bool
	// Skipped reports that the pass did not run because the previous one
	// was still in flight.
	Skipped bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(processor *Processor) {
		processor.cfg = cfg
	}
}

// WithLogger sets the processor logger.
func WithLogger(logger log.Logger) Option {
	return func(processor *Processor) {
		if logger != nil {
			processor.logger = logger
		}
	}
}

// WithTracer sets the processor tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(processor *Processor) {
		if tracer != nil {
			processor.tracer = tracer
		}
	}
}

// WithClassifier replaces the default failure classifier.
func WithClassifier(classifier Classifier) Option {
	return func(processor *Processor) {
		if classifier != nil {
			processor.classifier = classifier
		}
	}
}

// Processor is the background relay: it drains the outbox store to the
// broker on a fixed-interval tick.
type Processor struct {
	store      outbox.Store
	publisher  Publisher
	classifier Classifier
	logger     log.Logger
	tracer     trace.Tracer
	cfg        Config
	metrics    processorMetrics

	// tickMu is the in-process overlap guard: one pass at a time per
	// instance. Cross-instance correctness is the store's conditional
	// claim, never this mutex.
	tickMu  sync.Mutex
	ticking bool

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelRun  context.CancelFunc
	wg         sync.WaitGroup
}

// NewProcessor creates a relay processor over a store and a confirm-mode
// publisher.
func NewProcessor(store outbox.Store, publisher Publisher, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	processor := &Processor{
		store:      store,
		publisher:  publisher,
		classifier: DefaultClassifier(),
		logger:     log.NewNop(),
		tracer:     otel.Tracer("careloop.relay"),
		cfg:        DefaultConfig(),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(processor)
		}
	}

	processor.cfg.normalize()

	metrics, err := newProcessorMetrics(processor.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init relay metrics: %w", err)
	}

	processor.metrics = metrics

	return processor, nil
}

// Run drives the relay until Stop is called or ctx is cancelled. An
// immediate pass runs at startup so a restart drains the backlog without
// waiting a full interval.
func (processor *Processor) Run(parentCtx context.Context) error {
	if processor == nil {
		return ErrStoreRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !processor.registerRun(cancel) {
		cancel()

		return ErrProcessorRunning
	}

	defer processor.clearRun()
	defer runtime.RecoverAndLogWithContext(ctx, processor.logger, "relay", "processor_run")

	processor.logger.Log(ctx, log.LevelInfo, "outbox relay started",
		log.Any("tick_interval", processor.cfg.TickInterval.String()),
		log.Int("batch_size", processor.cfg.BatchSize),
		log.Int("max_retries", processor.cfg.MaxRetries))
	defer processor.logger.Log(ctx, log.LevelInfo, "outbox relay stopped")

	tick := time.NewTicker(processor.cfg.TickInterval)
	defer tick.Stop()

	cleanup := time.NewTicker(processor.cfg.CleanupInterval)
	defer cleanup.Stop()

	stats := time.NewTicker(processor.cfg.StatsInterval)
	defer stats.Stop()

	processor.guardedTick(ctx)

	for {
		select {
		case <-processor.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-tick.C:
			processor.guardedTick(ctx)
		case <-cleanup.C:
			processor.runCleanup(ctx)
		case <-stats.C:
			processor.reportStats(ctx)
		}
	}
}

// Stop signals the run loop to exit.
func (processor *Processor) Stop() {
	if processor == nil {
		return
	}

	processor.stopOnce.Do(func() {
		processor.runStateMu.Lock()
		cancel := processor.cancelRun
		processor.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(processor.stop)
	})
}

// Shutdown stops the relay and waits for the in-flight pass, bounded by ctx.
func (processor *Processor) Shutdown(ctx context.Context) error {
	if processor == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	processor.Stop()

	done := make(chan struct{})

	runtime.SafeGo(processor.logger, "relay.shutdown_wait", runtime.KeepRunning, func() {
		processor.wg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

func (processor *Processor) registerRun(cancel context.CancelFunc) bool {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	if processor.running {
		return false
	}

	processor.running = true
	processor.cancelRun = cancel

	return true
}

func (processor *Processor) clearRun() {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	processor.running = false
	processor.cancelRun = nil
}

func (processor *Processor) guardedTick(ctx context.Context) {
	processor.wg.Add(1)
	defer processor.wg.Done()

	defer runtime.RecoverAndLogWithContext(ctx, processor.logger, "relay", "tick")

	result := processor.ProcessOnce(ctx)
	if result.Skipped {
		return
	}

	if result.Claimed > 0 || result.Failed > 0 || result.Reclaimed > 0 {
		processor.logger.Log(ctx, log.LevelInfo, "relay pass complete",
			log.Int("claimed", result.Claimed),
			log.Int("published", result.Published),
			log.Int("failed", result.Failed),
			log.Int("conflicts", result.Conflicts),
			log.Int("released", result.Released),
			log.Int("reclaimed", result.Reclaimed),
			log.Bool("aborted", result.Aborted))
	}
}

// ProcessOnce runs a single relay pass: claim, publish sequentially, advance
// states. It returns immediately with Skipped when a previous pass is still
// running on this instance.
func (processor *Processor) ProcessOnce(ctx context.Context) TickResult {
	if processor == nil {
		return TickResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if !processor.beginTick() {
		return TickResult{Skipped: true}
	}
	defer processor.endTick()

	start := time.Now()

	ctx, span := processor.tracer.Start(ctx, "relay.process_once")
	defer span.End()

	reclaimed := processor.reclaimStuck(ctx)

	result := processor.drainBatch(ctx)
	result.Reclaimed = reclaimed

	processor.metrics.batchDepth.Record(ctx, int64(result.Claimed))
	processor.metrics.eventsReclaimed.Add(ctx, int64(result.Reclaimed))
	processor.metrics.eventsRelayed.Add(ctx, int64(result.Published))
	processor.metrics.eventsFailed.Add(ctx, int64(result.Failed))
	processor.metrics.tickLatency.Record(ctx, time.Since(start).Seconds())

	return result
}

func (processor *Processor) drainBatch(ctx context.Context) TickResult {
	var result TickResult

	records, err := processor.store.GetPendingEvents(ctx, processor.cfg.BatchSize, processor.cfg.MaxRetries)
	if err != nil {
		processor.logger.Log(ctx, log.LevelError, "failed to poll outbox", log.Err(err))

		return result
	}

	if len(records) == 0 {
		return result
	}

	ids := make([]uuid.UUID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}

	claimedIDs, err := processor.store.MarkAsProcessing(ctx, ids)
	if err != nil {
		processor.logger.Log(ctx, log.LevelError, "failed to claim outbox batch", log.Err(err))

		return result
	}

	claimed := make(map[uuid.UUID]struct{}, len(claimedIDs))
	for _, id := range claimedIDs {
		claimed[id] = struct{}{}
	}

	result.Claimed = len(claimedIDs)
	result.Conflicts = len(records) - len(claimedIDs)

	aborted := false

	var unattempted []uuid.UUID

	for _, record := range records {
		if _, ok := claimed[record.ID]; !ok {
			continue
		}

		if ctx.Err() != nil {
			aborted = true
		}

		if aborted {
			// Rows already claimed but never attempted this pass are
			// released rather than failed: they go back to FAILED without
			// charging retry_count, so a broker outage cannot burn a
			// batch's retry budget before a single publish attempt.
			unattempted = append(unattempted, record.ID)

			continue
		}

		err := processor.publishRecord(ctx, record)
		if err == nil {
			if markErr := processor.store.MarkAsProcessed(ctx, record.ID, time.Now().UTC()); markErr != nil {
				// Published but not persisted: the record will be
				// republished. Consumers deduplicate on envelope id.
				processor.logger.Log(ctx, log.LevelError,
					"record published but PROCESSED state not persisted",
					log.String("record_id", record.ID.String()),
					log.Err(markErr))
				processor.metrics.eventsStateFailed.Add(ctx, 1)
			}

			result.Published++

			continue
		}

		kind := processor.classifier.Classify(err)

		processor.logger.Log(ctx, log.LevelWarn, "publish failed",
			log.String("record_id", record.ID.String()),
			log.String("event_type", record.EventType.String()),
			log.Int("retry_count", record.RetryCount),
			log.String("failure_kind", kind.String()),
			log.String("error_detail", outbox.SanitizeError(err)))

		processor.markFailed(ctx, record, err)
		result.Failed++

		if kind == TransientBrokerFailure {
			// The broker itself is suspect: stop hammering it and leave
			// the rest for the next tick.
			aborted = true
		}
	}

	result.Aborted = aborted

	if len(unattempted) > 0 {
		released, releaseErr := processor.store.ReleaseEvents(ctx, unattempted)
		if releaseErr != nil {
			processor.logger.Log(ctx, log.LevelError, "failed to release unattempted records",
				log.Int("records", len(unattempted)),
				log.Err(releaseErr))
		}

		result.Released = int(released)
	}

	return result
}

// reclaimStuck hands PROCESSING rows abandoned by a dead relay back to the
// poll. Rows younger than the stuck threshold belong to a live pass and are
// left alone.
func (processor *Processor) reclaimStuck(ctx context.Context) int {
	reclaimed, err := processor.store.ResetStuckProcessing(ctx, processor.cfg.StuckThreshold)
	if err != nil {
		processor.logger.Log(ctx, log.LevelError, "failed to reclaim stuck records", log.Err(err))

		return 0
	}

	if reclaimed > 0 {
		processor.logger.Log(ctx, log.LevelWarn, "reclaimed stuck records",
			log.Any("reclaimed", reclaimed),
			log.Any("stuck_threshold", processor.cfg.StuckThreshold.String()))
	}

	return int(reclaimed)
}

func (processor *Processor) publishRecord(ctx context.Context, record *outbox.Record) error {
	env, err := record.Envelope()
	if err != nil {
		return err
	}

	opts := []rabbitmq.PublishingOption{
		rabbitmq.WithHeader("aggregateType", record.AggregateType),
		rabbitmq.WithHeader("aggregateId", record.AggregateID),
		rabbitmq.WithHeader("retryCount", int32(record.RetryCount)),
	}

	if record.EventType.SafetyCritical() {
		opts = append(opts, rabbitmq.WithPriority(rabbitmq.EmergencyMaxPriority))
	}

	msg, err := rabbitmq.BuildPublishing(env, opts...)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, processor.cfg.PublishTimeout)
	defer cancel()

	return processor.publisher.Publish(publishCtx, record.Exchange, record.RoutingKey, msg)
}

func (processor *Processor) markFailed(ctx context.Context, record *outbox.Record, cause error) {
	if err := processor.store.MarkAsFailed(ctx, record.ID, cause.Error()); err != nil {
		processor.logger.Log(ctx, log.LevelError, "failed to persist FAILED state",
			log.String("record_id", record.ID.String()),
			log.Err(err))
	}
}

func (processor *Processor) beginTick() bool {
	processor.tickMu.Lock()
	defer processor.tickMu.Unlock()

	if processor.ticking {
		return false
	}

	processor.ticking = true

	return true
}

func (processor *Processor) endTick() {
	processor.tickMu.Lock()
	processor.ticking = false
	processor.tickMu.Unlock()
}

// runCleanup deletes PROCESSED records past the retention window.
func (processor *Processor) runCleanup(ctx context.Context) {
	processor.wg.Add(1)
	defer processor.wg.Done()

	defer runtime.RecoverAndLogWithContext(ctx, processor.logger, "relay", "cleanup")

	deleted, err := processor.store.CleanupProcessedEvents(ctx, processor.cfg.Retention)
	if err != nil {
		processor.logger.Log(ctx, log.LevelError, "retention cleanup failed", log.Err(err))

		return
	}

	processor.logger.Log(ctx, log.LevelInfo, "retention cleanup complete",
		log.Any("deleted", deleted),
		log.Any("retention", processor.cfg.Retention.String()))
}

// reportStats logs per-status counts plus a process resource snapshot.
func (processor *Processor) reportStats(ctx context.Context) {
	processor.wg.Add(1)
	defer processor.wg.Done()

	defer runtime.RecoverAndLogWithContext(ctx, processor.logger, "relay", "stats")

	stats, err := processor.store.GetStats(ctx)
	if err != nil {
		processor.logger.Log(ctx, log.LevelError, "failed to collect outbox stats", log.Err(err))

		return
	}

	proc := runtime.SnapshotProcStats()

	processor.logger.Log(ctx, log.LevelInfo, "outbox stats",
		log.Any("pending", stats.Pending),
		log.Any("processing", stats.Processing),
		log.Any("processed", stats.Processed),
		log.Any("failed", stats.Failed),
		log.Any("cpu_percent", proc.CPUPercent),
		log.Any("mem_used_percent", proc.MemUsedPercent),
		log.Any("heap_alloc_bytes", proc.HeapAllocBytes),
		log.Int("goroutines", proc.Goroutines))
}
