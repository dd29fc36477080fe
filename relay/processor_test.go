//go:build unit

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/careloophq/lib-events/event"
	"github.com/careloophq/lib-events/log"
	"github.com/careloophq/lib-events/outbox"
	"github.com/careloophq/lib-events/rabbitmq"
)

// fakeStore is an in-memory outbox.Store with the same claim semantics as
// the SQL implementation.
type fakeStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*outbox.Record
	order   []uuid.UUID

	pollErr    error
	claimErr   error
	processErr error

	// afterPoll runs once GetPendingEvents has built its result, letting a
	// test mutate records between the poll and the claim.
	afterPoll func()

	cleanupCalls []time.Duration
	statsCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[uuid.UUID]*outbox.Record{}}
}

func (store *fakeStore) add(t *testing.T, eventType event.Type) *outbox.Record {
	t.Helper()

	record, err := outbox.NewRecord(outbox.NewRecordParams{
		EventType:     eventType,
		Payload:       json.RawMessage(`{"ok":true}`),
		AggregateType: "appointment",
		AggregateID:   uuid.NewString(),
		TenantID:      "tenant-1",
	})
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()

	store.records[record.ID] = record
	store.order = append(store.order, record.ID)

	return record
}

func (store *fakeStore) get(id uuid.UUID) outbox.Record {
	store.mu.Lock()
	defer store.mu.Unlock()

	return *store.records[id]
}

func (store *fakeStore) CreateEvent(_ context.Context, _ outbox.Tx, record *outbox.Record) (*outbox.Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.records[record.ID] = record
	store.order = append(store.order, record.ID)

	return record, nil
}

func (store *fakeStore) GetPendingEvents(_ context.Context, limit, maxRetries int) ([]*outbox.Record, error) {
	if store.pollErr != nil {
		return nil, store.pollErr
	}

	store.mu.Lock()

	var out []*outbox.Record

	for _, id := range store.order {
		if len(out) == limit {
			break
		}

		record := store.records[id]

		dispatchable := record.Status == outbox.StatusPending ||
			(record.Status == outbox.StatusFailed && record.RetryCount < maxRetries)
		if dispatchable {
			clone := *record
			out = append(out, &clone)
		}
	}

	store.mu.Unlock()

	if store.afterPoll != nil {
		store.afterPoll()
	}

	return out, nil
}

func (store *fakeStore) MarkAsProcessing(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if store.claimErr != nil {
		return nil, store.claimErr
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	var claimed []uuid.UUID

	for _, id := range ids {
		record, ok := store.records[id]
		if !ok {
			continue
		}

		if record.Status == outbox.StatusPending || record.Status == outbox.StatusFailed {
			record.Status = outbox.StatusProcessing
			record.UpdatedAt = time.Now().UTC()
			claimed = append(claimed, id)
		}
	}

	return claimed, nil
}

func (store *fakeStore) MarkAsProcessed(_ context.Context, id uuid.UUID, processedAt time.Time) error {
	if store.processErr != nil {
		return store.processErr
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	record := store.records[id]
	record.Status = outbox.StatusProcessed
	record.ProcessedAt = &processedAt

	return nil
}

func (store *fakeStore) MarkAsFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	record := store.records[id]
	record.Status = outbox.StatusFailed
	record.RetryCount++
	record.LastError = outbox.SanitizeErrorMessage(errMsg)

	return nil
}

func (store *fakeStore) ResetStuckProcessing(_ context.Context, olderThan time.Duration) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)

	var reclaimed int64

	for _, id := range store.order {
		record := store.records[id]
		if record.Status == outbox.StatusProcessing && record.UpdatedAt.Before(cutoff) {
			record.Status = outbox.StatusFailed
			record.LastError = "reclaimed after stale processing claim"
			record.UpdatedAt = time.Now().UTC()
			reclaimed++
		}
	}

	return reclaimed, nil
}

func (store *fakeStore) ReleaseEvents(_ context.Context, ids []uuid.UUID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var released int64

	for _, id := range ids {
		record, ok := store.records[id]
		if !ok || record.Status != outbox.StatusProcessing {
			continue
		}

		record.Status = outbox.StatusFailed
		record.LastError = "released before publish attempt"
		record.UpdatedAt = time.Now().UTC()
		released++
	}

	return released, nil
}

func (store *fakeStore) CleanupProcessedEvents(_ context.Context, olderThan time.Duration) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.cleanupCalls = append(store.cleanupCalls, olderThan)

	return 0, nil
}

func (store *fakeStore) GetStats(context.Context) (outbox.Stats, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.statsCalls++

	return outbox.Stats{}, nil
}

type publishedMessage struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	errs      map[string]error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{errs: map[string]error{}}
}

// failFor makes publishing fail for the given message id.
func (pub *fakePublisher) failFor(id uuid.UUID, err error) {
	pub.mu.Lock()
	defer pub.mu.Unlock()

	pub.errs[id.String()] = err
}

func (pub *fakePublisher) Publish(_ context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	pub.mu.Lock()
	defer pub.mu.Unlock()

	if err, ok := pub.errs[msg.MessageId]; ok {
		return err
	}

	pub.published = append(pub.published, publishedMessage{exchange: exchange, routingKey: routingKey, msg: msg})

	return nil
}

func (pub *fakePublisher) count() int {
	pub.mu.Lock()
	defer pub.mu.Unlock()

	return len(pub.published)
}

func newTestProcessor(t *testing.T, store *fakeStore, pub *fakePublisher, opts ...Option) *Processor {
	t.Helper()

	opts = append([]Option{WithLogger(log.NewNop())}, opts...)

	processor, err := NewProcessor(store, pub, opts...)
	require.NoError(t, err)

	return processor
}

func TestProcessOnceHappyPath(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	record := store.add(t, event.TypeAppointmentCreated)
	pub := newFakePublisher()

	result := newTestProcessor(t, store, pub).ProcessOnce(context.Background())

	require.Equal(t, TickResult{Claimed: 1, Published: 1}, result)

	got := store.get(record.ID)
	require.Equal(t, outbox.StatusProcessed, got.Status)
	require.NotNil(t, got.ProcessedAt)

	require.Equal(t, 1, pub.count())
	require.Equal(t, "domain.events", pub.published[0].exchange)
	require.Equal(t, "appointment.created", pub.published[0].routingKey)
	require.Equal(t, record.ID.String(), pub.published[0].msg.MessageId)
	require.Equal(t, "appointment", pub.published[0].msg.Headers["aggregateType"])
}

func TestProcessOnceRetryLifecycle(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	record := store.add(t, event.TypeAppointmentCreated)
	pub := newFakePublisher()
	pub.failFor(record.ID, rabbitmq.ErrConfirmTimeout)

	processor := newTestProcessor(t, store, pub)

	// First pass: publish times out, record goes FAILED with one retry.
	result := processor.ProcessOnce(context.Background())
	require.Equal(t, 1, result.Failed)
	require.True(t, result.Aborted)

	got := store.get(record.ID)
	require.Equal(t, outbox.StatusFailed, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.NotEmpty(t, got.LastError)

	// Broker recovers: the next pass reclaims and publishes.
	pub.mu.Lock()
	delete(pub.errs, record.ID.String())
	pub.mu.Unlock()

	result = processor.ProcessOnce(context.Background())
	require.Equal(t, 1, result.Published)

	got = store.get(record.ID)
	require.Equal(t, outbox.StatusProcessed, got.Status)
	require.Equal(t, 1, got.RetryCount)
}

func TestProcessOnceRetryCapExhaustsRecord(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	record := store.add(t, event.TypeMedicationMissed)
	pub := newFakePublisher()
	pub.failFor(record.ID, rabbitmq.ErrPublishNacked)

	processor := newTestProcessor(t, store, pub)

	for attempt := 0; attempt < 5; attempt++ {
		result := processor.ProcessOnce(context.Background())
		require.Equal(t, 1, result.Failed, "attempt %d", attempt)
	}

	require.Equal(t, 5, store.get(record.ID).RetryCount)

	// Cap reached: the record is no longer claimed.
	result := processor.ProcessOnce(context.Background())
	require.Equal(t, TickResult{}, result)
	require.Equal(t, 5, store.get(record.ID).RetryCount)
}

func TestProcessOnceTransientFailureAbortsBatch(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	first := store.add(t, event.TypeAppointmentCreated)
	second := store.add(t, event.TypeAppointmentUpdated)
	third := store.add(t, event.TypeAppointmentCancelled)

	pub := newFakePublisher()
	pub.failFor(second.ID, rabbitmq.ErrConfirmTimeout)

	result := newTestProcessor(t, store, pub).ProcessOnce(context.Background())

	require.True(t, result.Aborted)
	require.Equal(t, 1, result.Published)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, result.Released)

	require.Equal(t, outbox.StatusProcessed, store.get(first.ID).Status)

	second2 := store.get(second.ID)
	require.Equal(t, outbox.StatusFailed, second2.Status)
	require.Equal(t, 1, second2.RetryCount)

	// The third record was never attempted against the broker; it goes back
	// to claimable with its retry budget untouched instead of being left
	// PROCESSING or charged for an attempt that never happened.
	got := store.get(third.ID)
	require.Equal(t, outbox.StatusFailed, got.Status)
	require.Equal(t, 0, got.RetryCount)
	require.Equal(t, 1, pub.count())
}

func TestProcessOnceReclaimsStuckRecords(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	record := store.add(t, event.TypeAppointmentCreated)

	// A relay that died between claiming and publishing leaves the row
	// PROCESSING with a stale updated_at.
	store.mu.Lock()
	store.records[record.ID].Status = outbox.StatusProcessing
	store.records[record.ID].UpdatedAt = time.Now().UTC().Add(-time.Hour)
	store.mu.Unlock()

	pub := newFakePublisher()
	result := newTestProcessor(t, store, pub).ProcessOnce(context.Background())

	// The reclaim runs before the poll, so the abandoned row is published in
	// the same pass, with its retry budget intact.
	require.Equal(t, TickResult{Reclaimed: 1, Claimed: 1, Published: 1}, result)

	got := store.get(record.ID)
	require.Equal(t, outbox.StatusProcessed, got.Status)
	require.Equal(t, 0, got.RetryCount)
}

func TestProcessOnceLeavesFreshClaimsAlone(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	record := store.add(t, event.TypeAppointmentCreated)

	// A row another live relay claimed moments ago is not stuck.
	store.mu.Lock()
	store.records[record.ID].Status = outbox.StatusProcessing
	store.records[record.ID].UpdatedAt = time.Now().UTC()
	store.mu.Unlock()

	pub := newFakePublisher()
	result := newTestProcessor(t, store, pub).ProcessOnce(context.Background())

	require.Equal(t, TickResult{}, result)
	require.Equal(t, outbox.StatusProcessing, store.get(record.ID).Status)
}

func TestProcessOncePermanentFailureContinuesBatch(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	first := store.add(t, event.TypeDocumentUploaded)
	second := store.add(t, event.TypeDocumentShared)

	pub := newFakePublisher()
	pub.failFor(first.ID, event.ErrEnvelopeInvalid)

	result := newTestProcessor(t, store, pub).ProcessOnce(context.Background())

	require.False(t, result.Aborted)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, result.Published)
	require.Equal(t, outbox.StatusFailed, store.get(first.ID).Status)
	require.Equal(t, outbox.StatusProcessed, store.get(second.ID).Status)
}

func TestProcessOnceClaimConflictIsNotAnError(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	contested := store.add(t, event.TypeFamilyRoleChanged)
	free := store.add(t, event.TypeFamilyMemberAdded)

	// Another relay instance wins the contested row between poll and claim.
	store.afterPoll = func() {
		store.mu.Lock()
		store.records[contested.ID].Status = outbox.StatusProcessing
		store.mu.Unlock()
	}

	pub := newFakePublisher()
	result := newTestProcessor(t, store, pub).ProcessOnce(context.Background())

	require.Equal(t, TickResult{Claimed: 1, Published: 1, Conflicts: 1}, result)
	require.Equal(t, outbox.StatusProcessed, store.get(free.ID).Status)
}

func TestProcessOnceOverlapGuard(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pub := newFakePublisher()
	processor := newTestProcessor(t, store, pub)

	processor.tickMu.Lock()
	processor.ticking = true
	processor.tickMu.Unlock()

	result := processor.ProcessOnce(context.Background())
	require.True(t, result.Skipped)

	processor.endTick()

	result = processor.ProcessOnce(context.Background())
	require.False(t, result.Skipped)
}

func TestProcessOnceEmergencyPriority(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.add(t, event.TypeEmergencyAlertRaised)
	pub := newFakePublisher()

	result := newTestProcessor(t, store, pub).ProcessOnce(context.Background())
	require.Equal(t, 1, result.Published)
	require.EqualValues(t, rabbitmq.EmergencyMaxPriority, pub.published[0].msg.Priority)
	require.Equal(t, amqp.Persistent, pub.published[0].msg.DeliveryMode)
}

func TestProcessOnceStateUpdateFailureStillCountsPublished(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.add(t, event.TypeMedicationLogged)
	store.processErr = errors.New("db unavailable")

	pub := newFakePublisher()
	result := newTestProcessor(t, store, pub).ProcessOnce(context.Background())

	require.Equal(t, 1, result.Published)
	require.Equal(t, 1, pub.count())
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	record := store.add(t, event.TypeAppointmentReminder)
	pub := newFakePublisher()

	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.CleanupInterval = 25 * time.Millisecond
	cfg.StatsInterval = 25 * time.Millisecond

	processor := newTestProcessor(t, store, pub, WithConfig(cfg))

	runErr := make(chan error, 1)
	go func() { runErr <- processor.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return store.get(record.ID).Status == outbox.StatusProcessed
	}, 2*time.Second, 5*time.Millisecond)

	// A second Run on the same processor is rejected.
	require.ErrorIs(t, processor.Run(context.Background()), ErrProcessorRunning)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()

		return len(store.cleanupCalls) > 0 && store.statsCalls > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, processor.Shutdown(context.Background()))

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Shutdown")
	}

	store.mu.Lock()
	cleanupArg := store.cleanupCalls[0]
	store.mu.Unlock()

	require.Equal(t, defaultRetention, cleanupArg)
}

func TestNewProcessorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewProcessor(nil, newFakePublisher())
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewProcessor(newFakeStore(), nil)
	require.ErrorIs(t, err, ErrPublisherRequired)
}
