//go:build unit

package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/careloophq/lib-events/outbox"
)

type fakeStore struct {
	stats    outbox.Stats
	statsErr error

	cleanupOlderThan time.Duration
	cleanupDeleted   int64
	cleanupErr       error
}

func (store *fakeStore) CreateEvent(_ context.Context, _ outbox.Tx, record *outbox.Record) (*outbox.Record, error) {
	return record, nil
}

func (store *fakeStore) GetPendingEvents(context.Context, int, int) ([]*outbox.Record, error) {
	return nil, nil
}

func (store *fakeStore) MarkAsProcessing(context.Context, []uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (store *fakeStore) MarkAsProcessed(context.Context, uuid.UUID, time.Time) error { return nil }

func (store *fakeStore) MarkAsFailed(context.Context, uuid.UUID, string) error { return nil }

func (store *fakeStore) ResetStuckProcessing(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (store *fakeStore) ReleaseEvents(context.Context, []uuid.UUID) (int64, error) { return 0, nil }

func (store *fakeStore) CleanupProcessedEvents(_ context.Context, olderThan time.Duration) (int64, error) {
	store.cleanupOlderThan = olderThan

	return store.cleanupDeleted, store.cleanupErr
}

func (store *fakeStore) GetStats(context.Context) (outbox.Stats, error) {
	return store.stats, store.statsErr
}

func newTestApp(t *testing.T, store *fakeStore) *fiber.App {
	t.Helper()

	handler, err := NewHandler(store, nil)
	require.NoError(t, err)

	return NewApp(handler)
}

func doRequest(t *testing.T, app *fiber.App, method, target string, out any) int {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(method, target, nil))
	require.NoError(t, err)

	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func TestNewHandlerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewHandler(nil, nil)
	require.ErrorIs(t, err, ErrOutboxStoreRequired)
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	store := &fakeStore{stats: outbox.Stats{Pending: 3, Processing: 1, Processed: 40, Failed: 2}}
	app := newTestApp(t, store)

	var body statsResponse

	status := doRequest(t, app, http.MethodGet, "/v1/outbox/stats", &body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, statsResponse{Pending: 3, Processing: 1, Processed: 40, Failed: 2, Total: 46}, body)
}

func TestStatsEndpointStoreFailure(t *testing.T) {
	t.Parallel()

	store := &fakeStore{statsErr: errors.New("db down")}
	app := newTestApp(t, store)

	status := doRequest(t, app, http.MethodGet, "/v1/outbox/stats", nil)
	require.Equal(t, http.StatusInternalServerError, status)
}

func TestCleanupEndpointDefaultRetention(t *testing.T) {
	t.Parallel()

	store := &fakeStore{cleanupDeleted: 12}
	app := newTestApp(t, store)

	var body cleanupResponse

	status := doRequest(t, app, http.MethodPost, "/v1/outbox/cleanup", &body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, cleanupResponse{Deleted: 12, RetentionDays: DefaultRetentionDays}, body)
	require.Equal(t, 7*24*time.Hour, store.cleanupOlderThan)
}

func TestCleanupEndpointCustomRetention(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	app := newTestApp(t, store)

	var body cleanupResponse

	status := doRequest(t, app, http.MethodPost, "/v1/outbox/cleanup?days=30", &body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 30, body.RetentionDays)
	require.Equal(t, 30*24*time.Hour, store.cleanupOlderThan)
}

func TestCleanupEndpointRejectsBadDays(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	app := newTestApp(t, store)

	for _, target := range []string{
		"/v1/outbox/cleanup?days=0",
		"/v1/outbox/cleanup?days=-3",
		"/v1/outbox/cleanup?days=week",
	} {
		status := doRequest(t, app, http.MethodPost, target, nil)
		require.Equal(t, http.StatusBadRequest, status, "target: %s", target)
	}
}

func TestCleanupEndpointStoreFailure(t *testing.T) {
	t.Parallel()

	store := &fakeStore{cleanupErr: errors.New("db down")}
	app := newTestApp(t, store)

	status := doRequest(t, app, http.MethodPost, "/v1/outbox/cleanup", nil)
	require.Equal(t, http.StatusInternalServerError, status)
}
