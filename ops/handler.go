package ops

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/careloophq/lib-events/log"
	"github.com/careloophq/lib-events/outbox"
)

// DefaultRetentionDays is used when a cleanup request omits the days
// parameter. It matches the relay's automatic retention window.
const DefaultRetentionDays = 7

var ErrOutboxStoreRequired = errors.New("ops handler requires an outbox store")

// Handler serves the operational endpoints over an outbox store.
type Handler struct {
	store  outbox.Store
	logger log.Logger
}

// NewHandler builds the handler.
func NewHandler(store outbox.Store, logger log.Logger) (*Handler, error) {
	if store == nil {
		return nil, ErrOutboxStoreRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &Handler{store: store, logger: logger}, nil
}

// Register mounts the routes on a fiber app:
//
//	GET  /v1/outbox/stats
//	POST /v1/outbox/cleanup?days=N
func (handler *Handler) Register(app *fiber.App) {
	group := app.Group("/v1/outbox")
	group.Get("/stats", handler.stats)
	group.Post("/cleanup", handler.cleanup)
}

// NewApp returns a fiber app with the ops routes mounted, for deployments
// that dedicate a listener to this surface.
func NewApp(handler *Handler) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	handler.Register(app)

	return app
}

type statsResponse struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

type cleanupResponse struct {
	Deleted       int64 `json:"deleted"`
	RetentionDays int   `json:"retentionDays"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (handler *Handler) stats(c *fiber.Ctx) error {
	stats, err := handler.store.GetStats(c.UserContext())
	if err != nil {
		handler.logger.Log(c.UserContext(), log.LevelError, "stats query failed",
			log.String("error_detail", outbox.SanitizeError(err)))

		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "failed to collect outbox stats"})
	}

	return c.JSON(statsResponse{
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Processed:  stats.Processed,
		Failed:     stats.Failed,
		Total:      stats.Total(),
	})
}

func (handler *Handler) cleanup(c *fiber.Ctx) error {
	days := DefaultRetentionDays

	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "days must be a positive integer"})
		}

		days = parsed
	}

	deleted, err := handler.store.CleanupProcessedEvents(c.UserContext(), time.Duration(days)*24*time.Hour)
	if err != nil {
		handler.logger.Log(c.UserContext(), log.LevelError, "manual cleanup failed",
			log.Int("retention_days", days),
			log.String("error_detail", outbox.SanitizeError(err)))

		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "cleanup failed"})
	}

	handler.logger.Log(c.UserContext(), log.LevelInfo, "manual cleanup complete",
		log.Int("retention_days", days),
		log.Any("deleted", deleted))

	return c.JSON(cleanupResponse{Deleted: deleted, RetentionDays: days})
}
