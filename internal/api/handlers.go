package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/scheduler"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func NewHandler(store *database.Store, queue QueueStats, scheduler Scheduler, version string) *Handler {
	return &Handler{
		store:     store,
		queue:     queue,
		scheduler: scheduler,
		version:   version,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := gin.H{
		"status":    "ok",
		"version":   h.version,
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
	}

	if err := h.store.DB().PingContext(c.Request.Context()); err != nil {
		slog.Error("Health check failed", "error", err)
		health["status"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	sources, err := h.store.Sources.Counts(ctx)
	if err != nil {
		h.databaseError(c, "count_sources", err)
		return
	}

	runs, err := h.store.Runs.CountByStatus(ctx)
	if err != nil {
		h.databaseError(c, "count_runs", err)
		return
	}

	analyses, err := h.store.Contents.CountAnalysesByStatus(ctx)
	if err != nil {
		h.databaseError(c, "count_analyses", err)
		return
	}

	jobs, err := h.queue.Stats(ctx)
	if err != nil {
		h.databaseError(c, "count_jobs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sources":   sources,
		"runs":      runs,
		"analyses":  analyses,
		"jobs":      jobs,
		"scheduler": h.scheduler.Stats(),
	})
}

func (h *Handler) ListSources(c *gin.Context) {
	sources, err := h.store.Sources.List(c.Request.Context())
	if err != nil {
		h.databaseError(c, "list_sources", err)
		return
	}

	out := make([]sourceResponse, 0, len(sources))
	for _, s := range sources {
		out = append(out, newSourceResponse(s))
	}

	c.JSON(http.StatusOK, gin.H{
		"sources": out,
		"total":   len(out),
	})
}

func (h *Handler) ListSourceRuns(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	source, err := h.store.Sources.Get(ctx, id)
	if err != nil {
		h.databaseError(c, "get_source", err)
		return
	}
	if source == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		return
	}

	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	filter := database.RunFilter{SourceID: id, Limit: limit}
	if status := c.Query("status"); status != "" {
		filter.Status = database.RunStatus(status)
	}

	runs, err := h.store.Runs.List(ctx, filter)
	if err != nil {
		h.databaseError(c, "list_runs", err)
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, newRunResponse(r))
	}

	c.JSON(http.StatusOK, gin.H{
		"source": newSourceResponse(*source),
		"runs":   out,
		"total":  len(out),
	})
}

func (h *Handler) GetRun(c *gin.Context) {
	run, ok := h.loadRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newRunResponse(*run))
}

func (h *Handler) ListRunItems(c *gin.Context) {
	run, ok := h.loadRun(c)
	if !ok {
		return
	}

	items, err := h.store.Items.ListByRun(c.Request.Context(), run.ID)
	if err != nil {
		h.databaseError(c, "list_items", err)
		return
	}

	out := make([]itemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, itemResponse{
			ExternalID:  item.ExternalID,
			URL:         item.URL,
			FetchStatus: string(item.FetchStatus),
			FetchError:  item.FetchError,
			CreatedAt:   item.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id": run.ID,
		"items":  out,
		"total":  len(out),
	})
}

func (h *Handler) ListAudit(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	filter := database.AuditFilter{
		EventType:  c.Query("event_type"),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		Limit:      limit,
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since parameter, expected RFC3339"})
			return
		}
		filter.Since = &since
	}

	events, err := h.store.Audit.List(c.Request.Context(), filter)
	if err != nil {
		h.databaseError(c, "list_audit", err)
		return
	}

	out := make([]auditResponse, 0, len(events))
	for _, e := range events {
		out = append(out, auditResponse{
			ID:          e.ID,
			EventType:   e.EventType,
			EntityType:  e.EntityType,
			EntityID:    e.EntityID,
			ActorType:   string(e.ActorType),
			Message:     e.Message,
			Payload:     e.Payload,
			CountryCode: e.CountryCode,
			Channel:     string(e.Channel),
			CreatedAt:   e.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"events": out,
		"total":  len(out),
	})
}

func (h *Handler) TriggerSource(c *gin.Context) {
	id := c.Param("id")

	run, err := h.scheduler.TriggerSource(c.Request.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrSourceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		return
	case errors.Is(err, scheduler.ErrSourceDeleted):
		c.JSON(http.StatusConflict, gin.H{"error": "Source is deleted"})
		return
	case err != nil:
		slog.Error("Error triggering source", "source_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to trigger source",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Ingestion run enqueued",
		"run":     newRunResponse(*run),
	})
}

func (h *Handler) loadRun(c *gin.Context) (*database.IngestionRun, bool) {
	run, err := h.store.Runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.databaseError(c, "get_run", err)
		return nil, false
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return nil, false
	}
	return run, true
}

func (h *Handler) databaseError(c *gin.Context, operation string, err error) {
	slog.Error("Database error", "operation", operation, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
}

func parseLimit(c *gin.Context) (uint64, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || limit == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit parameter"})
		return 0, false
	}
	return min(limit, maxListLimit), true
}
