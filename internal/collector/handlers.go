package collector

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/exitwatch/internal/events"
	"github.com/mbd888/exitwatch/internal/logging"
	"github.com/mbd888/exitwatch/internal/pagination"
	"github.com/mbd888/exitwatch/internal/validation"
)

// MaxBatchSize caps a single batch submission.
const MaxBatchSize = 100

// Event listing page sizes.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Handler exposes the ingest and insights API over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a collector HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the collector routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/events", h.IngestEvent)
	r.POST("/events/batch", h.IngestBatch)

	users := r.Group("/users/:id", validation.UserParamMiddleware())
	users.GET("/insights", h.GetInsights)
	users.GET("/struggles", h.GetStruggles)
	users.GET("/events", h.GetEvents)
}

// IngestEvent handles POST /events
func (h *Handler) IngestEvent(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var ev events.UserEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a valid event object",
		})
		return
	}

	ack, errs, err := h.service.ProcessEvent(ctx, &ev)
	if err != nil {
		logger.Error("event processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process event",
		})
		return
	}
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "Event failed validation",
			"details": errs,
		})
		return
	}

	c.JSON(http.StatusAccepted, ack)
}

// IngestBatch handles POST /events/batch
func (h *Handler) IngestBatch(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Events []*events.UserEvent `json:"events"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be an object with an events array",
		})
		return
	}
	if len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Batch must contain at least one event",
		})
		return
	}
	if len(req.Events) > MaxBatchSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "batch_too_large",
			"message": "Batch exceeds the maximum size",
			"max":     MaxBatchSize,
		})
		return
	}

	items := h.service.ProcessBatch(ctx, req.Events)

	accepted := 0
	for _, item := range items {
		if item.Status == "accepted" {
			accepted++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"results":  items,
		"accepted": accepted,
		"rejected": len(items) - accepted,
	})
}

// GetInsights handles GET /users/:id/insights
func (h *Handler) GetInsights(c *gin.Context) {
	userID := c.Param("id")
	ins := h.service.GetInsights(c.Request.Context(), userID)
	c.JSON(http.StatusOK, ins)
}

// GetStruggles handles GET /users/:id/struggles
func (h *Handler) GetStruggles(c *gin.Context) {
	userID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"userId":    userID,
		"struggles": h.service.Struggles(userID),
	})
}

// GetEvents handles GET /users/:id/events with cursor pagination
func (h *Handler) GetEvents(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")

	limit := DefaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = n
		if limit > MaxPageSize {
			limit = MaxPageSize
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	evs, err := h.service.RecentEvents(ctx, userID)
	if err != nil {
		logging.L(ctx).Error("event lookup failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load events",
		})
		return
	}
	if cursor != nil {
		evs = afterCursor(evs, cursor)
	}

	page, next, hasMore := pagination.ComputePage(evs, limit, func(ev *events.UserEvent) (time.Time, string) {
		return ev.Timestamp, ev.EventID
	})
	if page == nil {
		page = []*events.UserEvent{}
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":     userID,
		"events":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// afterCursor drops events at or before the cursor position. Events are
// ordered oldest first, keyed by (timestamp, event id).
func afterCursor(evs []*events.UserEvent, cur *pagination.Cursor) []*events.UserEvent {
	for i, ev := range evs {
		if ev.Timestamp.After(cur.CreatedAt) ||
			(ev.Timestamp.Equal(cur.CreatedAt) && ev.EventID > cur.ID) {
			return evs[i:]
		}
	}
	return nil
}
