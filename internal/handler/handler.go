package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/dto"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/service"
)

const readyTimeout = 2 * time.Second

type Handler struct {
	eventService service.EventServicer
	router       *gin.Engine
	log          *zap.Logger
}

func NewHandler(eventService service.EventServicer, log *zap.Logger) *Handler {
	h := &Handler{
		eventService: eventService,
		router:       gin.Default(),
		log:          log,
	}

	h.registerRoutes()

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/health", h.healthCheck)
	h.router.POST("/events", h.publishEvent)
	h.router.POST("/events/bulk", h.publishEventsBulk)
	h.router.GET("/metrics", h.getMetrics)
	h.router.GET("/campaigns/:id/events", h.campaignEvents)
	h.router.GET("/campaigns/:id/stats", h.campaignStats)
	h.router.GET("/users/:id/events", h.userEvents)
}

// healthCheck reports whether the durable store is reachable
// @Summary Health check
// @Description Check that the service can reach the durable store
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /health [get]
func (h *Handler) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	if err := h.eventService.Ready(ctx); err != nil {
		h.log.Warn("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// publishEvent handles POST /events
// @Summary Publish a single event
// @Description Publish a single ad event to the queue
// @Tags events
// @Accept json
// @Produce json
// @Param event body dto.PublishEventRequest true "Event data"
// @Success 202 {object} dto.PublishEventResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /events [post]
func (h *Handler) publishEvent(c *gin.Context) {
	var req dto.PublishEventRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid event request",
			zap.Error(err),
			zap.String("event_type", req.EventType))
		h.badRequest(c, err)
		return
	}

	eventID, err := h.eventService.ProcessEvent(c.Request.Context(), &req)
	if err != nil {
		if domain.IsValidationError(err) {
			h.badRequest(c, err)
			return
		}
		h.log.Error("Failed to process event",
			zap.Error(err),
			zap.String("event_type", req.EventType),
			zap.String("campaign_id", req.CampaignID))
		h.internalError(c, err)
		return
	}

	h.log.Debug("Event accepted",
		zap.String("event_id", eventID),
		zap.String("event_type", req.EventType))

	c.JSON(http.StatusAccepted, dto.PublishEventResponse{
		EventID: eventID,
		Status:  "accepted",
	})
}

// publishEventsBulk handles POST /events/bulk
// @Summary Publish multiple events
// @Description Publish multiple ad events in bulk to the queue
// @Tags events
// @Accept json
// @Produce json
// @Param events body dto.PublishEventsBulkRequest true "Bulk events data"
// @Success 202 {object} dto.PublishBulkEventsResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /events/bulk [post]
func (h *Handler) publishEventsBulk(c *gin.Context) {
	var bulkRequest dto.PublishEventsBulkRequest

	if err := c.ShouldBindJSON(&bulkRequest); err != nil {
		h.log.Warn("Invalid bulk event request", zap.Error(err))
		h.badRequest(c, err)
		return
	}

	eventIDs, errors, err := h.eventService.ProcessBulkEvents(c.Request.Context(), bulkRequest.Events)
	if err != nil {
		h.log.Error("Failed to process bulk events",
			zap.Error(err),
			zap.Int("event_count", len(bulkRequest.Events)))
		h.internalError(c, err)
		return
	}

	accepted := len(eventIDs)
	rejected := len(errors)

	h.log.Info("Bulk events processed",
		zap.Int("accepted", accepted),
		zap.Int("rejected", rejected),
		zap.Int("total", len(bulkRequest.Events)))

	c.JSON(http.StatusAccepted, dto.PublishBulkEventsResponse{
		Accepted: accepted,
		Rejected: rejected,
		EventIDs: eventIDs,
		Errors:   errors,
	})
}

// getMetrics handles GET /metrics
// @Summary Get aggregated metrics
// @Description Retrieve stored event counts with optional grouping by device, campaign, hour, or day
// @Tags metrics
// @Produce json
// @Param event_type query string false "Event type to filter by" Enums(impression, click, conversion)
// @Param campaign_id query string false "Campaign to filter by"
// @Param from query int true "Start timestamp (Unix epoch)" example:"1772366400"
// @Param to query int true "End timestamp (Unix epoch)" example:"1772452800"
// @Param group_by query string false "Field to group by" Enums(device, campaign, hour, day)
// @Success 200 {object} dto.GetMetricsResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /metrics [get]
func (h *Handler) getMetrics(c *gin.Context) {
	var req dto.GetMetricsRequest

	if err := c.ShouldBindQuery(&req); err != nil {
		h.log.Warn("Invalid metrics request", zap.Error(err))
		h.badRequest(c, err)
		return
	}

	response, err := h.eventService.GetMetrics(c.Request.Context(), &req)
	if err != nil {
		if domain.IsValidationError(err) {
			h.badRequest(c, err)
			return
		}
		h.log.Error("Failed to get metrics",
			zap.Error(err),
			zap.String("event_type", req.EventType),
			zap.Int64("from", req.From),
			zap.Int64("to", req.To))
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, response)
}

// campaignEvents handles GET /campaigns/:id/events
// @Summary List campaign events
// @Tags campaigns
// @Produce json
// @Param id path string true "Campaign ID"
// @Param from query int false "Start timestamp (Unix epoch)"
// @Param to query int false "End timestamp (Unix epoch)"
// @Param limit query int false "Maximum events returned" minimum(1) maximum(1000)
// @Success 200 {object} dto.EventsResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /campaigns/{id}/events [get]
func (h *Handler) campaignEvents(c *gin.Context) {
	var req dto.ListEventsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	response, err := h.eventService.CampaignEvents(c.Request.Context(), c.Param("id"), &req)
	h.respond(c, response, err, "Failed to list campaign events")
}

// campaignStats handles GET /campaigns/:id/stats
// @Summary Campaign totals
// @Tags campaigns
// @Produce json
// @Param id path string true "Campaign ID"
// @Param from query int false "Start timestamp (Unix epoch)"
// @Param to query int false "End timestamp (Unix epoch)"
// @Success 200 {object} dto.CampaignStatsResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /campaigns/{id}/stats [get]
func (h *Handler) campaignStats(c *gin.Context) {
	var req dto.ListEventsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	response, err := h.eventService.CampaignStats(c.Request.Context(), c.Param("id"), &req)
	h.respond(c, response, err, "Failed to get campaign stats")
}

// userEvents handles GET /users/:id/events
// @Summary List user events
// @Tags users
// @Produce json
// @Param id path string true "User ID"
// @Param from query int false "Start timestamp (Unix epoch)"
// @Param to query int false "End timestamp (Unix epoch)"
// @Param limit query int false "Maximum events returned" minimum(1) maximum(1000)
// @Success 200 {object} dto.EventsResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /users/{id}/events [get]
func (h *Handler) userEvents(c *gin.Context) {
	var req dto.ListEventsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	response, err := h.eventService.UserEvents(c.Request.Context(), c.Param("id"), &req)
	h.respond(c, response, err, "Failed to list user events")
}

func (h *Handler) respond(c *gin.Context, response interface{}, err error, failure string) {
	if err == nil {
		c.JSON(http.StatusOK, response)
		return
	}
	if domain.IsValidationError(err) {
		h.badRequest(c, err)
		return
	}
	h.log.Error(failure, zap.Error(err), zap.String("id", c.Param("id")))
	h.internalError(c, err)
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Error:   "validation_error",
		Message: err.Error(),
	})
}

func (h *Handler) internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
		Error:   "internal_error",
		Message: err.Error(),
	})
}
