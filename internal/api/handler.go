package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/aggregate"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/dto"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/monitor"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/querycache"
)

const (
	defaultWindow   = time.Hour
	defaultTopLimit = 10
	pingTimeout     = 2 * time.Second
)

// Views serves cached aggregate views
type Views interface {
	Snapshot(ctx context.Context, scope domain.Scope, dimension string, from, to time.Time) (querycache.AggregateView, error)
	TopCampaigns(ctx context.Context, from, to time.Time, limit int) ([]aggregate.CampaignTotals, error)
}

// Reporter produces the pipeline stats report
type Reporter interface {
	Collect() monitor.Report
}

// Pinger checks a dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler is the consumer's read-only query surface
type Handler struct {
	views    Views
	reporter Reporter
	store    Pinger
	router   *gin.Engine
	log      *zap.Logger
	now      func() time.Time
}

// NewHandler creates the query surface. store may be nil; gatherer may be
// nil to leave out /metrics.
func NewHandler(views Views, reporter Reporter, store Pinger, gatherer prometheus.Gatherer, log *zap.Logger) *Handler {
	h := &Handler{
		views:    views,
		reporter: reporter,
		store:    store,
		router:   gin.Default(),
		log:      log,
		now:      time.Now,
	}

	h.registerRoutes(gatherer)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes(gatherer prometheus.Gatherer) {
	h.router.GET("/health", h.healthCheck)

	v1 := h.router.Group("/v1")
	v1.GET("/snapshot", h.snapshot)
	v1.GET("/campaigns/top", h.topCampaigns)
	v1.GET("/stats", h.stats)

	if gatherer != nil {
		h.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// healthCheck handles health check requests
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /health [get]
func (h *Handler) healthCheck(c *gin.Context) {
	status := gin.H{"status": "ok"}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			// intake keeps running and spills while the store is away
			status["status"] = "degraded"
			status["store"] = err.Error()
		}
	}

	c.JSON(http.StatusOK, status)
}

// snapshot handles GET /v1/snapshot
// @Summary Aggregate snapshot
// @Description Time-bucketed totals for one scope and dimension, merged with durable rollups for older ranges
// @Tags aggregates
// @Produce json
// @Param scope query string false "Aggregate scope" Enums(global, campaign, device)
// @Param dimension query string false "Campaign ID or device class"
// @Param from query int false "Start timestamp (Unix epoch)"
// @Param to query int false "End timestamp (Unix epoch)"
// @Success 200 {object} querycache.AggregateView
// @Failure 400 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /v1/snapshot [get]
func (h *Handler) snapshot(c *gin.Context) {
	var req dto.SnapshotRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.badRequest(c, err.Error())
		return
	}

	scope := domain.ScopeGlobal
	if req.Scope != "" {
		scope = domain.Scope(req.Scope)
	}
	if scope == domain.ScopeGlobal && req.Dimension != "" {
		h.badRequest(c, "dimension is not allowed for the global scope")
		return
	}
	if scope != domain.ScopeGlobal && req.Dimension == "" {
		h.badRequest(c, "dimension is required for the "+string(scope)+" scope")
		return
	}

	from, to := h.window(req.From, req.To)
	if !to.After(from) {
		h.badRequest(c, "from must be before to")
		return
	}

	view, err := h.views.Snapshot(c.Request.Context(), scope, req.Dimension, from, to)
	if err != nil {
		h.log.Error("Failed to build snapshot",
			zap.Error(err),
			zap.String("scope", string(scope)),
			zap.String("dimension", req.Dimension))
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// topCampaigns handles GET /v1/campaigns/top
// @Summary Top campaigns
// @Description Campaigns ranked by revenue, then impressions
// @Tags aggregates
// @Produce json
// @Param from query int false "Start timestamp (Unix epoch)"
// @Param to query int false "End timestamp (Unix epoch)"
// @Param limit query int false "Maximum campaigns returned" minimum(1) maximum(100)
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Router /v1/campaigns/top [get]
func (h *Handler) topCampaigns(c *gin.Context) {
	var req dto.TopCampaignsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.badRequest(c, err.Error())
		return
	}

	from, to := h.window(req.From, req.To)
	if !to.After(from) {
		h.badRequest(c, "from must be before to")
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultTopLimit
	}

	top, err := h.views.TopCampaigns(c.Request.Context(), from, to, limit)
	if err != nil {
		h.log.Error("Failed to rank campaigns", zap.Error(err))
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"from":      from,
		"to":        to,
		"campaigns": top,
	})
}

// stats handles GET /v1/stats
// @Summary Pipeline counters
// @Tags stats
// @Produce json
// @Success 200 {object} monitor.Report
// @Router /v1/stats [get]
func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.reporter.Collect())
}

// window resolves Unix-second bounds, defaulting to the last hour
func (h *Handler) window(fromSec, toSec int64) (time.Time, time.Time) {
	to := h.now().UTC().Truncate(time.Second)
	if toSec > 0 {
		to = time.Unix(toSec, 0).UTC()
	}
	from := to.Add(-defaultWindow)
	if fromSec > 0 {
		from = time.Unix(fromSec, 0).UTC()
	}
	return from, to
}

func (h *Handler) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Error:   "validation_error",
		Message: message,
	})
}

func (h *Handler) internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
		Error:   "internal_error",
		Message: err.Error(),
	})
}
