package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/septivank/kpi-notification-worker/internal/db"
	"github.com/septivank/kpi-notification-worker/internal/metrics"
	"github.com/septivank/kpi-notification-worker/internal/notify"
	"github.com/septivank/kpi-notification-worker/internal/repository"
	"github.com/septivank/kpi-notification-worker/internal/service"
	"github.com/septivank/kpi-notification-worker/internal/validator"
	"github.com/septivank/kpi-notification-worker/tools/timeparser"
)

// KpiService is the KPI catalog and update surface the API exposes
type KpiService interface {
	CreateKpi(ctx context.Context, in service.KpiInput) (*db.KpiSnapshot, error)
	ListKpis(ctx context.Context) ([]db.KpiSnapshot, error)
	GetKpi(ctx context.Context, kpiID string) (*db.KpiSnapshot, error)
	UpdateKpiValue(ctx context.Context, u service.KpiUpdate) (*service.UpdateResult, error)
}

// NotificationService is the preference and history surface the API exposes
type NotificationService interface {
	CreatePreference(ctx context.Context, owner string, in validator.PreferenceInput) (*db.NotificationPreference, error)
	ListPreferences(ctx context.Context, owner string) ([]db.NotificationPreference, error)
	GetPreference(ctx context.Context, owner, kpiID string) (*db.NotificationPreference, error)
	DeletePreference(ctx context.Context, owner, kpiID string) error
	GetHistory(ctx context.Context, limit int) ([]db.NotificationHistoryRecord, error)
}

// Handler serves the KPI and notification endpoints
type Handler struct {
	kpis          KpiService
	notifications NotificationService
	logger        *zap.Logger
}

// NewHandler creates a new Handler
func NewHandler(kpis KpiService, notifications NotificationService, logger *zap.Logger) *Handler {
	return &Handler{
		kpis:          kpis,
		notifications: notifications,
		logger:        logger,
	}
}

// CreateKpiRequest represents the request body for registering a KPI
type CreateKpiRequest struct {
	KpiID       string `json:"kpi_id" binding:"required"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Unit        string `json:"unit"`
}

// UpdateKpiRequest represents the request body for a new KPI value
type UpdateKpiRequest struct {
	Value      *float64 `json:"value" binding:"required"`
	DateRange  string   `json:"date_range"`
	ObservedAt string   `json:"observed_at"`
}

// PreferenceRequest represents the request body for creating a preference
type PreferenceRequest struct {
	KpiID             string   `json:"kpi_id" binding:"required"`
	ThresholdValue    *float64 `json:"threshold_value" binding:"required"`
	ThresholdOperator string   `json:"threshold_operator" binding:"required"`
	Email             string   `json:"email"`
	Enabled           *bool    `json:"enabled"`
	CooldownHours     *int     `json:"cooldown_hours"`
	DateRange         string   `json:"date_range"`
	AlertFrequency    string   `json:"alert_frequency"`
}

// respondError maps service errors onto HTTP status codes
func (h *Handler) respondError(c *gin.Context, err error) {
	var verr *validator.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, repository.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "already exists"})
	case errors.Is(err, notify.ErrInvalidValue):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, notify.ErrStoreUnavailable):
		h.logger.Error("store unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage temporarily unavailable, retry later"})
	default:
		h.logger.Error("unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// Health reports liveness
// GET /api/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateKpi registers a KPI
// POST /api/kpis
func (h *Handler) CreateKpi(c *gin.Context) {
	var req CreateKpiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kpi, err := h.kpis.CreateKpi(c.Request.Context(), service.KpiInput{
		KpiID:       req.KpiID,
		Name:        req.Name,
		Description: req.Description,
		Unit:        req.Unit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, kpi)
}

// ListKpis returns the KPI catalog
// GET /api/kpis
func (h *Handler) ListKpis(c *gin.Context) {
	kpis, err := h.kpis.ListKpis(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"kpis": kpis, "total": len(kpis)})
}

// GetKpi returns one KPI
// GET /api/kpis/:kpi_id
func (h *Handler) GetKpi(c *gin.Context) {
	kpi, err := h.kpis.GetKpi(c.Request.Context(), c.Param("kpi_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, kpi)
}

// UpdateKpi stores a new KPI value and evaluates alert preferences against it.
// Delivery failures show up in the notifications list, not as an error.
// POST /api/kpis/:kpi_id/update
func (h *Handler) UpdateKpi(c *gin.Context) {
	var req UpdateKpiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.KpiUpdatesTotal.WithLabelValues("http", "rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var observedAt time.Time
	if req.ObservedAt != "" {
		t, err := timeparser.ParseObservedAt(req.ObservedAt)
		if err != nil {
			metrics.KpiUpdatesTotal.WithLabelValues("http", "rejected").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "observed_at"})
			return
		}
		observedAt = t
	}

	result, err := h.kpis.UpdateKpiValue(c.Request.Context(), service.KpiUpdate{
		KpiID:      c.Param("kpi_id"),
		Value:      *req.Value,
		DateRange:  req.DateRange,
		ObservedAt: observedAt,
	})
	if err != nil {
		status := "failed"
		var verr *validator.ValidationError
		if errors.As(err, &verr) || errors.Is(err, notify.ErrInvalidValue) {
			status = "rejected"
		}
		metrics.KpiUpdatesTotal.WithLabelValues("http", status).Inc()
		h.respondError(c, err)
		return
	}
	metrics.KpiUpdatesTotal.WithLabelValues("http", "accepted").Inc()

	outcomes := result.Outcomes
	if outcomes == nil {
		outcomes = []notify.Outcome{}
	}
	c.JSON(http.StatusOK, gin.H{
		"kpi":           result.Kpi,
		"notifications": outcomes,
	})
}

// CreatePreference creates a notification preference for the caller.
// The email defaults to the owner when the owner is an address.
// POST /api/notifications/preferences
func (h *Handler) CreatePreference(c *gin.Context) {
	owner := c.GetString(ownerKey)

	var req PreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	email := req.Email
	if strings.TrimSpace(email) == "" && strings.Contains(owner, "@") {
		email = owner
	}

	pref, err := h.notifications.CreatePreference(c.Request.Context(), owner, validator.PreferenceInput{
		KpiID:             req.KpiID,
		ThresholdValue:    *req.ThresholdValue,
		ThresholdOperator: req.ThresholdOperator,
		Email:             email,
		Enabled:           req.Enabled,
		CooldownHours:     req.CooldownHours,
		DateRange:         req.DateRange,
		AlertFrequency:    req.AlertFrequency,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, pref)
}

// ListPreferences returns the caller's preferences
// GET /api/notifications/preferences
func (h *Handler) ListPreferences(c *gin.Context) {
	prefs, err := h.notifications.ListPreferences(c.Request.Context(), c.GetString(ownerKey))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"preferences": prefs, "total": len(prefs)})
}

// GetPreference returns the caller's preference for one KPI
// GET /api/notifications/preferences/:kpi_id
func (h *Handler) GetPreference(c *gin.Context) {
	pref, err := h.notifications.GetPreference(c.Request.Context(), c.GetString(ownerKey), c.Param("kpi_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, pref)
}

// DeletePreference removes the caller's preferences for one KPI
// DELETE /api/notifications/preferences/:kpi_id
func (h *Handler) DeletePreference(c *gin.Context) {
	if err := h.notifications.DeletePreference(c.Request.Context(), c.GetString(ownerKey), c.Param("kpi_id")); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "preference deleted"})
}

// GetHistory returns recent notification history, most recent first
// GET /api/notifications/history?limit=20
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer", "field": "limit"})
			return
		}
		limit = n
	}

	records, err := h.notifications.GetHistory(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": records, "total": len(records)})
}
