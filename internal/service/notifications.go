package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/kpi-notification-worker/internal/config"
	"github.com/septivank/kpi-notification-worker/internal/db"
	"github.com/septivank/kpi-notification-worker/internal/notify"
	"github.com/septivank/kpi-notification-worker/internal/repository"
	"github.com/septivank/kpi-notification-worker/internal/validator"
)

// NotificationService manages notification preferences and history on behalf
// of an owner
type NotificationService struct {
	store     repository.Store
	validator *validator.Validator
	cfg       config.NotifyConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewNotificationService creates a new notification service
func NewNotificationService(
	store repository.Store,
	validator *validator.Validator,
	cfg *config.Config,
	logger *zap.Logger,
) *NotificationService {
	return &NotificationService{
		store:     store,
		validator: validator,
		cfg:       cfg.Notify,
		logger:    logger.With(zap.String("component", "notification_service")),
		now:       time.Now,
	}
}

// storeError wraps a persistence failure, letting not-found through untouched
func storeError(err error) error {
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrAlreadyExists) {
		return err
	}
	return fmt.Errorf("%w: %w", notify.ErrStoreUnavailable, err)
}

// CreatePreference validates input and stores a new preference for owner.
// An empty owner means an anonymous request; the email becomes the owner.
func (s *NotificationService) CreatePreference(ctx context.Context, owner string, in validator.PreferenceInput) (*db.NotificationPreference, error) {
	p, err := s.validator.ValidatePreference(in)
	if err != nil {
		return nil, err
	}

	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = p.Email
	}

	pref := &db.NotificationPreference{
		Owner:             owner,
		KpiID:             p.KpiID,
		ThresholdValue:    p.ThresholdValue,
		ThresholdOperator: string(p.ThresholdOperator),
		Email:             p.Email,
		Enabled:           p.Enabled,
		CooldownHours:     p.CooldownHours,
		DateRange:         p.DateRange,
		AlertFrequency:    p.AlertFrequency,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.store.CreatePreference(ctx, pref); err != nil {
		s.logger.Error("failed to create preference", zap.String("owner", owner), zap.Error(err))
		return nil, storeError(err)
	}

	s.logger.Info("preference created",
		zap.String("owner", owner),
		zap.String("kpi_id", pref.KpiID),
		zap.String("preference_id", pref.ID.String()),
	)
	return pref, nil
}

// ListPreferences returns every preference owned by owner, newest first
func (s *NotificationService) ListPreferences(ctx context.Context, owner string) ([]db.NotificationPreference, error) {
	prefs, err := s.store.ListPreferencesByOwner(ctx, owner)
	if err != nil {
		return nil, storeError(err)
	}
	if prefs == nil {
		prefs = []db.NotificationPreference{}
	}
	return prefs, nil
}

// GetPreference returns owner's preference for kpiID
func (s *NotificationService) GetPreference(ctx context.Context, owner, kpiID string) (*db.NotificationPreference, error) {
	pref, err := s.store.GetPreference(ctx, owner, kpiID)
	if err != nil {
		return nil, storeError(err)
	}
	return pref, nil
}

// DeletePreference removes owner's preferences for kpiID
func (s *NotificationService) DeletePreference(ctx context.Context, owner, kpiID string) error {
	n, err := s.store.DeletePreferences(ctx, owner, kpiID)
	if err != nil {
		return storeError(err)
	}
	if n == 0 {
		return fmt.Errorf("preference %s/%s: %w", owner, kpiID, repository.ErrNotFound)
	}
	s.logger.Info("preferences deleted",
		zap.String("owner", owner),
		zap.String("kpi_id", kpiID),
		zap.Int64("count", n),
	)
	return nil
}

// GetHistory returns the most recent history records. Non-positive limits use
// the configured default and large ones are capped.
func (s *NotificationService) GetHistory(ctx context.Context, limit int) ([]db.NotificationHistoryRecord, error) {
	if limit <= 0 {
		limit = s.cfg.HistoryDefaultLimit
	}
	if s.cfg.HistoryMaxLimit > 0 && limit > s.cfg.HistoryMaxLimit {
		limit = s.cfg.HistoryMaxLimit
	}

	records, err := s.store.ListHistory(ctx, limit)
	if err != nil {
		return nil, storeError(err)
	}
	if records == nil {
		records = []db.NotificationHistoryRecord{}
	}
	return records, nil
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, repository.ErrAlreadyExists)
}
