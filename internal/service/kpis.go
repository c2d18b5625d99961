package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/septivank/kpi-notification-worker/internal/db"
	"github.com/septivank/kpi-notification-worker/internal/notify"
	"github.com/septivank/kpi-notification-worker/internal/repository"
	"github.com/septivank/kpi-notification-worker/internal/validator"
)

// Evaluator runs threshold evaluation for a freshly written KPI value
type Evaluator interface {
	EvaluateAndNotify(ctx context.Context, u notify.Update) ([]notify.Outcome, error)
}

// KpiInput describes a KPI catalog entry
type KpiInput struct {
	KpiID       string
	Name        string
	Description string
	Unit        string
}

// KpiUpdate is a new value for a KPI. A zero ObservedAt means now.
type KpiUpdate struct {
	KpiID       string
	Value       float64
	DateRange   string
	DisplayName string
	ObservedAt  time.Time
}

// UpdateResult is the stored snapshot and the notification outcomes it caused
type UpdateResult struct {
	Kpi      *db.KpiSnapshot
	Outcomes []notify.Outcome
}

// DefaultCatalog is the set of KPIs shown on the dashboard
var DefaultCatalog = []KpiInput{
	{KpiID: "poverty_rate", Name: "Poverty Rate", Unit: "%", Description: "Share of residents below the federal poverty line"},
	{KpiID: "unemployment_rate", Name: "Unemployment Rate", Unit: "%", Description: "Share of the labor force without work"},
	{KpiID: "median_income", Name: "Median Household Income", Unit: "USD", Description: "Median annual household income"},
	{KpiID: "k12_literacy", Name: "K-12 Literacy", Unit: "%", Description: "Students reading at or above grade level"},
	{KpiID: "annual_jobs", Name: "Annual Jobs Created", Unit: "jobs", Description: "Net new jobs over the trailing year"},
	{KpiID: "credential_attainment", Name: "Credential Attainment", Unit: "%", Description: "Adults holding a post-secondary credential"},
	{KpiID: "income_mobility_index", Name: "Income Mobility Index", Description: "Likelihood of moving up an income quintile"},
	{KpiID: "cost_of_living_index", Name: "Cost of Living Index", Description: "Local cost of living relative to the national average"},
	{KpiID: "placement_rate", Name: "Job Placement Rate", Unit: "%", Description: "Program graduates placed in jobs within six months"},
}

// snapshotTTL bounds how stale GetKpi can be. The cache is per process, so
// a value written by another replica shows up here only after expiry.
const snapshotTTL = 30 * time.Second

// KpiService owns the KPI catalog and turns value updates into notifications
type KpiService struct {
	store     repository.Store
	evaluator Evaluator
	snapshots *cache.Cache
	logger    *zap.Logger
	now       func() time.Time
}

// NewKpiService creates a new KPI service
func NewKpiService(store repository.Store, evaluator Evaluator, logger *zap.Logger) *KpiService {
	return &KpiService{
		store:     store,
		evaluator: evaluator,
		snapshots: cache.New(snapshotTTL, time.Minute),
		logger:    logger.With(zap.String("component", "kpi_service")),
		now:       time.Now,
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// CreateKpi registers a KPI without a value
func (s *KpiService) CreateKpi(ctx context.Context, in KpiInput) (*db.KpiSnapshot, error) {
	kpiID := strings.TrimSpace(in.KpiID)
	if kpiID == "" {
		return nil, &validator.ValidationError{Field: "kpi_id", Message: "must not be empty"}
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = kpiID
	}

	kpi := &db.KpiSnapshot{
		KpiID:       kpiID,
		Name:        name,
		Description: optional(in.Description),
		Unit:        optional(in.Unit),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateKpi(ctx, kpi); err != nil {
		return nil, storeError(err)
	}

	s.snapshots.SetDefault(kpiID, *kpi)
	s.logger.Info("kpi created", zap.String("kpi_id", kpiID))
	return kpi, nil
}

// ListKpis returns the catalog ordered by id
func (s *KpiService) ListKpis(ctx context.Context) ([]db.KpiSnapshot, error) {
	kpis, err := s.store.ListKpis(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	if kpis == nil {
		kpis = []db.KpiSnapshot{}
	}
	return kpis, nil
}

// GetKpi returns one KPI, served from cache when recently read or written
func (s *KpiService) GetKpi(ctx context.Context, kpiID string) (*db.KpiSnapshot, error) {
	if cached, ok := s.snapshots.Get(kpiID); ok {
		kpi := cached.(db.KpiSnapshot)
		return &kpi, nil
	}

	kpi, err := s.store.GetKpi(ctx, kpiID)
	if err != nil {
		return nil, storeError(err)
	}
	s.snapshots.SetDefault(kpiID, *kpi)
	return kpi, nil
}

// UpdateKpiValue writes the new value and then evaluates notification
// preferences against exactly that value. Delivery failures are reported in
// the outcomes; the error is reserved for bad input and store failures.
func (s *KpiService) UpdateKpiValue(ctx context.Context, u KpiUpdate) (*UpdateResult, error) {
	kpiID := strings.TrimSpace(u.KpiID)
	if kpiID == "" {
		return nil, &validator.ValidationError{Field: "kpi_id", Message: "must not be empty"}
	}
	if math.IsNaN(u.Value) || math.IsInf(u.Value, 0) {
		return nil, fmt.Errorf("%w: got %v for %s", notify.ErrInvalidValue, u.Value, kpiID)
	}

	observedAt := u.ObservedAt
	if observedAt.IsZero() {
		observedAt = s.now()
	}
	dateRange := strings.TrimSpace(u.DateRange)

	kpi, err := s.store.UpsertKpiValue(ctx, kpiID, u.Value, dateRange, observedAt.UTC())
	if err != nil {
		s.logger.Error("failed to store kpi value", zap.String("kpi_id", kpiID), zap.Error(err))
		return nil, storeError(err)
	}
	s.snapshots.SetDefault(kpiID, *kpi)

	displayName := strings.TrimSpace(u.DisplayName)
	if displayName == "" {
		displayName = kpi.DisplayName()
	}

	outcomes, err := s.evaluator.EvaluateAndNotify(ctx, notify.Update{
		KpiID:       kpiID,
		Value:       u.Value,
		DateRange:   dateRange,
		DisplayName: displayName,
	})
	if err != nil {
		return &UpdateResult{Kpi: kpi}, err
	}

	return &UpdateResult{Kpi: kpi, Outcomes: outcomes}, nil
}

// SeedCatalog creates every DefaultCatalog entry that does not exist yet and
// returns how many were created
func (s *KpiService) SeedCatalog(ctx context.Context) (int, error) {
	created := 0
	for _, in := range DefaultCatalog {
		_, err := s.CreateKpi(ctx, in)
		switch {
		case err == nil:
			created++
		case isAlreadyExists(err):
			s.logger.Debug("kpi already present", zap.String("kpi_id", in.KpiID))
		default:
			return created, err
		}
	}
	return created, nil
}
