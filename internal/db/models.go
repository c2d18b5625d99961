package db

import (
	"time"

	"github.com/google/uuid"
)

// KpiSnapshot is the current known value of one KPI for one reporting period
type KpiSnapshot struct {
	KpiID       string     `json:"kpi_id"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	Unit        *string    `json:"unit,omitempty"`
	Value       *float64   `json:"value"`
	DateRange   string     `json:"date_range"`
	UpdatedAt   *time.Time `json:"updated_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DisplayName returns the KPI name, falling back to its id
func (k *KpiSnapshot) DisplayName() string {
	if k.Name == "" {
		return k.KpiID
	}
	return k.Name
}

// NotificationPreference is a user's standing alert rule for one KPI
type NotificationPreference struct {
	ID                uuid.UUID  `json:"id"`
	Owner             string     `json:"owner"`
	KpiID             string     `json:"kpi_id"`
	ThresholdValue    float64    `json:"threshold_value"`
	ThresholdOperator string     `json:"threshold_operator"`
	Email             string     `json:"email"`
	Enabled           bool       `json:"enabled"`
	CooldownHours     int        `json:"cooldown_hours"`
	DateRange         string     `json:"date_range,omitempty"`
	AlertFrequency    string     `json:"alert_frequency"`
	LastNotified      *time.Time `json:"last_notified"`
	CreatedAt         time.Time  `json:"created_at"`
}

// NotificationHistoryRecord is one dispatch attempt. Rows are append-only.
type NotificationHistoryRecord struct {
	ID                uuid.UUID `json:"id"`
	PreferenceID      uuid.UUID `json:"preference_id"`
	Owner             string    `json:"owner"`
	KpiID             string    `json:"kpi_id"`
	KpiName           string    `json:"kpi_name"`
	ActualValue       float64   `json:"actual_value"`
	ThresholdValue    float64   `json:"threshold_value"`
	ThresholdOperator string    `json:"threshold_operator"`
	DateRange         string    `json:"date_range,omitempty"`
	Email             string    `json:"email"`
	SentAt            time.Time `json:"sent_at"`
	Success           bool      `json:"success"`
	Error             *string   `json:"error,omitempty"`
}
