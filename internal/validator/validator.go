package validator

import (
	"fmt"
	"math"
	"strings"

	playground "github.com/go-playground/validator/v10"

	"github.com/septivank/kpi-notification-worker/internal/threshold"
)

// ValidationError describes malformed preference input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// addresses checks email syntax with the same rules as request binding
var addresses = playground.New()

// Alert frequencies accepted on preferences. They are informational only.
var alertFrequencies = map[string]bool{
	"daily":   true,
	"weekly":  true,
	"monthly": true,
}

// PreferenceInput is the user supplied part of a notification preference.
// Nil pointers take defaults.
type PreferenceInput struct {
	KpiID             string
	ThresholdValue    float64
	ThresholdOperator string
	Email             string
	Enabled           *bool
	CooldownHours     *int
	DateRange         string
	AlertFrequency    string
}

// Preference is validated, defaulted preference input
type Preference struct {
	KpiID             string
	ThresholdValue    float64
	ThresholdOperator threshold.Operator
	Email             string
	Enabled           bool
	CooldownHours     int
	DateRange         string
	AlertFrequency    string
}

// Validator handles preference validation with configurable defaults
type Validator struct {
	defaultCooldownHours int
}

// NewValidator creates a new validator with the given default cooldown
func NewValidator(defaultCooldownHours int) *Validator {
	return &Validator{
		defaultCooldownHours: defaultCooldownHours,
	}
}

// ValidatePreference validates and normalizes preference input
func (v *Validator) ValidatePreference(in PreferenceInput) (Preference, error) {
	kpiID := strings.TrimSpace(in.KpiID)
	if kpiID == "" {
		return Preference{}, &ValidationError{Field: "kpi_id", Message: "must not be empty"}
	}

	if err := ValidateValue("threshold_value", in.ThresholdValue); err != nil {
		return Preference{}, err
	}

	op, err := threshold.ParseOperator(in.ThresholdOperator)
	if err != nil {
		return Preference{}, &ValidationError{
			Field:   "threshold_operator",
			Message: fmt.Sprintf("%q is not one of %v", in.ThresholdOperator, threshold.Operators),
		}
	}

	email := strings.TrimSpace(in.Email)
	if email == "" {
		return Preference{}, &ValidationError{Field: "email", Message: "must not be empty"}
	}
	if err := addresses.Var(email, "required,email"); err != nil {
		return Preference{}, &ValidationError{Field: "email", Message: fmt.Sprintf("%q is not a valid address", email)}
	}

	cooldown := v.defaultCooldownHours
	if in.CooldownHours != nil {
		cooldown = *in.CooldownHours
	}
	if cooldown < 1 {
		return Preference{}, &ValidationError{Field: "cooldown_hours", Message: fmt.Sprintf("must be at least 1, got %d", cooldown)}
	}

	frequency := strings.ToLower(strings.TrimSpace(in.AlertFrequency))
	if frequency == "" {
		frequency = "daily"
	}
	if !alertFrequencies[frequency] {
		return Preference{}, &ValidationError{Field: "alert_frequency", Message: fmt.Sprintf("%q is not one of daily, weekly, monthly", in.AlertFrequency)}
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	return Preference{
		KpiID:             kpiID,
		ThresholdValue:    in.ThresholdValue,
		ThresholdOperator: op,
		Email:             email,
		Enabled:           enabled,
		CooldownHours:     cooldown,
		DateRange:         strings.TrimSpace(in.DateRange),
		AlertFrequency:    frequency,
	}, nil
}

// ValidateValue rejects NaN and infinite values
func ValidateValue(field string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return &ValidationError{Field: field, Message: "must be a finite number"}
	}
	return nil
}
