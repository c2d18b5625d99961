package notify

import "errors"

var (
	// ErrInvalidValue is returned when a KPI update carries NaN or an infinity.
	// No preference is evaluated.
	ErrInvalidValue = errors.New("kpi value must be a finite number")

	// ErrStoreUnavailable wraps persistence failures that abort a call
	ErrStoreUnavailable = errors.New("notification store unavailable")

	// ErrDeliveryFailed wraps a mailer rejection or timeout for one preference.
	// It is recorded in the outcome and history, never returned by the engine.
	ErrDeliveryFailed = errors.New("notification delivery failed")
)
