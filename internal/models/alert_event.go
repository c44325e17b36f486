package models

import (
	"errors"
	"strings"
	"time"
)

// AlertType classifies a detected condition
type AlertType string

const (
	AlertPowerEfficiencyDegradation AlertType = "power_efficiency_degradation"
	AlertPredictionError            AlertType = "prediction_error"
)

// AlertEvent is the wire and persisted unit of the pipeline: one immutable
// record describing a detected degradation condition. It exists only when an
// alert rule's trigger condition held.
type AlertEvent struct {
	// RFC3339 timestamp with timezone, from the originating reading when
	// available, otherwise the evaluation time
	Timestamp string `json:"timestamp"`

	// Model/endpoint that produced the triggering prediction
	ModelID    string `json:"model_id"`
	EndpointID string `json:"endpoint_id"`

	AlertType AlertType `json:"alert_type"`

	// Human-readable description embedding the predicted value
	Message string `json:"message"`

	// Remediation hint for operators
	Suggestion string `json:"suggestion"`

	// The predicted value that triggered the alert
	SourceValue float64 `json:"source_value"`
}

// Validation errors
var (
	ErrEmptyTimestamp = errors.New("alert timestamp cannot be empty")
	ErrEmptyModelID   = errors.New("alert model_id cannot be empty")
	ErrEmptyAlertType = errors.New("alert_type cannot be empty")
	ErrEmptyMessage   = errors.New("alert message cannot be empty")
)

// IdempotencyKey derives the duplicate-detection identifier. Any consumer
// seeing two AlertEvents with an identical key must treat the second as a
// redelivery, not a new alert.
func (e *AlertEvent) IdempotencyKey() string {
	return strings.Join([]string{
		e.Timestamp,
		e.ModelID,
		e.EndpointID,
		string(e.AlertType),
	}, "|")
}

// Validate checks the AlertEvent has all required fields.
func (e *AlertEvent) Validate() error {
	if e.Timestamp == "" {
		return ErrEmptyTimestamp
	}
	if e.ModelID == "" {
		return ErrEmptyModelID
	}
	if e.AlertType == "" {
		return ErrEmptyAlertType
	}
	if e.Message == "" {
		return ErrEmptyMessage
	}
	return nil
}

// EventTimestamp returns a timestamp for an alert raised now, in the wire
// format (RFC3339 with zone).
func EventTimestamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}
