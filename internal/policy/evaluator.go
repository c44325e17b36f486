// Package policy decides whether a prediction indicates degrading
// performance. Evaluation is pure: no I/O, deterministic for a given rule
// set, total for every well-formed PredictionResult.
package policy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"kilnwatch/internal/config"
	"kilnwatch/internal/models"
)

// ErrEvaluation marks a malformed prediction value (NaN or infinity). It is
// a bug signal upstream, never a silent pass.
var ErrEvaluation = errors.New("malformed prediction value")

// Decision is the outcome of evaluating one prediction. When Triggered is
// false the pipeline treats the reading as a no-op, not an error.
type Decision struct {
	Triggered bool
	Event     *models.AlertEvent
}

// NoAlert is the untriggered decision.
var NoAlert = Decision{}

// Per-alert-type remediation text, surfaced to operators alongside the alert.
var suggestions = map[models.AlertType]string{
	models.AlertPowerEfficiencyDegradation: "Decrease the crusher power or add more raw materials (limestone, clay or iron ore)",
	models.AlertPredictionError:            "No suggestions available at this time",
}

// Per-alert-type message templates; the verb embeds the predicted value.
var messages = map[models.AlertType]string{
	models.AlertPowerEfficiencyDegradation: "Power consumption efficiency degraded, value: %.3f",
}

// Evaluator applies configured threshold rules to predictions.
type Evaluator struct {
	rules []config.AlertRule
	now   func() time.Time
}

// New creates an Evaluator from the configured rule set.
func New(cfg config.PolicyConfig) *Evaluator {
	return &Evaluator{rules: cfg.Rules, now: time.Now}
}

// WithClock overrides the evaluation clock; used by tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate maps one prediction to an alert decision. readingTimestamp, when
// non-empty, becomes the alert's originating timestamp; otherwise the
// evaluation time is used. The first matching rule wins.
func (e *Evaluator) Evaluate(result *models.PredictionResult, readingTimestamp string) (Decision, error) {
	if math.IsNaN(result.Value) || math.IsInf(result.Value, 0) {
		return NoAlert, fmt.Errorf("%w: %v", ErrEvaluation, result.Value)
	}

	for _, rule := range e.rules {
		if !exceeds(result.Value, rule) {
			continue
		}

		alertType := models.AlertType(rule.AlertType)
		ts := readingTimestamp
		if ts == "" {
			ts = models.EventTimestamp(e.now())
		}

		event := &models.AlertEvent{
			Timestamp:   ts,
			ModelID:     result.ModelID,
			EndpointID:  result.EndpointID,
			AlertType:   alertType,
			Message:     messageFor(alertType, result.Value),
			Suggestion:  SuggestionFor(alertType),
			SourceValue: result.Value,
		}
		return Decision{Triggered: true, Event: event}, nil
	}

	return NoAlert, nil
}

// ErrorAlert builds the alert published when the scoring call itself fails.
func (e *Evaluator) ErrorAlert(modelID, endpointID, readingTimestamp string, cause error) *models.AlertEvent {
	ts := readingTimestamp
	if ts == "" {
		ts = models.EventTimestamp(e.now())
	}
	return &models.AlertEvent{
		Timestamp:  ts,
		ModelID:    modelID,
		EndpointID: endpointID,
		AlertType:  models.AlertPredictionError,
		Message:    fmt.Sprintf("Error during prediction or processing: %v", cause),
		Suggestion: SuggestionFor(models.AlertPredictionError),
	}
}

// SuggestionFor returns the remediation text for an alert type.
func SuggestionFor(t models.AlertType) string {
	if s, ok := suggestions[t]; ok {
		return s
	}
	return suggestions[models.AlertPredictionError]
}

func messageFor(t models.AlertType, value float64) string {
	if tmpl, ok := messages[t]; ok {
		return fmt.Sprintf(tmpl, value)
	}
	return fmt.Sprintf("Alert condition %s triggered, value: %.3f", t, value)
}

func exceeds(value float64, rule config.AlertRule) bool {
	switch rule.Direction {
	case "lt":
		return value < rule.Threshold
	default: // "gt"
		return value > rule.Threshold
	}
}
