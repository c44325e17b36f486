package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"kilnwatch/internal/logger"
	"kilnwatch/internal/metrics"
	"kilnwatch/internal/models"
	"kilnwatch/internal/policy"
	"kilnwatch/internal/prediction"
)

// Reading pipeline terminal states, one per instance per request. Each is
// independently observable through the reading_state metric.
const (
	StateNoAlert            = "no_alert"
	StateAlertPublished     = "alert_published"
	StateAlertPublishFailed = "alert_publish_failed"
	StateInvalid            = "invalid"
	StateUpstreamError      = "upstream_error"
	StateEvaluationError    = "evaluation_error"
)

// Predictor scores validated readings.
type Predictor interface {
	Predict(ctx context.Context, readings []*models.SensorReading) ([]*models.PredictionResult, error)
	ModelID() string
	EndpointID() string
}

// PredictHandler accepts sensor-reading batches, obtains predictions,
// evaluates the alert policy, and hands triggered alerts to the publish
// queue. The caller's contract is "did we get a prediction": alert delivery
// problems never fail the response.
type PredictHandler struct {
	predictor   Predictor
	evaluator   *policy.Evaluator
	alertChan   chan<- *models.AlertEvent
	maxBodySize int64
	// Publish a prediction_error alert when the scoring call fails
	errorAlerts bool
}

// PredictConfig holds configuration for the handler
type PredictConfig struct {
	Predictor   Predictor
	Evaluator   *policy.Evaluator
	AlertChan   chan<- *models.AlertEvent
	MaxBodySize int64
	ErrorAlerts bool
}

// NewPredictHandler creates the ingestion endpoint handler.
func NewPredictHandler(cfg PredictConfig) *PredictHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}
	return &PredictHandler{
		predictor:   cfg.Predictor,
		evaluator:   cfg.Evaluator,
		alertChan:   cfg.AlertChan,
		maxBodySize: maxBodySize,
		errorAlerts: cfg.ErrorAlerts,
	}
}

// PredictRequest is the incoming JSON payload, one feature map per instance.
type PredictRequest struct {
	Instances []map[string]interface{} `json:"instances"`
}

// PredictionOut is one scored instance in the response.
type PredictionOut struct {
	Value        float64            `json:"value"`
	Explanations map[string]float64 `json:"explanations,omitempty"`
}

// InstanceResult is the per-instance pipeline outcome.
type InstanceResult struct {
	Index          int      `json:"index"`
	State          string   `json:"state"`
	PredictedValue *float64 `json:"predicted_value,omitempty"`
	AlertType      string   `json:"alert_type,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// PredictResponse is returned to the caller.
type PredictResponse struct {
	Predictions []PredictionOut  `json:"predictions"`
	Results     []InstanceResult `json:"results"`
}

// ServeHTTP handles POST /predict
func (h *PredictHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var req PredictRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Instances == nil {
		h.writeError(w, http.StatusBadRequest, models.ErrMissingInstances.Error())
		return
	}
	if len(req.Instances) == 0 {
		h.writeError(w, http.StatusBadRequest, models.ErrInstancesNotArray.Error())
		return
	}

	log := logger.WithRequestID(r.Header.Get("X-Request-ID"))

	// Validate each instance independently: a malformed reading must not
	// fail its siblings.
	results := make([]InstanceResult, len(req.Instances))
	readings := make([]*models.SensorReading, 0, len(req.Instances))
	readingIdx := make([]int, 0, len(req.Instances))

	for i, raw := range req.Instances {
		reading, err := models.ParseReading(raw)
		if err != nil {
			results[i] = InstanceResult{Index: i, State: StateInvalid, Error: err.Error()}
			metrics.ReadingStateTotal.WithLabelValues(StateInvalid).Inc()
			continue
		}
		results[i] = InstanceResult{Index: i}
		readings = append(readings, reading)
		readingIdx = append(readingIdx, i)
	}

	if len(readings) == 0 {
		h.writeJSON(w, http.StatusBadRequest, PredictResponse{
			Predictions: []PredictionOut{},
			Results:     results,
		})
		return
	}

	// One scoring call covers every valid reading; the request context
	// still governs it so a disconnected caller cancels the upstream call.
	predictions, err := h.predictor.Predict(r.Context(), readings)
	if err != nil {
		h.handlePredictFailure(w, log, results, readingIdx, readings, err)
		return
	}

	resp := PredictResponse{
		Predictions: make([]PredictionOut, 0, len(predictions)),
		Results:     results,
	}

	for j, result := range predictions {
		if j >= len(readingIdx) {
			break
		}
		i := readingIdx[j]
		value := result.Value
		resp.Predictions = append(resp.Predictions, PredictionOut{
			Value:        value,
			Explanations: result.Explanations,
		})
		resp.Results[i].PredictedValue = &value
		state, alertType := h.evaluateAndPublish(log, result, readings[j])
		resp.Results[i].State = state
		resp.Results[i].AlertType = alertType
		metrics.ReadingStateTotal.WithLabelValues(state).Inc()
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// evaluateAndPublish runs the policy on one prediction and enqueues any
// triggered alert. Returns the reading's terminal state and, when an alert
// was raised, its type.
func (h *PredictHandler) evaluateAndPublish(log zerolog.Logger, result *models.PredictionResult, reading *models.SensorReading) (string, string) {
	decision, err := h.evaluator.Evaluate(result, reading.Timestamp)
	if err != nil {
		// Malformed prediction value is a bug signal, not an alert.
		log.Error().
			Err(err).
			Float64("value", result.Value).
			Msg("prediction evaluation failed, reading dropped")
		return StateEvaluationError, ""
	}

	if !decision.Triggered {
		log.Debug().
			Float64("value", result.Value).
			Msg("efficiency within acceptable limits")
		return StateNoAlert, ""
	}

	log.Info().
		Float64("value", result.Value).
		Str("alert_type", string(decision.Event.AlertType)).
		Msg("degradation detected, queueing alert")

	return h.enqueue(log, decision.Event), string(decision.Event.AlertType)
}

// enqueue hands an alert to the publish pool without blocking the request.
func (h *PredictHandler) enqueue(log zerolog.Logger, event *models.AlertEvent) string {
	select {
	case h.alertChan <- event:
		return StateAlertPublished
	default:
		// Queue saturated. The prediction already succeeded, so this
		// degrades to a warning plus a metric, never a failed response.
		log.Warn().
			Str("idempotency_key", event.IdempotencyKey()).
			Msg("alert queue full, alert dropped from this request")
		return StateAlertPublishFailed
	}
}

// handlePredictFailure maps a scoring failure onto every pending reading and
// optionally publishes a prediction_error alert.
func (h *PredictHandler) handlePredictFailure(w http.ResponseWriter, log zerolog.Logger, results []InstanceResult, readingIdx []int, readings []*models.SensorReading, err error) {
	for _, i := range readingIdx {
		results[i].State = StateUpstreamError
		results[i].Error = err.Error()
		metrics.ReadingStateTotal.WithLabelValues(StateUpstreamError).Inc()
	}

	if h.errorAlerts && !errors.Is(err, prediction.ErrInvalidRequest) {
		ts := ""
		if len(readings) > 0 {
			ts = readings[0].Timestamp
		}
		event := h.evaluator.ErrorAlert(h.predictor.ModelID(), h.predictor.EndpointID(), ts, err)
		h.enqueue(log, event)
	}

	status := http.StatusBadGateway
	if errors.Is(err, prediction.ErrInvalidRequest) {
		status = http.StatusBadRequest
	}

	log.Error().Err(err).Int("status", status).Msg("scoring call failed")
	h.writeJSON(w, status, PredictResponse{
		Predictions: []PredictionOut{},
		Results:     results,
	})
}

func (h *PredictHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *PredictHandler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
