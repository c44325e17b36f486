package models

// PredictionResult is the scored output for exactly one SensorReading.
// Created by the prediction client and never mutated after; ModelID and
// EndpointID are the externally assigned identifiers, carried through so
// downstream consumers can audit which model version produced an alert.
type PredictionResult struct {
	Value      float64
	ModelID    string
	EndpointID string

	// Optional feature attributions from the explanation endpoint,
	// feature name -> contribution score.
	Explanations map[string]float64
}
