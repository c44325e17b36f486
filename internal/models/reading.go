package models

import (
	"errors"
	"fmt"
	"math"
)

// Validation errors
var (
	ErrEmptyInstance     = errors.New("instance has no features")
	ErrNoNumericFeature  = errors.New("instance has no numeric feature")
	ErrNonFiniteFeature  = errors.New("feature value is not finite")
	ErrBadFeatureType    = errors.New("feature value is neither numeric nor a known string field")
	ErrMissingInstances  = errors.New("missing \"instances\" in request body")
	ErrInstancesNotArray = errors.New("\"instances\" must be a non-empty array")
)

// Fields that may carry string values inside an instance. Everything else
// must be numeric.
var stringFields = map[string]bool{
	"timestamp": true,
	"unit_id":   true,
	"plant_id":  true,
}

// SensorReading is one validated sensor instance: named numeric feature
// values plus optional timestamp and unit identifiers. Immutable once parsed.
type SensorReading struct {
	Timestamp string
	UnitID    string
	Features  map[string]float64
}

// ParseReading validates one raw instance map into a SensorReading.
// String values are accepted only for timestamp/unit/plant fields; every
// other value must be a finite number.
func ParseReading(raw map[string]interface{}) (*SensorReading, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyInstance
	}

	r := &SensorReading{Features: make(map[string]float64, len(raw))}

	for name, v := range raw {
		switch val := v.(type) {
		case string:
			if !stringFields[name] {
				return nil, fmt.Errorf("%w: %s", ErrBadFeatureType, name)
			}
			switch name {
			case "timestamp":
				r.Timestamp = val
			case "unit_id", "plant_id":
				r.UnitID = val
			}
		case float64:
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return nil, fmt.Errorf("%w: %s", ErrNonFiniteFeature, name)
			}
			r.Features[name] = val
		case int:
			r.Features[name] = float64(val)
		case bool:
			return nil, fmt.Errorf("%w: %s", ErrBadFeatureType, name)
		default:
			return nil, fmt.Errorf("%w: %s", ErrBadFeatureType, name)
		}
	}

	if len(r.Features) == 0 {
		return nil, ErrNoNumericFeature
	}

	return r, nil
}

// Instance rebuilds the wire-format feature map sent to the scoring service.
func (r *SensorReading) Instance() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Features)+2)
	for k, v := range r.Features {
		out[k] = v
	}
	if r.Timestamp != "" {
		out["timestamp"] = r.Timestamp
	}
	if r.UnitID != "" {
		out["unit_id"] = r.UnitID
	}
	return out
}
