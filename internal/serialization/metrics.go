package serialization

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Metrics are named training metrics as stored in headers, indexes and
// state files.
//
// JSON has no encoding for NaN or infinities, and a diverged run reports
// exactly those, so non-finite values are written as the strings "NaN",
// "+Inf" and "-Inf" and read back as the corresponding float.
type Metrics map[string]float64

// MarshalJSON implements json.Marshaler.
func (m Metrics) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m.Encode())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*m = nil
		return nil
	}
	decoded, err := DecodeMetrics(raw)
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

// Encode returns m with every value representable in JSON.
func (m Metrics) Encode() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch {
		case math.IsNaN(v):
			out[k] = "NaN"
		case math.IsInf(v, 1):
			out[k] = "+Inf"
		case math.IsInf(v, -1):
			out[k] = "-Inf"
		default:
			out[k] = v
		}
	}
	return out
}

// DecodeMetrics is the inverse of Metrics.Encode.
func DecodeMetrics(raw map[string]any) (Metrics, error) {
	m := make(Metrics, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case float64:
			m[k] = v
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || !(math.IsNaN(f) || math.IsInf(f, 0)) {
				return nil, fmt.Errorf("metric %q: invalid value %q", k, v)
			}
			m[k] = f
		default:
			return nil, fmt.Errorf("metric %q: unexpected %T", k, v)
		}
	}
	return m, nil
}
