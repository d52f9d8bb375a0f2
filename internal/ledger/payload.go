package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EncodePayload turns a caller value into the exact bytes that get signed.
// json.Marshal output is compact and HTML-escaped, which is also what
// re-encoding a json.RawMessage produces, so the bytes survive the wire.
func EncodePayload(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		var tmp any
		if err := json.Unmarshal(raw, &tmp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		v = tmp
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return data, nil
}

// IsCanonicalPayload reports whether payload is already in the form
// EncodePayload produces. Only canonical bytes keep their content hash when
// an envelope or archive record is re-encoded.
func IsCanonicalPayload(payload json.RawMessage) bool {
	enc, err := EncodePayload(payload)
	return err == nil && bytes.Equal(enc, payload)
}

type locationPayload struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

type emergencyPayload struct {
	Severity string `json:"severity"`
}

// ValidatePayload applies the kind-specific shape rules.
func ValidatePayload(kind Kind, payload json.RawMessage) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPayload)
	}
	if !IsCanonicalPayload(payload) {
		return fmt.Errorf("%w: payload is not canonically encoded", ErrInvalidPayload)
	}
	switch kind {
	case KindLocation:
		var p locationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: location: %v", ErrInvalidPayload, err)
		}
		if p.Lat == nil || p.Lon == nil {
			return fmt.Errorf("%w: location needs lat and lon", ErrInvalidPayload)
		}
		if *p.Lat < -90 || *p.Lat > 90 || *p.Lon < -180 || *p.Lon > 180 {
			return fmt.Errorf("%w: location out of range", ErrInvalidPayload)
		}
	case KindEmergency:
		var p emergencyPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: emergency: %v", ErrInvalidPayload, err)
		}
		if strings.TrimSpace(p.Severity) == "" {
			return fmt.Errorf("%w: emergency needs severity", ErrInvalidPayload)
		}
	case KindMessage, KindNetwork, KindSystem:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
	}
	return nil
}
