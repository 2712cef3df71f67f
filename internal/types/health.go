package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// HealthState represents the health state of a system component
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// String returns the string representation of HealthState
func (s HealthState) String() string {
	return string(s)
}

// IsValid checks if the HealthState is a valid value
func (s HealthState) IsValid() bool {
	switch s {
	case HealthStateHealthy, HealthStateDegraded, HealthStateUnhealthy:
		return true
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler
func (s HealthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler
func (s *HealthState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	state := HealthState(str)
	if !state.IsValid() {
		return fmt.Errorf("invalid health state: %s", str)
	}

	*s = state
	return nil
}

// HealthStatus reports the health of one backing component (graph store,
// database, reasoning provider) at a point in time.
type HealthStatus struct {
	State     HealthState `json:"state"`
	Message   string      `json:"message,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
	Latency   int64       `json:"latency_ms"`
}

// IsHealthy reports whether the status is in the healthy state.
func (h HealthStatus) IsHealthy() bool {
	return h.State == HealthStateHealthy
}

// Healthy returns a HealthStatus in the healthy state stamped now.
func Healthy(latency time.Duration) HealthStatus {
	return HealthStatus{
		State:     HealthStateHealthy,
		CheckedAt: time.Now(),
		Latency:   latency.Milliseconds(),
	}
}

// Unhealthy returns a HealthStatus in the unhealthy state carrying the
// failure message.
func Unhealthy(message string) HealthStatus {
	return HealthStatus{
		State:     HealthStateUnhealthy,
		Message:   message,
		CheckedAt: time.Now(),
	}
}
