package main

import (
	"encoding/json"
	"fmt"

	"speedcurve"
)

// ============================================================================
// Control Requests
// ============================================================================
// Requests come from the IPC socket and the monitor. They are answered by the
// daemon loop, which is the only goroutine touching the Processor.
// ============================================================================

// Request is a marker interface for all control requests.
type Request interface {
	requestMarker()
}

// StatusRequest asks for the processor's current stroke state.
type StatusRequest struct{}

func (StatusRequest) requestMarker() {}

// ResetRequest puts both axes back to idle.
type ResetRequest struct{}

func (ResetRequest) requestMarker() {}

// SpeedAtRequest evaluates the configured curve without touching stroke state.
type SpeedAtRequest struct {
	ElapsedMS int64 `json:"elapsed_ms"`
}

func (SpeedAtRequest) requestMarker() {}

// controlRequest pairs a Request with the channel its answer goes to.
type controlRequest struct {
	Request Request
	Reply   chan<- IPCResponse
}

// IPCResponse is sent back to IPC clients, one JSON object per request line.
type IPCResponse struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // error message if status == "error"

	Snapshot *StatusSnapshot `json:"snapshot,omitempty"`
	Speed    *SpeedAtResult  `json:"speed,omitempty"`
}

// StatusSnapshot is the processor state plus the daemon's counters.
type StatusSnapshot struct {
	speedcurve.Snapshot

	EventsForwarded uint64 `json:"events_forwarded"`
	EventsShaped    uint64 `json:"events_shaped"`

	CurvePoints     []speedcurve.ControlPoint `json:"curve_points"`
	TriggerPeriodMS int32                     `json:"trigger_period_ms"`
}

// SpeedAtResult answers a SpeedAtRequest.
type SpeedAtResult struct {
	ElapsedMS   int64 `json:"elapsed_ms"`
	SpeedPxPerS int32 `json:"speed_px_s"`
	Movement    int32 `json:"movement"`
}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================

// RequestEnvelope wraps a request with a type discriminator for JSON marshaling
type RequestEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalRequest deserializes a JSON request envelope into a concrete Request
func UnmarshalRequest(data []byte) (Request, error) {
	var env RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "status":
		return StatusRequest{}, nil

	case "reset":
		return ResetRequest{}, nil

	case "speed_at":
		var r SpeedAtRequest
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("speed_at requires data")
		}
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal SpeedAtRequest: %w", err)
		}
		return r, nil

	default:
		return nil, fmt.Errorf("unknown request type: %q", env.Type)
	}
}

// MarshalRequest serializes a Request into a JSON envelope with type discriminator
func MarshalRequest(r Request) ([]byte, error) {
	var env RequestEnvelope

	switch r := r.(type) {
	case StatusRequest:
		env.Type = "status"

	case ResetRequest:
		env.Type = "reset"

	case SpeedAtRequest:
		env.Type = "speed_at"
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal SpeedAtRequest: %w", err)
		}
		env.Data = data

	default:
		return nil, fmt.Errorf("unsupported request type: %T", r)
	}

	return json.Marshal(env)
}
