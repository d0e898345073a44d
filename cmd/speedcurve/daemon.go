package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"speedcurve"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// The daemon loop is the only goroutine that touches the Processor:
//   - Input events arrive from the reader goroutine(s) and are forwarded in order.
//   - Control requests (IPC, monitor) are answered between events.
//   - Stroke telemetry is published without blocking.
//
// ============================================================================

// eventSink receives the outgoing event stream.
type eventSink interface {
	WriteEvent(ev speedcurve.Event) error
}

// logSink is the dry-run output: it logs events instead of emitting them.
type logSink struct {
	logger *slog.Logger
}

func (s logSink) WriteEvent(ev speedcurve.Event) error {
	if ev.Type == speedcurve.EV_SYN {
		return nil
	}
	s.logger.Debug("output event",
		"type", lookupName(ev.Type, eventTypeNames),
		"code", ev.Code,
		"value", ev.Value)
	return nil
}

// strokeTelemetry is published for every shaped event and every stroke end.
type strokeTelemetry struct {
	Shaped   speedcurve.Shaped
	InMotion bool
	At       time.Time

	// Cause is what produced the record: an input event, the idle timeout or a
	// reset request.
	Cause telemetryCause
}

type telemetryCause string

const (
	causeEvent   telemetryCause = "event"
	causeIdle    telemetryCause = "idle"
	causeRequest telemetryCause = "request"
)

// daemonOptions are the knobs of runDaemon that are not channels.
type daemonOptions struct {
	// IdleTimeout ends an axis' stroke after this long without motion. 0 disables it.
	IdleTimeout time.Duration
}

// daemonStats are counters owned by the daemon loop.
type daemonStats struct {
	forwarded uint64
	shaped    uint64
}

// runDaemon forwards input to sink, reshaping matching events through proc.
//
// Shutdown semantics:
//   - Returns nil when ctx is canceled or input is closed
//   - Returns an error if the sink fails
func runDaemon(
	ctx context.Context,
	input <-chan inputEvent,
	requests <-chan controlRequest,
	proc *speedcurve.Processor,
	sink eventSink,
	telemetry chan<- strokeTelemetry,
	opts daemonOptions,
	logger *slog.Logger,
) error {
	if proc == nil || sink == nil {
		return fmt.Errorf("daemon: processor and sink are required")
	}

	var idleC <-chan time.Time
	if opts.IdleTimeout > 0 {
		interval := opts.IdleTimeout / 2
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		idleC = ticker.C
	}

	var stats daemonStats

	publish := func(res speedcurve.Shaped, at time.Time, cause telemetryCause) {
		if telemetry == nil {
			return
		}
		select {
		case telemetry <- strokeTelemetry{Shaped: res, InMotion: proc.InMotion(), At: at, Cause: cause}:
		default:
		}
	}

	forward := func(ev inputEvent) error {
		out := ev.Event
		if res, shaped := proc.HandleAt(&out, ev.At); shaped {
			stats.shaped++
			publish(res, ev.At, causeEvent)
		}

		if err := sink.WriteEvent(out); err != nil {
			return fmt.Errorf("forward event: %w", err)
		}
		stats.forwarded++
		return nil
	}

	logger.Info("daemon starting", "idle_timeout", opts.IdleTimeout)

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)",
				"events_forwarded", stats.forwarded,
				"events_shaped", stats.shaped)
			return nil

		case ev, ok := <-input:
			if !ok {
				logger.Info("daemon stopping (input closed)")
				return nil
			}

			if err := forward(ev); err != nil {
				return err
			}

		case now := <-idleC:
			// Queued motion belongs to the stroke being timed; apply it first.
			closed, err := drainInput(input, forward)
			if err != nil {
				return err
			}
			if closed {
				logger.Info("daemon stopping (input closed)")
				return nil
			}
			for _, res := range proc.Expire(now, opts.IdleTimeout) {
				logger.Debug("idle timeout, stroke ended", "axis", res.Axis)
				publish(res, now, causeIdle)
			}

		case req := <-requests:
			resp := handleControl(proc, req.Request, stats)
			if _, isReset := req.Request.(ResetRequest); isReset {
				logger.Info("processor reset by request")
				publish(speedcurve.Shaped{Reset: speedcurve.ResetStopped}, time.Now(), causeRequest)
			}
			if req.Reply != nil {
				select {
				case req.Reply <- resp:
				default:
				}
			}
		}
	}
}

// drainInput passes every event already queued on input to fn without blocking.
// It reports whether input was closed.
func drainInput(input <-chan inputEvent, fn func(inputEvent) error) (bool, error) {
	for {
		select {
		case ev, ok := <-input:
			if !ok {
				return true, nil
			}
			if err := fn(ev); err != nil {
				return false, err
			}
		default:
			return false, nil
		}
	}
}

// handleControl answers one control request. It runs on the daemon goroutine.
func handleControl(proc *speedcurve.Processor, req Request, stats daemonStats) IPCResponse {
	switch r := req.(type) {
	case StatusRequest:
		cfg := proc.Config()
		return IPCResponse{
			Status: "ok",
			Snapshot: &StatusSnapshot{
				Snapshot:        proc.Snapshot(),
				EventsForwarded: stats.forwarded,
				EventsShaped:    stats.shaped,
				CurvePoints:     cfg.Curve.Points(),
				TriggerPeriodMS: cfg.TriggerPeriodMS,
			},
		}

	case ResetRequest:
		proc.Reset()
		return IPCResponse{Status: "ok"}

	case SpeedAtRequest:
		if r.ElapsedMS < 0 {
			return IPCResponse{Status: "error", Error: "elapsed_ms must not be negative"}
		}
		speed := proc.SpeedAt(r.ElapsedMS)
		return IPCResponse{
			Status: "ok",
			Speed: &SpeedAtResult{
				ElapsedMS:   r.ElapsedMS,
				SpeedPxPerS: speed,
				Movement:    speedcurve.Movement(speed, proc.Config().TriggerPeriodMS),
			},
		}

	default:
		return IPCResponse{Status: "error", Error: fmt.Sprintf("unsupported request %T", req)}
	}
}
