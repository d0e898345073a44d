package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/temoto/inputevent-go"

	"speedcurve"
)

// inputEvent is one decoded evdev record plus the monotonic time we read it at.
// The kernel timestamp is not used: it follows CLOCK_REALTIME unless the device
// was switched with EVIOCSCLOCKID.
type inputEvent struct {
	speedcurve.Event
	At     time.Time
	Device string
}

func fromInputEvent(ie inputevent.InputEvent, device string, at time.Time) inputEvent {
	return inputEvent{
		Event: speedcurve.Event{
			Type:  ie.Type,
			Code:  ie.Code,
			Value: ie.Value,
		},
		At:     at,
		Device: device,
	}
}

// readInputEvents reads evdev records from r until it fails or ctx is canceled.
// It runs in a dedicated goroutine per device and blocks on read.
func readInputEvents(ctx context.Context, r io.Reader, device string, events chan<- inputEvent) error {
	for {
		ie, err := inputevent.ReadOne(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read from %s: %w", device, err)
		}

		select {
		case events <- fromInputEvent(ie, device, time.Now()):
		case <-ctx.Done():
			return nil
		}
	}
}
