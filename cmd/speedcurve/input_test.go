package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/inputevent-go"

	"speedcurve"
)

// evdevStream encodes events the way the kernel hands them to read(2).
func evdevStream(t *testing.T, events ...speedcurve.Event) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	for _, ev := range events {
		ie := inputevent.InputEvent{Type: ev.Type, Code: ev.Code, Value: ev.Value}
		require.NoError(t, binary.Write(&buf, binary.NativeEndian, &ie))
	}
	require.Equal(t, len(events)*inputevent.EventSizeof, buf.Len())
	return bytes.NewReader(buf.Bytes())
}

func TestReadInputEvents(t *testing.T) {
	want := []speedcurve.Event{
		{Type: speedcurve.EV_REL, Code: speedcurve.REL_X, Value: 3},
		{Type: speedcurve.EV_REL, Code: speedcurve.REL_Y, Value: -2},
		{Type: speedcurve.EV_SYN, Code: speedcurve.SYN_REPORT, Value: 0},
	}
	events := make(chan inputEvent, len(want))

	before := time.Now()
	err := readInputEvents(context.Background(), evdevStream(t, want...), "event5", events)
	require.ErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "event5")

	require.Len(t, events, len(want))
	for i := range want {
		got := <-events
		assert.Equal(t, want[i], got.Event)
		assert.Equal(t, "event5", got.Device)
		assert.False(t, got.At.Before(before))
	}
}

func TestReadInputEvents_ShortRead(t *testing.T) {
	events := make(chan inputEvent, 1)
	err := readInputEvents(context.Background(), bytes.NewReader([]byte{1, 2, 3}), "event5", events)
	assert.Error(t, err)
}

func TestReadInputEvents_CanceledWhileBlockedOnSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan inputEvent) // never drained

	stream := evdevStream(t, speedcurve.Event{Type: speedcurve.EV_REL, Code: speedcurve.REL_X, Value: 1})
	done := make(chan error, 1)
	go func() {
		done <- readInputEvents(ctx, stream, "event5", events)
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader did not stop")
	}
}
