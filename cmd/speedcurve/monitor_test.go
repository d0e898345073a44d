package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedcurve"
)

var discardLogger = slog.New(slog.DiscardHandler)

// Hub tests use clients with nil conns; nothing here writes to the network.

func runHub(t *testing.T, sendBuf, broadcastBuf int) *Hub {
	t.Helper()
	hub := NewHub(discardLogger, HubConfig{SendBuf: sendBuf, BroadcastBuf: broadcastBuf})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("hub did not stop")
		}
	})
	return hub
}

func registerClient(t *testing.T, hub *Hub, name string, buf int) *Client {
	t.Helper()
	c := &Client{hub: hub, send: make(chan []byte, buf), remoteAddr: name, logger: discardLogger}
	hub.register <- c
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, 500*time.Millisecond, 5*time.Millisecond, "%s not registered", name)
	return c
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := runHub(t, 4, 8)
	c1 := registerClient(t, hub, "c1", 4)
	c2 := registerClient(t, hub, "c2", 4)
	assert.Equal(t, 2, hub.ClientCount())

	msg := []byte(`{"type":"stroke","data":{"axis":"x"}}`)
	hub.broadcast <- msg

	assert.Equal(t, msg, receive(t, c1.send))
	assert.Equal(t, msg, receive(t, c2.send))
}

func TestHub_SlowClientDisconnected(t *testing.T) {
	hub := runHub(t, 1, 8)
	slow := registerClient(t, hub, "slow", 1)
	fast := registerClient(t, hub, "fast", 8)

	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"stroke_reset"}`)
	hub.broadcast <- msg
	assert.Equal(t, msg, receive(t, fast.send))

	<-slow.send
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, 750*time.Millisecond, 5*time.Millisecond, "slow client's send channel should be closed")
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	hub := runHub(t, 4, 8)
	c := registerClient(t, hub, "c", 4)

	hub.unregister <- c
	hub.unregister <- c
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 500*time.Millisecond, 5*time.Millisecond)

	_, ok := <-c.send
	assert.False(t, ok)
}

func TestHub_UnregisterBeforeRegister(t *testing.T) {
	hub := runHub(t, 4, 8)
	c := &Client{hub: hub, send: make(chan []byte, 4), remoteAddr: "early", logger: discardLogger}

	hub.unregister <- c
	require.Eventually(t, func() bool { return c.closed.Load() }, 500*time.Millisecond, 5*time.Millisecond)

	hub.register <- c
	assert.Never(t, func() bool { return hub.ClientCount() != 0 }, 100*time.Millisecond, 5*time.Millisecond)

	_, ok := <-c.send
	assert.False(t, ok)
}

func TestHub_PublishDropsWhenFull(t *testing.T) {
	hub := NewHub(discardLogger, HubConfig{BroadcastBuf: 1}) // not running
	hub.Publish([]byte("a"))
	hub.Publish([]byte("b"))
	assert.Len(t, hub.broadcast, 1)
}

type testFrame struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

func decodeFrame(t *testing.T, b []byte) testFrame {
	t.Helper()
	var f testFrame
	require.NoError(t, json.Unmarshal(b, &f))
	return f
}

func runBroadcaster(t *testing.T) (*Hub, chan strokeTelemetry, *Client) {
	t.Helper()
	hub := runHub(t, 64, 64)
	c := registerClient(t, hub, "monitor", 64)

	src := make(chan strokeTelemetry, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunBroadcaster(ctx, hub, src, discardLogger)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub, src, c
}

func stroke(axis speedcurve.Axis, value int32, reset speedcurve.ResetReason) strokeTelemetry {
	return strokeTelemetry{
		Shaped: speedcurve.Shaped{
			Axis:        axis,
			Code:        uint16(axis),
			Original:    1,
			Value:       value,
			SpeedPxPerS: value * 125,
			Reset:       reset,
		},
		InMotion: reset != speedcurve.ResetStopped,
		At:       time.Now(),
		Cause:    causeEvent,
	}
}

func TestBroadcaster_CoalescesStrokesPerAxis(t *testing.T) {
	_, src, c := runBroadcaster(t)

	for v := int32(1); v <= 5; v++ {
		src <- stroke(speedcurve.AxisX, v, speedcurve.ResetNone)
	}
	src <- stroke(speedcurve.AxisY, 7, speedcurve.ResetNone)

	got := map[string]wsStrokeData{}
	for range 2 {
		f := decodeFrame(t, receive(t, c.send))
		require.Equal(t, "stroke", f.Type)
		var d wsStrokeData
		require.NoError(t, json.Unmarshal(f.Data, &d))
		got[d.Axis] = d
	}
	assert.Equal(t, int32(5), got["x"].Value, "latest wins")
	assert.Equal(t, int32(7), got["y"].Value)

	select {
	case extra := <-c.send:
		t.Fatalf("unexpected extra frame %s", extra)
	case <-time.After(3 * strokeCoalesceWindow):
	}
}

func TestBroadcaster_ResetFlushesAndSendsImmediately(t *testing.T) {
	_, src, c := runBroadcaster(t)

	src <- stroke(speedcurve.AxisX, 3, speedcurve.ResetNone)
	stop := stroke(speedcurve.AxisX, 0, speedcurve.ResetStopped)
	stop.Cause = causeIdle
	src <- stop

	start := time.Now()
	f := decodeFrame(t, receive(t, c.send))
	assert.Equal(t, "stroke", f.Type, "pending stroke goes out before the reset")
	assert.Less(t, time.Since(start), strokeCoalesceWindow)

	f = decodeFrame(t, receive(t, c.send))
	require.Equal(t, "stroke_reset", f.Type)
	var d wsStrokeResetData
	require.NoError(t, json.Unmarshal(f.Data, &d))
	assert.Equal(t, wsStrokeResetData{Axis: "x", Reason: "stopped", Cause: "idle", InMotion: false}, d)
}

func TestBroadcaster_StartCarriesFirstStroke(t *testing.T) {
	_, src, c := runBroadcaster(t)

	src <- stroke(speedcurve.AxisY, 2, speedcurve.ResetReversed)

	assert.Equal(t, "stroke_reset", decodeFrame(t, receive(t, c.send)).Type)
	f := decodeFrame(t, receive(t, c.send))
	assert.Equal(t, "stroke", f.Type)
}

func TestBroadcaster_RequestResetHasNoAxis(t *testing.T) {
	_, src, c := runBroadcaster(t)

	src <- strokeTelemetry{Shaped: speedcurve.Shaped{Reset: speedcurve.ResetStopped}, Cause: causeRequest}

	f := decodeFrame(t, receive(t, c.send))
	require.Equal(t, "stroke_reset", f.Type)
	assert.NotContains(t, string(f.Data), `"axis"`)
}

func TestMonitorServer_StateInitOnConnect(t *testing.T) {
	proc, err := speedcurve.NewProcessor(speedcurve.Config{
		Type:            speedcurve.EV_REL,
		Codes:           []uint16{speedcurve.REL_X, speedcurve.REL_Y},
		Curve:           speedcurve.MustCurve(speedcurve.ControlPoint{ElapsedMS: 0, Speed: 400}),
		TriggerPeriodMS: 8,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requests := make(chan controlRequest, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-requests:
				req.Reply <- handleControl(proc, req.Request, daemonStats{})
			}
		}
	}()

	ms := NewMonitorServer(discardLogger, requests, HubConfig{})
	go ms.Hub().Run(ctx)

	mux := http.NewServeMux()
	ms.Register(mux, "/ws")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	f := decodeFrame(t, msg)
	require.Equal(t, "state_init", f.Type)
	assert.False(t, f.Ts.IsZero())

	var snap StatusSnapshot
	require.NoError(t, json.Unmarshal(f.Data, &snap))
	assert.False(t, snap.InMotion)
	assert.Len(t, snap.Axes, 2)
	assert.Equal(t, []speedcurve.ControlPoint{{ElapsedMS: 0, Speed: 400}}, snap.CurvePoints)

	// Once registered, broadcasts reach the client.
	require.Eventually(t, func() bool { return ms.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	ms.Hub().Publish([]byte(`{"type":"stroke"}`))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stroke"}`, string(msg))
}
