package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"speedcurve"
)

// ============================================================================
// Monitor WebSocket: hub + per-client pumps + telemetry broadcaster
// ============================================================================
//
// Wire format: JSON text frames {type, ts, data}.
//   - "state_init"   on connect, data = StatusSnapshot (answered by the daemon loop)
//   - "stroke"       shaped event, at most one per axis per strokeCoalesceWindow
//   - "stroke_reset" stroke started, reversed or stopped; sent immediately
//
// Clients that cannot keep up are disconnected.
// ============================================================================

// strokeCoalesceWindow bounds how often "stroke" frames go out per axis.
// A 125Hz sensor would otherwise produce 125 frames per second per axis.
const strokeCoalesceWindow = 50 * time.Millisecond

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsStrokeData is the payload of "stroke".
type wsStrokeData struct {
	Axis        string `json:"axis"`
	Code        uint16 `json:"code"`
	Original    int32  `json:"original"`
	Value       int32  `json:"value"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	SpeedPxPerS int32  `json:"speed_px_s"`
	InMotion    bool   `json:"in_motion"`
}

// wsStrokeResetData is the payload of "stroke_reset".
// Axis is empty when both axes were reset by request.
type wsStrokeResetData struct {
	Axis     string `json:"axis,omitempty"`
	Reason   string `json:"reason"`
	Cause    string `json:"cause"`
	InMotion bool   `json:"in_motion"`
}

type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(typ string, at time.Time, data any) ([]byte, error) {
	if at.IsZero() {
		at = time.Now()
	}
	ts := at.UTC()
	return json.Marshal(envelope{Type: typ, Ts: &ts, Data: data})
}

// ============================================================================
// Hub
// ============================================================================

// Hub fans serialized frames out to connected monitor clients.
type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size (default 32).
	SendBuf int
	// BroadcastBuf is the hub inbound queue size (default 128).
	BroadcastBuf int
}

func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 32
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 128
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		clients:    make(map[*Client]struct{}),
		sendBuf:    cfg.SendBuf,
	}
}

// Run serves register/unregister/broadcast until ctx is canceled,
// then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("monitor hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("monitor hub stopping")
			h.dropAll()
			return

		case c := <-h.register:
			if c.closed.Load() {
				// Disconnected before it got here.
				continue
			}
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("monitor client connected", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.drop(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*Client
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.drop(c, "slow_client")
			}
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) drop(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		// Not registered (yet); closing makes a late register a no-op.
		c.close()
		return
	}
	c.close()
	h.logger.Info("monitor client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

// Publish enqueues a serialized frame. It never blocks; frames are dropped when
// the hub queue is full.
func (h *Hub) Publish(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("monitor broadcast queue full, dropping frame", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce  sync.Once
	closed     atomic.Bool
	remoteAddr string
	logger     *slog.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// close shuts the connection and signals writePump. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
	})
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Debug("monitor "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", ce.Code, "reason", ce.Text)
		return
	}
	c.logger.Debug("monitor "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump drains send to the connection and keeps it alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards client frames; it exists to process pongs and notice disconnects.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				select {
				case c.hub.unregister <- c:
				default:
					// Hub is gone or backed up; the next broadcast evicts us.
				}
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// MonitorServer upgrades HTTP requests to monitor connections.
type MonitorServer struct {
	logger   *slog.Logger
	hub      *Hub
	requests chan<- controlRequest
}

func NewMonitorServer(logger *slog.Logger, requests chan<- controlRequest, cfg HubConfig) *MonitorServer {
	return &MonitorServer{
		logger:   logger,
		hub:      NewHub(logger, cfg),
		requests: requests,
	}
}

func (s *MonitorServer) Hub() *Hub { return s.hub }

// Register mounts the WebSocket handler at path.
func (s *MonitorServer) Register(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, s.handleWS)
}

var upgrader = websocket.Upgrader{
	// The monitor listens on loopback by default and is read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *MonitorServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("monitor upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// The pumps outlive the handler; r.Context() is canceled when it returns.
	go client.writePump()

	// Queue state_init before registering so it is the first frame the client sees.
	if s.requests != nil {
		resp, err := submitRequest(r.Context(), s.requests, StatusRequest{}, controlReplyTimeout)
		if err != nil || resp.Snapshot == nil {
			s.logger.Warn("monitor snapshot request failed", "remote_addr", r.RemoteAddr, "error", err)
			client.close()
			return
		}
		msg, err := marshalEnvelope("state_init", time.Now(), resp.Snapshot)
		if err != nil {
			s.logger.Warn("monitor marshal state_init failed", "error", err)
			client.close()
			return
		}
		client.send <- msg
	}

	// readPump starts last: its unregister must not overtake the register.
	s.hub.register <- client
	go client.readPump()
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster turns daemon telemetry into monitor frames.
//
// "stroke" frames are rate limited per axis: the latest pending frame is flushed
// once per strokeCoalesceWindow while updates keep arriving. "stroke_reset"
// flushes pending strokes first, then goes out immediately.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan strokeTelemetry, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	var pending [2]*strokeTelemetry
	var timer *time.Timer
	var timerC <-chan time.Time

	emit := func(typ string, at time.Time, data any) {
		msg, err := marshalEnvelope(typ, at, data)
		if err != nil {
			logger.Warn("monitor marshal failed", "type", typ, "error", err)
			return
		}
		hub.Publish(msg)
	}

	flush := func() bool {
		flushed := false
		for i, p := range pending {
			if p == nil {
				continue
			}
			emit("stroke", p.At, strokeData(*p))
			pending[i] = nil
			flushed = true
		}
		return flushed
	}

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			stopTimer()
			return

		case <-timerC:
			// Keep ticking only while strokes keep coming.
			if flush() {
				timer.Reset(strokeCoalesceWindow)
			} else {
				stopTimer()
			}

		case t, ok := <-src:
			if !ok {
				flush()
				stopTimer()
				logger.Debug("monitor broadcaster stopping (source closed)")
				return
			}

			if t.Shaped.Reset == speedcurve.ResetNone {
				axis := t.Shaped.Axis
				if axis < 0 || int(axis) >= len(pending) {
					continue
				}
				tt := t
				pending[axis] = &tt
				if timer == nil {
					timer = time.NewTimer(strokeCoalesceWindow)
					timerC = timer.C
				}
				continue
			}

			flush()
			emit("stroke_reset", t.At, strokeResetData(t))

			// A start or reversal also carries the stroke's first shaped value.
			if t.Shaped.Reset != speedcurve.ResetStopped {
				emit("stroke", t.At, strokeData(t))
			}
		}
	}
}

func strokeData(t strokeTelemetry) wsStrokeData {
	return wsStrokeData{
		Axis:        t.Shaped.Axis.String(),
		Code:        t.Shaped.Code,
		Original:    t.Shaped.Original,
		Value:       t.Shaped.Value,
		ElapsedMS:   t.Shaped.ElapsedMS,
		SpeedPxPerS: t.Shaped.SpeedPxPerS,
		InMotion:    t.InMotion,
	}
}

func strokeResetData(t strokeTelemetry) wsStrokeResetData {
	d := wsStrokeResetData{
		Reason:   string(t.Shaped.Reset),
		Cause:    string(t.Cause),
		InMotion: t.InMotion,
	}
	if t.Cause != causeRequest {
		d.Axis = t.Shaped.Axis.String()
	}
	return d
}
