package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// frame is the daemon's monitor envelope.
type frame struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

type strokeData struct {
	Axis        string `json:"axis"`
	Code        uint16 `json:"code"`
	Original    int32  `json:"original"`
	Value       int32  `json:"value"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	SpeedPxPerS int32  `json:"speed_px_s"`
	InMotion    bool   `json:"in_motion"`
}

type strokeResetData struct {
	Axis     string `json:"axis"`
	Reason   string `json:"reason"`
	Cause    string `json:"cause"`
	InMotion bool   `json:"in_motion"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:3002/ws", "speedcurve monitor websocket URL")
		raw   = flag.Bool("raw", false, "Print frames as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// The read loop answers pings itself; writes from here need the lock.
	var writeMu sync.Mutex
	conn.SetPingHandler(func(data string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			printFrame(message)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-done:
		log.Printf("connection closed")
	}
}

func printFrame(message []byte) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}
	ts := f.Ts.Local().Format("15:04:05.000")

	switch f.Type {
	case "state_init":
		var pretty map[string]any
		if err := json.Unmarshal(f.Data, &pretty); err != nil {
			fmt.Printf("%s [STATE] %s\n", ts, string(f.Data))
			return
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("%s [STATE]\n%s\n", ts, string(out))

	case "stroke":
		var s strokeData
		if err := json.Unmarshal(f.Data, &s); err != nil {
			fmt.Printf("%s [STROKE] %s\n", ts, string(f.Data))
			return
		}
		fmt.Printf("%s [STROKE] %s t=%4dms speed=%5dpx/s %+d -> %+d\n",
			ts, s.Axis, s.ElapsedMS, s.SpeedPxPerS, s.Original, s.Value)

	case "stroke_reset":
		var r strokeResetData
		if err := json.Unmarshal(f.Data, &r); err != nil {
			fmt.Printf("%s [RESET] %s\n", ts, string(f.Data))
			return
		}
		axis := r.Axis
		if axis == "" {
			axis = "all"
		}
		fmt.Printf("%s [RESET] %s %s (%s) in_motion=%t\n", ts, axis, r.Reason, r.Cause, r.InMotion)

	default:
		fmt.Printf("%s [%s] %s\n", ts, f.Type, string(f.Data))
	}
}
