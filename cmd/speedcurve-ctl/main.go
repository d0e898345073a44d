package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

// ============================================================================
// speedcurve-ctl - Command-line IPC Client
// ============================================================================
// Usage:
//   speedcurve-ctl status
//   speedcurve-ctl reset
//   speedcurve-ctl speed-at 250
//   speedcurve-ctl shell
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/speedcurve.sock)
// ============================================================================

const defaultSocketPath = "/tmp/speedcurve.sock"

// Request types (duplicated from the daemon for a standalone binary)
type Request interface{}

type StatusRequest struct{}

type ResetRequest struct{}

type SpeedAtRequest struct {
	ElapsedMS int64 `json:"elapsed_ms"`
}

// RequestEnvelope wraps requests for JSON
type RequestEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response. Payloads are kept raw and
// printed as they come.
type IPCResponse struct {
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Speed    *SpeedAtResult  `json:"speed,omitempty"`
}

type SpeedAtResult struct {
	ElapsedMS   int64 `json:"elapsed_ms"`
	SpeedPxPerS int32 `json:"speed_px_s"`
	Movement    int32 `json:"movement"`
}

func main() {
	socketPath := defaultSocketPath
	if env := os.Getenv("SPEEDCURVE_SOCKET"); env != "" {
		socketPath = env
	}

	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "-socket" || args[0] == "--socket") {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "shell" {
		if err := runShell(socketPath); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	req, err := parseCommand(args)
	if errors.Is(err, errHelp) {
		printUsage()
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUnknownCommand) {
			printUsage()
		}
		os.Exit(1)
	}

	resp, err := send(socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printResponse(os.Stdout, resp)
}

var (
	errHelp           = errors.New("help requested")
	errUnknownCommand = errors.New("unknown command")
)

// parseCommand turns command-line words into a request.
func parseCommand(args []string) (Request, error) {
	if len(args) == 0 {
		return nil, errUnknownCommand
	}
	switch args[0] {
	case "status":
		return StatusRequest{}, nil

	case "reset":
		return ResetRequest{}, nil

	case "speed-at", "at":
		if len(args) < 2 {
			return nil, errors.New("speed-at requires a time in milliseconds")
		}
		ms, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid time %q: must be a non-negative integer", args[1])
		}
		return SpeedAtRequest{ElapsedMS: ms}, nil

	case "help", "-h", "--help":
		return nil, errHelp

	default:
		return nil, fmt.Errorf("%w: %s", errUnknownCommand, args[0])
	}
}

func printResponse(w io.Writer, resp IPCResponse) {
	switch {
	case resp.Speed != nil:
		fmt.Fprintf(w, "elapsed_ms=%d speed_px_s=%d movement=%d\n",
			resp.Speed.ElapsedMS, resp.Speed.SpeedPxPerS, resp.Speed.Movement)
	case len(resp.Snapshot) > 0:
		var out bytes.Buffer
		if err := json.Indent(&out, resp.Snapshot, "", "  "); err != nil {
			fmt.Fprintln(w, string(resp.Snapshot))
			return
		}
		fmt.Fprintln(w, out.String())
	default:
		fmt.Fprintln(w, "ok")
	}
}

func send(socketPath string, req Request) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	data, err := marshalRequest(req)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func marshalRequest(req Request) ([]byte, error) {
	var env RequestEnvelope

	switch r := req.(type) {
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
		return nil, fmt.Errorf("unknown request type: %T", req)
	}

	return json.Marshal(env)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `speedcurve-ctl - Query and control the speedcurve daemon via IPC

Usage:
  speedcurve-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: %s, or $SPEEDCURVE_SOCKET)

Commands:
  status          Print stroke state, counters and the active curve
  reset           Put both axes back to idle
  speed-at MS     Evaluate the curve MS milliseconds into a stroke
  shell           Interactive prompt (reads commands from stdin when not a terminal)

Examples:
  speedcurve-ctl status
  speedcurve-ctl -socket /run/speedcurve.sock speed-at 300
`, defaultSocketPath)
}
