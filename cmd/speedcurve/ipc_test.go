package main

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedcurve"
)

// startIPC runs the IPC server with a goroutine answering requests the way the
// daemon loop does.
func startIPC(t *testing.T) string {
	t.Helper()

	proc, err := speedcurve.NewProcessor(speedcurve.Config{
		Type:            speedcurve.EV_REL,
		Codes:           []uint16{speedcurve.REL_X, speedcurve.REL_Y},
		Curve:           speedcurve.MustCurve(speedcurve.ControlPoint{ElapsedMS: 0, Speed: 0}, speedcurve.ControlPoint{ElapsedMS: 100, Speed: 1000}),
		TriggerPeriodMS: 10,
	}, nil)
	require.NoError(t, err)

	// Unix socket paths are limited to ~108 bytes; t.TempDir() can be long.
	dir, err := os.MkdirTemp("", "sc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "ipc.sock")

	ctx, cancel := context.WithCancel(context.Background())
	requests := make(chan controlRequest, 4)
	serverDone := make(chan error, 1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-requests:
				req.Reply <- handleControl(proc, req.Request, daemonStats{forwarded: 3})
			}
		}
	}()
	go func() {
		serverDone <- runIPCServer(ctx, socketPath, requests, slog.New(slog.DiscardHandler))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-serverDone:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("IPC server did not stop")
		}
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	return socketPath
}

func TestIPC_RoundTrip(t *testing.T) {
	socketPath := startIPC(t)

	resp, err := SendIPCRequest(socketPath, StatusRequest{})
	require.NoError(t, err)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, uint64(3), resp.Snapshot.EventsForwarded)
	assert.Len(t, resp.Snapshot.Axes, 2)
	assert.Equal(t, int32(10), resp.Snapshot.TriggerPeriodMS)

	resp, err = SendIPCRequest(socketPath, SpeedAtRequest{ElapsedMS: 50})
	require.NoError(t, err)
	require.NotNil(t, resp.Speed)
	assert.Equal(t, int32(500), resp.Speed.SpeedPxPerS)
	assert.Equal(t, int32(5), resp.Speed.Movement)

	_, err = SendIPCRequest(socketPath, ResetRequest{})
	require.NoError(t, err)

	_, err = SendIPCRequest(socketPath, SpeedAtRequest{ElapsedMS: -5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")
}

func TestIPC_MultipleRequestsPerConnection(t *testing.T) {
	socketPath := startIPC(t)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	dec := json.NewDecoder(bufio.NewReader(conn))

	for _, line := range []string{
		`{"type":"status"}`,
		`garbage`,
		`{"type":"speed_at","data":{"elapsed_ms":100}}`,
	} {
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}

	var resp IPCResponse
	require.NoError(t, dec.Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Snapshot)

	require.NoError(t, dec.Decode(&resp))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "parse request")

	resp = IPCResponse{}
	require.NoError(t, dec.Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Speed)
	assert.Equal(t, int32(1000), resp.Speed.SpeedPxPerS)
}

func TestIPC_SocketPermissions(t *testing.T) {
	socketPath := startIPC(t)

	// The server chmods right after listening.
	assert.Eventually(t, func() bool {
		info, err := os.Stat(socketPath)
		return err == nil && info.Mode().Perm() == 0o660
	}, time.Second, 10*time.Millisecond)
}

func TestSendIPCRequest_NoDaemon(t *testing.T) {
	_, err := SendIPCRequest(filepath.Join(t.TempDir(), "none.sock"), StatusRequest{})
	assert.Error(t, err)
}
