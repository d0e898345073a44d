package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/daemon"
)

// sdNotify sends a state line to systemd. It reports false when not running
// under a Type=notify unit.
func sdNotify(state string, logger *slog.Logger) bool {
	ok, err := daemon.SdNotify(false, state)
	if err != nil && logger != nil {
		logger.Warn("sd_notify failed", "state", state, "error", err)
	}
	return ok
}

// underSystemd reports whether systemd is listening for notifications.
// The journal timestamps records itself, so the logger drops its own time then.
func underSystemd() bool {
	return sdNotify("STATUS=starting", nil)
}

// runWatchdog pings the systemd watchdog while the daemon loop keeps answering
// status requests. A wedged daemon loop stops the pings and systemd restarts us.
func runWatchdog(ctx context.Context, requests chan<- controlRequest, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("watchdog config invalid", "error", err)
		return nil
	}
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	logger.Debug("systemd watchdog enabled", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := submitRequest(ctx, requests, StatusRequest{}, interval/4); err != nil {
				logger.Warn("daemon loop not answering, skipping watchdog ping", "error", err)
				continue
			}
			sdNotify(daemon.SdNotifyWatchdog, logger)
		}
	}
}
