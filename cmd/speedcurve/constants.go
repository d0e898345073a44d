package main

import (
	"time"

	"speedcurve"
)

// Event type and code names accepted in the config file.
var eventTypeNames = map[string]uint16{
	"EV_SYN": speedcurve.EV_SYN,
	"EV_KEY": speedcurve.EV_KEY,
	"EV_REL": speedcurve.EV_REL,
	"EV_ABS": speedcurve.EV_ABS,
	"EV_MSC": speedcurve.EV_MSC,
}

var relCodeNames = map[string]uint16{
	"REL_X":      speedcurve.REL_X,
	"REL_Y":      speedcurve.REL_Y,
	"REL_Z":      speedcurve.REL_Z,
	"REL_HWHEEL": speedcurve.REL_HWHEEL,
	"REL_DIAL":   speedcurve.REL_DIAL,
	"REL_WHEEL":  speedcurve.REL_WHEEL,
	"REL_MISC":   speedcurve.REL_MISC,
}

// Speed curve defaults
const (
	defaultTriggerPeriodMS = 8 // ~125Hz, typical for trackball sensors
	defaultIdleTimeoutMS   = 50
	defaultInputDevice     = "/dev/input/event0"
	defaultUinputPath      = "/dev/uinput"
	defaultOutputName      = "speedcurve virtual pointer"
	defaultIPCSocket       = "/tmp/speedcurve.sock"
	defaultMonitorListen   = "127.0.0.1:3002"
	defaultMonitorPath     = "/ws"

	inputEventQueueSize = 256
	controlQueueSize    = 16
	telemetryQueueSize  = 128

	// epollWaitMS bounds how long the epoll reader waits before rechecking for shutdown.
	epollWaitMS = 200

	controlReplyTimeout = 1 * time.Second

	uinputMaxNameSize = 80
)

// defaultCurvePoints ramps from a precise 200 px/s to 1500 px/s over 800ms.
var defaultCurvePoints = []speedcurve.ControlPoint{
	{ElapsedMS: 0, Speed: 200},
	{ElapsedMS: 300, Speed: 600},
	{ElapsedMS: 800, Speed: 1500},
}
