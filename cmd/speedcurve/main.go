package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"golang.org/x/sync/errgroup"

	"speedcurve"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("speedcurve v%s\n", version)
	fmt.Println("Time-based pointer acceleration for evdev relative devices")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  speedcurve [OPTIONS]")
	fmt.Println("  speedcurve print-curve [-config FILE] [-trigger-period-ms N]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Grabs a relative pointing device, replaces the magnitude of every")
	fmt.Println("  REL_X/REL_Y event with a speed taken from a piecewise-linear curve of")
	fmt.Println("  the time since the current stroke began, and re-emits the stream on a")
	fmt.Println("  uinput virtual device. The sign of each event is kept.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (defaults are used when empty)")
	fmt.Println()
	fmt.Println("  -input string")
	fmt.Printf("        Input event device, replaces input.devices (default %q)\n", defaultInputDevice)
	fmt.Println()
	fmt.Println("  -grab")
	fmt.Println("        Take exclusive access to the input device (default true)")
	fmt.Println()
	fmt.Println("  -epoll")
	fmt.Println("        Read all input devices from one epoll loop")
	fmt.Println()
	fmt.Println("  -uinput")
	fmt.Println("        Emit on a uinput device; false logs events instead (default true)")
	fmt.Println()
	fmt.Println("  -output-name string")
	fmt.Printf("        Name of the virtual device (default %q)\n", defaultOutputName)
	fmt.Println()
	fmt.Println("  -trigger-period-ms int")
	fmt.Printf("        Assumed interval between device reports in ms (default %d)\n", defaultTriggerPeriodMS)
	fmt.Println()
	fmt.Println("  -track-remainders")
	fmt.Println("        Carry sub-pixel remainders between events of a stroke")
	fmt.Println()
	fmt.Println("  -idle-timeout-ms int")
	fmt.Printf("        End a stroke after this long without motion, 0 disables (default %d)\n", defaultIdleTimeoutMS)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC, empty disables (default %q)\n", defaultIPCSocket)
	fmt.Println()
	fmt.Println("  -monitor-listen string")
	fmt.Printf("        WebSocket monitor listen address, empty disables (default %q)\n", defaultMonitorListen)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Trackball on event5 with a config file")
	fmt.Println("  speedcurve -config /etc/speedcurve.yaml -input /dev/input/event5")
	fmt.Println()
	fmt.Println("  # Dry run: do not grab, log reshaped events")
	fmt.Println("  speedcurve -grab=false -uinput=false -log-level debug")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read access to the input device and write access to /dev/uinput")
	fmt.Println("  - Flags override values from the config file")
	fmt.Println()
}

// cliFlags holds every flag the daemon accepts.
type cliFlags struct {
	configPath string

	inputDevice     string
	grab            bool
	epoll           bool
	uinput          bool
	outputName      string
	triggerPeriodMS int
	trackRemainders bool
	idleTimeoutMS   int
	ipcSocket       string
	monitorListen   string
	logLevel        string

	showVersion bool
	showHelp    bool
}

func newFlagSet(name string, f *cliFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "YAML config file")
	fs.StringVar(&f.inputDevice, "input", defaultInputDevice, "Input event device")
	fs.BoolVar(&f.grab, "grab", true, "Take exclusive access to the input device")
	fs.BoolVar(&f.epoll, "epoll", false, "Read all input devices from one epoll loop")
	fs.BoolVar(&f.uinput, "uinput", true, "Emit on a uinput device")
	fs.StringVar(&f.outputName, "output-name", defaultOutputName, "Name of the virtual device")
	fs.IntVar(&f.triggerPeriodMS, "trigger-period-ms", defaultTriggerPeriodMS, "Assumed interval between device reports in ms")
	fs.BoolVar(&f.trackRemainders, "track-remainders", false, "Carry sub-pixel remainders between events")
	fs.IntVar(&f.idleTimeoutMS, "idle-timeout-ms", defaultIdleTimeoutMS, "End a stroke after this long without motion")
	fs.StringVar(&f.ipcSocket, "ipc-socket", defaultIPCSocket, "Unix domain socket path for IPC")
	fs.StringVar(&f.monitorListen, "monitor-listen", defaultMonitorListen, "WebSocket monitor listen address")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: error, warn, info, debug")
	fs.BoolVar(&f.showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&f.showHelp, "help", false, "Print help message")
	fs.Usage = printUsage
	return fs
}

// overrides turns the flags that were set explicitly into FlagOverrides.
func (f *cliFlags) overrides(fs *flag.FlagSet) FlagOverrides {
	var o FlagOverrides
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "input":
			o.InputDevice = &f.inputDevice
		case "grab":
			o.Grab = &f.grab
		case "epoll":
			o.Epoll = &f.epoll
		case "uinput":
			o.Uinput = &f.uinput
		case "output-name":
			o.OutputName = &f.outputName
		case "trigger-period-ms":
			o.TriggerPeriodMS = &f.triggerPeriodMS
		case "track-remainders":
			o.TrackRemainders = &f.trackRemainders
		case "idle-timeout-ms":
			o.IdleTimeoutMS = &f.idleTimeoutMS
		case "ipc-socket":
			o.IPCSocketPath = &f.ipcSocket
		case "monitor-listen":
			o.MonitorListen = &f.monitorListen
		case "log-level":
			o.LogLevel = &f.logLevel
		}
	})
	return o
}

// loadConfig builds the effective config: defaults, then file, then flags.
func loadConfig(f *cliFlags, fs *flag.FlagSet) (Config, error) {
	cfg := DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = LoadConfigFile(f.configPath); err != nil {
			return Config{}, err
		}
	}
	f.overrides(fs).Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func main() {
	args := os.Args[1:]
	name := "speedcurve"
	printCurve := len(args) > 0 && args[0] == "print-curve"
	if printCurve {
		name, args = "print-curve", args[1:]
	}

	var f cliFlags
	fs := newFlagSet(name, &f)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if f.showHelp {
		printUsage()
		return
	}
	if f.showVersion {
		printVersion()
		return
	}

	cfg, err := loadConfig(&f, fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	if printCurve {
		if err := writeCurveTable(os.Stdout, cfg); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	level, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(level, os.Stdout, underSystemd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("speedcurve stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// run opens the devices and runs every component until ctx is canceled or one fails.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	pcfg, err := cfg.ToProcessorConfig()
	if err != nil {
		return err
	}
	proc, err := speedcurve.NewProcessor(pcfg, logger.With("component", "processor"))
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}

	files, err := openInputDevices(cfg.Input, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	var sink eventSink = logSink{logger: logger}
	if cfg.Output.Uinput {
		caps := outputCaps(files, pcfg, logger)
		logger.Debug("virtual device capabilities", "rel", caps.Rel, "key", caps.Key, "msc", caps.Msc)
		dev, err := openUinput(cfg.Output.UinputPath, cfg.Output.Name, caps)
		if err != nil {
			return fmt.Errorf("create virtual device: %w", err)
		}
		defer dev.Close()
		sink = dev
	}

	input := make(chan inputEvent, inputEventQueueSize)
	requests := make(chan controlRequest, controlQueueSize)

	var telemetry chan strokeTelemetry
	if cfg.Monitor.Listen != "" {
		telemetry = make(chan strokeTelemetry, telemetryQueueSize)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Blocking reads only return once the files are closed.
	g.Go(func() error {
		<-gctx.Done()
		for _, f := range files {
			_ = f.Close()
		}
		return nil
	})

	if cfg.Input.Epoll {
		g.Go(func() error {
			return readInputEventsEpoll(gctx, files, input)
		})
	} else {
		for _, f := range files {
			g.Go(func() error {
				return readInputEvents(gctx, f, f.Name(), input)
			})
		}
	}

	g.Go(func() error {
		return runDaemon(gctx, input, requests, proc, sink, telemetry,
			daemonOptions{IdleTimeout: cfg.SpeedCurve.IdleTimeout()},
			logger.With("component", "daemon"))
	})

	if cfg.IPC.SocketPath != "" {
		g.Go(func() error {
			return runIPCServer(gctx, ExpandPath(cfg.IPC.SocketPath), requests, logger.With("component", "ipc"))
		})
	}

	if cfg.Monitor.Listen != "" {
		mlog := logger.With("component", "monitor")
		ms := NewMonitorServer(mlog, requests, HubConfig{})
		mux := http.NewServeMux()
		ms.Register(mux, cfg.Monitor.Path)
		srv := &http.Server{
			Addr:              cfg.Monitor.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			ms.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, ms.Hub(), telemetry, mlog)
			return nil
		})
		g.Go(func() error {
			mlog.Info("monitor listening", "addr", srv.Addr, "path", cfg.Monitor.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("monitor server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return runWatchdog(gctx, requests, logger.With("component", "watchdog"))
	})

	sdNotify(daemon.SdNotifyReady, logger)
	go func() {
		<-gctx.Done()
		sdNotify(daemon.SdNotifyStopping, logger)
	}()

	logger.Info("speedcurve running",
		"version", version,
		"devices", cfg.Input.Devices,
		"grab", cfg.Input.Grab,
		"uinput", cfg.Output.Uinput,
		"curve_points", len(cfg.SpeedCurve.CurvePoints),
		"trigger_period_ms", cfg.SpeedCurve.TriggerPeriodMS,
		"ipc", cfg.IPC.SocketPath,
		"monitor", cfg.Monitor.Listen)

	return g.Wait()
}

// openInputDevices opens (and optionally grabs) every configured device.
func openInputDevices(in InputConfig, logger *slog.Logger) ([]*os.File, error) {
	files := make([]*os.File, 0, len(in.Devices))
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	for _, path := range in.Devices {
		f, err := os.Open(ExpandPath(path))
		if err != nil {
			closeAll()
			logger.Error("failed to open input device", "device", path, "error", err, "tip", "run as root or add user to 'input' group")
			return nil, fmt.Errorf("open input device: %w", err)
		}
		files = append(files, f)

		if in.Grab {
			if err := grabDevice(f); err != nil {
				closeAll()
				return nil, err
			}
			logger.Debug("input device grabbed", "device", path)
		}
	}
	return files, nil
}

// outputCaps mirrors what the input devices report, plus the reshaped codes.
func outputCaps(files []*os.File, pcfg speedcurve.Config, logger *slog.Logger) deviceCaps {
	sources := make([]deviceCaps, 0, len(files))
	for _, f := range files {
		caps, err := queryCaps(f)
		if err != nil {
			logger.Warn("cannot read device capabilities, advertising defaults", "device", f.Name(), "error", err)
			caps = fallbackCaps()
		}
		sources = append(sources, caps)
	}
	return mergeCaps(sources, pcfg.Type, pcfg.Codes)
}

// writeCurveTable prints the curve sampled once per trigger period, from the start
// of a stroke until one period past the last control point.
func writeCurveTable(w io.Writer, cfg Config) error {
	pcfg, err := cfg.ToProcessorConfig()
	if err != nil {
		return err
	}
	points := pcfg.Curve.Points()
	last := int64(points[len(points)-1].ElapsedMS)
	step := int64(pcfg.TriggerPeriodMS)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "elapsed_ms\tspeed_px_s\tmovement\t")
	for ms := int64(0); ms <= last+step; ms += step {
		speed := pcfg.Curve.SpeedAt(ms)
		fmt.Fprintf(tw, "%d\t%d\t%d\t\n", ms, speed, speedcurve.Movement(speed, pcfg.TriggerPeriodMS))
	}
	return tw.Flush()
}
