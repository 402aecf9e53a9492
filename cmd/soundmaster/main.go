package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/i2c"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("soundmaster v%s\n", version)
	fmt.Println("PT2258 volume and input controller with rotary encoder, MQTT and display")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  soundmaster [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with built-in defaults")
	fmt.Println("  soundmaster")
	fmt.Println()
	fmt.Println("  # Use a config file and a different broker")
	fmt.Println("  soundmaster -c /etc/soundmaster.yaml --mqtt-server broker.home.arpa")
	fmt.Println()
	fmt.Println("  # Try the control flow without touching the I2C bus or GPIO")
	fmt.Println("  soundmaster --dry-run --log-level debug")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires access to /dev/i2c-* and the GPIO character devices")
	fmt.Println("  - State is saved to state.path and restored on the next start")
	fmt.Println()
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.StringP("config", "c", "", "Path to YAML config file")
		dryRun      = flag.Bool("dry-run", false, "Log chip writes instead of using I2C and GPIO")
		showVersion = flag.BoolP("version", "v", false, "Print version and exit")
		showHelp    = flag.BoolP("help", "h", false, "Print help message")

		i2cBus         = flag.String("i2c-bus", "", "I2C bus name (overrides i2c.bus)")
		encoderBackend = flag.String("encoder", "", "Encoder backend: gpio|evdev (overrides encoder.backend)")
		statePath      = flag.String("state", "", "State file path (overrides state.path)")
		mqttEnabled    = flag.Bool("mqtt", true, "Enable the MQTT remote (overrides mqtt.enabled)")
		mqttServer     = flag.String("mqtt-server", "", "MQTT broker host (overrides mqtt.server)")
		mqttPort       = flag.Int("mqtt-port", defaultMQTTPort, "MQTT broker port (overrides mqtt.port)")
		httpAddr       = flag.String("http-addr", "", "HTTP listen address (overrides http.addr)")
		ipcSocket      = flag.String("ipc-socket", "", "Unix socket path for IPC (overrides ipc.socket_path)")
		displayEnabled = flag.Bool("display", false, "Enable the SSD1306 display (overrides display.enabled)")
		logLevel       = flag.String("log-level", "", "Log level: error, warn, info, debug (overrides logging.level)")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return 0
	}
	if *showVersion {
		printVersion()
		return 0
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		cfg = loaded
	}

	// Only explicitly set flags override the file.
	var ov FlagOverrides
	changed := flag.CommandLine.Changed
	if changed("i2c-bus") {
		ov.I2CBus = i2cBus
	}
	if changed("encoder") {
		ov.EncoderBackend = encoderBackend
	}
	if changed("state") {
		ov.StatePath = statePath
	}
	if changed("mqtt") {
		ov.MQTTEnabled = mqttEnabled
	}
	if changed("mqtt-server") {
		ov.MQTTServer = mqttServer
	}
	if changed("mqtt-port") {
		ov.MQTTPort = mqttPort
	}
	if changed("http-addr") {
		ov.HTTPAddr = httpAddr
	}
	if changed("ipc-socket") {
		ov.IPCSocketPath = ipcSocket
	}
	if changed("display") {
		ov.DisplayEnabled = displayEnabled
	}
	if changed("log-level") {
		ov.LogLevel = logLevel
	}
	ov.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	level, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(os.Stdout, level)

	if err := validateAttenuationTable(attenuationTable); err != nil {
		logger.Error("attenuation table invalid", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, &cfg, *dryRun, logger); err != nil {
		logger.Error("soundmaster stopped with error", "error", err)
		return 1
	}
	logger.Info("soundmaster stopped")
	return 0
}

// halter is implemented by every GPIO line we open.
type halter interface {
	Halt() error
}

func runDaemon(ctx context.Context, cfg *Config, dryRun bool, logger *slog.Logger) error {
	inputs := cfg.InputIDs()

	var lines []halter
	defer func() {
		for _, l := range lines {
			_ = l.Halt()
		}
	}()

	// ------------------------------------------------------------------------
	// I2C bus and chip
	// ------------------------------------------------------------------------
	var bus Bus
	var rawI2C i2c.Bus
	if dryRun {
		logger.Warn("dry run: chip writes are logged, GPIO is not used")
		bus = newLoggingBus(componentLogger(logger, "i2c"))
	} else {
		if err := initHost(); err != nil {
			return err
		}
		pb, err := openI2CBus(cfg.I2C.Bus)
		if err != nil {
			return err
		}
		rawI2C = pb.I2C()
		bus = newTimedBus(pb, ms(cfg.I2C.TimeoutMS))
	}
	defer bus.Close()

	chip := NewPT2258(bus, cfg.Chip.Address, ms(cfg.Chip.SettleMS))

	// ------------------------------------------------------------------------
	// Input selector
	// ------------------------------------------------------------------------
	selector, selLines, err := buildSelector(cfg, dryRun, componentLogger(logger, "inputs"))
	lines = append(lines, selLines...)
	if err != nil {
		return err
	}

	// ------------------------------------------------------------------------
	// Persistence
	// ------------------------------------------------------------------------
	store := NewFileStore(ExpandPath(cfg.State.Path), inputs)
	initial, err := loadOrDefault(store, inputs)
	switch {
	case err == nil:
		logger.Info("state restored", "path", store.Path(), "revision", initial.Revision)
	case isNotExist(err):
		logger.Info("no saved state, starting muted", "path", store.Path())
	default:
		logger.Warn("saved state unusable, starting muted", "path", store.Path(), "error", err)
	}
	persister := NewPersister(store, ms(cfg.State.SaveDelayMS), componentLogger(logger, "state"))

	// Every line is opened before the first goroutine starts, so a failure
	// here returns before anything touches the bus.
	var encLines GPIOEncoderLines
	if cfg.Encoder.Enabled && cfg.Encoder.Backend != "evdev" && !dryRun {
		var opened []halter
		encLines, opened, err = openEncoderLines(cfg)
		lines = append(lines, opened...)
		if err != nil {
			return err
		}
	}

	queue := NewIntentQueue(cfg.Control.QueueSize, componentLogger(logger, "queue"))
	events := make(chan Event, 16)
	enqueueTimeout := ms(cfg.Control.RemoteEnqueueMS)

	g, gctx := errgroup.WithContext(ctx)

	// ------------------------------------------------------------------------
	// Observers
	// ------------------------------------------------------------------------
	var sinks []SnapshotSink

	var mqttRemote *MQTTRemote
	if cfg.MQTT.Enabled {
		mqttRemote = NewMQTTRemote(cfg.MQTT, inputs, queue, events, enqueueTimeout, componentLogger(logger, "mqtt"))
		sinks = append(sinks, mqttRemote)
	}

	var ws *wsSink
	if cfg.HTTP.Enabled {
		ws = newWSSink(componentLogger(logger, "ws"))
		sinks = append(sinks, ws)
	}

	if cfg.Display.Enabled {
		if rawI2C == nil {
			logger.Warn("display disabled in dry run")
		} else if scr, err := newOLEDScreen(rawI2C, cfg.Display); err != nil {
			logger.Warn("display unavailable", "error", err)
		} else {
			disp := NewStatusDisplay(scr, cfg.InputNames(), ms(cfg.Display.ClearAfterMS), componentLogger(logger, "display"))
			sinks = append(sinks, disp)
			g.Go(func() error { return disp.Run(gctx) })
		}
	}

	// ------------------------------------------------------------------------
	// Control loop
	// ------------------------------------------------------------------------
	daemon := &Daemon{
		Intents:       queue.C(),
		Events:        events,
		Hardware:      Hardware{Chip: chip, Selector: selector},
		Persister:     persister,
		Sinks:         sinks,
		Reduce:        ReduceConfig{Inputs: inputs},
		RetryInterval: ms(cfg.Control.RetryIntervalMS),
		Logger:        componentLogger(logger, "control"),
	}
	g.Go(func() error {
		daemon.Run(gctx, &DaemonState{System: initial})
		return nil
	})

	// ------------------------------------------------------------------------
	// Producers
	// ------------------------------------------------------------------------
	if cfg.Encoder.Enabled {
		enc := NewEncoder(queue, cfg.EncoderOptions(), componentLogger(logger, "encoder"))
		switch {
		case cfg.Encoder.Backend == "evdev":
			g.Go(func() error { return enc.RunEvdev(gctx, cfg.Encoder.Devices, uint16(cfg.Encoder.KeyCode)) })
		case dryRun:
			logger.Warn("gpio encoder disabled in dry run")
		default:
			g.Go(func() error { return enc.RunGPIO(gctx, encLines) })
		}
	}

	g.Go(func() error {
		return selector.Watch(gctx, func(id string) {
			select {
			case events <- InputObserved{ID: id, At: time.Now()}:
			case <-gctx.Done():
			}
		})
	})

	if cfg.AudioStatus.Path != "" {
		g.Go(func() error {
			return runAudioStatusMonitor(gctx, cfg.AudioStatus.Path, ms(cfg.AudioStatus.IntervalMS), events, componentLogger(logger, "audio"))
		})
	}

	if mqttRemote != nil {
		g.Go(func() error { return mqttRemote.Run(gctx) })
	}

	if cfg.IPC.SocketPath != "" {
		g.Go(func() error {
			return runIPCServer(gctx, cfg.IPC.SocketPath, queue, events, enqueueTimeout, componentLogger(logger, "ipc"))
		})
	}

	if cfg.HTTP.Enabled {
		httpLogger := componentLogger(logger, "http")
		mux := http.NewServeMux()
		api := &apiHandler{queue: queue, events: events, enqueueTimeout: enqueueTimeout, logger: httpLogger}
		api.Register(mux)
		stateServer := NewStateServer(componentLogger(logger, "ws"), events, HubConfig{})
		stateServer.Register(mux, "/ws/state")

		g.Go(func() error {
			stateServer.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, stateServer.Hub(), ws.ch, componentLogger(logger, "ws"))
			return nil
		})
		g.Go(func() error { return runHTTPServer(gctx, cfg.HTTP.Addr, mux, httpLogger) })
	}

	logger.Info("soundmaster running",
		"version", version,
		"chip_address", fmt.Sprintf("0x%02x", cfg.Chip.Address),
		"inputs", inputs,
		"selector", cfg.InputSelector.Mode,
		"encoder", cfg.Encoder.Enabled,
		"mqtt", cfg.MQTT.Enabled,
		"http", cfg.HTTP.Enabled,
		"display", cfg.Display.Enabled)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildSelector opens the selector lines for the configured mode. Lines opened
// before a failure are still returned so the caller can release them.
func buildSelector(cfg *Config, dryRun bool, logger *slog.Logger) (*GPIOInputSelector, []halter, error) {
	mode := cfg.InputSelector.Mode
	if dryRun {
		mode = SelectorVirtual
	}

	var opened []halter
	defs := make([]InputDef, 0, len(cfg.Inputs))

	pull, err := parsePull(cfg.InputSelector.StatusPull)
	if err != nil {
		return nil, opened, err
	}

	for _, in := range cfg.Inputs {
		def := InputDef{ID: in.ID, Name: in.Name}
		if mode == SelectorLines {
			l, err := openOutputLine(in.SelectPin)
			if err != nil {
				return nil, opened, err
			}
			opened = append(opened, l)
			def.Select = l
		}
		if mode != SelectorVirtual && in.StatusPin != "" {
			l, err := openInputLine(in.StatusPin, pull)
			if err != nil {
				return nil, opened, err
			}
			opened = append(opened, l)
			def.Status = l
		}
		defs = append(defs, def)
	}

	opts := SelectorOptions{
		Mode:        mode,
		Pulse:       ms(cfg.InputSelector.PulseMS),
		Settle:      ms(cfg.InputSelector.SettleMS),
		MaxAttempts: cfg.InputSelector.MaxAttempts,
	}
	if mode == SelectorPulse {
		l, err := openOutputLine(cfg.InputSelector.SwitchPin)
		if err != nil {
			return nil, opened, err
		}
		opened = append(opened, l)
		opts.Switch = l
	}

	return NewGPIOInputSelector(defs, opts, logger), opened, nil
}

func openEncoderLines(cfg *Config) (GPIOEncoderLines, []halter, error) {
	var opened []halter
	pull, err := parsePull(cfg.Encoder.Pull)
	if err != nil {
		return GPIOEncoderLines{}, opened, err
	}

	open := func(name string) (Line, error) {
		l, err := openInputLine(name, pull)
		if err != nil {
			return nil, err
		}
		opened = append(opened, l)
		return l, nil
	}

	out := GPIOEncoderLines{ButtonActiveLow: cfg.Encoder.ButtonActiveLow}
	if out.A, err = open(cfg.Encoder.PinA); err != nil {
		return out, opened, err
	}
	if out.B, err = open(cfg.Encoder.PinB); err != nil {
		return out, opened, err
	}
	if cfg.Encoder.PinButton != "" {
		if out.Button, err = open(cfg.Encoder.PinButton); err != nil {
			return out, opened, err
		}
	}
	return out, opened, nil
}
