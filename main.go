package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/r0bb10/dualnet-controller/internal/clock"
	"github.com/r0bb10/dualnet-controller/internal/config"
	"github.com/r0bb10/dualnet-controller/internal/controller"
	"github.com/r0bb10/dualnet-controller/internal/guard"
	"github.com/r0bb10/dualnet-controller/internal/link"
	"github.com/r0bb10/dualnet-controller/internal/mdns"
	"github.com/r0bb10/dualnet-controller/internal/mqttbridge"
	"github.com/r0bb10/dualnet-controller/internal/ota"
	"github.com/r0bb10/dualnet-controller/internal/roaming"
	"github.com/r0bb10/dualnet-controller/internal/sensors"
	"github.com/r0bb10/dualnet-controller/internal/status"
	"github.com/r0bb10/dualnet-controller/internal/store"
	"github.com/r0bb10/dualnet-controller/internal/web"
)

// FirmwareVersion is injected at build time via -ldflags
var FirmwareVersion = "dev"

const shutdownTimeout = 5 * time.Second

// Application holds every long-lived component and their wiring.
type Application struct {
	config config.Config
	board  config.Board

	logFile io.Closer
	store   *store.Store
	led     status.Output
	bus     *sensors.Bus

	controller *controller.Controller
	web        *web.Server
	receiver   *ota.Receiver
	mdns       *mdns.Advertiser

	mqttClient mqtt.Client
	bridge     *mqttbridge.Bridge
	mu         sync.Mutex
}

// NewApplication loads configuration and builds the component graph. The
// radio is not touched until Run.
func NewApplication(configFile string) (*Application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	board, err := config.LookupBoard(cfg.Board)
	if err != nil {
		return nil, err
	}

	app := &Application{config: cfg, board: board}
	app.logFile = setupLogging(cfg.Log)
	log.Printf("Board: %s (tx power %.1f dBm)", board.FullName, board.TxPowerDBm)

	app.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	app.led = openStatusLight(cfg, board)
	clk := clock.Real{}
	resetter := ota.CommandResetter{Command: cfg.Update.ResetCommand}

	radio := link.NewNMCLI(cfg.Station.Interface, cfg.AccessPoint.Interface)
	links := link.NewManager(radio, link.Config{
		TxPowerDBm:   board.TxPowerDBm,
		PollInterval: cfg.Station.PollInterval(),
	}, clk)

	var bus controller.Sensors
	if cfg.Sensors.Enabled {
		app.bus = sensors.NewBus(sensors.Config{
			Device:   cfg.Sensors.Device,
			BaudRate: cfg.Sensors.BaudRate,
			SlaveID:  cfg.Sensors.SlaveID,
			Register: cfg.Sensors.Register,
		}, sensors.DialRTU)
		bus = app.bus
	}

	httpPort := listenPort(cfg.HTTP.Listen, 80)
	app.mdns = mdns.New(httpPort, []string{"version=" + FirmwareVersion, "board=" + board.Name}, clk)

	app.controller = controller.New(controller.Config{
		AccessPoint: link.AccessPoint{
			SSID:       cfg.AccessPoint.SSID,
			Secret:     cfg.AccessPoint.Password,
			Channel:    cfg.AccessPoint.Channel,
			MaxClients: cfg.AccessPoint.MaxClients,
			Address:    netip.MustParsePrefix(cfg.AccessPoint.Address),
		},
		HostnameBase: cfg.MDNS.Hostname,
		JoinTimeout:  cfg.Station.JoinTimeout(),
		KeepAlive:    cfg.Station.KeepAlive(),
		GuardTimeout: cfg.Guard.Timeout(),
		PrepWindow:   cfg.Update.PrepWindow(),
		Roaming: roaming.Config{
			Threshold:   cfg.Roaming.Threshold,
			Improvement: cfg.Roaming.Improvement,
			MinInterval: cfg.Roaming.MinInterval(),
			MaxInterval: cfg.Roaming.MaxInterval(),
		},
		Firmware: FirmwareVersion,
		Board:    board,
	}, controller.Deps{
		Link:        links,
		Guard:       guard.New(openWatchdog(cfg.Guard, resetter), clk),
		Status:      status.NewDriver(app.led),
		Sensors:     bus,
		Store:       app.store,
		Resetter:    resetter,
		Clock:       clk,
		Services:    app.stationServices(),
		OnMilestone: app.milestone,
	})

	app.web = web.NewServer(cfg.HTTP.Listen, app.controller)
	app.controller.AttachListener(app.web)
	app.receiver = ota.NewReceiver(
		net.JoinHostPort("", strconv.Itoa(cfg.Update.Port)),
		[]byte(cfg.Update.Secret),
		ota.FileFlasher{Path: cfg.Update.ImagePath},
		app.controller,
	)
	return app, nil
}

// stationServices run each time the station link comes up. The update
// receiver is started here rather than at boot so uploads only arrive over
// the station network once it exists. mDNS also answers on the fallback
// network from boot.
func (app *Application) stationServices() []controller.Service {
	svcs := []controller.Service{{
		Name: "update receiver",
		Start: func(ctx context.Context, _ controller.StationInfo) error {
			return app.receiver.Start()
		},
	}}
	if app.config.MDNS.IsEnabled() {
		svcs = append(svcs, controller.Service{
			Name:     "mDNS",
			Fallback: true,
			Start: func(ctx context.Context, info controller.StationInfo) error {
				return app.mdns.Start(ctx, info.Hostname, info.Addresses()...)
			},
		})
	}
	return svcs
}

func (app *Application) milestone(percent int) {
	app.mu.Lock()
	b := app.bridge
	app.mu.Unlock()
	if b != nil {
		b.Milestone(percent)
	}
}

// InitializeMQTT connects to the broker and sets up the connection handler.
// It is a no-op without a configured broker.
func (app *Application) InitializeMQTT(ctx context.Context) error {
	if app.config.MQTT.Broker == "" {
		log.Printf("MQTT disabled")
		return nil
	}

	prefix := app.config.MQTT.TopicPrefix
	opts := mqtt.NewClientOptions()
	opts.AddBroker(app.config.MQTT.Broker)
	opts.SetUsername(app.config.MQTT.User)
	opts.SetPassword(app.config.MQTT.Password)
	opts.SetClientID("dualnet-controller")
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	availTopic := mqttbridge.AvailabilityTopic(prefix)
	opts.SetWill(availTopic, "offline", 0, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("%sConnected%s to MQTT", controller.ColorGreen, controller.ColorReset)
		c.Publish(availTopic, 0, true, "online")

		app.mu.Lock()
		b := app.bridge
		app.mu.Unlock()
		if err := b.Setup(); err != nil {
			log.Printf("Error setting up MQTT entities: %v", err)
		}
	})

	app.mqttClient = mqtt.NewClient(opts)
	broker := mqttbridge.NewBroker(app.mqttClient, prefix)
	snap := app.controller.Snapshot()
	bridge := mqttbridge.New(broker, app.controller, mqttbridge.Device{
		ID:       "dualnet_" + snap.Hostname,
		Firmware: FirmwareVersion,
		Model:    app.board.FullName,
	}, 0)
	app.mu.Lock()
	app.bridge = bridge
	app.mu.Unlock()

	// With ConnectRetry the token only completes once connected; the
	// broker may sit on the station network that is not up yet.
	app.mqttClient.Connect()
	go bridge.Run(ctx)
	return nil
}

// Run drives the controller until ctx ends or the controller gives up.
func (app *Application) Run(ctx context.Context) error {
	if err := app.web.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	return app.controller.Run(ctx)
}

// Shutdown releases every component. The watchdog is closed with the magic
// character so a clean exit does not reset the board.
func (app *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	app.mu.Lock()
	bridge := app.bridge
	app.mu.Unlock()
	if bridge != nil && app.mqttClient.IsConnected() {
		if err := bridge.Teardown(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt teardown: %w", err))
		}
	}
	if app.mqttClient != nil {
		app.mqttClient.Disconnect(250)
	}

	app.mdns.Shutdown()
	if err := app.receiver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("update receiver: %w", err))
	}
	if err := app.web.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if app.bus != nil {
		if err := app.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sensor bus: %w", err))
		}
	}
	if err := app.led.Set(false); err != nil {
		errs = append(errs, fmt.Errorf("status light: %w", err))
	}
	if c, ok := app.led.(io.Closer); ok {
		c.Close()
	}
	if err := app.controller.DisarmGuard(); err != nil && !errors.Is(err, guard.ErrNotArmed) {
		errs = append(errs, fmt.Errorf("freeze guard: %w", err))
	}
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if app.logFile != nil {
		app.logFile.Close()
	}
	return errors.Join(errs...)
}

func setupLogging(cfg config.LogConfig) io.Closer {
	if cfg.File == "" {
		return nil
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	return lj
}

func openStatusLight(cfg config.Config, board config.Board) status.Output {
	if cfg.Status.Disabled {
		return status.NopOutput{}
	}
	chip, pin, activeLow := cfg.StatusLine(board)
	if chip == "" {
		log.Printf("Board %s has no status light", board.Name)
		return status.NopOutput{}
	}
	out, err := status.OpenGPIO(chip, pin, activeLow)
	if err != nil {
		log.Printf("Status light unavailable on %s:%d: %v", chip, pin, err)
		return status.NopOutput{}
	}
	if board.StatusIsStrap {
		log.Printf("Status light on %s:%d is a boot strap pin", chip, pin)
	}
	return out
}

// openWatchdog prefers the kernel device. The software fallback resets
// through the same command the update session uses.
func openWatchdog(cfg config.GuardConfig, resetter ota.Resetter) guard.Watchdog {
	if cfg.Device != "" {
		return &guard.Device{Path: cfg.Device}
	}
	return &guard.Software{OnExpire: func() {
		log.Printf("Freeze guard expired, resetting")
		if err := resetter.Reset(context.Background()); err != nil {
			log.Printf("Reset failed: %v", err)
			os.Exit(1)
		}
	}}
}

func listenPort(addr string, fallback int) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(port)
	if err != nil || n == 0 {
		return fallback
	}
	return n
}

// main is the entry point of the application
func main() {
	log.Printf("DualNet Controller v%s", FirmwareVersion)

	// Determine configuration file path from command line or use default
	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	app, err := NewApplication(configFile)
	if err != nil {
		log.Fatalf("Critical: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.InitializeMQTT(ctx); err != nil {
		log.Printf("MQTT initialization failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	log.Println("Running. Press Ctrl+C to exit.")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	var runErr error
loop:
	for {
		select {
		case s := <-sig:
			if s == syscall.SIGHUP {
				log.Println("Received SIGHUP - configuration is read at startup only, ignoring")
				continue
			}
			cancel()
			runErr = <-done
			break loop
		case runErr = <-done:
			break loop
		}
	}

	log.Println("Shutting down...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("Controller stopped: %v", runErr)
		os.Exit(1)
	}
}
