// Package gateway wires the gateway together and supervises the adapter
// connection: reconnect with backoff, idle watchdog and the sleep path.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fisaks/obdgw/internal/api"
	"github.com/fisaks/obdgw/internal/clock"
	"github.com/fisaks/obdgw/internal/config"
	"github.com/fisaks/obdgw/internal/connection"
	"github.com/fisaks/obdgw/internal/discovery"
	"github.com/fisaks/obdgw/internal/logging"
	"github.com/fisaks/obdgw/internal/messaging"
	"github.com/fisaks/obdgw/internal/metrics"
	"github.com/fisaks/obdgw/internal/obd"
	"github.com/fisaks/obdgw/internal/obdgw"
	"github.com/fisaks/obdgw/internal/poller"
	"github.com/fisaks/obdgw/internal/power"
	"github.com/fisaks/obdgw/internal/reporter"
	"github.com/fisaks/obdgw/internal/state"
	"github.com/fisaks/obdgw/internal/transport"
)

const (
	DefaultAdapterName = "OBDBLE"

	backoffMin = 200 * time.Millisecond
	backoffMax = 5 * time.Second
)

// Store is the persistence the gateway reads and writes its documents through.
type Store interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
}

// Deps are the outside-world pieces. Nil fields are built from the config.
type Deps struct {
	Transport transport.Transport
	Scanner   transport.Scanner
	Store     Store
	Broker    messaging.Broker
	Sink      obdgw.Sink
	Sleeper   power.Sleeper
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Version   string
}

type Gateway struct {
	cfg *config.GatewayConfig

	clock    clock.Clock
	store    Store
	registry *state.Registry
	settings *config.SettingsManager
	devices  *discovery.Devices
	ctrl     *connection.Controller
	gate     *obdgw.Gate
	metrics  *metrics.Metrics
	broker   messaging.Broker
	sink     obdgw.Sink
	sleeper  power.Sleeper

	poller     *poller.Poller
	pollTask   *poller.Periodic
	reportTask *poller.Periodic
	idleTask   *poller.Periodic
	server     *api.Server
	handler    http.Handler

	backoff     time.Duration
	backoffMin  time.Duration
	backoffMax  time.Duration
	connectedAt atomic.Int64
	started     atomic.Bool
}

func New(cfg *config.GatewayConfig, deps Deps) (*Gateway, error) {
	if deps.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if deps.Transport == nil {
		deps.Transport, deps.Scanner = buildTransport(cfg.Transport)
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewBoot()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Sleeper == nil {
		deps.Sleeper = power.NewSleeper(cfg.Sleep.Command)
	}
	if deps.Broker == nil && cfg.MQTT.Enabled {
		deps.Broker = messaging.NewMsgBroker(messaging.BrokerConfig{
			BrokerURL:        cfg.MQTT.URL,
			ClientName:       cfg.MQTT.ClientName,
			TopicPrefix:      cfg.MQTT.TopicPrefix,
			ConnectTimeout:   10 * time.Second,
			PublishTimeout:   5 * time.Second,
			SubscribeTimeout: 5 * time.Second,
		})
	}

	g := &Gateway{
		cfg:      cfg,
		clock:    deps.Clock,
		store:    deps.Store,
		registry: obd.NewRegistry(),
		settings: config.NewSettingsManager(deps.Store),
		devices:  discovery.NewDevices(deps.Store),
		gate:     &obdgw.Gate{},
		metrics:  deps.Metrics,
		broker:   deps.Broker,
		sleeper:  deps.Sleeper,

		backoffMin: backoffMin,
		backoffMax: backoffMax,
	}

	g.sink = deps.Sink
	if g.sink == nil {
		if cfg.Sink == "mqtt" && g.broker != nil {
			g.sink = messaging.NewSink(g.broker)
		} else {
			g.sink = reporter.NewLogSink()
		}
	}
	if g.broker != nil {
		catalog := messaging.NewCatalog(g.registry, g.broker)
		g.broker.AddOnConnectPublisher("catalog", catalog.OnConnectPublish)
	}

	g.ctrl = connection.NewController(connection.Config{
		Transport:       deps.Transport,
		Scanner:         deps.Scanner,
		ConnectTimeout:  cfg.Transport.ConnectTimeout(),
		ResponseTimeout: time.Second,
		SleepDuration:   func() time.Duration { return g.settings.Get().General.SleepDurationDuration() },
	})
	g.ctrl.OnConnected(func(connection.Session) {
		g.connectedAt.Store(g.clock.NowMs())
		g.metrics.Connected(true)
	})
	g.ctrl.OnConnectError(func(_ error, failures int) { g.metrics.ConnectFailed(failures) })
	g.ctrl.OnDevicesDiscovered(func(peers []transport.Peer) {
		g.devices.OnScan(peers)
		g.metrics.Discovered(len(g.devices.List()))
	})

	g.poller = poller.New(poller.Config{
		Registry: g.registry,
		Link:     g.ctrl,
		Gate:     g.gate,
		Clock:    g.clock,
		Metrics:  g.metrics,
	})
	rep := reporter.New(reporter.Config{
		Registry: g.registry,
		Gate:     g.gate,
		Clock:    g.clock,
		Sink:     g.sink,
		Metrics:  g.metrics,
	})
	g.pollTask = &poller.Periodic{Name: "poll", Period: cfg.PollInterval(), Step: g.poller.Step}
	g.reportTask = &poller.Periodic{Name: "report", Period: cfg.ReportInterval(), Step: rep.Step}
	g.idleTask = &poller.Periodic{Name: "idle", Period: cfg.IdleCheck(), Step: g.checkIdle}

	var scan func(context.Context) ([]transport.Peer, error)
	if deps.Scanner != nil {
		scan = g.Scan
	}
	g.handler = api.NewRouter(&api.Handlers{
		Log:      logging.With("component", "api"),
		Registry: g.registry,
		Store:    g.store,
		Settings: g.settings,
		Devices:  g.devices,
		Conn:     g.ctrl,
		Clock:    g.clock,
		Scan:     scan,
		Version:  deps.Version,
	}, g.metrics, g.gate)
	g.server = api.NewServer(cfg.HTTP.Listen, logging.With("component", "http"), g.handler)
	return g, nil
}

func buildTransport(tc config.TransportConfig) (transport.Transport, transport.Scanner) {
	if tc.Type == "spp" {
		return transport.NewSPP(tc.Port, tc.Baud, tc.Timeout()), nil
	}
	return transport.NewBLE(tc.ServiceUUID, tc.RxUUID, tc.TxUUID, tc.Timeout()), transport.NewBLEScanner()
}

func (g *Gateway) Registry() *state.Registry          { return g.registry }
func (g *Gateway) Controller() *connection.Controller { return g.ctrl }
func (g *Gateway) Settings() *config.SettingsManager  { return g.settings }
func (g *Gateway) Handler() http.Handler              { return g.handler }
func (g *Gateway) Gate() *obdgw.Gate                  { return g.gate }

// Init loads the persisted documents. Missing documents keep the defaults;
// other storage errors are logged and the gateway continues with defaults.
func (g *Gateway) Init() {
	if err := g.settings.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logging.Info("No stored settings, using defaults")
			if err := g.settings.Save(); err != nil {
				logging.Warn("Failed to store default settings", "error", err)
			}
		} else {
			logging.Warn("Failed to load settings, using defaults", "error", err)
		}
	}
	if err := g.registry.ReadStates(g.store); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn("Failed to load states, using defaults", "error", err)
	}
	if err := g.devices.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn("Failed to load discovered devices", "error", err)
	}
	g.metrics.Discovered(len(g.devices.List()))

	g.ctrl.Begin(optionsFrom(g.settings.Get()))
	g.settings.OnChange(func(s config.Settings) {
		logging.Info("Settings changed, adapter options updated", "name", s.OBD2.AdapterName(DefaultAdapterName), "mac", s.OBD2.MAC)
		g.ctrl.Begin(optionsFrom(s))
	})
	logging.Info("Gateway initialised", "entries", g.registry.Len(), "devices", len(g.devices.List()))
}

func optionsFrom(s config.Settings) connection.Options {
	return connection.Options{
		Name:                s.OBD2.AdapterName(DefaultAdapterName),
		Address:             s.OBD2.MAC,
		Protocol:            s.OBD2.Protocol,
		CheckPIDSupport:     s.OBD2.CheckPIDSupport,
		Debug:               s.OBD2.Debug,
		SpecifyNumResponses: s.OBD2.SpecifyNumResponses,
	}
}

// Run starts every task and supervises the adapter connection until ctx ends
// or a sleep request was carried out. After a sleep it returns
// connection.ErrSleepRequested.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return errors.New("gateway already running")
	}
	g.Init()

	if g.broker != nil {
		go func() {
			if err := g.broker.Connect(ctx); err != nil {
				logging.Warn("MQTT connect failed", "error", err)
			}
		}()
		if _, err := messaging.StartCommandSubscriber(ctx, g.broker, g); err != nil {
			logging.Warn("MQTT command subscribe failed", "error", err)
		}
	}

	go func() {
		if err := g.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP server failed", "error", err)
		}
	}()

	g.pollTask.Start(ctx)
	g.reportTask.Start(ctx)
	g.idleTask.Start(ctx)

	err := g.supervise(ctx)
	g.shutdown(err)
	return err
}

// supervise keeps the adapter connected. A failed connect backs off from
// backoffMin doubling up to backoffMax.
func (g *Gateway) supervise(ctx context.Context) error {
	retry := false
	for {
		wait := g.cfg.IdleCheck()
		if !g.ctrl.Connected() && !g.ctrl.SleepRequested() && !g.gate.Active() {
			err := g.ctrl.Connect(ctx, retry)
			retry = true
			if err != nil {
				g.bumpBackoff()
				wait = g.backoff
			} else {
				g.backoff = 0
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-g.ctrl.Sleep():
			return g.enterSleep(ctx, req)
		case <-time.After(wait):
		}
	}
}

func (g *Gateway) bumpBackoff() {
	if g.backoff == 0 {
		g.backoff = g.backoffMin
	} else {
		g.backoff *= 2
		if g.backoff > g.backoffMax {
			g.backoff = g.backoffMax
		}
	}
}

// enterSleep force-stops the tasks, ends the session and suspends the host.
func (g *Gateway) enterSleep(ctx context.Context, req connection.SleepRequest) error {
	g.metrics.SleepRequested()
	logging.Warn("Entering sleep", "reason", req.Reason, "duration", req.Duration)
	poller.Halt(g.pollTask, g.reportTask, g.idleTask)
	g.ctrl.End()
	g.metrics.Connected(false)
	if err := g.registry.WriteStates(g.store); err != nil {
		logging.Warn("Failed to store states before sleep", "error", err)
	}
	if err := g.sleeper.Sleep(ctx, req.Duration); err != nil {
		logging.Error("Sleep failed", "error", err)
	}
	return connection.ErrSleepRequested
}

func (g *Gateway) shutdown(cause error) {
	logging.Info("Gateway stopping", "cause", cause)
	g.pollTask.Stop()
	g.reportTask.Stop()
	g.idleTask.Stop()
	g.ctrl.End()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.server.Stop(ctx); err != nil {
		logging.Warn("HTTP shutdown", "error", err)
	}
	if g.broker != nil {
		if err := g.broker.Close(ctx); err != nil {
			logging.Warn("MQTT close", "error", err)
		}
	}
}

// checkIdle raises a sleep request when a connected adapter has produced no
// successful read for general.sleepTimeout.
func (g *Gateway) checkIdle(context.Context) {
	timeout := g.settings.Get().General.SleepTimeoutDuration()
	if timeout <= 0 || !g.ctrl.Connected() || g.gate.Active() {
		return
	}
	since := max(g.poller.LastSuccess(), g.connectedAt.Load())
	idle := time.Duration(g.clock.NowMs()-since) * time.Millisecond
	if idle >= timeout {
		g.ctrl.RequestSleep(fmt.Sprintf("no successful poll for %s", idle.Truncate(time.Second)))
	}
}

// Scan runs one discovery pass with the periodic tasks held off the radio.
func (g *Gateway) Scan(ctx context.Context) ([]transport.Peer, error) {
	return g.scanWindow(ctx, g.cfg.ScanWindow())
}

func (g *Gateway) scanWindow(ctx context.Context, window time.Duration) ([]transport.Peer, error) {
	release := g.gate.Hold()
	defer release()
	return g.ctrl.Discover(ctx, window)
}
