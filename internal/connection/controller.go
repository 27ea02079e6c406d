// Package connection owns the adapter session: connect with handshake, the
// consecutive failure counter and the sleep request raised when it overflows.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisaks/obdgw/internal/elm327"
	"github.com/fisaks/obdgw/internal/logging"
	"github.com/fisaks/obdgw/internal/transport"
	"github.com/google/uuid"
)

// MaxConnectFailures is the number of consecutive failures tolerated; the next
// one requests sleep.
const MaxConnectFailures = 5

var ErrSleepRequested = errors.New("sleep requested")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSleepRequested
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSleepRequested:
		return "sleepRequested"
	}
	return "unknown"
}

// Options select and configure the adapter. Begin only stores them.
type Options struct {
	Name                string
	Address             string
	Protocol            string
	CheckPIDSupport     bool
	Debug               bool
	SpecifyNumResponses bool
}

// Session describes an established adapter connection.
type Session struct {
	ID       string
	Target   transport.Target
	Protocol int // ATDPN result, 0 when unknown
	Started  time.Time
}

// SleepRequest is emitted once per process when the gateway should power down.
type SleepRequest struct {
	Reason   string
	Duration time.Duration
}

type Config struct {
	Transport       transport.Transport
	Scanner         transport.Scanner // nil when the transport cannot scan
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	// SleepDuration is read when the sleep request is raised.
	SleepDuration func() time.Duration
}

type Controller struct {
	cfg Config

	mu   sync.Mutex // serializes Begin/Connect/End; held for the whole handshake
	opts Options

	// infoMu guards the published session; never held across I/O.
	infoMu  sync.Mutex
	client  *elm327.Client
	session Session
	lastErr error

	state    atomic.Int32
	failures atomic.Int32
	sleeping atomic.Bool
	sleepCh  chan SleepRequest

	cbMu           sync.RWMutex
	onConnected    []func(Session)
	onConnectError []func(err error, failures int)
	onDevices      []func([]transport.Peer)
}

func NewController(cfg Config) *Controller {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.SleepDuration == nil {
		cfg.SleepDuration = func() time.Duration { return time.Hour }
	}
	return &Controller{cfg: cfg, sleepCh: make(chan SleepRequest, 1)}
}

// Begin stores the adapter options used by the next Connect.
func (c *Controller) Begin(opts Options) {
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
}

func (c *Controller) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

func (c *Controller) OnConnected(fn func(Session)) {
	c.cbMu.Lock()
	c.onConnected = append(c.onConnected, fn)
	c.cbMu.Unlock()
}

func (c *Controller) OnConnectError(fn func(err error, failures int)) {
	c.cbMu.Lock()
	c.onConnectError = append(c.onConnectError, fn)
	c.cbMu.Unlock()
}

func (c *Controller) OnDevicesDiscovered(fn func([]transport.Peer)) {
	c.cbMu.Lock()
	c.onDevices = append(c.onDevices, fn)
	c.cbMu.Unlock()
}

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) Connected() bool { return c.State() == StateConnected }

// Failures is the number of consecutive failed connects.
func (c *Controller) Failures() int { return int(c.failures.Load()) }

func (c *Controller) LastError() error {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.lastErr
}

func (c *Controller) Session() (Session, bool) {
	if c.State() != StateConnected {
		return Session{}, false
	}
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.session, c.client != nil
}

// Client returns the adapter client while connected.
func (c *Controller) Client() (*elm327.Client, bool) {
	if c.State() != StateConnected {
		return nil, false
	}
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	if c.client == nil {
		return nil, false
	}
	return c.client, true
}

// Sleep delivers the single sleep request.
func (c *Controller) Sleep() <-chan SleepRequest { return c.sleepCh }

func (c *Controller) SleepRequested() bool { return c.sleeping.Load() }

// Connect opens the transport and runs the adapter handshake within the
// connect timeout. With retry set an existing session is torn down first;
// otherwise an established session is kept. Failures caused by ctx ending are
// not counted.
func (c *Controller) Connect(ctx context.Context, retry bool) error {
	if c.sleeping.Load() {
		return ErrSleepRequested
	}
	c.mu.Lock()
	if retry {
		c.endLocked()
	} else if c.State() == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state.Store(int32(StateConnecting))
	if c.sleeping.Load() {
		c.state.Store(int32(StateSleepRequested))
		c.mu.Unlock()
		return ErrSleepRequested
	}
	opts := c.opts
	target := transport.Target{Name: opts.Name, Address: opts.Address}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	client, protocol, err := c.open(cctx, target, opts)
	cancel()

	if err != nil {
		c.cfg.Transport.Close()
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		if ctx.Err() != nil {
			c.mu.Unlock()
			return ctx.Err()
		}
		c.infoMu.Lock()
		c.lastErr = err
		c.infoMu.Unlock()
		n := int(c.failures.Add(1))
		c.mu.Unlock()

		logging.Warn("Adapter connect failed", "target", target.String(), "failures", n, "error", err)
		c.cbMu.RLock()
		hooks := append([]func(error, int){}, c.onConnectError...)
		c.cbMu.RUnlock()
		for _, fn := range hooks {
			fn(err, n)
		}
		if n > MaxConnectFailures {
			c.RequestSleep(fmt.Sprintf("%d consecutive connect failures", n))
		}
		return err
	}

	session := Session{ID: uuid.NewString(), Target: target, Protocol: protocol, Started: time.Now()}
	c.infoMu.Lock()
	c.client = client
	c.session = session
	c.infoMu.Unlock()
	// a sleep request raised during the handshake wins over the new session
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		c.endLocked()
		c.mu.Unlock()
		logging.Info("Adapter connected after sleep request, closing", "target", target.String())
		return ErrSleepRequested
	}
	c.failures.Store(0)
	c.infoMu.Lock()
	c.lastErr = nil
	c.infoMu.Unlock()
	c.mu.Unlock()

	logging.Info("Adapter connected", "target", target.String(), "session", session.ID, "protocol", protocol)
	c.cbMu.RLock()
	hooks := append([]func(Session){}, c.onConnected...)
	c.cbMu.RUnlock()
	for _, fn := range hooks {
		fn(session)
	}
	return nil
}

func (c *Controller) open(ctx context.Context, target transport.Target, opts Options) (*elm327.Client, int, error) {
	if err := c.cfg.Transport.Open(ctx, target); err != nil {
		return nil, 0, fmt.Errorf("open transport: %w", err)
	}
	var link transport.Transport = c.cfg.Transport
	if opts.Debug {
		link = transport.WithDebug(link, logging.With("component", "elm327", "target", target.String()))
	}
	client := elm327.New(link, elm327.Options{
		Protocol:            opts.Protocol,
		SpecifyNumResponses: opts.SpecifyNumResponses,
		ResponseTimeout:     c.cfg.ResponseTimeout,
	})
	if err := client.Init(ctx); err != nil {
		return nil, 0, fmt.Errorf("adapter handshake: %w", err)
	}
	protocol, err := client.DescribeProtocol(ctx)
	if err != nil {
		logging.Debug("Protocol query failed", "error", err)
	}
	return client, protocol, nil
}

// End tears the session down. Calling it again is a no-op.
func (c *Controller) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked()
}

func (c *Controller) endLocked() {
	c.infoMu.Lock()
	client := c.client
	c.client = nil
	c.infoMu.Unlock()
	if client != nil {
		client.Reset()
	}
	if err := c.cfg.Transport.Close(); err != nil {
		logging.Debug("Transport close", "error", err)
	}
	if c.State() != StateSleepRequested {
		c.state.Store(int32(StateDisconnected))
	}
}

// MarkLost records that the session died underneath an established connection.
// It does not count as a connect failure.
func (c *Controller) MarkLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateConnected {
		return
	}
	c.infoMu.Lock()
	id := c.session.ID
	c.lastErr = err
	c.infoMu.Unlock()
	logging.Warn("Adapter session lost", "session", id, "error", err)
	c.endLocked()
}

// RequestSleep raises the sleep request. Only the first call in the process has
// an effect; it reports whether this call was that one.
func (c *Controller) RequestSleep(reason string) bool {
	if !c.sleeping.CompareAndSwap(false, true) {
		return false
	}
	c.state.Store(int32(StateSleepRequested))
	req := SleepRequest{Reason: reason, Duration: c.cfg.SleepDuration()}
	logging.Warn("Sleep requested", "reason", reason, "duration", req.Duration)
	c.sleepCh <- req
	return true
}

// Discover scans for adapters during window and reports them to the
// OnDevicesDiscovered callbacks.
func (c *Controller) Discover(ctx context.Context, window time.Duration) ([]transport.Peer, error) {
	if c.cfg.Scanner == nil {
		return nil, transport.ErrScanUnsupported
	}
	peers, err := c.cfg.Scanner.Scan(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	logging.Info("Discovery finished", "peers", len(peers))
	c.cbMu.RLock()
	hooks := append([]func([]transport.Peer){}, c.onDevices...)
	c.cbMu.RUnlock()
	for _, fn := range hooks {
		fn(peers)
	}
	return peers, nil
}
