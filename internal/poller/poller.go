package poller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fisaks/obdgw/internal/clock"
	"github.com/fisaks/obdgw/internal/connection"
	"github.com/fisaks/obdgw/internal/elm327"
	"github.com/fisaks/obdgw/internal/logging"
	"github.com/fisaks/obdgw/internal/metrics"
	"github.com/fisaks/obdgw/internal/obd"
	"github.com/fisaks/obdgw/internal/obdgw"
	"github.com/fisaks/obdgw/internal/state"
)

var errEmptyCommand = errors.New("empty adapter command")

const commandBufferSize = 8

type Config struct {
	Registry *state.Registry
	Link     Link
	Gate     *obdgw.Gate
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	PIDs     []obd.PID // defaults to obd.Catalog()

	// OnError is called for every request that completed with a failure status.
	OnError func(entry string, err error)
}

// Poller walks the PID list one non-blocking adapter step at a time. Step is
// only called from a single goroutine; PushCommand and LastSuccess are safe
// from any.
type Poller struct {
	registry *state.Registry
	link     Link
	gate     *obdgw.Gate
	clock    clock.Clock
	metrics  *metrics.Metrics
	onError  func(string, error)
	pids     []obd.PID

	session string
	idx     int // current PID, kept until its request completes
	errors  int64

	discovering bool
	supportIdx  int
	pending     *obd.Support
	support     *obd.Support // nil while unknown

	cmdCh   chan Command
	command *Command

	lastSuccess atomic.Int64
}

func New(cfg Config) *Poller {
	pids := cfg.PIDs
	if pids == nil {
		pids = obd.Catalog()
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(entry string, err error) {
			logging.Debug("Poll failed", "entry", entry, "error", err)
		}
	}
	return &Poller{
		registry: cfg.Registry,
		link:     cfg.Link,
		gate:     cfg.Gate,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		onError:  onError,
		pids:     pids,
		cmdCh:    make(chan Command, commandBufferSize),
	}
}

// LastSuccess is the clock time of the last successful PID read, or of the
// session start when nothing has been read yet.
func (p *Poller) LastSuccess() int64 { return p.lastSuccess.Load() }

// Support returns the advertised PID map, or nil if it is unknown.
func (p *Poller) Support() *obd.Support { return p.support }

// Step runs one poll step. It returns without touching the adapter while the
// gate is active or no session is established.
func (p *Poller) Step(ctx context.Context) {
	if p.gate.Active() || ctx.Err() != nil {
		return
	}
	client, ok := p.link.Client()
	if !ok {
		return
	}
	if sess, ok := p.link.Session(); ok && sess.ID != p.session {
		p.startSession(sess, client)
	}

	if client.Pending() == "" {
		p.takeCommand()
	}
	if p.stepCommand(client) {
		return
	}
	if p.discovering {
		p.stepDiscovery(client)
		return
	}
	p.stepPID(client)
}

func (p *Poller) startSession(sess connection.Session, client *elm327.Client) {
	p.session = sess.ID
	p.idx = 0
	p.support = nil
	p.lastSuccess.Store(p.clock.NowMs())
	client.Reset()
	if p.command != nil {
		p.reply(*p.command, elm327.Response{Command: p.command.Text, Status: elm327.StatusStopped}, elm327.ErrNotConnected)
		p.command = nil
	}

	if e, ok := p.registry.GetStateByName(obd.EntryProtocol); ok && sess.Protocol > 0 {
		e.SetValue(state.IntValue(sess.Protocol))
		e.SetSupported(true)
	}
	if p.link.Options().CheckPIDSupport {
		p.beginDiscovery()
	} else {
		p.discovering = false
	}
	logging.Info("Polling session started", "session", sess.ID, "protocol", sess.Protocol, "checkPIDSupport", p.discovering)
}

func (p *Poller) beginDiscovery() {
	p.discovering = true
	p.supportIdx = 0
	p.pending = obd.NewSupport()
}

func (p *Poller) stepDiscovery(client *elm327.Client) {
	base := obd.SupportBases[p.supportIdx]
	cmd := client.PIDCommand(0x01, base, 1)
	resp, err := client.Poll(cmd)
	if err != nil {
		p.lost(cmd, err)
		return
	}
	if resp.Status == elm327.StatusGettingMsg {
		return
	}
	p.metrics.Poll("pidSupport", resp.Status.String())

	if resp.Status != elm327.StatusSuccess {
		p.fail(obd.EntrySupportedPIDs, &elm327.StatusError{Command: cmd, Status: resp.Status, Raw: resp.Raw})
		p.finishDiscovery(base != 0)
		return
	}
	if err := p.pending.Add(base, resp.Data); err != nil {
		p.fail(obd.EntrySupportedPIDs, err)
		p.finishDiscovery(base != 0)
		return
	}
	p.supportIdx++
	if !p.pending.Continues(base) || p.supportIdx >= len(obd.SupportBases) {
		p.finishDiscovery(true)
	}
}

// finishDiscovery applies the collected bitmaps when known is set. Otherwise
// entries keep their support flags and become supported on first read.
func (p *Poller) finishDiscovery(known bool) {
	p.discovering = false
	if !known {
		logging.Warn("PID support unknown, polling every entry")
		return
	}
	p.support = p.pending
	for _, pid := range p.pids {
		if pid.IsAT() {
			continue
		}
		if e, ok := p.registry.GetStateByName(pid.Name); ok {
			e.SetSupported(p.support.Has(pid.PID))
		}
	}
	if e, ok := p.registry.GetStateByName(obd.EntrySupportedPIDs); ok {
		e.SetValue(state.IntValue(p.support.Count()))
		e.SetSupported(true)
	}
	logging.Info("PID support discovered", "count", p.support.Count(), "bitmap", p.support.String())
}

// skip reports whether pid should not be requested now.
func (p *Poller) skip(pid obd.PID) bool {
	e, ok := p.registry.GetStateByName(pid.Name)
	if !ok || !state.Pollable(e) {
		return true
	}
	return p.support != nil && !pid.IsAT() && !p.support.Has(pid.PID)
}

func (p *Poller) request(client *elm327.Client, pid obd.PID) string {
	if pid.IsAT() {
		return pid.ATCommand
	}
	return client.PIDCommand(pid.Mode, pid.PID, 1)
}

func (p *Poller) stepPID(client *elm327.Client) {
	if len(p.pids) == 0 {
		return
	}
	// a request in flight keeps its PID even if the entry changed meanwhile
	if client.Pending() == "" {
		found := false
		for range p.pids {
			if !p.skip(p.pids[p.idx]) {
				found = true
				break
			}
			p.advance()
		}
		if !found {
			return
		}
	}

	pid := p.pids[p.idx]
	cmd := p.request(client, pid)
	resp, err := client.Poll(cmd)
	if err != nil {
		p.lost(cmd, err)
		return
	}
	if resp.Status == elm327.StatusGettingMsg {
		return
	}
	defer p.advance()
	p.metrics.Poll(pid.Name, resp.Status.String())

	if resp.Status != elm327.StatusSuccess {
		p.fail(pid.Name, &elm327.StatusError{Command: cmd, Status: resp.Status, Raw: resp.Raw})
		return
	}
	var v state.Value
	if pid.IsAT() {
		v, err = pid.DecodeText(resp.Raw)
	} else {
		v, err = pid.Decode(resp.Data)
	}
	if err != nil {
		p.fail(pid.Name, fmt.Errorf("decode: %w", err))
		return
	}
	e, ok := p.registry.GetStateByName(pid.Name)
	if !ok {
		return
	}
	e.SetValue(v)
	e.SetSupported(true)
	p.lastSuccess.Store(p.clock.NowMs())
}

func (p *Poller) advance() {
	p.idx = (p.idx + 1) % len(p.pids)
}

func (p *Poller) fail(entry string, err error) {
	p.errors++
	if e, ok := p.registry.GetStateByName(obd.EntryPollErrors); ok {
		e.SetValue(state.IntValue(p.errors))
	}
	p.onError(entry, err)
}

func (p *Poller) lost(cmd string, err error) {
	logging.Warn("Adapter I/O failed", "command", cmd, "error", err)
	p.metrics.Poll("adapter", "transport error")
	p.session = ""
	p.link.MarkLost(err)
}
