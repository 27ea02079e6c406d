// Package reporter runs the reporting pass: fixed gateway diagnostics, then
// every due reportable entry, then the report-once diagnostics.
package reporter

import (
	"context"

	"github.com/fisaks/obdgw/internal/clock"
	"github.com/fisaks/obdgw/internal/logging"
	"github.com/fisaks/obdgw/internal/metrics"
	"github.com/fisaks/obdgw/internal/obdgw"
	"github.com/fisaks/obdgw/internal/state"
)

type Config struct {
	Registry *state.Registry
	Gate     *obdgw.Gate
	Clock    clock.Clock
	Sink     obdgw.Sink
	Metrics  *metrics.Metrics
	// Probes default to DefaultProbes.
	Probes []Probe
}

type Reporter struct {
	registry *state.Registry
	gate     *obdgw.Gate
	clock    clock.Clock
	sink     obdgw.Sink
	metrics  *metrics.Metrics
	probes   []Probe
}

func New(cfg Config) *Reporter {
	probes := cfg.Probes
	if probes == nil {
		probes = DefaultProbes()
	}
	return &Reporter{
		registry: cfg.Registry,
		gate:     cfg.Gate,
		clock:    cfg.Clock,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		probes:   probes,
	}
}

// Step runs one reporting pass. Entries are marked reported only when the
// sink accepted them, so a failed emit is retried on the next pass.
func (r *Reporter) Step(ctx context.Context) {
	if r.gate.Active() {
		return
	}
	now := r.clock.NowMs()

	for _, probe := range r.probes {
		if rep, ok := probe(now); ok {
			r.emit(ctx, rep)
		}
	}
	for _, e := range r.registry.GetStates(state.Reportable) {
		r.report(ctx, e, now)
	}
	for _, e := range r.registry.GetStates(state.StaticDiagnostic) {
		r.report(ctx, e, now)
	}
}

func (r *Reporter) report(ctx context.Context, e *state.Entry, now int64) {
	if ctx.Err() != nil || !e.Due(now) {
		return
	}
	snap := e.Snapshot()
	rep := obdgw.Report{
		Name:       snap.Name,
		Value:      snap.Value.Format(),
		Unit:       snap.Unit,
		Diagnostic: snap.Diagnostic,
		Timestamp:  now,
	}
	if r.emit(ctx, rep) {
		e.MarkReported(now)
	}
}

func (r *Reporter) emit(ctx context.Context, rep obdgw.Report) bool {
	err := r.sink.Emit(ctx, rep)
	r.metrics.Report(err == nil)
	if err != nil {
		logging.Warn("Report failed", "entry", rep.Name, "error", err)
		return false
	}
	return true
}
