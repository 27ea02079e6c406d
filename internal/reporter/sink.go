package reporter

import (
	"context"
	"log/slog"

	"github.com/fisaks/obdgw/internal/logging"
	"github.com/fisaks/obdgw/internal/obdgw"
)

// LogSink writes every report to the structured log.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{log: logging.With("component", "report")}
}

func (s *LogSink) Emit(_ context.Context, r obdgw.Report) error {
	s.log.Info("Report", "name", r.Name, "value", r.Value, "unit", r.Unit, "diagnostic", r.Diagnostic, "ts", r.Timestamp)
	return nil
}
