package transport

import (
	"context"
	"log/slog"
	"strconv"
)

// Debug logs every byte exchanged with the adapter.
type Debug struct {
	Transport
	Log *slog.Logger
}

func WithDebug(t Transport, log *slog.Logger) *Debug {
	return &Debug{Transport: t, Log: log}
}

func (d *Debug) Open(ctx context.Context, target Target) error {
	err := d.Transport.Open(ctx, target)
	d.Log.Debug("transport open", "target", target.String(), "error", err)
	return err
}

func (d *Debug) Read(p []byte) (int, error) {
	n, err := d.Transport.Read(p)
	if n > 0 || err != nil {
		d.Log.Debug("rx", "data", strconv.Quote(string(p[:n])), "error", err)
	}
	return n, err
}

func (d *Debug) Write(p []byte) (int, error) {
	n, err := d.Transport.Write(p)
	d.Log.Debug("tx", "data", strconv.Quote(string(p)), "error", err)
	return n, err
}
