// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/fisaks/obdgw/internal/clock"
	"github.com/fisaks/obdgw/internal/config"
	"github.com/fisaks/obdgw/internal/connection"
	"github.com/fisaks/obdgw/internal/discovery"
	"github.com/fisaks/obdgw/internal/state"
	"github.com/fisaks/obdgw/internal/transport"
	"github.com/gorilla/mux"
)

const maxBody = 64 << 10

type connectionInfo interface {
	State() connection.State
	Failures() int
	Session() (connection.Session, bool)
	LastError() error
}

type Handlers struct {
	Log      *slog.Logger
	Registry *state.Registry
	Store    state.Store
	Settings *config.SettingsManager
	Devices  *discovery.Devices
	Conn     connectionInfo
	Clock    clock.Clock
	// Scan runs one discovery pass; nil when the transport cannot scan.
	Scan    func(ctx context.Context) ([]transport.Peer, error)
	Version string

	writeMu sync.Mutex
}

func (h *Handlers) GetStates(w http.ResponseWriter, r *http.Request) {
	data, err := h.Registry.BuildJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRaw(w, http.StatusOK, data)
}

func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	data, err := h.Registry.EntryJSON(mux.Vars(r)["name"])
	if errors.Is(err, state.ErrUnknownEntry) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRaw(w, http.StatusOK, data)
}

// PutStates applies operator changes and persists them. The response is sent
// only after the states file was written.
func (h *Handlers) PutStates(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	if err := h.updateStates(body); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.GetStates(w, r)
}

// updateStates holds writeMu across apply and persist so the last update
// applied is also the last one written.
func (h *Handlers) updateStates(body []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.Registry.ParseJSON(body); err != nil {
		h.Log.Warn("rejected states update", "error", err)
		return err
	}
	if err := h.Registry.WriteStates(h.Store); err != nil {
		h.Log.Error("states write failed", "error", err)
		return err
	}
	return nil
}

func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	data, err := h.Settings.BuildJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRaw(w, http.StatusOK, data)
}

func (h *Handlers) PutSettings(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	if err := h.updateSettings(body); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.GetSettings(w, r)
}

func (h *Handlers) updateSettings(body []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.Settings.ParseJSON(body); err != nil {
		h.Log.Warn("rejected settings update", "error", err)
		return err
	}
	if err := h.Settings.Save(); err != nil {
		h.Log.Error("settings write failed", "error", err)
		return err
	}
	return nil
}

func (h *Handlers) GetDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Devices.List())
}

func (h *Handlers) PostScan(w http.ResponseWriter, r *http.Request) {
	if h.Scan == nil {
		writeError(w, http.StatusNotImplemented, transport.ErrScanUnsupported.Error())
		return
	}
	peers, err := h.Scan(r.Context())
	switch {
	case errors.Is(err, transport.ErrScanInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, transport.ErrScanUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, peers)
	}
}

type Info struct {
	Version        string `json:"version,omitempty"`
	UptimeMs       int64  `json:"uptimeMs"`
	Connection     string `json:"connection"`
	Failures       int    `json:"failures"`
	Session        string `json:"session,omitempty"`
	Target         string `json:"target,omitempty"`
	Protocol       int    `json:"protocol,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	SleepRequested bool   `json:"sleepRequested"`
}

func (h *Handlers) GetInfo(w http.ResponseWriter, r *http.Request) {
	info := Info{
		Version:    h.Version,
		UptimeMs:   h.Clock.NowMs(),
		Connection: h.Conn.State().String(),
		Failures:   h.Conn.Failures(),
	}
	info.SleepRequested = h.Conn.State() == connection.StateSleepRequested
	if s, ok := h.Conn.Session(); ok {
		info.Session = s.ID
		info.Target = s.Target.String()
		info.Protocol = s.Protocol
	}
	if err := h.Conn.LastError(); err != nil {
		info.LastError = err.Error()
	}
	writeJSON(w, http.StatusOK, info)
}

// readJSONBody enforces the JSON content type (406 otherwise) and reads the
// body (400 when it cannot be read).
func readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		writeError(w, http.StatusNotAcceptable, "content type must be application/json")
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body: "+err.Error())
		return nil, false
	}
	return body, true
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
