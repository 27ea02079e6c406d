// internal/api/router.go
package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fisaks/obdgw/internal/logging"
	"github.com/fisaks/obdgw/internal/metrics"
	"github.com/fisaks/obdgw/internal/obdgw"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// NewRouter wires the API. Write routes hold the gate so the periodic tasks
// stay off the adapter while an operator change is applied.
func NewRouter(h *Handlers, m *metrics.Metrics, gate *obdgw.Gate) http.Handler {
	r := mux.NewRouter()
	route := func(path, method string, fn http.HandlerFunc, held bool) {
		var next http.Handler = fn
		if held {
			next = holdGate(gate, next)
		}
		r.Handle(path, m.WrapHandler(path, next)).Methods(method)
	}

	route("/api/states", http.MethodGet, h.GetStates, false)
	route("/api/states", http.MethodPut, h.PutStates, true)
	route("/api/states/{name}", http.MethodGet, h.GetState, false)
	route("/api/settings", http.MethodGet, h.GetSettings, false)
	route("/api/settings", http.MethodPut, h.PutSettings, true)
	route("/api/devices", http.MethodGet, h.GetDevices, false)
	route("/api/scan", http.MethodPost, h.PostScan, false)
	route("/api/info", http.MethodGet, h.GetInfo, false)
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{h.Log}),
		handlers.PrintRecoveryStack(false),
	)
	return handlers.LoggingHandler(logging.Writer("http access"), recovery(r))
}

func holdGate(gate *obdgw.Gate, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gate != nil {
			release := gate.Hold()
			defer release()
		}
		next.ServeHTTP(w, r)
	})
}

type recoveryLogger struct {
	log *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error("http handler panic", "error", fmt.Sprint(v...))
}
