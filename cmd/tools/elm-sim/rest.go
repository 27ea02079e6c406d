package main

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/fisaks/obdgw/internal/logging"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

type pidRequest struct {
	Data string `json:"data"` // hex payload, e.g. "1AF8"
}

type voltageRequest struct {
	Volts float64 `json:"volts"`
}

func newRouter(a *Adapter) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/pids", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.Snapshot())
	}).Methods(http.MethodGet)
	r.HandleFunc("/pid/{name}", func(w http.ResponseWriter, r *http.Request) {
		var req pidRequest
		if err := readJSON(r, &req); err != nil {
			fail(w, http.StatusBadRequest, "bad json")
			return
		}
		data, err := hex.DecodeString(req.Data)
		if err != nil {
			fail(w, http.StatusBadRequest, "data must be hex")
			return
		}
		if err := a.Set(mux.Vars(r)["name"], data); err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodPut)
	r.HandleFunc("/pid/{name}", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Remove(mux.Vars(r)["name"]); err != nil {
			fail(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodDelete)
	r.HandleFunc("/voltage", func(w http.ResponseWriter, r *http.Request) {
		var req voltageRequest
		if err := readJSON(r, &req); err != nil || req.Volts <= 0 {
			fail(w, http.StatusBadRequest, "volts must be > 0")
			return
		}
		a.SetVoltage(req.Volts)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodPut)

	return handlers.LoggingHandler(logging.Writer("sim http"), r)
}

func readJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
