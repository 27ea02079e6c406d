// Package obd holds the OBD-II parameters the gateway polls and how their
// adapter responses decode into registry values.
package obd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fisaks/obdgw/internal/state"
)

// Diagnostic entry names maintained by the gateway itself.
const (
	EntryProtocol      = "obdProtocol"
	EntrySupportedPIDs = "supportedPids"
	EntryPollErrors    = "pollErrors"
)

// PID describes one polled parameter. Either Mode/PID or ATCommand is set.
type PID struct {
	Name        string
	Description string
	Unit        string
	Kind        state.Kind
	Mode        byte
	PID         byte
	ATCommand   string
	Bytes       int   // minimum payload length
	Interval    int64 // default report interval, ms
	Visible     bool

	decode func(data []byte) state.Value
}

// IsAT reports whether the parameter is read with an adapter command rather
// than an OBD request.
func (p PID) IsAT() bool { return p.ATCommand != "" }

// Definition is the registry entry seeded for p. AT parameters are answered by
// the adapter itself and start out supported.
func (p PID) Definition() state.Definition {
	return state.Definition{
		Name:           p.Name,
		Description:    p.Description,
		Unit:           p.Unit,
		Kind:           p.Kind,
		Visible:        p.Visible,
		Enabled:        true,
		Supported:      p.IsAT(),
		UpdateInterval: p.Interval,
	}
}

// Decode turns a PID payload into a value of p.Kind.
func (p PID) Decode(data []byte) (state.Value, error) {
	if p.decode == nil {
		return nil, fmt.Errorf("%s: no payload decoder", p.Name)
	}
	if len(data) < p.Bytes {
		return nil, fmt.Errorf("%s: expected %d data bytes, got %d", p.Name, p.Bytes, len(data))
	}
	return p.decode(data), nil
}

// DecodeText parses the textual answer of an AT parameter, e.g. "12.6V".
func (p PID) DecodeText(raw string) (state.Value, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimRight(s, "Vv")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot parse %q", p.Name, raw)
	}
	return state.FloatValue(f), nil
}

func word(d []byte) float64 { return float64(int(d[0])*256 + int(d[1])) }

func percent(d []byte) state.Value { return state.FloatValue(float64(d[0]) * 100 / 255) }

func temperature(d []byte) state.Value { return state.IntValue(int64(d[0]) - 40) }

var catalog = []PID{
	{Name: "rpm", Description: "Engine speed", Unit: "rpm", Kind: state.KindInt, Mode: 0x01, PID: 0x0C, Bytes: 2, Interval: 1000, Visible: true,
		decode: func(d []byte) state.Value { return state.IntValue(int64(word(d) / 4)) }},
	{Name: "speed", Description: "Vehicle speed", Unit: "km/h", Kind: state.KindInt, Mode: 0x01, PID: 0x0D, Bytes: 1, Interval: 1000, Visible: true,
		decode: func(d []byte) state.Value { return state.IntValue(int64(d[0])) }},
	{Name: "coolantTemp", Description: "Engine coolant temperature", Unit: "°C", Kind: state.KindInt, Mode: 0x01, PID: 0x05, Bytes: 1, Interval: 5000, Visible: true,
		decode: temperature},
	{Name: "ambientAirTemp", Description: "Ambient air temperature", Unit: "°C", Kind: state.KindInt, Mode: 0x01, PID: 0x46, Bytes: 1, Interval: 10000, Visible: true,
		decode: temperature},
	{Name: "intakeAirTemp", Description: "Intake air temperature", Unit: "°C", Kind: state.KindInt, Mode: 0x01, PID: 0x0F, Bytes: 1, Interval: 5000, Visible: false,
		decode: temperature},
	{Name: "engineLoad", Description: "Calculated engine load", Unit: "%", Kind: state.KindFloat, Mode: 0x01, PID: 0x04, Bytes: 1, Interval: 2000, Visible: true,
		decode: percent},
	{Name: "throttle", Description: "Throttle position", Unit: "%", Kind: state.KindFloat, Mode: 0x01, PID: 0x11, Bytes: 1, Interval: 1000, Visible: false,
		decode: percent},
	{Name: "fuelRate", Description: "Engine fuel rate", Unit: "L/h", Kind: state.KindFloat, Mode: 0x01, PID: 0x5E, Bytes: 2, Interval: 2000, Visible: true,
		decode: func(d []byte) state.Value { return state.FloatValue(word(d) / 20) }},
	{Name: "fuelLevel", Description: "Fuel tank level", Unit: "%", Kind: state.KindFloat, Mode: 0x01, PID: 0x2F, Bytes: 1, Interval: 30000, Visible: true,
		decode: percent},
	{Name: "maf", Description: "Mass air flow rate", Unit: "g/s", Kind: state.KindFloat, Mode: 0x01, PID: 0x10, Bytes: 2, Interval: 2000, Visible: false,
		decode: func(d []byte) state.Value { return state.FloatValue(word(d) / 100) }},
	{Name: "milOn", Description: "Malfunction indicator lamp", Kind: state.KindBool, Mode: 0x01, PID: 0x01, Bytes: 4, Interval: 30000, Visible: true,
		decode: func(d []byte) state.Value { return state.BoolValue(d[0]&0x80 != 0) }},
	{Name: "batteryVoltage", Description: "Adapter supply voltage", Unit: "V", Kind: state.KindFloat, ATCommand: "ATRV", Interval: 10000, Visible: true},
}

// Catalog returns the polled parameters in poll order.
func Catalog() []PID {
	return append([]PID(nil), catalog...)
}

// Lookup finds a parameter by entry name.
func Lookup(name string) (PID, bool) {
	for _, p := range catalog {
		if p.Name == name {
			return p, true
		}
	}
	return PID{}, false
}

// DiagnosticDefinitions are the gateway-maintained entries. The static ones
// become supported once their value is known.
func DiagnosticDefinitions() []state.Definition {
	return []state.Definition{
		{Name: EntryProtocol, Description: "Active OBD-II protocol number", Kind: state.KindInt,
			Enabled: true, Diagnostic: true, UpdateInterval: state.StaticInterval},
		{Name: EntrySupportedPIDs, Description: "Number of mode 01 PIDs the vehicle supports", Kind: state.KindInt,
			Enabled: true, Diagnostic: true, UpdateInterval: state.StaticInterval},
		{Name: EntryPollErrors, Description: "Failed adapter requests since boot", Kind: state.KindInt,
			Visible: true, Enabled: true, Supported: true, Diagnostic: true, UpdateInterval: 10000},
	}
}

// DefaultDefinitions seeds a registry: the catalog followed by the diagnostics.
func DefaultDefinitions() []state.Definition {
	defs := make([]state.Definition, 0, len(catalog)+3)
	for _, p := range catalog {
		defs = append(defs, p.Definition())
	}
	return append(defs, DiagnosticDefinitions()...)
}

// NewRegistry returns a registry seeded with DefaultDefinitions.
func NewRegistry() *state.Registry {
	r := state.NewRegistry()
	for _, def := range DefaultDefinitions() {
		r.MustAdd(def)
	}
	return r
}
