package main

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fisaks/obdgw/internal/obd"
)

// Adapter answers ELM327 commands from a table of mode 01 payloads.
type Adapter struct {
	mu       sync.RWMutex
	echo     bool
	protocol string
	voltage  string
	payloads map[byte][]byte // mode 01 PID => data bytes
}

// seed payloads, rpm 1726 etc.
var defaultPayloads = map[string]string{
	"rpm":            "1AF8",
	"speed":          "32",
	"coolantTemp":    "7B",
	"ambientAirTemp": "3C",
	"intakeAirTemp":  "46",
	"engineLoad":     "40",
	"throttle":       "20",
	"fuelRate":       "0064",
	"fuelLevel":      "A0",
	"maf":            "03E8",
	"milOn":          "00076500",
}

func NewAdapter() *Adapter {
	a := &Adapter{echo: true, protocol: "6", voltage: "12.6V", payloads: map[byte][]byte{}}
	for name, h := range defaultPayloads {
		p, ok := obd.Lookup(name)
		if !ok {
			continue
		}
		data, _ := hex.DecodeString(h)
		a.payloads[p.PID] = data
	}
	return a
}

// Handle returns the full reply to one command line, prompt included.
func (a *Adapter) Handle(line string) string {
	cmd := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(line), " ", ""))
	a.mu.Lock()
	defer a.mu.Unlock()

	var prefix string
	if a.echo {
		prefix = line + "\r"
	}
	reply := a.answer(cmd)
	return prefix + reply + "\r\r>"
}

func (a *Adapter) answer(cmd string) string {
	switch {
	case cmd == "":
		return "?"
	case cmd == "ATZ":
		a.echo = true
		return "\r\rELM327 v1.5"
	case cmd == "ATE0":
		a.echo = false
		return "OK"
	case cmd == "ATE1":
		a.echo = true
		return "OK"
	case cmd == "ATDPN":
		return "A" + a.protocol
	case cmd == "ATRV":
		return a.voltage
	case strings.HasPrefix(cmd, "ATSP"):
		if p := strings.TrimPrefix(cmd, "ATSP"); p != "0" && p != "" {
			a.protocol = p
		}
		return "OK"
	case strings.HasPrefix(cmd, "AT"):
		return "OK"
	case strings.HasPrefix(cmd, "01") && len(cmd) >= 4:
		return a.mode01(cmd)
	default:
		return "?"
	}
}

func (a *Adapter) mode01(cmd string) string {
	b, err := hex.DecodeString(cmd[2:4])
	if err != nil {
		return "?"
	}
	pid := b[0]
	if pid%0x20 == 0 {
		bitmap := a.supportBitmap(pid)
		if bitmap == nil {
			return "NO DATA"
		}
		return fmt.Sprintf("41%02X%X", pid, bitmap)
	}
	data, ok := a.payloads[pid]
	if !ok {
		return "NO DATA"
	}
	return fmt.Sprintf("41%02X%X", pid, data)
}

// supportBitmap builds the 4-byte answer for a support query at base, or nil
// when no PID in the range is known.
func (a *Adapter) supportBitmap(base byte) []byte {
	bitmap := make([]byte, 4)
	found := false
	for pid := range a.payloads {
		if pid <= base || int(pid) > int(base)+0x20 {
			continue
		}
		bit := int(pid - base - 1)
		bitmap[bit/8] |= 0x80 >> (bit % 8)
		found = true
	}
	for pid := range a.payloads {
		if int(pid) > int(base)+0x20 && base < 0xE0 {
			bitmap[3] |= 0x01 // next range available
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	return bitmap
}

// Set replaces the payload of a catalog entry.
func (a *Adapter) Set(name string, data []byte) error {
	p, ok := obd.Lookup(name)
	if !ok || p.IsAT() {
		return fmt.Errorf("unknown PID entry %q", name)
	}
	if len(data) < p.Bytes {
		return fmt.Errorf("%s needs %d data bytes", name, p.Bytes)
	}
	a.mu.Lock()
	a.payloads[p.PID] = data
	a.mu.Unlock()
	return nil
}

// Remove makes the entry answer NO DATA and drops it from the support bitmaps.
func (a *Adapter) Remove(name string) error {
	p, ok := obd.Lookup(name)
	if !ok || p.IsAT() {
		return fmt.Errorf("unknown PID entry %q", name)
	}
	a.mu.Lock()
	delete(a.payloads, p.PID)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) SetVoltage(v float64) {
	a.mu.Lock()
	a.voltage = fmt.Sprintf("%.1fV", v)
	a.mu.Unlock()
}

type PIDState struct {
	Name string `json:"name"`
	PID  string `json:"pid"`
	Data string `json:"data,omitempty"`
}

func (a *Adapter) Snapshot() []PIDState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []PIDState
	for _, p := range obd.Catalog() {
		if p.IsAT() {
			continue
		}
		s := PIDState{Name: p.Name, PID: fmt.Sprintf("%02X", p.PID)}
		if data, ok := a.payloads[p.PID]; ok {
			s.Data = fmt.Sprintf("%X", data)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
