package reporter

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/fisaks/obdgw/internal/obdgw"
)

// Probe produces a fixed diagnostic at time now, or false when unavailable.
type Probe func(now int64) (obdgw.Report, bool)

const ThermalZone = "/sys/class/thermal/thermal_zone0/temp"

func DefaultProbes() []Probe {
	return []Probe{Uptime(), FreeHeap(), Temperature(ThermalZone)}
}

func diagnostic(name, value, unit string, now int64) obdgw.Report {
	return obdgw.Report{Name: name, Value: value, Unit: unit, Diagnostic: true, Timestamp: now}
}

// Uptime reports whole seconds since boot.
func Uptime() Probe {
	return func(now int64) (obdgw.Report, bool) {
		return diagnostic("uptime", strconv.FormatInt(now/1000, 10), "s", now), true
	}
}

// FreeHeap reports heap memory held by the runtime but not in use.
func FreeHeap() Probe {
	return func(now int64) (obdgw.Report, bool) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		free := m.HeapIdle - m.HeapReleased
		return diagnostic("freeHeap", strconv.FormatUint(free, 10), "B", now), true
	}
}

// Temperature reads a sysfs thermal zone (millidegrees). Hosts without one
// skip the report.
func Temperature(path string) Probe {
	return func(now int64) (obdgw.Report, bool) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return obdgw.Report{}, false
		}
		milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return obdgw.Report{}, false
		}
		return diagnostic("temperature", strconv.FormatFloat(float64(milli)/1000, 'f', 2, 64), "°C", now), true
	}
}
