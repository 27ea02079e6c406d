// internal/config/gateway.go
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/fisaks/obdgw/internal/logging"
	"gopkg.in/yaml.v3"
)

/* =========================
   Types
   ========================= */

type GatewayConfig struct {
	Transport        TransportConfig `json:"transport" yaml:"transport"`
	PollIntervalMs   int             `json:"pollIntervalMs" yaml:"pollIntervalMs"`     // adapter poll cadence
	ReportIntervalMs int             `json:"reportIntervalMs" yaml:"reportIntervalMs"` // reporting cadence
	HTTP             HTTPConfig      `json:"http" yaml:"http"`
	MQTT             MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	Storage          StorageConfig   `json:"storage" yaml:"storage"`
	Sink             string          `json:"sink" yaml:"sink"` // "log" | "mqtt"
	Sleep            SleepConfig     `json:"sleep" yaml:"sleep"`
	ScanWindowMs     int             `json:"scanWindowMs" yaml:"scanWindowMs"`
	IdleCheckMs      int             `json:"idleCheckMs" yaml:"idleCheckMs"`
}

type TransportConfig struct {
	Type             string `json:"type" yaml:"type"` // "ble" | "spp"
	Port             string `json:"port" yaml:"port"` // spp only, e.g. /dev/rfcomm0
	Baud             int    `json:"baud" yaml:"baud"`
	TimeoutMs        int    `json:"timeoutMs" yaml:"timeoutMs"` // single read timeout
	ConnectTimeoutMs int    `json:"connectTimeoutMs" yaml:"connectTimeoutMs"`
	ServiceUUID      string `json:"serviceUUID" yaml:"serviceUUID"`
	RxUUID           string `json:"rxUUID" yaml:"rxUUID"` // notify characteristic
	TxUUID           string `json:"txUUID" yaml:"txUUID"` // write characteristic
	Debug            bool   `json:"debug" yaml:"debug"`
}

type HTTPConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	URL         string `json:"url" yaml:"url"`
	ClientName  string `json:"clientName" yaml:"clientName"`
	TopicPrefix string `json:"topicPrefix" yaml:"topicPrefix"`
}

type StorageConfig struct {
	Backend  string `json:"backend" yaml:"backend"` // "file" | "bolt"
	Dir      string `json:"dir" yaml:"dir"`
	BoltPath string `json:"boltPath" yaml:"boltPath"`
}

// SleepConfig.Command is run to suspend the host; "{seconds}" in any argument
// is replaced by the sleep duration. Empty means log-only.
type SleepConfig struct {
	Command []string `json:"command" yaml:"command"`
}

const (
	DefaultServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"
	DefaultRxUUID      = "0000fff1-0000-1000-8000-00805f9b34fb"
	DefaultTxUUID      = "0000fff2-0000-1000-8000-00805f9b34fb"
)

/* =========================
   Helpers
   ========================= */

func (c *GatewayConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
func (c *GatewayConfig) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalMs) * time.Millisecond
}
func (c *GatewayConfig) ScanWindow() time.Duration {
	return time.Duration(c.ScanWindowMs) * time.Millisecond
}
func (c *GatewayConfig) IdleCheck() time.Duration {
	return time.Duration(c.IdleCheckMs) * time.Millisecond
}

func (t TransportConfig) Timeout() time.Duration { return time.Duration(t.TimeoutMs) * time.Millisecond }
func (t TransportConfig) ConnectTimeout() time.Duration {
	return time.Duration(t.ConnectTimeoutMs) * time.Millisecond
}

/* =========================
   Strict load + validate
   ========================= */

// LoadGatewayConfig reads JSON (comments allowed) or, for .yaml/.yml files, YAML.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeYAML(raw)
	default:
		return decodeJSON(raw)
	}
}

func LoadGatewayConfigFromReader(r io.Reader) (*GatewayConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

func decodeJSON(raw []byte) (*GatewayConfig, error) {
	clean := stripJSONComments(raw)

	dec := json.NewDecoder(bytes.NewReader(clean))
	dec.DisallowUnknownFields()

	var cfg GatewayConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func decodeYAML(raw []byte) (*GatewayConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var cfg GatewayConfig
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *GatewayConfig {
	var cfg GatewayConfig
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return &cfg
}

// Validate fills defaults in place and reports every problem at once.
func (c *GatewayConfig) Validate() error {
	var errs multiErr

	/* Transport */
	t := &c.Transport
	if t.Type == "" {
		t.Type = "ble"
	}
	t.Type = strings.ToLower(t.Type)
	switch t.Type {
	case "ble":
		if t.ServiceUUID == "" {
			t.ServiceUUID = DefaultServiceUUID
		}
		if t.RxUUID == "" {
			t.RxUUID = DefaultRxUUID
		}
		if t.TxUUID == "" {
			t.TxUUID = DefaultTxUUID
		}
		for _, u := range []struct{ name, v string }{{"serviceUUID", t.ServiceUUID}, {"rxUUID", t.RxUUID}, {"txUUID", t.TxUUID}} {
			if !uuidPattern.MatchString(u.v) {
				errs.addf("transport.%s: %q is not a 128-bit UUID", u.name, u.v)
			}
		}
	case "spp":
		if strings.TrimSpace(t.Port) == "" {
			t.Port = "/dev/rfcomm0"
		}
		if t.Baud == 0 {
			t.Baud = 38400
		}
		if t.Baud < 0 {
			errs.add("transport.baud must be > 0 for type=spp")
		}
	default:
		errs.addf("transport.type must be 'ble' or 'spp', got %q", t.Type)
	}
	if t.TimeoutMs == 0 {
		t.TimeoutMs = 20
	}
	if t.ConnectTimeoutMs == 0 {
		t.ConnectTimeoutMs = 2000
	}
	if t.TimeoutMs < 0 || t.ConnectTimeoutMs < 0 {
		errs.add("transport timeouts cannot be negative")
	}

	/* Cadence */
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = 50
	}
	if c.ReportIntervalMs == 0 {
		c.ReportIntervalMs = 2000
	}
	if c.PollIntervalMs < 0 {
		errs.add("pollIntervalMs must be > 0 (e.g., 50)")
	}
	if c.ReportIntervalMs < 0 {
		errs.add("reportIntervalMs must be > 0 (e.g., 2000)")
	}
	if c.ScanWindowMs == 0 {
		c.ScanWindowMs = 5000
	}
	if c.IdleCheckMs == 0 {
		c.IdleCheckMs = 1000
	}
	if c.ScanWindowMs < 0 || c.IdleCheckMs < 0 {
		errs.add("scanWindowMs and idleCheckMs cannot be negative")
	}

	/* HTTP */
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}

	/* MQTT */
	if c.MQTT.URL == "" {
		c.MQTT.URL = "tcp://localhost:1883"
	}
	if c.MQTT.ClientName == "" {
		c.MQTT.ClientName = "gateway1"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "obdgw/" + c.MQTT.ClientName
	}
	c.MQTT.TopicPrefix = strings.TrimSuffix(c.MQTT.TopicPrefix, "/")
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		errs.addf("mqtt.topicPrefix %q cannot contain wildcards", c.MQTT.TopicPrefix)
	}

	/* Storage */
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	if c.Storage.Dir == "" {
		c.Storage.Dir = "/var/lib/obdgw"
	}
	if c.Storage.BoltPath == "" {
		c.Storage.BoltPath = filepath.Join(c.Storage.Dir, "obdgw.db")
	}
	if !slices.Contains([]string{"file", "bolt"}, c.Storage.Backend) {
		errs.addf("storage.backend must be 'file' or 'bolt', got %q", c.Storage.Backend)
	}

	/* Sink */
	if c.Sink == "" {
		c.Sink = "log"
	}
	c.Sink = strings.ToLower(c.Sink)
	switch c.Sink {
	case "log":
	case "mqtt":
		if !c.MQTT.Enabled {
			errs.add("sink=mqtt requires mqtt.enabled=true")
		}
	default:
		errs.addf("sink must be 'log' or 'mqtt', got %q", c.Sink)
	}

	if len(c.Sleep.Command) == 0 {
		logging.Debug("sleep.command not configured, sleep requests are logged only")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

/* =========================
   Comment stripping + utils
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)^\s*//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
	uuidPattern   = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// stripJSONComments removes block comments and whole-line // comments. Trailing
// // comments are not supported because URLs contain "//".
func stripJSONComments(in []byte) []byte {
	text := string(in)
	text = blockComments.ReplaceAllString(text, "")
	text = lineComments.ReplaceAllString(text, "")
	return []byte(text)
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
