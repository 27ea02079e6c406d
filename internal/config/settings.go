package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// SettingsFile is the document the operator settings are persisted under.
const SettingsFile = "settings.json"

// Settings are the operator-editable runtime settings, grouped the same way as
// the settings document.
type Settings struct {
	General GeneralSettings `json:"general"`
	WiFi    WiFiSettings    `json:"wifi"`
	OBD2    OBD2Settings    `json:"obd2"`
}

type GeneralSettings struct {
	SleepTimeout  int `json:"sleepTimeout"`  // seconds without a successful poll before sleeping; 0 disables
	SleepDuration int `json:"sleepDuration"` // seconds
}

type WiFiSettings struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

type OBD2Settings struct {
	Name                string `json:"name"`
	MAC                 string `json:"mac"`
	CheckPIDSupport     bool   `json:"checkPIDSupport"`
	Debug               bool   `json:"debug"`
	SpecifyNumResponses bool   `json:"specifyNumResponses"`
	Protocol            string `json:"protocol"` // ELM327 ATSP code, "0" = automatic
}

func DefaultSettings() Settings {
	return Settings{
		General: GeneralSettings{SleepTimeout: 5 * 60, SleepDuration: 60 * 60},
		OBD2:    OBD2Settings{SpecifyNumResponses: true, Protocol: "0"},
	}
}

func (g GeneralSettings) SleepTimeoutDuration() time.Duration {
	return time.Duration(g.SleepTimeout) * time.Second
}
func (g GeneralSettings) SleepDurationDuration() time.Duration {
	return time.Duration(g.SleepDuration) * time.Second
}

// AdapterName returns the configured adapter name or alternate when unset.
func (o OBD2Settings) AdapterName(alternate string) string {
	if o.Name == "" {
		return alternate
	}
	return o.Name
}

func (s *Settings) Validate() error {
	var errs multiErr
	if s.General.SleepTimeout < 0 {
		errs.add("general.sleepTimeout cannot be negative")
	}
	if s.General.SleepDuration <= 0 {
		errs.add("general.sleepDuration must be > 0")
	}
	if s.OBD2.MAC != "" {
		if _, err := net.ParseMAC(s.OBD2.MAC); err != nil {
			errs.addf("obd2.mac: %v", err)
		}
	}
	p := strings.ToUpper(s.OBD2.Protocol)
	if len(p) != 1 || !strings.Contains("0123456789ABC", p) {
		errs.addf("obd2.protocol must be one of 0-9,A-C, got %q", s.OBD2.Protocol)
	} else {
		s.OBD2.Protocol = p
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ParseSettings decodes a settings document. Keys that are absent take their
// default value; unknown keys are ignored.
func ParseSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("invalid settings JSON: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

type Store interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
}

// SettingsManager holds the live settings and persists them through a Store.
type SettingsManager struct {
	mu       sync.RWMutex
	current  Settings
	store    Store
	onChange []func(Settings)
}

func NewSettingsManager(store Store) *SettingsManager {
	return &SettingsManager{current: DefaultSettings(), store: store}
}

func (m *SettingsManager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers fn to run after every successful ParseJSON or Load.
func (m *SettingsManager) OnChange(fn func(Settings)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Load reads the settings document. On error the current settings are kept.
func (m *SettingsManager) Load() error {
	data, err := m.store.ReadFile(SettingsFile)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	return m.ParseJSON(data)
}

func (m *SettingsManager) Save() error {
	data, err := m.BuildJSON()
	if err != nil {
		return err
	}
	if err := m.store.WriteFile(SettingsFile, data); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func (m *SettingsManager) BuildJSON() ([]byte, error) {
	return json.Marshal(m.Get())
}

// ParseJSON replaces the settings with the decoded document, or leaves them
// untouched on error.
func (m *SettingsManager) ParseJSON(data []byte) error {
	s, err := ParseSettings(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = s
	hooks := append([]func(Settings){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(s)
	}
	return nil
}
