// Package discovery keeps the list of adapters seen by scans.
package discovery

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fisaks/obdgw/internal/logging"
	"github.com/fisaks/obdgw/internal/transport"
)

// DevicesFile holds a JSON array of {name, mac}.
const DevicesFile = "devices.json"

type Store interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
}

type Devices struct {
	mu    sync.Mutex
	store Store
	peers []transport.Peer
}

func NewDevices(store Store) *Devices {
	return &Devices{store: store}
}

// Load replaces the in-memory list with the stored one.
func (d *Devices) Load() error {
	data, err := d.store.ReadFile(DevicesFile)
	if err != nil {
		return fmt.Errorf("read devices: %w", err)
	}
	var peers []transport.Peer
	if err := json.Unmarshal(data, &peers); err != nil {
		return fmt.Errorf("invalid devices JSON: %w", err)
	}
	d.mu.Lock()
	d.peers = peers
	d.mu.Unlock()
	return nil
}

// Add appends peers as seen. Duplicates are kept until the next Save.
func (d *Devices) Add(peers []transport.Peer) {
	d.mu.Lock()
	d.peers = append(d.peers, peers...)
	d.mu.Unlock()
}

// Save rewrites the devices file, dropping repeated name+mac pairs.
func (d *Devices) Save() error {
	d.mu.Lock()
	d.peers = dedup(d.peers)
	peers := append([]transport.Peer{}, d.peers...)
	d.mu.Unlock()

	data, err := json.Marshal(peers)
	if err != nil {
		return err
	}
	if err := d.store.WriteFile(DevicesFile, data); err != nil {
		return fmt.Errorf("write devices: %w", err)
	}
	return nil
}

// List returns the known peers without duplicates.
func (d *Devices) List() []transport.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return dedup(d.peers)
}

// OnScan records the result of a completed scan.
func (d *Devices) OnScan(peers []transport.Peer) {
	d.Add(peers)
	if err := d.Save(); err != nil {
		logging.Error("Failed to save discovered devices", "error", err)
		return
	}
	logging.Info("Discovered devices saved", "found", len(peers), "known", len(d.List()))
}

func dedup(peers []transport.Peer) []transport.Peer {
	type key struct{ name, mac string }
	seen := make(map[key]bool, len(peers))
	out := make([]transport.Peer, 0, len(peers))
	for _, p := range peers {
		k := key{p.Name, p.MAC}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}
