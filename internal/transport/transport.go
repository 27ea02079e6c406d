// Package transport carries ELM327 bytes over a Bluetooth link: BLE GATT UART
// or classic SPP through an rfcomm tty.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotOpen         = errors.New("transport not open")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrScanUnsupported = errors.New("scanning not supported by transport")
	ErrScanInProgress  = errors.New("scan already in progress")
)

// Target identifies the adapter to connect to. Address wins over Name when both
// are set.
type Target struct {
	Name    string
	Address string
}

func (t Target) String() string {
	if t.Address != "" {
		return t.Address
	}
	return t.Name
}

// Matches reports whether a peer seen during a scan is the target.
func (t Target) Matches(p Peer) bool {
	if t.Address != "" {
		return strings.EqualFold(t.Address, p.MAC)
	}
	return t.Name != "" && t.Name == p.Name
}

// Peer is a device seen during discovery.
type Peer struct {
	Name string `json:"name"`
	MAC  string `json:"mac"`
	RSSI int16  `json:"-"`
}

// Transport is a byte stream to the adapter.
//
// Read waits at most the configured read timeout and returns (0, nil) when
// nothing arrived, so callers can poll without blocking.
type Transport interface {
	Open(ctx context.Context, target Target) error
	Close() error
	IsOpen() bool
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Scanner lists nearby peers during a bounded window.
type Scanner interface {
	Scan(ctx context.Context, window time.Duration) ([]Peer, error)
}
