package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// bleChunk is the payload size of a default-MTU ATT write.
const bleChunk = 20

const defaultBLEConnectWindow = 10 * time.Second

var (
	enableOnce sync.Once
	enableErr  error

	// the adapter runs one scan at a time, shared by Open and Scan
	scanMu sync.Mutex
)

func enableAdapter(a *bluetooth.Adapter) error {
	enableOnce.Do(func() {
		enableErr = a.Enable()
	})
	if enableErr != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", enableErr)
	}
	return nil
}

// BLE is a GATT UART link: notifications on RxUUID feed Read, Write goes to TxUUID.
type BLE struct {
	ServiceUUID string
	RxUUID      string
	TxUUID      string
	Timeout     time.Duration

	adapter *bluetooth.Adapter
	rx      *rxBuffer

	mu     sync.Mutex
	open   bool
	device bluetooth.Device
	tx     bluetooth.DeviceCharacteristic
}

func NewBLE(serviceUUID, rxUUID, txUUID string, timeout time.Duration) *BLE {
	return &BLE{
		ServiceUUID: serviceUUID,
		RxUUID:      rxUUID,
		TxUUID:      txUUID,
		Timeout:     timeout,
		adapter:     bluetooth.DefaultAdapter,
		rx:          newRxBuffer(4096),
	}
}

func (b *BLE) Open(ctx context.Context, target Target) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return nil
	}
	if target.Name == "" && target.Address == "" {
		return fmt.Errorf("%w: no adapter name or address configured", ErrPeerNotFound)
	}
	svcUUID, err := bluetooth.ParseUUID(b.ServiceUUID)
	if err != nil {
		return fmt.Errorf("service uuid: %w", err)
	}
	rxUUID, err := bluetooth.ParseUUID(b.RxUUID)
	if err != nil {
		return fmt.Errorf("rx uuid: %w", err)
	}
	txUUID, err := bluetooth.ParseUUID(b.TxUUID)
	if err != nil {
		return fmt.Errorf("tx uuid: %w", err)
	}
	if err := enableAdapter(b.adapter); err != nil {
		return err
	}

	window := defaultBLEConnectWindow
	if dl, ok := ctx.Deadline(); ok {
		window = time.Until(dl)
	}
	found, err := scanPeers(ctx, b.adapter, window, target.Matches)
	if err != nil {
		return fmt.Errorf("scan for %s: %w", target, err)
	}
	var addr *bluetooth.Address
	for _, f := range found {
		if target.Matches(f.peer) {
			a := f.addr
			addr = &a
			break
		}
	}
	if addr == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, target)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	device, err := b.adapter.Connect(*addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", target, err)
	}
	tx, err := b.setup(device, svcUUID, rxUUID, txUUID)
	if err != nil {
		device.Disconnect()
		return err
	}
	b.device = device
	b.tx = tx
	b.open = true
	return nil
}

func (b *BLE) setup(device bluetooth.Device, svcUUID, rxUUID, txUUID bluetooth.UUID) (bluetooth.DeviceCharacteristic, error) {
	var tx bluetooth.DeviceCharacteristic
	services, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return tx, fmt.Errorf("discover services: %w", err)
	}
	if len(services) == 0 {
		return tx, fmt.Errorf("service %s not found", svcUUID)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{rxUUID, txUUID})
	if err != nil {
		return tx, fmt.Errorf("discover characteristics: %w", err)
	}
	var rx *bluetooth.DeviceCharacteristic
	var txFound bool
	for i := range chars {
		switch chars[i].UUID() {
		case rxUUID:
			rx = &chars[i]
		case txUUID:
			tx = chars[i]
			txFound = true
		}
	}
	// single-characteristic adapters notify and accept writes on the same UUID
	if rxUUID == txUUID && len(chars) > 0 {
		rx, tx, txFound = &chars[0], chars[0], true
	}
	if rx == nil || !txFound {
		return tx, errors.New("uart characteristics not found")
	}
	b.rx.reset()
	if err := rx.EnableNotifications(b.rx.push); err != nil {
		return tx, fmt.Errorf("enable notifications: %w", err)
	}
	return tx, nil
}

func (b *BLE) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	b.open = false
	b.rx.reset()
	return b.device.Disconnect()
}

func (b *BLE) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *BLE) Read(p []byte) (int, error) {
	if !b.IsOpen() {
		return 0, ErrNotOpen
	}
	return b.rx.read(p, b.Timeout), nil
}

func (b *BLE) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return 0, ErrNotOpen
	}
	written := 0
	for written < len(p) {
		end := min(written+bleChunk, len(p))
		n, err := b.tx.WriteWithoutResponse(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// BLEScanner lists advertising peers.
type BLEScanner struct {
	adapter *bluetooth.Adapter
}

func NewBLEScanner() *BLEScanner {
	return &BLEScanner{adapter: bluetooth.DefaultAdapter}
}

func (s *BLEScanner) Scan(ctx context.Context, window time.Duration) ([]Peer, error) {
	if err := enableAdapter(s.adapter); err != nil {
		return nil, err
	}
	found, err := scanPeers(ctx, s.adapter, window, nil)
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(found))
	for _, f := range found {
		peers = append(peers, f.peer)
	}
	return peers, nil
}

type seenPeer struct {
	peer Peer
	addr bluetooth.Address
}

// scanPeers scans for window (or until stopOn matches) and returns peers in
// first-seen order, one per address.
func scanPeers(ctx context.Context, adapter *bluetooth.Adapter, window time.Duration, stopOn func(Peer) bool) ([]seenPeer, error) {
	if !scanMu.TryLock() {
		return nil, ErrScanInProgress
	}
	defer scanMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var (
		mu    sync.Mutex
		seen  []seenPeer
		index = map[string]int{}
	)
	done := make(chan error, 1)
	go func() {
		done <- adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			p := Peer{Name: r.LocalName(), MAC: strings.ToUpper(r.Address.String()), RSSI: r.RSSI}
			mu.Lock()
			if i, ok := index[p.MAC]; ok {
				if seen[i].peer.Name == "" {
					seen[i].peer.Name = p.Name
				}
				p = seen[i].peer
			} else {
				index[p.MAC] = len(seen)
				seen = append(seen, seenPeer{peer: p, addr: r.Address})
			}
			mu.Unlock()
			if stopOn != nil && stopOn(p) {
				a.StopScan()
			}
		})
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		adapter.StopScan()
		err = <-done
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]seenPeer(nil), seen...), err
}
