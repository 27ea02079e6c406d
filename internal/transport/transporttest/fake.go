// Package transporttest provides a scripted ELM327 adapter for tests.
package transporttest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fisaks/obdgw/internal/transport"
)

// Fake answers written commands from its reply table, delivering each answer
// in chunks per Read. Commands without a reply get the default reply, which is
// empty (silence) unless set.
type Fake struct {
	mu       sync.Mutex
	open     bool
	replies  map[string]string
	fallback string
	pending  []byte
	written  []string
	opens    int
	peers    []transport.Peer
	chunk    int
	openErr  error
	readErr  error
	writeErr error
}

// Handshake returns the replies of a healthy adapter on protocol 6.
func Handshake() map[string]string {
	return map[string]string{
		"ATZ":   "ATZ\r\r\rELM327 v1.5\r\r>",
		"ATE0":  "ATE0\rOK\r\r>",
		"ATL0":  "OK\r\r>",
		"ATS0":  "OK\r\r>",
		"ATH0":  "OK\r\r>",
		"ATSP0": "OK\r\r>",
		"ATDPN": "A6\r\r>",
	}
}

func New(replies map[string]string) *Fake {
	if replies == nil {
		replies = map[string]string{}
	}
	return &Fake{replies: replies, chunk: 64}
}

// NewConnected returns a fake that completes the handshake and is already open.
func NewConnected() *Fake {
	f := New(Handshake())
	f.open = true
	return f
}

func (f *Fake) SetReply(cmd, reply string) {
	f.mu.Lock()
	f.replies[cmd] = reply
	f.mu.Unlock()
}

// SetDefaultReply answers commands missing from the reply table, e.g.
// "NO DATA\r\r>".
func (f *Fake) SetDefaultReply(reply string) {
	f.mu.Lock()
	f.fallback = reply
	f.mu.Unlock()
}

func (f *Fake) SetChunk(n int) {
	f.mu.Lock()
	f.chunk = n
	f.mu.Unlock()
}

func (f *Fake) SetOpenErr(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

func (f *Fake) SetReadErr(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *Fake) SetWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *Fake) SetPeers(peers []transport.Peer) {
	f.mu.Lock()
	f.peers = peers
	f.mu.Unlock()
}

// Written returns the commands received so far.
func (f *Fake) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

func (f *Fake) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *Fake) Open(ctx context.Context, _ transport.Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	f.pending = nil
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.open = false
	f.pending = nil
	f.mu.Unlock()
	return nil
}

func (f *Fake) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *Fake) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return 0, transport.ErrNotOpen
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	cmd := strings.TrimSuffix(string(p), "\r")
	f.written = append(f.written, cmd)
	reply, ok := f.replies[cmd]
	if !ok {
		reply = f.fallback
	}
	f.pending = append(f.pending, reply...)
	return len(p), nil
}

func (f *Fake) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return 0, transport.ErrNotOpen
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	n := min(len(p), f.chunk, len(f.pending))
	copy(p, f.pending[:n])
	f.pending = f.pending[n:]
	return n, nil
}

// Scan returns the configured peers immediately.
func (f *Fake) Scan(ctx context.Context, _ time.Duration) ([]transport.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Peer(nil), f.peers...), nil
}
