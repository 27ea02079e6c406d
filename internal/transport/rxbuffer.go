package transport

import (
	"bytes"
	"sync"
	"time"
)

// rxBuffer collects notification payloads until Read drains them.
type rxBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	ready chan struct{} // 1-slot, signalled on every push
	limit int
}

func newRxBuffer(limit int) *rxBuffer {
	return &rxBuffer{ready: make(chan struct{}, 1), limit: limit}
}

// push appends data. When the buffer would exceed limit the oldest bytes are
// dropped.
func (b *rxBuffer) push(data []byte) {
	b.mu.Lock()
	b.buf.Write(data)
	if over := b.buf.Len() - b.limit; b.limit > 0 && over > 0 {
		b.buf.Next(over)
	}
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *rxBuffer) reset() {
	b.mu.Lock()
	b.buf.Reset()
	b.mu.Unlock()
	select {
	case <-b.ready:
	default:
	}
}

// read copies buffered bytes into p, waiting up to timeout for the first byte.
func (b *rxBuffer) read(p []byte, timeout time.Duration) int {
	if n := b.drain(p); n > 0 {
		return n
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-b.ready:
			if n := b.drain(p); n > 0 {
				return n
			}
		case <-t.C:
			return b.drain(p)
		}
	}
}

func (b *rxBuffer) drain(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _ := b.buf.Read(p)
	return n
}
