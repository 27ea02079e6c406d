package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

// SPP talks to an adapter bound to a serial device (rfcomm or USB).
type SPP struct {
	Port    string
	Baud    int
	Timeout time.Duration

	mu   sync.Mutex
	port serial.Port
}

func NewSPP(port string, baud int, timeout time.Duration) *SPP {
	return &SPP{Port: port, Baud: baud, Timeout: timeout}
}

// Open ignores target; the rfcomm binding already selects the peer.
func (s *SPP) Open(ctx context.Context, _ Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	port, err := serial.Open(&serial.Config{
		Address:  s.Port,
		BaudRate: s.Baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  s.Timeout,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", s.Port, err)
	}
	s.port = port
	return nil
}

func (s *SPP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *SPP) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *SPP) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrNotOpen
	}
	return s.port, nil
}

func (s *SPP) Read(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	n, err := port.Read(p)
	if errors.Is(err, serial.ErrTimeout) {
		return n, nil
	}
	return n, err
}

func (s *SPP) Write(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}
