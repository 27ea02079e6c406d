package messaging

import (
	"sync"
	"time"

	"github.com/fisaks/obdgw/internal/obdgw"
)

// PublishedStore remembers the last report published per topic so a broker
// reconnect can restore the retained values.
type PublishedStore interface {
	GetLast(topic string) (obdgw.Report, time.Time, bool)
	Update(topic string, r obdgw.Report)
	All() map[string]obdgw.Report
	Clear()
}

type publishedStore struct {
	store     map[string]obdgw.Report
	heartbeat map[string]time.Time
	mu        sync.RWMutex
}

func NewPublishedStore() PublishedStore {
	return &publishedStore{
		store:     make(map[string]obdgw.Report),
		heartbeat: make(map[string]time.Time),
	}
}

func (s *publishedStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = make(map[string]obdgw.Report)
	s.heartbeat = make(map[string]time.Time)
}

func (s *publishedStore) GetLast(topic string) (obdgw.Report, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.store[topic]
	sent, ok2 := s.heartbeat[topic]
	return r, sent, ok && ok2
}

func (s *publishedStore) Update(topic string, r obdgw.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[topic] = r
	s.heartbeat[topic] = time.Now()
}

func (s *publishedStore) All() map[string]obdgw.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]obdgw.Report, len(s.store))
	for k, v := range s.store {
		out[k] = v
	}
	return out
}
