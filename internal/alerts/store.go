// Package alerts keeps the most recent routed alerts in memory for the
// status API.
package alerts

import (
	"sync"
	"time"

	"logwarden/internal/model"
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Since    time.Time
	IP       string
	Type     string
	Severity model.Severity
	Limit    int
}

type Store struct {
	mu    sync.RWMutex
	buf   []model.Alert
	next  int
	full  bool
	limit int
	total int64
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{buf: make([]model.Alert, limit), limit: limit}
}

func (s *Store) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = alert
	s.next = (s.next + 1) % s.limit
	if s.next == 0 {
		s.full = true
	}
	s.total++
}

// List returns matching alerts oldest first, keeping the newest Limit.
func (s *Store) List(f Filter) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0)
	s.each(func(a model.Alert) {
		if f.matches(a) {
			out = append(out, a)
		}
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Counts returns the buffered alerts per severity.
func (s *Store) Counts() map[model.Severity]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.Severity]int, 3)
	s.each(func(a model.Alert) { out[a.Severity]++ })
	return out
}

// Total is the number of alerts ever added, including evicted ones.
func (s *Store) Total() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return s.limit
	}
	return s.next
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = make([]model.Alert, s.limit)
	s.next = 0
	s.full = false
}

func (s *Store) each(fn func(model.Alert)) {
	if s.full {
		for i := s.next; i < s.limit; i++ {
			fn(s.buf[i])
		}
	}
	for i := 0; i < s.next; i++ {
		fn(s.buf[i])
	}
}

func (f Filter) matches(a model.Alert) bool {
	if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
		return false
	}
	if f.IP != "" && a.IP != f.IP {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	return true
}
