package engine

import "time"

const maxKeys = 10000

// State is the per-key memory of one detector. It is owned by a single
// detector loop and is not safe for concurrent use.
type State struct {
	windows  map[string]*Window
	cooldown *cooldown
}

func NewState() *State {
	return &State{
		windows:  make(map[string]*Window),
		cooldown: newCooldown(),
	}
}

func (s *State) window(key string, cutoff time.Time) *Window {
	w, ok := s.windows[key]
	if ok {
		return w
	}
	if len(s.windows) >= maxKeys {
		s.compact(cutoff)
	}
	w = NewWindow()
	s.windows[key] = w
	return w
}

// compact forgets keys whose newest event is already outside the window.
func (s *State) compact(cutoff time.Time) {
	for k, w := range s.windows {
		newest, ok := w.Newest()
		if !ok || newest.Before(cutoff) {
			delete(s.windows, k)
			s.cooldown.forget(k)
		}
	}
}

func (s *State) Keys() int {
	return len(s.windows)
}
