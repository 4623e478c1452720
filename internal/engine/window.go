package engine

import (
	"slices"
	"sort"
	"strconv"
	"time"
)

type Entry struct {
	Timestamp time.Time
	Value     string
}

// Window is the event history of one key, kept in timestamp order.
type Window struct {
	entries []Entry
	head    int
	values  map[string]int
}

func NewWindow() *Window {
	return &Window{
		entries: make([]Entry, 0, 16),
		values:  make(map[string]int),
	}
}

// Add inserts e in timestamp order. A late entry lands before newer ones so
// Evict still only has to look at the front.
func (w *Window) Add(e Entry) {
	i := len(w.entries)
	for i > w.head && w.entries[i-1].Timestamp.After(e.Timestamp) {
		i--
	}
	w.entries = slices.Insert(w.entries, i, e)
	if e.Value != "" {
		w.values[e.Value]++
	}
}

// Evict drops entries older than cutoff.
func (w *Window) Evict(cutoff time.Time) {
	for w.head < len(w.entries) {
		e := w.entries[w.head]
		if !e.Timestamp.Before(cutoff) {
			break
		}
		if e.Value != "" {
			if n := w.values[e.Value]; n <= 1 {
				delete(w.values, e.Value)
			} else {
				w.values[e.Value] = n - 1
			}
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.entries) {
		w.entries = append(make([]Entry, 0, len(w.entries)-w.head), w.entries[w.head:]...)
		w.head = 0
	}
}

func (w *Window) Count() int {
	return len(w.entries) - w.head
}

func (w *Window) Distinct() int {
	return len(w.values)
}

// Values returns the distinct values, numerically sorted when they are all
// integers.
func (w *Window) Values() []string {
	out := make([]string, 0, len(w.values))
	numeric := true
	for v := range w.values {
		out = append(out, v)
		if _, err := strconv.Atoi(v); err != nil {
			numeric = false
		}
	}
	if numeric {
		sort.Slice(out, func(i, j int) bool {
			a, _ := strconv.Atoi(out[i])
			b, _ := strconv.Atoi(out[j])
			return a < b
		})
	} else {
		sort.Strings(out)
	}
	return out
}

func (w *Window) Newest() (time.Time, bool) {
	if w.Count() == 0 {
		return time.Time{}, false
	}
	return w.entries[len(w.entries)-1].Timestamp, true
}

func (w *Window) Reset() {
	w.entries = w.entries[:0]
	w.head = 0
	w.values = make(map[string]int)
}
