package tailer

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"logwarden/internal/logging"
)

type State string

const (
	StateStarting State = "starting"
	StateOpen     State = "open"
	StateWaiting  State = "waiting"
	StateMissing  State = "missing"
	StateStopped  State = "stopped"
)

type SourceHealth struct {
	Label        string    `json:"label"`
	Path         string    `json:"path"`
	State        State     `json:"state"`
	Published    uint64    `json:"published"`
	Dropped      uint64    `json:"dropped"`
	OpenFailures uint64    `json:"open_failures"`
	Rotations    uint64    `json:"rotations"`
	LastLine     time.Time `json:"last_line,omitempty"`
}

type healthUpdate struct {
	path         string
	label        string
	state        State
	published    uint64
	dropped      uint64
	openFailures uint64
	rotations    uint64
	at           time.Time
}

// Health owns the per-file counters. Workers report through a channel and
// only the aggregator goroutine touches the counters.
type Health struct {
	updates   chan healthUpdate
	snapshots chan chan []SourceHealth
	interval  time.Duration
	logger    *slog.Logger
}

func NewHealth(interval time.Duration, logger *slog.Logger) *Health {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Health{
		updates:   make(chan healthUpdate, 1024),
		snapshots: make(chan chan []SourceHealth),
		interval:  interval,
		logger:    logger,
	}
}

// Run aggregates updates and logs a report every interval until ctx ends.
func (h *Health) Run(ctx context.Context) {
	sources := make(map[string]*SourceHealth)
	var tick <-chan time.Time
	if h.interval > 0 {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-h.updates:
			s, ok := sources[u.path]
			if !ok {
				s = &SourceHealth{Path: u.path, Label: u.label, State: StateStarting}
				sources[u.path] = s
			}
			if u.state != "" {
				s.State = u.state
			}
			s.Published += u.published
			s.Dropped += u.dropped
			s.OpenFailures += u.openFailures
			s.Rotations += u.rotations
			if u.published > 0 {
				s.LastLine = u.at
			}
		case reply := <-h.snapshots:
			reply <- collect(sources)
		case <-tick:
			for _, s := range collect(sources) {
				h.logger.Info("tailer health",
					"label", s.Label,
					"path", s.Path,
					"state", s.State,
					"published", s.Published,
					"dropped", s.Dropped,
					"open_failures", s.OpenFailures,
					"rotations", s.Rotations,
				)
			}
		}
	}
}

// Snapshot returns the current counters, sorted by path.
func (h *Health) Snapshot(ctx context.Context) ([]SourceHealth, error) {
	reply := make(chan []SourceHealth, 1)
	select {
	case h.snapshots <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Health) report(ctx context.Context, u healthUpdate) {
	if h == nil {
		return
	}
	select {
	case h.updates <- u:
	case <-ctx.Done():
	}
}

func collect(sources map[string]*SourceHealth) []SourceHealth {
	out := make([]SourceHealth, 0, len(sources))
	for _, s := range sources {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
