package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"logwarden/internal/bus"
	"logwarden/internal/config"
	"logwarden/internal/logging"
	"logwarden/internal/metrics"
	"logwarden/internal/model"
	"logwarden/internal/rules"
)

// ScoringFeatures names the vector handed to the Scorer, in order.
var ScoringFeatures = []string{"rate", "distinct_uris"}

var requestLine = regexp.MustCompile(`"(?:GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS) (\S+)`)

type clientStats struct {
	lines int
	uris  map[string]struct{}
}

// ScoringDetector samples per-client request features over fixed intervals
// and asks a Scorer whether each sample is anomalous.
type ScoringDetector struct {
	name     string
	scorer   Scorer
	interval time.Duration
	sources  map[string]bool
	clients  map[string]*clientStats
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewScoringDetector(cfg config.ScoringConfig, scorer Scorer, m *metrics.Metrics, logger *slog.Logger) (*ScoringDetector, error) {
	if scorer == nil {
		return nil, errors.New("scoring detector needs a scorer")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("scoring interval must be positive")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	s := &ScoringDetector{
		name:     cfg.Name,
		scorer:   scorer,
		interval: cfg.Interval,
		clients:  make(map[string]*clientStats),
		metrics:  m,
		logger:   logger.With("detector", cfg.Name),
		now:      time.Now,
	}
	if len(cfg.Sources) > 0 {
		s.sources = make(map[string]bool, len(cfg.Sources))
		for _, src := range cfg.Sources {
			s.sources[src] = true
		}
	}
	return s, nil
}

// Observe adds one log line to the current interval.
func (s *ScoringDetector) Observe(ev model.LogEvent) {
	if s.sources != nil && !s.sources[ev.Source] {
		return
	}
	ip := rules.FirstIPv4(ev.Line)
	if ip == "" {
		return
	}
	c, ok := s.clients[ip]
	if !ok {
		c = &clientStats{uris: make(map[string]struct{})}
		s.clients[ip] = c
	}
	c.lines++
	if m := requestLine.FindStringSubmatch(ev.Line); m != nil {
		c.uris[m[1]] = struct{}{}
	}
}

// Flush scores every client seen during the last elapsed period and starts
// a new interval.
func (s *ScoringDetector) Flush(elapsed time.Duration) []model.Alert {
	if elapsed <= 0 {
		elapsed = s.interval
	}
	var out []model.Alert
	for ip, c := range s.clients {
		rate := float64(c.lines) / elapsed.Seconds()
		features := []float64{rate, float64(len(c.uris))}
		anomalous, confidence := s.scorer.Score(features)
		if !anomalous {
			continue
		}
		sev := model.SeverityMedium
		if confidence >= 0.75 {
			sev = model.SeverityHigh
		}
		out = append(out, model.Alert{
			ID:        "alert-" + uuid.NewString(),
			Type:      "detection.alert",
			Source:    "detector",
			Severity:  sev,
			IP:        ip,
			Stage:     "anomaly",
			Attempts:  c.lines,
			Timestamp: s.now().UTC(),
			Payload: map[string]any{
				"attacker_ip": ip,
				"confidence":  confidence,
				"tags":        []string{"anomaly"},
				"features": map[string]float64{
					ScoringFeatures[0]: features[0],
					ScoringFeatures[1]: features[1],
				},
			},
		})
	}
	s.clients = make(map[string]*clientStats)
	return out
}

func (s *ScoringDetector) Run(ctx context.Context, b bus.Bus) error {
	sub, err := b.Subscribe(ctx, model.ChannelRawLogs)
	if err != nil {
		return fmt.Errorf("scoring detector subscribe: %w", err)
	}
	defer sub.Close()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	last := s.now()
	s.logger.Info("scoring detector started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return errors.New("raw_logs subscription closed")
			}
			var ev model.LogEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Line == "" {
				s.metrics.Malformed("scoring")
				continue
			}
			s.Observe(ev)
		case <-ticker.C:
			now := s.now()
			for _, alert := range s.Flush(now.Sub(last)) {
				s.publish(ctx, b, alert)
			}
			last = now
		}
	}
}

func (s *ScoringDetector) publish(ctx context.Context, b bus.Bus, alert model.Alert) {
	data, err := json.Marshal(alert)
	if err != nil {
		s.logger.Error("encode alert", "err", err)
		return
	}
	if err := bus.PublishRetry(ctx, b, model.ChannelAlerts, data, 500*time.Millisecond); err != nil {
		s.logger.Warn("alert publish failed, dropping", "ip", alert.IP, "err", err)
		return
	}
	s.metrics.AlertEmitted(s.name, string(alert.Severity))
	s.logger.Warn("anomaly detected", "ip", alert.IP, "confidence", alert.Payload["confidence"])
}

type ScoringService struct {
	Detector *ScoringDetector
	Bus      bus.Bus
}

func (s *ScoringService) Serve(ctx context.Context) error {
	return s.Detector.Run(ctx, s.Bus)
}

func (s *ScoringService) String() string {
	return "detector/" + s.Detector.name
}
