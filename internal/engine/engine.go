package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"logwarden/internal/bus"
	"logwarden/internal/config"
	"logwarden/internal/logging"
	"logwarden/internal/metrics"
	"logwarden/internal/model"
	"logwarden/internal/rules"
)

const maxFutureSkew = 2 * time.Second

type Statistic string

const (
	StatisticCount    Statistic = "count"
	StatisticDistinct Statistic = "distinct"
)

// Detector turns matching log lines into windowed alerts for one rule table.
type Detector struct {
	name      string
	alertType string
	stage     string
	severity  model.Severity
	window    time.Duration
	threshold int
	statistic Statistic
	policy    CooldownPolicy
	valueName string
	sources   map[string]bool

	rules   *rules.Set
	state   *State
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewDetector builds a detector from its config and rule table. The state
// is owned by the detector from here on.
func NewDetector(cfg config.DetectorConfig, set *rules.Set, state *State, m *metrics.Metrics, logger *slog.Logger) (*Detector, error) {
	if set == nil {
		return nil, fmt.Errorf("detector %s: no rules", cfg.Name)
	}
	if state == nil {
		state = NewState()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	policy, err := ParseCooldown(cfg.Cooldown)
	if err != nil {
		return nil, fmt.Errorf("detector %s: %w", cfg.Name, err)
	}
	sev, ok := model.ParseSeverity(cfg.Severity)
	if !ok {
		sev = model.SeverityMedium
	}
	stat := Statistic(cfg.Statistic)
	switch stat {
	case StatisticCount:
	case StatisticDistinct:
		if !set.HasValues() {
			return nil, fmt.Errorf("detector %s: distinct statistic needs a value group on every rule", cfg.Name)
		}
	case "":
		stat = StatisticCount
	default:
		return nil, fmt.Errorf("detector %s: unknown statistic %q", cfg.Name, cfg.Statistic)
	}
	if cfg.Window <= 0 || cfg.Threshold <= 0 {
		return nil, fmt.Errorf("detector %s: window and threshold must be positive", cfg.Name)
	}
	d := &Detector{
		name:      cfg.Name,
		alertType: cfg.AlertType,
		stage:     cfg.Stage,
		severity:  sev,
		window:    cfg.Window,
		threshold: cfg.Threshold,
		statistic: stat,
		policy:    policy,
		valueName: cfg.ValueName,
		rules:     set,
		state:     state,
		metrics:   m,
		logger:    logger.With("detector", cfg.Name),
		now:       time.Now,
	}
	if d.alertType == "" {
		d.alertType = cfg.Name + ".alert"
	}
	if d.valueName == "" {
		d.valueName = "values"
	}
	if len(cfg.Sources) > 0 {
		d.sources = make(map[string]bool, len(cfg.Sources))
		for _, s := range cfg.Sources {
			d.sources[s] = true
		}
	}
	return d, nil
}

// FromConfig resolves the detector's rule table and starts with empty state.
func FromConfig(cfg config.DetectorConfig, m *metrics.Metrics, logger *slog.Logger) (*Detector, error) {
	set, err := rules.ForDetector(cfg)
	if err != nil {
		return nil, err
	}
	return NewDetector(cfg, set, NewState(), m, logger)
}

func (d *Detector) Name() string {
	return d.name
}

// Process feeds one event through the window and returns an alert when the
// key crosses the threshold and the cooldown policy allows it.
func (d *Detector) Process(ev model.LogEvent) (model.Alert, bool) {
	if d.sources != nil && !d.sources[ev.Source] {
		return model.Alert{}, false
	}
	m, ok := d.rules.Match(ev.Line)
	if !ok {
		return model.Alert{}, false
	}
	ts := clampTimestamp(ev.Timestamp, d.now().UTC(), maxFutureSkew)

	w := d.state.window(m.Key, ts.Add(-d.window))
	w.Add(Entry{Timestamp: ts, Value: m.Value})
	// Prune against the newest instant seen for the key, not this event's.
	newest, _ := w.Newest()
	w.Evict(newest.Add(-d.window))

	stat := w.Count()
	if d.statistic == StatisticDistinct {
		stat = w.Distinct()
	}
	if stat < d.threshold {
		return model.Alert{}, false
	}
	if d.policy == CooldownSuppress && !d.state.cooldown.allow(m.Key, ts, d.window) {
		return model.Alert{}, false
	}

	sev := d.severity
	if m.Rule.Severity != "" {
		sev = m.Rule.Severity
	}
	payload := map[string]any{
		"rule":           m.Rule.Name,
		"classification": m.Rule.Classification,
		"window_sec":     d.window.Seconds(),
		"log_source":     ev.Source,
		"line":           ev.Line,
	}
	if d.statistic == StatisticDistinct {
		payload[d.valueName] = w.Values()
		payload["total_"+d.valueName] = stat
	}
	alert := model.Alert{
		ID:        "alert-" + uuid.NewString(),
		Type:      d.alertType,
		Source:    "detector",
		Severity:  sev,
		IP:        m.Key,
		Stage:     d.stage,
		Attempts:  stat,
		Timestamp: d.now().UTC(),
		Payload:   payload,
	}
	if d.policy == CooldownReset {
		w.Reset()
	}
	return alert, true
}

// HandleMessage decodes a raw_logs payload and processes it. Anything that
// is not a LogEvent with a line is ignored.
func (d *Detector) HandleMessage(data []byte) (model.Alert, bool) {
	var ev model.LogEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Line == "" {
		d.metrics.Malformed("detector")
		return model.Alert{}, false
	}
	return d.Process(ev)
}

// Run consumes raw_logs from b and publishes alerts until ctx ends.
func (d *Detector) Run(ctx context.Context, b bus.Bus) error {
	sub, err := b.Subscribe(ctx, model.ChannelRawLogs)
	if err != nil {
		return fmt.Errorf("detector %s subscribe: %w", d.name, err)
	}
	defer sub.Close()
	d.logger.Info("detector started", "window", d.window, "threshold", d.threshold, "cooldown", d.policy)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return errors.New("raw_logs subscription closed")
			}
			alert, fired := d.HandleMessage(msg.Data)
			if !fired {
				continue
			}
			d.publish(ctx, b, alert)
		}
	}
}

func (d *Detector) publish(ctx context.Context, b bus.Bus, alert model.Alert) {
	data, err := json.Marshal(alert)
	if err != nil {
		d.logger.Error("encode alert", "err", err)
		return
	}
	if err := bus.PublishRetry(ctx, b, model.ChannelAlerts, data, 500*time.Millisecond); err != nil {
		d.logger.Warn("alert publish failed, dropping", "ip", alert.IP, "err", err)
		return
	}
	d.metrics.AlertEmitted(d.name, string(alert.Severity))
	d.logger.Warn("alert triggered",
		"ip", alert.IP,
		"type", alert.Type,
		"severity", alert.Severity,
		"attempts", alert.Attempts,
		"stage", alert.Stage,
	)
}

// Service adapts a detector to the supervisor.
type Service struct {
	Detector *Detector
	Bus      bus.Bus
}

func (s *Service) Serve(ctx context.Context) error {
	return s.Detector.Run(ctx, s.Bus)
}

func (s *Service) String() string {
	return "detector/" + s.Detector.name
}

func clampTimestamp(ts, now time.Time, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxFuture > 0 && ts.Sub(now) > maxFuture {
		return now
	}
	return ts
}
