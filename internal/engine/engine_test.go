package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logwarden/internal/bus"
	"logwarden/internal/config"
	"logwarden/internal/model"
)

func detectorConfig(t *testing.T, name string) config.DetectorConfig {
	t.Helper()
	for _, d := range config.DefaultDetectors() {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("no default detector %s", name)
	return config.DetectorConfig{}
}

func newTestDetector(t *testing.T, cfg config.DetectorConfig, now time.Time) *Detector {
	t.Helper()
	d, err := FromConfig(cfg, nil, nil)
	require.NoError(t, err)
	d.now = func() time.Time { return now }
	return d
}

func authLine(ip string) string {
	return "Failed password for root from " + ip + " port 22 ssh2"
}

func event(source, line string, ts time.Time) model.LogEvent {
	return model.LogEvent{Source: source, Line: line, Timestamp: ts}
}

func TestBruteforceFiresWithinWindow(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDetector(t, detectorConfig(t, "bruteforce"), base.Add(time.Minute))

	var alerts []model.Alert
	for i := 0; i < 5; i++ {
		if a, ok := d.Process(event("auth", authLine("10.0.0.5"), base.Add(time.Duration(i)*2*time.Second))); ok {
			alerts = append(alerts, a)
		}
	}
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, "bruteforce.alert", a.Type)
	assert.Equal(t, "detector", a.Source)
	assert.Equal(t, "10.0.0.5", a.IP)
	assert.Equal(t, "password_spray", a.Stage)
	assert.Equal(t, model.SeverityMedium, a.Severity)
	assert.GreaterOrEqual(t, a.Attempts, 5)
	assert.Contains(t, a.ID, "alert-")
	assert.Equal(t, "auth", a.Payload["log_source"])
}

func TestBruteforceSpreadOutDoesNotFire(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDetector(t, detectorConfig(t, "bruteforce"), base.Add(time.Minute))

	step := 11 * time.Second / 4
	for i := 0; i < 5; i++ {
		_, ok := d.Process(event("auth", authLine("10.0.0.5"), base.Add(time.Duration(i)*step)))
		assert.False(t, ok, "event %d", i)
	}
}

func TestBruteforceKeysAreIndependent(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDetector(t, detectorConfig(t, "bruteforce"), base.Add(time.Minute))

	fired := 0
	for i := 0; i < 4; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
			if _, ok := d.Process(event("auth", authLine(ip), ts)); ok {
				fired++
			}
		}
	}
	assert.Zero(t, fired)
	assert.Equal(t, 2, d.state.Keys())
}

func TestNonePolicyFiresOnEveryQualifyingEvent(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDetector(t, detectorConfig(t, "bruteforce"), base.Add(time.Minute))

	fired := 0
	for i := 0; i < 7; i++ {
		if _, ok := d.Process(event("auth", authLine("10.0.0.5"), base.Add(time.Duration(i)*time.Second))); ok {
			fired++
		}
	}
	assert.Equal(t, 3, fired)
}

func TestResetPolicyStartsCountOver(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := detectorConfig(t, "ssh_bruteforce")
	d := newTestDetector(t, cfg, base.Add(time.Minute))

	fired := 0
	for i := 0; i < 10; i++ {
		line := "Failed password for invalid user admin from 192.0.2.7 port 4711 ssh2"
		if _, ok := d.Process(event("auth", line, base.Add(time.Duration(i)*500*time.Millisecond))); ok {
			fired++
		}
	}
	assert.Equal(t, 2, fired)
}

func TestPortscanSuppressedWithinCooldown(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDetector(t, detectorConfig(t, "portscan"), base.Add(time.Minute))

	probe := func(port int, at time.Duration) (model.Alert, bool) {
		line := fmt.Sprintf("kernel: DROP from 198.51.100.4 on port %d", port)
		return d.Process(event("firewall", line, base.Add(at)))
	}

	var alerts []model.Alert
	for i := 0; i < 15; i++ {
		if a, ok := probe(1000+i, time.Duration(i)*100*time.Millisecond); ok {
			alerts = append(alerts, a)
		}
	}
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, "portscan.group.alert", a.Type)
	assert.Equal(t, model.SeverityHigh, a.Severity)
	assert.Equal(t, 10, a.Attempts)
	assert.Equal(t, 10, a.Payload["total_ports"])
	assert.Equal(t, "1000", a.Payload["ports"].([]string)[0])

	// One window after the first alert the key may fire again.
	var again int
	for i := 0; i < 10; i++ {
		if _, ok := probe(2000+i, 4*time.Second+time.Duration(i)*100*time.Millisecond); ok {
			again++
		}
	}
	assert.Equal(t, 1, again)
}

func TestPortscanRepeatedPortIsNotDistinct(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDetector(t, detectorConfig(t, "portscan"), base.Add(time.Minute))
	for i := 0; i < 30; i++ {
		_, ok := d.Process(event("firewall", "DROP from 198.51.100.4 on port 22", base.Add(time.Duration(i)*10*time.Millisecond)))
		assert.False(t, ok)
	}
}

func TestWebAttackIsStateless(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDetector(t, detectorConfig(t, "web_attack"), now)

	cases := []struct {
		line           string
		classification string
		severity       model.Severity
	}{
		{`203.0.113.9 - - "GET /item?id=1%27 HTTP/1.1" 200`, "sqli", model.SeverityHigh},
		{`203.0.113.9 - - "GET /static/../../etc/passwd HTTP/1.1" 404`, "lfi", model.SeverityHigh},
		{`203.0.113.9 - - "GET /a/..%2fb HTTP/1.1" 404`, "path_traversal", model.SeverityMedium},
	}
	for _, tc := range cases {
		a, ok := d.Process(event("web", tc.line, now))
		require.True(t, ok, tc.line)
		assert.Equal(t, tc.classification, a.Payload["classification"], tc.line)
		assert.Equal(t, tc.severity, a.Severity, tc.line)
		assert.Equal(t, "203.0.113.9", a.IP)
	}

	_, ok := d.Process(event("web", `203.0.113.9 - - "GET /index.html HTTP/1.1" 200`, now))
	assert.False(t, ok)
}

func TestSourceFilter(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := detectorConfig(t, "bruteforce")
	cfg.Sources = []string{"auth"}
	cfg.Threshold = 1
	d := newTestDetector(t, cfg, base)

	_, ok := d.Process(event("web", authLine("10.0.0.5"), base))
	assert.False(t, ok)
	_, ok = d.Process(event("auth", authLine("10.0.0.5"), base))
	assert.True(t, ok)
}

func TestFutureTimestampIsClamped(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now, clampTimestamp(now.Add(time.Hour), now, maxFutureSkew))
	assert.Equal(t, now, clampTimestamp(time.Time{}, now, maxFutureSkew))
	past := now.Add(-time.Minute)
	assert.Equal(t, past, clampTimestamp(past, now, maxFutureSkew))
}

func TestMalformedMessagesIgnored(t *testing.T) {
	d := newTestDetector(t, detectorConfig(t, "web_attack"), time.Now())
	for _, raw := range []string{`not json`, `{}`, `{"source":"web"}`, `[1,2]`} {
		_, ok := d.HandleMessage([]byte(raw))
		assert.False(t, ok, raw)
	}
}

func TestNewDetectorValidation(t *testing.T) {
	cfg := detectorConfig(t, "bruteforce")
	cfg.Statistic = "distinct"
	_, err := FromConfig(cfg, nil, nil)
	assert.Error(t, err)

	cfg = detectorConfig(t, "bruteforce")
	cfg.Cooldown = "forever"
	_, err = FromConfig(cfg, nil, nil)
	assert.Error(t, err)

	cfg = detectorConfig(t, "bruteforce")
	cfg.Window = 0
	_, err = FromConfig(cfg, nil, nil)
	assert.Error(t, err)
}

func TestStateCompactsStaleKeys(t *testing.T) {
	s := NewState()
	old := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < maxKeys; i++ {
		w := s.window(fmt.Sprintf("k%d", i), old)
		w.Add(Entry{Timestamp: old})
	}
	require.Equal(t, maxKeys, s.Keys())
	s.window("fresh", old.Add(time.Hour))
	assert.Equal(t, 1, s.Keys())
}

func TestWindowEviction(t *testing.T) {
	w := NewWindow()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, v := range []string{"443", "22", "80", "22"} {
		w.Add(Entry{Timestamp: base.Add(time.Duration(i) * time.Second), Value: v})
	}
	assert.Equal(t, 4, w.Count())
	assert.Equal(t, 3, w.Distinct())
	assert.Equal(t, []string{"22", "80", "443"}, w.Values())

	w.Evict(base.Add(2 * time.Second))
	assert.Equal(t, 2, w.Count())
	assert.Equal(t, []string{"22", "80"}, w.Values())

	newest, ok := w.Newest()
	require.True(t, ok)
	assert.Equal(t, base.Add(3*time.Second), newest)

	w.Reset()
	assert.Zero(t, w.Count())
	_, ok = w.Newest()
	assert.False(t, ok)
}

func TestLateEventsOutsideWindowDoNotCount(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDetector(t, detectorConfig(t, "bruteforce"), base.Add(time.Minute))

	offsets := []time.Duration{20 * time.Second, 0, time.Second, 2 * time.Second, 3 * time.Second}
	for i, off := range offsets {
		_, ok := d.Process(event("auth", authLine("10.0.0.5"), base.Add(off)))
		assert.False(t, ok, "event %d", i)
	}
}

func TestLateEventsInsideWindowCount(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDetector(t, detectorConfig(t, "bruteforce"), base.Add(time.Minute))

	fired := 0
	for _, off := range []int{9, 7, 8, 5, 6} {
		if _, ok := d.Process(event("auth", authLine("10.0.0.5"), base.Add(time.Duration(off)*time.Second))); ok {
			fired++
		}
	}
	assert.Equal(t, 1, fired)
}

func TestWindowKeepsTimestampOrder(t *testing.T) {
	w := NewWindow()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, sec := range []int{5, 1, 3, 0} {
		w.Add(Entry{Timestamp: base.Add(time.Duration(sec) * time.Second), Value: fmt.Sprint(i)})
	}
	newest, ok := w.Newest()
	require.True(t, ok)
	assert.Equal(t, base.Add(5*time.Second), newest)

	w.Evict(base.Add(2 * time.Second))
	assert.Equal(t, 2, w.Count())
	assert.Equal(t, []string{"0", "2"}, w.Values())
}

func TestDetectorRunPublishesAlerts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := bus.NewMemory(64)
	defer b.Close()

	d := newTestDetector(t, detectorConfig(t, "web_attack"), time.Now())
	d.now = time.Now

	alertsSub, err := b.Subscribe(ctx, model.ChannelAlerts)
	require.NoError(t, err)
	defer alertsSub.Close()

	svc := &Service{Detector: d, Bus: b}
	assert.Equal(t, "detector/web_attack", svc.String())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	ev, err := json.Marshal(model.LogEvent{
		Source:    "web",
		Line:      `198.51.100.20 - - "GET /?q=UNION SELECT password HTTP/1.1" 200`,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	var raw []byte
	require.Eventually(t, func() bool {
		if err := b.Publish(ctx, model.ChannelRawLogs, ev); err != nil {
			return false
		}
		select {
		case msg := <-alertsSub.Messages():
			raw = msg.Data
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	var got model.Alert
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "198.51.100.20", got.IP)
	assert.Equal(t, "web_attack.alert", got.Type)
	assert.Equal(t, "sqli", got.Payload["classification"])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBaselineModelScoresOutliers(t *testing.T) {
	m, err := Train(ScoringFeatures, BaselineTraffic(500, 7), 3)
	require.NoError(t, err)

	normal, conf := m.Score([]float64{5, 5})
	assert.False(t, normal)
	assert.Less(t, conf, 0.5)

	anomalous, conf := m.Score([]float64{400, 150})
	assert.True(t, anomalous)
	assert.GreaterOrEqual(t, conf, 0.75)

	bad, _ := m.Score([]float64{1})
	assert.False(t, bad)
}

func TestTrainRejectsBadInput(t *testing.T) {
	_, err := Train(ScoringFeatures, [][]float64{{1, 2}}, 3)
	assert.Error(t, err)
	_, err = Train(ScoringFeatures, [][]float64{{1, 2}, {3}}, 3)
	assert.Error(t, err)
	_, err = Train(ScoringFeatures, [][]float64{{1, 2}, {3, 4}}, 0)
	assert.Error(t, err)
}

func TestLoadOrTrainPersistsModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", "baseline.json")
	calls := 0
	baseline := func() [][]float64 {
		calls++
		return BaselineTraffic(200, 1)
	}

	m, trained, err := LoadOrTrain(path, ScoringFeatures, 3, baseline)
	require.NoError(t, err)
	assert.True(t, trained)

	loaded, trained, err := LoadOrTrain(path, ScoringFeatures, 3, baseline)
	require.NoError(t, err)
	assert.False(t, trained)
	assert.Equal(t, 1, calls)
	assert.Equal(t, m.Mean, loaded.Mean)
	assert.Equal(t, m.Std, loaded.Std)
	assert.Equal(t, ScoringFeatures, loaded.Features)
}

type fakeScorer struct {
	seen [][]float64
	hit  func([]float64) (bool, float64)
}

func (f *fakeScorer) Score(x []float64) (bool, float64) {
	f.seen = append(f.seen, x)
	return f.hit(x)
}

func TestScoringDetectorFlush(t *testing.T) {
	scorer := &fakeScorer{hit: func(x []float64) (bool, float64) {
		if x[0] > 1 {
			return true, 0.9
		}
		return false, 0.1
	}}
	s, err := NewScoringDetector(config.ScoringConfig{
		Name:     "anomaly",
		Interval: 10 * time.Second,
		Sources:  []string{"web"},
	}, scorer, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		s.Observe(model.LogEvent{Source: "web", Line: fmt.Sprintf(`203.0.113.50 - - "GET /page/%d HTTP/1.1" 200`, i%12)})
	}
	s.Observe(model.LogEvent{Source: "web", Line: `192.0.2.1 - - "GET / HTTP/1.1" 200`})
	s.Observe(model.LogEvent{Source: "auth", Line: `203.0.113.50 ignored`})

	alerts := s.Flush(10 * time.Second)
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, "detection.alert", a.Type)
	assert.Equal(t, "anomaly", a.Stage)
	assert.Equal(t, "203.0.113.50", a.IP)
	assert.Equal(t, model.SeverityHigh, a.Severity)
	assert.Equal(t, 30, a.Attempts)
	features := a.Payload["features"].(map[string]float64)
	assert.InDelta(t, 3.0, features["rate"], 1e-9)
	assert.InDelta(t, 12.0, features["distinct_uris"], 1e-9)
	assert.Len(t, scorer.seen, 2)

	assert.Empty(t, s.Flush(10*time.Second))
}

func TestScoringDetectorMediumConfidence(t *testing.T) {
	scorer := &fakeScorer{hit: func([]float64) (bool, float64) { return true, 0.6 }}
	s, err := NewScoringDetector(config.ScoringConfig{Name: "anomaly", Interval: time.Second}, scorer, nil, nil)
	require.NoError(t, err)
	s.Observe(model.LogEvent{Source: "web", Line: `10.1.1.1 "POST /login HTTP/1.1"`})
	alerts := s.Flush(0)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityMedium, alerts[0].Severity)
}

func TestNewScoringDetectorValidation(t *testing.T) {
	_, err := NewScoringDetector(config.ScoringConfig{Interval: time.Second}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewScoringDetector(config.ScoringConfig{}, &fakeScorer{}, nil, nil)
	assert.Error(t, err)
}
