package model

import "time"

// Bus channel names shared by every component.
const (
	ChannelRawLogs          = "raw_logs"
	ChannelAlerts           = "alerts"
	ChannelDecisionRequests = "decision_requests"
	ChannelActions          = "actions"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return Severity(s), true
	}
	return "", false
}

// Action names understood by the router and responder.
const (
	ActionBlockIP    = "block_ip"
	ActionAlertAdmin = "alert_admin"
	ActionMonitor    = "monitor"
	ActionRateLimit  = "rate_limit"
)

// LogEvent is one line read from a watched file.
type LogEvent struct {
	Source    string    `json:"source"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
	File      string    `json:"file"`
}

type Alert struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Severity  Severity       `json:"severity"`
	IP        string         `json:"ip"`
	Stage     string         `json:"stage"`
	Attempts  int            `json:"attempts"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Context is the reduced view of an Alert handed to the decision maker.
type Context struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Source   string   `json:"source"`
	Severity Severity `json:"severity"`
	IP       string   `json:"ip"`
	Stage    string   `json:"stage"`
	Attempts int      `json:"attempts"`
}

// ContextFromAlert projects an alert, filling the documented defaults for
// fields the detector left empty.
func ContextFromAlert(a Alert) Context {
	c := Context{
		ID:       a.ID,
		Type:     a.Type,
		Source:   a.Source,
		Severity: a.Severity,
		IP:       a.IP,
		Stage:    a.Stage,
		Attempts: a.Attempts,
	}
	if c.Type == "" {
		c.Type = "unknown"
	}
	if c.Source == "" {
		c.Source = "detector"
	}
	if c.Severity == "" {
		c.Severity = SeverityLow
	}
	return c
}

type Action struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// StringParam returns params[key] when it is a non-empty string.
func (a Action) StringParam(key string) (string, bool) {
	v, ok := a.Params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

type AdminAlert struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// SystemState is the audit view of persisted state.
type SystemState struct {
	BlockedIPs     []string     `json:"blocked_ips"`
	TotalAlerts    int64        `json:"total_alerts"`
	TotalDecisions int64        `json:"total_decisions"`
	LastAction     string       `json:"last_action"`
	AdminAlerts    []AdminAlert `json:"admin_alerts,omitempty"`
}
