// Package decision turns alert contexts into actions.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"logwarden/internal/config"
	"logwarden/internal/model"
)

// Decider maps one context to one action. Implementations always return a
// usable action; failures degrade to monitor.
type Decider interface {
	Decide(ctx context.Context, c model.Context) model.Action
}

// RuleEngine is the deterministic decider.
type RuleEngine struct{}

func (RuleEngine) Decide(_ context.Context, c model.Context) model.Action {
	if c.IP == "" {
		return Monitor()
	}
	if c.Stage == "anomaly" {
		if c.Severity == model.SeverityHigh {
			return model.Action{Name: model.ActionRateLimit, Params: map[string]any{"ip": c.IP}}
		}
		return Monitor()
	}
	switch c.Severity {
	case model.SeverityHigh:
		return model.Action{Name: model.ActionBlockIP, Params: map[string]any{"ip": c.IP}}
	case model.SeverityMedium:
		return model.Action{
			Name:   model.ActionAlertAdmin,
			Params: map[string]any{"message": "Suspicious activity from " + c.IP},
		}
	default:
		return Monitor()
	}
}

func Monitor() model.Action {
	return model.Action{Name: model.ActionMonitor}
}

// New builds the decider selected by cfg.Mode.
func New(cfg config.DecisionConfig, logger *slog.Logger) (Decider, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "rules":
		return RuleEngine{}, nil
	case "generative":
		gen, err := NewCommandGenerator(cfg.Generator)
		if err != nil {
			return nil, err
		}
		return NewGenerative(gen, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unsupported decision mode %q", cfg.Mode)
	}
}
