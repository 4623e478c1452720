// Package router forwards alerts to the decision maker and applies decided
// actions to persisted state exactly once per dedup window.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"logwarden/internal/alerts"
	"logwarden/internal/bus"
	"logwarden/internal/dedup"
	"logwarden/internal/logging"
	"logwarden/internal/metrics"
	"logwarden/internal/model"
	"logwarden/internal/storage"
)

const publishRetryWait = 500 * time.Millisecond

// ErrMalformed marks a payload that could not be decoded.
var ErrMalformed = errors.New("malformed message")

type Router struct {
	bus     bus.Bus
	store   storage.Store
	recent  *alerts.Store
	deduper *dedup.Deduper
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(b bus.Bus, store storage.Store, recent *alerts.Store, deduper *dedup.Deduper, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Router{
		bus:     b,
		store:   store,
		recent:  recent,
		deduper: deduper,
		metrics: m,
		logger:  logger.With("component", "router"),
	}
}

// Run consumes alerts and actions on one subscription until ctx ends.
func (r *Router) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, model.ChannelAlerts, model.ChannelActions)
	if err != nil {
		return fmt.Errorf("router subscribe: %w", err)
	}
	defer sub.Close()
	r.logger.Info("router listening", "channels", []string{model.ChannelAlerts, model.ChannelActions})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return errors.New("router subscription closed")
			}
			switch msg.Channel {
			case model.ChannelAlerts:
				if _, err := r.HandleAlert(ctx, msg.Data); err != nil && !errors.Is(err, ErrMalformed) {
					r.logger.Warn("decision request not sent", "err", err)
				}
			case model.ChannelActions:
				r.HandleAction(ctx, msg.Data)
			}
		}
	}
}

// HandleAlert counts and records one alert and forwards its context to the
// decision maker.
func (r *Router) HandleAlert(ctx context.Context, data []byte) (model.Context, error) {
	var alert model.Alert
	if err := json.Unmarshal(data, &alert); err != nil || alert.ID == "" {
		r.metrics.Malformed("router")
		r.logger.Info("invalid alert discarded", "err", err)
		return model.Context{}, ErrMalformed
	}
	r.logger.Info("alert received", "id", alert.ID, "type", alert.Type, "ip", alert.IP)

	if err := r.store.IncrementAlertCount(ctx); err != nil {
		r.logger.Error("increment alert count", "err", err)
	}
	if r.recent != nil {
		r.recent.Add(alert)
	}

	c := model.ContextFromAlert(alert)
	payload, err := json.Marshal(c)
	if err != nil {
		return c, err
	}
	if err := bus.PublishRetry(ctx, r.bus, model.ChannelDecisionRequests, payload, publishRetryWait); err != nil {
		return c, fmt.Errorf("publish decision request %s: %w", c.ID, err)
	}
	r.metrics.AlertRouted()
	r.logger.Debug("decision request sent", "id", c.ID, "severity", c.Severity)
	return c, nil
}

// HandleAction applies one action unless its fingerprint was seen within the
// dedup TTL. Actions are never re-published.
func (r *Router) HandleAction(ctx context.Context, data []byte) dedup.Outcome {
	action, err := dedup.DecodeAction(data)
	if err != nil {
		r.metrics.Malformed("router")
		r.logger.Info("invalid action discarded", "err", err)
		return dedup.Dropped
	}
	outcome, fp, err := r.deduper.Check(ctx, action)
	r.metrics.ActionOutcome("router", outcome.String())
	switch outcome {
	case dedup.Duplicate:
		r.logger.Info("duplicate action ignored", "action", action.Name, "fp", fp)
		return outcome
	case dedup.Dropped:
		r.logger.Warn("dedup check failed, action dropped", "action", action.Name, "fp", fp, "err", err)
		return outcome
	}
	if err != nil {
		r.logger.Warn("dedup check not applied, processing action", "action", action.Name, "err", err)
	}

	r.logger.Info("action received", "action", action.Name, "fp", fp)
	if err := r.store.IncrementDecisionCount(ctx); err != nil {
		r.logger.Error("increment decision count", "err", err)
	}
	r.apply(ctx, action)
	return outcome
}

func (r *Router) apply(ctx context.Context, action model.Action) {
	switch action.Name {
	case model.ActionBlockIP:
		ip, ok := action.StringParam("ip")
		if !ok {
			r.logger.Warn("block_ip without ip")
			return
		}
		added, err := r.store.AddBlockedIP(ctx, ip)
		if err != nil {
			r.logger.Error("add blocked ip", "ip", ip, "err", err)
			return
		}
		if added {
			r.logger.Info("blocked ip recorded", "ip", ip)
		}
	case model.ActionAlertAdmin:
		msg, ok := action.StringParam("message")
		if !ok {
			r.logger.Warn("alert_admin without message")
			return
		}
		if err := r.store.SaveAdminAlert(ctx, msg); err != nil {
			r.logger.Error("save admin alert", "err", err)
			return
		}
		r.logger.Info("admin alert saved")
	case model.ActionMonitor:
	default:
		r.logger.Warn("unknown action", "action", action.Name)
	}
}

// Service adapts the router to the supervisor.
type Service struct {
	Router *Router
}

func (s *Service) Serve(ctx context.Context) error {
	return s.Router.Run(ctx)
}

func (s *Service) String() string {
	return "router"
}
