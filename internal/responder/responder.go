// Package responder executes accepted actions against the host: it blocks
// addresses and notifies operators. It deduplicates independently of the
// router and never retries or escalates.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"logwarden/internal/bus"
	"logwarden/internal/dedup"
	"logwarden/internal/logging"
	"logwarden/internal/metrics"
	"logwarden/internal/model"
)

type Responder struct {
	bus       bus.Bus
	env       Environment
	deduper   *dedup.Deduper
	allowlist *Allowlist
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(b bus.Bus, env Environment, deduper *dedup.Deduper, allowlist *Allowlist, m *metrics.Metrics, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Responder{
		bus:       b,
		env:       env,
		deduper:   deduper,
		allowlist: allowlist,
		metrics:   m,
		logger:    logger.With("component", "responder"),
	}
}

func (r *Responder) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, model.ChannelActions)
	if err != nil {
		return fmt.Errorf("responder subscribe: %w", err)
	}
	defer sub.Close()
	r.logger.Info("responder listening", "allowlist", r.allowlist.Len())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return errors.New("actions subscription closed")
			}
			r.Handle(ctx, msg.Data)
		}
	}
}

// Handle executes one action payload unless it is a duplicate.
func (r *Responder) Handle(ctx context.Context, data []byte) dedup.Outcome {
	action, err := dedup.DecodeAction(data)
	if err != nil {
		r.metrics.Malformed("responder")
		r.logger.Info("invalid action discarded", "err", err)
		return dedup.Dropped
	}
	outcome, fp, err := r.deduper.Check(ctx, action)
	r.metrics.ActionOutcome("responder", outcome.String())
	switch outcome {
	case dedup.Duplicate:
		r.logger.Info("duplicate action ignored", "action", action.Name, "fp", fp)
		return outcome
	case dedup.Dropped:
		r.logger.Warn("dedup check failed, action dropped", "action", action.Name, "fp", fp, "err", err)
		return outcome
	}
	if err != nil {
		r.logger.Warn("dedup check not applied, executing action", "action", action.Name, "err", err)
	}

	switch action.Name {
	case model.ActionBlockIP:
		r.block(ctx, action)
	case model.ActionAlertAdmin:
		msg, _ := action.StringParam("message")
		if err := r.env.NotifyAdmin(ctx, msg); err != nil {
			r.logger.Error("admin notification failed", "err", err)
		}
	case model.ActionMonitor:
	default:
		r.logger.Warn("unknown action", "action", action.Name)
	}
	return outcome
}

func (r *Responder) block(ctx context.Context, action model.Action) {
	raw, ok := action.StringParam("ip")
	if !ok {
		r.logger.Warn("block_ip without ip")
		return
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		r.logger.Warn("block_ip with invalid address", "ip", raw, "err", err)
		return
	}
	if r.allowlist.Contains(addr) {
		r.logger.Info("allowlisted address not blocked", "ip", raw)
		return
	}
	status, err := r.env.ExecuteBlock(ctx, addr.String())
	r.metrics.BlockExecuted(status)
	if err != nil {
		r.logger.Error("block command failed", "ip", raw, "exit_status", status, "err", err)
		return
	}
	r.logger.Warn("ip blocked", "ip", raw, "exit_status", status)
}

// Service adapts the responder to the supervisor.
type Service struct {
	Responder *Responder
}

func (s *Service) Serve(ctx context.Context) error {
	return s.Responder.Run(ctx)
}

func (s *Service) String() string {
	return "responder"
}
