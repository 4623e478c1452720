package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"logwarden/internal/bus"
	"logwarden/internal/logging"
	"logwarden/internal/metrics"
	"logwarden/internal/model"
)

// Service answers decision_requests with actions.
type Service struct {
	bus     bus.Bus
	decider Decider
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewService(b bus.Bus, d Decider, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{bus: b, decider: d, metrics: m, logger: logger.With("component", "decision")}
}

func (s *Service) Serve(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, model.ChannelDecisionRequests)
	if err != nil {
		return fmt.Errorf("decision subscribe: %w", err)
	}
	defer sub.Close()
	s.logger.Info("decision service listening")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return errors.New("decision_requests subscription closed")
			}
			if _, err := s.Handle(ctx, msg.Data); err != nil {
				s.logger.Warn("decision not published", "err", err)
			}
		}
	}
}

// Handle decides one request and publishes the action.
func (s *Service) Handle(ctx context.Context, data []byte) (model.Action, error) {
	var c model.Context
	if err := json.Unmarshal(data, &c); err != nil {
		s.metrics.Malformed("decision")
		return model.Action{}, fmt.Errorf("invalid decision request: %w", err)
	}
	action := s.decider.Decide(ctx, c)
	payload, err := json.Marshal(action)
	if err != nil {
		return action, err
	}
	if err := bus.PublishRetry(ctx, s.bus, model.ChannelActions, payload, 500*time.Millisecond); err != nil {
		return action, fmt.Errorf("publish action: %w", err)
	}
	s.metrics.Decision(action.Name)
	s.logger.Info("decision made", "id", c.ID, "ip", c.IP, "action", action.Name)
	return action, nil
}

func (s *Service) String() string {
	return "decision"
}
