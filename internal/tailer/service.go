package tailer

import (
	"context"
	"errors"

	"logwarden/internal/config"
)

type Target struct {
	Path  string
	Label string
}

// ParseTargets turns PATH:LABEL strings into targets with absolute paths. At
// least one is required.
func ParseTargets(watches []string) ([]Target, error) {
	out := make([]Target, 0, len(watches))
	for _, w := range watches {
		path, label, err := config.ParseWatch(w)
		if err != nil {
			return nil, err
		}
		out = append(out, Target{Path: config.ResolvePath(path), Label: label})
	}
	if len(out) == 0 {
		return nil, errors.New("no watch targets configured")
	}
	return out, nil
}

// Service runs the health aggregator and one worker per target.
type Service struct {
	Tailer  *Tailer
	Health  *Health
	Targets []Target
}

func (s *Service) Serve(ctx context.Context) error {
	if s.Health != nil {
		go s.Health.Run(ctx)
	}
	for _, t := range s.Targets {
		s.Tailer.Watch(ctx, t.Path, t.Label)
	}
	<-ctx.Done()
	s.Tailer.Wait()
	return ctx.Err()
}

func (s *Service) String() string {
	return "tailer"
}
