// Package pipeline assembles the configured components on one bus and runs
// them under a supervisor tree.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"logwarden/internal/alerts"
	"logwarden/internal/api"
	"logwarden/internal/bus"
	"logwarden/internal/config"
	"logwarden/internal/decision"
	"logwarden/internal/dedup"
	"logwarden/internal/engine"
	"logwarden/internal/ingest"
	"logwarden/internal/logging"
	"logwarden/internal/metrics"
	"logwarden/internal/responder"
	"logwarden/internal/router"
	"logwarden/internal/storage"
	"logwarden/internal/supervisor"
	"logwarden/internal/tailer"
)

type Role string

const (
	RoleTail    Role = "tail"
	RoleDetect  Role = "detect"
	RoleScore   Role = "score"
	RoleRoute   Role = "route"
	RoleDecide  Role = "decide"
	RoleRespond Role = "respond"
)

// AllRoles is what the all command runs. Scoring joins only when enabled in
// the config.
var AllRoles = []Role{RoleTail, RoleDetect, RoleScore, RoleRoute, RoleDecide, RoleRespond}

type Options struct {
	Roles []Role
	// Watches overrides cfg.Tailer.Watches when set.
	Watches []string
	// Detectors restricts the detect role to these names. Named detectors run
	// even when disabled in the config.
	Detectors []string
	Version   string

	// Bus, Environment and Decider replace the configured implementations.
	Bus         bus.Bus
	Environment responder.Environment
	Decider     decision.Decider
}

type Pipeline struct {
	cfg        *config.Config
	bus        bus.Bus
	ownsBus    bool
	metrics    *metrics.Metrics
	store      storage.Store
	recent     *alerts.Store
	health     *tailer.Health
	keys       dedup.KeySpace
	tree       *supervisor.Tree
	components []string
	logger     *slog.Logger
}

// Build connects the transport and storage and registers one supervised
// service per component. Startup failures are returned; nothing is running
// until Run.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if len(opts.Roles) == 0 {
		return nil, errors.New("no roles selected")
	}
	p := &Pipeline{
		cfg:     cfg,
		metrics: metrics.New(),
		recent:  alerts.NewStore(cfg.Alerts.StoreLimit),
		tree:    supervisor.NewTree(logger, supervisor.DefaultTreeConfig()),
		logger:  logger,
	}
	if opts.Bus != nil {
		p.bus = opts.Bus
	} else {
		b, err := bus.New(ctx, cfg.Bus, logger)
		if err != nil {
			return nil, fmt.Errorf("connect bus: %w", err)
		}
		p.bus, p.ownsBus = b, true
	}

	ok := false
	defer func() {
		if !ok {
			p.Close()
		}
	}()

	for _, role := range opts.Roles {
		var err error
		switch role {
		case RoleTail:
			err = p.addTailer(opts)
		case RoleDetect:
			err = p.addDetectors(opts)
		case RoleScore:
			if !cfg.Scoring.Enabled && len(opts.Roles) > 1 {
				continue
			}
			err = p.addScoring()
		case RoleRoute:
			err = p.addRouter(ctx)
		case RoleDecide:
			err = p.addDecision(opts)
		case RoleRespond:
			err = p.addResponder(ctx, opts)
		default:
			err = fmt.Errorf("unknown role %q", role)
		}
		if err != nil {
			return nil, err
		}
	}
	if cfg.API.Enabled {
		if err := p.openStore(ctx); err != nil {
			return nil, err
		}
		var health api.HealthSource
		if p.health != nil {
			health = p.health
		}
		srv := api.New(api.Options{Addr: cfg.API.Addr, Version: opts.Version, Components: p.components}, p.recent, p.store, health, p.metrics, logger)
		p.tree.AddAPI(srv)
	}
	ok = true
	return p, nil
}

// Run blocks until ctx ends, then releases transport and storage.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline starting", "components", p.components, "bus", p.cfg.Bus.Driver)
	err := p.tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if report, rerr := p.tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		p.logger.Warn("services did not stop in time", "count", len(report))
	}
	return errors.Join(err, p.Close())
}

func (p *Pipeline) Close() error {
	var errs []error
	if p.store != nil {
		errs = append(errs, p.store.Close())
		p.store = nil
	}
	if c, ok := p.keys.(io.Closer); ok {
		errs = append(errs, c.Close())
		p.keys = nil
	}
	if p.ownsBus && p.bus != nil {
		errs = append(errs, p.bus.Close())
		p.bus = nil
	}
	return errors.Join(errs...)
}

func (p *Pipeline) Components() []string {
	return slices.Clone(p.components)
}

func (p *Pipeline) Store() storage.Store {
	return p.store
}

func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.metrics
}

// addTailer follows the watched files and, when enabled, runs the syslog
// receiver in the same ingest layer.
func (p *Pipeline) addTailer(opts Options) error {
	watches := opts.Watches
	if len(watches) == 0 {
		watches = p.cfg.Tailer.Watches
	}
	if p.cfg.Syslog.Enabled {
		s := ingest.NewSyslog(p.bus, p.cfg.Syslog, p.cfg.Tailer.PublishRetryWait, p.metrics, p.logger)
		p.tree.AddIngest(s)
		p.components = append(p.components, "syslog")
		if len(watches) == 0 {
			return nil
		}
	}
	targets, err := tailer.ParseTargets(watches)
	if err != nil {
		return err
	}
	p.health = tailer.NewHealth(p.cfg.Tailer.HealthInterval, p.logger.With("component", "tailer"))
	t := tailer.New(p.bus, tailer.OptionsFromConfig(p.cfg.Tailer), p.health, p.metrics, p.logger.With("component", "tailer"))
	p.tree.AddIngest(&tailer.Service{Tailer: t, Health: p.health, Targets: targets})
	p.components = append(p.components, "tailer")
	return nil
}

func (p *Pipeline) addDetectors(opts Options) error {
	added := 0
	for _, dc := range p.cfg.Detectors {
		if len(opts.Detectors) > 0 {
			if !slices.Contains(opts.Detectors, dc.Name) {
				continue
			}
		} else if dc.Disabled {
			continue
		}
		d, err := engine.FromConfig(dc, p.metrics, p.logger)
		if err != nil {
			return err
		}
		p.tree.AddDetection(&engine.Service{Detector: d, Bus: p.bus})
		p.components = append(p.components, "detector/"+dc.Name)
		added++
	}
	for _, name := range opts.Detectors {
		if !slices.ContainsFunc(p.cfg.Detectors, func(d config.DetectorConfig) bool { return d.Name == name }) {
			return fmt.Errorf("unknown detector %q", name)
		}
	}
	if added == 0 {
		return errors.New("no detectors enabled")
	}
	return nil
}

func (p *Pipeline) addScoring() error {
	sc := p.cfg.Scoring
	baseline, trained, err := engine.LoadOrTrain(sc.ModelPath, engine.ScoringFeatures, sc.Threshold, func() [][]float64 {
		return engine.BaselineTraffic(sc.TrainingSamples, 1)
	})
	if err != nil {
		return fmt.Errorf("scoring model: %w", err)
	}
	if trained {
		p.logger.Info("scoring model trained", "path", sc.ModelPath, "samples", baseline.Samples)
	}
	d, err := engine.NewScoringDetector(sc, baseline, p.metrics, p.logger)
	if err != nil {
		return err
	}
	p.tree.AddDetection(&engine.ScoringService{Detector: d, Bus: p.bus})
	p.components = append(p.components, "detector/"+sc.Name)
	return nil
}

func (p *Pipeline) addRouter(ctx context.Context) error {
	if err := p.openStore(ctx); err != nil {
		return err
	}
	keys, err := p.keySpace(ctx)
	if err != nil {
		return err
	}
	deduper := dedup.NewDeduper(keys, p.cfg.Router.DedupPrefix, p.cfg.Router.DedupTTL)
	r := router.New(p.bus, p.store, p.recent, deduper, p.metrics, p.logger)
	p.tree.AddResponse(&router.Service{Router: r})
	p.components = append(p.components, "router")
	return nil
}

func (p *Pipeline) addDecision(opts Options) error {
	d := opts.Decider
	if d == nil {
		var err error
		if d, err = decision.New(p.cfg.Decision, p.logger); err != nil {
			return err
		}
	}
	p.tree.AddResponse(decision.NewService(p.bus, d, p.metrics, p.logger))
	p.components = append(p.components, "decision")
	return nil
}

func (p *Pipeline) addResponder(ctx context.Context, opts Options) error {
	rc := p.cfg.Responder
	env := opts.Environment
	if env == nil {
		cmdEnv, err := responder.NewCommandEnvironment(rc.BlockCommand, rc.CommandTimeout, p.logger)
		if err != nil {
			return err
		}
		env = cmdEnv
	}
	allow, err := responder.ParseAllowlist(rc.Allowlist)
	if err != nil {
		return err
	}
	keys, err := p.keySpace(ctx)
	if err != nil {
		return err
	}
	deduper := dedup.NewDeduper(keys, rc.DedupPrefix, rc.DedupTTL)
	r := responder.New(p.bus, env, deduper, allow, p.metrics, p.logger)
	p.tree.AddResponse(&responder.Service{Responder: r})
	p.components = append(p.components, "responder")
	return nil
}

func (p *Pipeline) openStore(ctx context.Context) error {
	if p.store != nil {
		return nil
	}
	s, err := storage.NewStore(p.cfg.Storage, p.logger)
	if err != nil {
		return err
	}
	if err := s.Init(ctx); err != nil {
		s.Close()
		return fmt.Errorf("init storage: %w", err)
	}
	p.store = s
	return nil
}

// keySpace is shared by the router and responder; their prefixes keep the
// keys apart.
func (p *Pipeline) keySpace(ctx context.Context) (dedup.KeySpace, error) {
	if p.keys != nil {
		return p.keys, nil
	}
	keys, err := dedup.NewKeySpace(ctx, p.cfg.Dedup, p.bus, p.logger)
	if err != nil {
		return nil, fmt.Errorf("dedup key space: %w", err)
	}
	p.keys = keys
	return keys, nil
}
