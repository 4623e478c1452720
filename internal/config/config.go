package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string           `json:"log_level" yaml:"log_level"`
	LogFormat string           `json:"log_format" yaml:"log_format"`
	Bus       BusConfig        `json:"bus" yaml:"bus"`
	Tailer    TailerConfig     `json:"tailer" yaml:"tailer"`
	Syslog    SyslogConfig     `json:"syslog" yaml:"syslog"`
	Detectors []DetectorConfig `json:"detectors" yaml:"detectors"`
	Scoring   ScoringConfig    `json:"scoring" yaml:"scoring"`
	Router    RouterConfig     `json:"router" yaml:"router"`
	Decision  DecisionConfig   `json:"decision" yaml:"decision"`
	Responder ResponderConfig  `json:"responder" yaml:"responder"`
	Dedup     DedupConfig      `json:"dedup" yaml:"dedup"`
	Storage   StorageConfig    `json:"storage" yaml:"storage"`
	API       APIConfig        `json:"api" yaml:"api"`
	Alerts    AlertsConfig     `json:"alerts" yaml:"alerts"`
}

type BusConfig struct {
	Driver       string   `json:"driver" yaml:"driver"`
	RedisURL     string   `json:"redis_url" yaml:"redis_url"`
	NATSURL      string   `json:"nats_url" yaml:"nats_url"`
	KafkaBrokers []string `json:"kafka_brokers" yaml:"kafka_brokers"`
	BufferSize   int      `json:"buffer_size" yaml:"buffer_size"`
}

type TailerConfig struct {
	Watches          []string      `json:"watches" yaml:"watches"`
	PollInterval     time.Duration `json:"poll_interval" yaml:"poll_interval"`
	HealthInterval   time.Duration `json:"health_interval" yaml:"health_interval"`
	OpenBackoff      time.Duration `json:"open_backoff" yaml:"open_backoff"`
	MissingBackoff   time.Duration `json:"missing_backoff" yaml:"missing_backoff"`
	PublishRetryWait time.Duration `json:"publish_retry_wait" yaml:"publish_retry_wait"`
	Notify           bool          `json:"notify" yaml:"notify"`
}

// SyslogConfig enables a syslog receiver next to the file tailer. Received
// lines are published to raw_logs under Label.
type SyslogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	UDPAddr string `json:"udp_addr" yaml:"udp_addr"`
	TCPAddr string `json:"tcp_addr" yaml:"tcp_addr"`
	Label   string `json:"label" yaml:"label"`
}

// RuleConfig is one row of a declarative rule table.
type RuleConfig struct {
	Name           string `json:"name" yaml:"name"`
	Pattern        string `json:"pattern" yaml:"pattern"`
	Classification string `json:"classification" yaml:"classification"`
	Severity       string `json:"severity" yaml:"severity"`
	KeyGroup       string `json:"key_group" yaml:"key_group"`
	ValueGroup     string `json:"value_group" yaml:"value_group"`
	KeyFallback    string `json:"key_fallback" yaml:"key_fallback"`
}

type DetectorConfig struct {
	Name      string        `json:"name" yaml:"name"`
	AlertType string        `json:"alert_type" yaml:"alert_type"`
	Stage     string        `json:"stage" yaml:"stage"`
	Severity  string        `json:"severity" yaml:"severity"`
	Window    time.Duration `json:"window" yaml:"window"`
	Threshold int           `json:"threshold" yaml:"threshold"`
	Statistic string        `json:"statistic" yaml:"statistic"`
	Cooldown  string        `json:"cooldown" yaml:"cooldown"`
	ValueName string        `json:"value_name" yaml:"value_name"`
	Sources   []string      `json:"sources" yaml:"sources"`
	Builtin   string        `json:"builtin" yaml:"builtin"`
	RulesFile string        `json:"rules_file" yaml:"rules_file"`
	Rules     []RuleConfig  `json:"rules" yaml:"rules"`
	Disabled  bool          `json:"disabled" yaml:"disabled"`
}

type ScoringConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Name            string        `json:"name" yaml:"name"`
	Interval        time.Duration `json:"interval" yaml:"interval"`
	ModelPath       string        `json:"model_path" yaml:"model_path"`
	Threshold       float64       `json:"threshold" yaml:"threshold"`
	TrainingSamples int           `json:"training_samples" yaml:"training_samples"`
	Sources         []string      `json:"sources" yaml:"sources"`
}

type RouterConfig struct {
	DedupPrefix string        `json:"dedup_prefix" yaml:"dedup_prefix"`
	DedupTTL    time.Duration `json:"dedup_ttl" yaml:"dedup_ttl"`
}

type DecisionConfig struct {
	Mode      string        `json:"mode" yaml:"mode"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	Generator []string      `json:"generator" yaml:"generator"`
}

type ResponderConfig struct {
	DedupPrefix    string        `json:"dedup_prefix" yaml:"dedup_prefix"`
	DedupTTL       time.Duration `json:"dedup_ttl" yaml:"dedup_ttl"`
	BlockCommand   []string      `json:"block_command" yaml:"block_command"`
	CommandTimeout time.Duration `json:"command_timeout" yaml:"command_timeout"`
	Allowlist      []string      `json:"allowlist" yaml:"allowlist"`
}

type DedupConfig struct {
	Driver   string `json:"driver" yaml:"driver"`
	RedisURL string `json:"redis_url" yaml:"redis_url"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Bus: BusConfig{
			Driver:     "redis",
			RedisURL:   "redis://localhost:6379/0",
			NATSURL:    "nats://localhost:4222",
			BufferSize: 1024,
		},
		Tailer: TailerConfig{
			PollInterval:     200 * time.Millisecond,
			HealthInterval:   60 * time.Second,
			OpenBackoff:      2 * time.Second,
			MissingBackoff:   1 * time.Second,
			PublishRetryWait: 500 * time.Millisecond,
			Notify:           true,
		},
		Syslog:    SyslogConfig{UDPAddr: ":5514", Label: "syslog"},
		Detectors: DefaultDetectors(),
		Scoring: ScoringConfig{
			Enabled:         false,
			Name:            "anomaly",
			Interval:        500 * time.Millisecond,
			ModelPath:       "data/anomaly_model.json",
			Threshold:       3.0,
			TrainingSamples: 1000,
			Sources:         []string{"web"},
		},
		Router: RouterConfig{DedupPrefix: "orch", DedupTTL: 30 * time.Second},
		Decision: DecisionConfig{
			Mode:    "rules",
			Timeout: 10 * time.Second,
		},
		Responder: ResponderConfig{
			DedupPrefix:    "responder",
			DedupTTL:       30 * time.Second,
			BlockCommand:   []string{"iptables", "-A", "INPUT", "-s", "{ip}", "-j", "DROP"},
			CommandTimeout: 10 * time.Second,
		},
		Dedup:   DedupConfig{Driver: "redis"},
		Storage: StorageConfig{Driver: "file"},
		API:     APIConfig{Enabled: false, Addr: ":8081"},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

// DefaultDetectors returns the stock detector set over the builtin rule tables.
func DefaultDetectors() []DetectorConfig {
	return []DetectorConfig{
		{
			Name:      "bruteforce",
			AlertType: "bruteforce.alert",
			Stage:     "password_spray",
			Severity:  "medium",
			Window:    10 * time.Second,
			Threshold: 5,
			Statistic: "count",
			Cooldown:  "none",
			Builtin:   "auth_failure",
		},
		{
			Name:      "ssh_bruteforce",
			AlertType: "ssh_bruteforce.alert",
			Stage:     "ssh_bruteforce",
			Severity:  "medium",
			Window:    10 * time.Second,
			Threshold: 5,
			Statistic: "count",
			Cooldown:  "reset",
			Builtin:   "ssh_failure",
			Disabled:  true,
		},
		{
			Name:      "portscan",
			AlertType: "portscan.group.alert",
			Stage:     "portscan",
			Severity:  "high",
			Window:    3 * time.Second,
			Threshold: 10,
			Statistic: "distinct",
			Cooldown:  "suppress",
			ValueName: "ports",
			Builtin:   "portscan",
		},
		{
			Name:      "web_attack",
			AlertType: "web_attack.alert",
			Stage:     "web_attack",
			Severity:  "medium",
			Window:    time.Second,
			Threshold: 1,
			Statistic: "count",
			Cooldown:  "none",
			Builtin:   "web_attack",
		},
	}
}

// Load reads a YAML or JSON config file. An empty path yields the defaults.
// Environment overrides are applied after the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(string(content))
		if len(trimmed) == 0 {
			return nil, errors.New("config file is empty")
		}
		var decodeErr error
		if looksLikeJSON(trimmed) {
			decodeErr = json.Unmarshal([]byte(trimmed), cfg)
		} else {
			decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOGWARDEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOGWARDEN_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("LOGWARDEN_BUS_DRIVER"); v != "" {
		cfg.Bus.Driver = v
	}
	if v := os.Getenv("LOGWARDEN_REDIS_URL"); v != "" {
		cfg.Bus.RedisURL = v
	}
	if v := os.Getenv("LOGWARDEN_NATS_URL"); v != "" {
		cfg.Bus.NATSURL = v
	}
	if v := os.Getenv("LOGWARDEN_KAFKA_BROKERS"); v != "" {
		cfg.Bus.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("LOGWARDEN_DEDUP_DRIVER"); v != "" {
		cfg.Dedup.Driver = v
	}
	if v := os.Getenv("LOGWARDEN_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("LOGWARDEN_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("LOGWARDEN_SYSLOG_UDP_ADDR"); v != "" {
		cfg.Syslog.Enabled = true
		cfg.Syslog.UDPAddr = v
	}
	if v := os.Getenv("LOGWARDEN_API_ADDR"); v != "" {
		cfg.API.Enabled = true
		cfg.API.Addr = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Bus.BufferSize <= 0 {
		cfg.Bus.BufferSize = def.Bus.BufferSize
	}
	if cfg.Tailer.PollInterval <= 0 {
		cfg.Tailer.PollInterval = def.Tailer.PollInterval
	}
	if cfg.Tailer.HealthInterval <= 0 {
		cfg.Tailer.HealthInterval = def.Tailer.HealthInterval
	}
	if cfg.Tailer.OpenBackoff <= 0 {
		cfg.Tailer.OpenBackoff = def.Tailer.OpenBackoff
	}
	if cfg.Tailer.MissingBackoff <= 0 {
		cfg.Tailer.MissingBackoff = def.Tailer.MissingBackoff
	}
	if cfg.Tailer.PublishRetryWait <= 0 {
		cfg.Tailer.PublishRetryWait = def.Tailer.PublishRetryWait
	}
	if cfg.Syslog.Label == "" {
		cfg.Syslog.Label = def.Syslog.Label
	}
	for i := range cfg.Detectors {
		d := &cfg.Detectors[i]
		if d.AlertType == "" {
			d.AlertType = d.Name + ".alert"
		}
		if d.Stage == "" {
			d.Stage = d.Name
		}
		if d.Severity == "" {
			d.Severity = "medium"
		}
		if d.Statistic == "" {
			d.Statistic = "count"
		}
		if d.Cooldown == "" {
			d.Cooldown = "none"
		}
		if d.Builtin == "" && d.RulesFile == "" && len(d.Rules) == 0 {
			d.Builtin = d.Name
		}
	}
	if cfg.Scoring.Name == "" {
		cfg.Scoring.Name = def.Scoring.Name
	}
	if cfg.Scoring.Interval <= 0 {
		cfg.Scoring.Interval = def.Scoring.Interval
	}
	if cfg.Scoring.Threshold <= 0 {
		cfg.Scoring.Threshold = def.Scoring.Threshold
	}
	if cfg.Scoring.TrainingSamples <= 0 {
		cfg.Scoring.TrainingSamples = def.Scoring.TrainingSamples
	}
	if cfg.Router.DedupPrefix == "" {
		cfg.Router.DedupPrefix = def.Router.DedupPrefix
	}
	if cfg.Router.DedupTTL <= 0 {
		cfg.Router.DedupTTL = def.Router.DedupTTL
	}
	if cfg.Decision.Mode == "" {
		cfg.Decision.Mode = def.Decision.Mode
	}
	if cfg.Decision.Timeout <= 0 {
		cfg.Decision.Timeout = def.Decision.Timeout
	}
	if cfg.Responder.DedupPrefix == "" {
		cfg.Responder.DedupPrefix = def.Responder.DedupPrefix
	}
	if cfg.Responder.DedupTTL <= 0 {
		cfg.Responder.DedupTTL = def.Responder.DedupTTL
	}
	if len(cfg.Responder.BlockCommand) == 0 {
		cfg.Responder.BlockCommand = def.Responder.BlockCommand
	}
	if cfg.Responder.CommandTimeout <= 0 {
		cfg.Responder.CommandTimeout = def.Responder.CommandTimeout
	}
	if cfg.Dedup.Driver == "" {
		cfg.Dedup.Driver = def.Dedup.Driver
	}
	if cfg.Dedup.RedisURL == "" {
		cfg.Dedup.RedisURL = cfg.Bus.RedisURL
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Bus.Driver) {
	case "memory":
	case "redis":
		if cfg.Bus.RedisURL == "" {
			return errors.New("bus.redis_url required when bus.driver is redis")
		}
	case "nats":
		if cfg.Bus.NATSURL == "" {
			return errors.New("bus.nats_url required when bus.driver is nats")
		}
	case "kafka":
		if len(cfg.Bus.KafkaBrokers) == 0 {
			return errors.New("bus.kafka_brokers required when bus.driver is kafka")
		}
	default:
		return fmt.Errorf("unsupported bus driver: %q", cfg.Bus.Driver)
	}
	if cfg.Syslog.Enabled && cfg.Syslog.UDPAddr == "" && cfg.Syslog.TCPAddr == "" {
		return errors.New("syslog.udp_addr or syslog.tcp_addr required when syslog.enabled is true")
	}
	seen := make(map[string]bool, len(cfg.Detectors))
	for _, d := range cfg.Detectors {
		if d.Name == "" {
			return errors.New("detectors[].name required")
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate detector name: %s", d.Name)
		}
		seen[d.Name] = true
		if d.Window <= 0 {
			return fmt.Errorf("detector %s: window must be > 0", d.Name)
		}
		if d.Threshold <= 0 {
			return fmt.Errorf("detector %s: threshold must be > 0", d.Name)
		}
		switch d.Statistic {
		case "count", "distinct":
		default:
			return fmt.Errorf("detector %s: unsupported statistic %q", d.Name, d.Statistic)
		}
		switch d.Cooldown {
		case "reset", "suppress", "none":
		default:
			return fmt.Errorf("detector %s: unsupported cooldown %q", d.Name, d.Cooldown)
		}
	}
	switch strings.ToLower(cfg.Decision.Mode) {
	case "rules":
	case "generative":
		if len(cfg.Decision.Generator) == 0 {
			return errors.New("decision.generator required when decision.mode is generative")
		}
	default:
		return fmt.Errorf("unsupported decision mode: %q", cfg.Decision.Mode)
	}
	switch strings.ToLower(cfg.Dedup.Driver) {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported dedup driver: %q", cfg.Dedup.Driver)
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "file", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage driver: %q", cfg.Storage.Driver)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	return nil
}

// ParseWatch splits a PATH:LABEL watch target. The label defaults to the
// file's base name without extension.
func ParseWatch(target string) (path, label string, err error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", "", errors.New("empty watch target")
	}
	if i := strings.LastIndex(target, ":"); i > 0 && i < len(target)-1 {
		return target[:i], target[i+1:], nil
	}
	path = strings.TrimSuffix(target, ":")
	base := filepath.Base(path)
	return path, strings.TrimSuffix(base, filepath.Ext(base)), nil
}

// ResolvePath makes a relative path absolute against the working directory.
func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
