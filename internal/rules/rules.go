// Package rules compiles declarative log-matching tables. Each rule pairs a
// pattern with a key extractor, an optional value extractor, a
// classification and a severity. The first matching rule of a set wins.
package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"logwarden/internal/config"
	"logwarden/internal/model"
)

const (
	DefaultKeyGroup = "ip"
	// FallbackScan takes the first IPv4 address anywhere in the line.
	FallbackScan = "scan"
	UnknownKey   = "unknown"
)

var ipv4 = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

type Rule struct {
	Name           string
	Classification string
	Severity       model.Severity
	pattern        *regexp.Regexp
	keyIndex       int
	valueIndex     int
	fallback       string
}

type Match struct {
	Rule  *Rule
	Key   string
	Value string
}

type Set struct {
	rules []*Rule
}

func Compile(defs []config.RuleConfig) (*Set, error) {
	if len(defs) == 0 {
		return nil, errors.New("rule set is empty")
	}
	set := &Set{rules: make([]*Rule, 0, len(defs))}
	for i, d := range defs {
		r, err := compileRule(d)
		if err != nil {
			name := d.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		set.rules = append(set.rules, r)
	}
	return set, nil
}

func compileRule(d config.RuleConfig) (*Rule, error) {
	if d.Pattern == "" {
		return nil, errors.New("pattern required")
	}
	re, err := regexp.Compile(d.Pattern)
	if err != nil {
		return nil, err
	}
	r := &Rule{
		Name:           d.Name,
		Classification: d.Classification,
		pattern:        re,
		keyIndex:       -1,
		valueIndex:     -1,
		fallback:       d.KeyFallback,
	}
	if r.Classification == "" {
		r.Classification = d.Name
	}
	if d.Severity != "" {
		sev, ok := model.ParseSeverity(d.Severity)
		if !ok {
			return nil, fmt.Errorf("unknown severity %q", d.Severity)
		}
		r.Severity = sev
	}
	keyGroup := d.KeyGroup
	if keyGroup == "" {
		keyGroup = DefaultKeyGroup
	}
	r.keyIndex = re.SubexpIndex(keyGroup)
	if r.keyIndex < 0 && d.KeyGroup != "" {
		return nil, fmt.Errorf("pattern has no group %q", d.KeyGroup)
	}
	if r.keyIndex < 0 && r.fallback == "" {
		return nil, fmt.Errorf("pattern has no group %q and no key_fallback", keyGroup)
	}
	if d.ValueGroup != "" {
		r.valueIndex = re.SubexpIndex(d.ValueGroup)
		if r.valueIndex < 0 {
			return nil, fmt.Errorf("pattern has no group %q", d.ValueGroup)
		}
	}
	return r, nil
}

// Match runs the rules in order against line.
func (s *Set) Match(line string) (Match, bool) {
	for _, r := range s.rules {
		m := r.pattern.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		key := group(line, m, r.keyIndex)
		if key == "" {
			key = r.fallbackKey(line)
		}
		if key == "" {
			continue
		}
		return Match{Rule: r, Key: key, Value: group(line, m, r.valueIndex)}, true
	}
	return Match{}, false
}

// HasValues reports whether every rule extracts a value.
func (s *Set) HasValues() bool {
	for _, r := range s.rules {
		if r.valueIndex < 0 {
			return false
		}
	}
	return true
}

func (s *Set) Len() int {
	return len(s.rules)
}

func (r *Rule) fallbackKey(line string) string {
	switch r.fallback {
	case "":
		return ""
	case FallbackScan:
		if ip := FirstIPv4(line); ip != "" {
			return ip
		}
		return UnknownKey
	default:
		return r.fallback
	}
}

// FirstIPv4 returns the first dotted-quad in line, or "".
func FirstIPv4(line string) string {
	return ipv4.FindString(line)
}

func group(line string, m []int, idx int) string {
	if idx < 0 || 2*idx+1 >= len(m) || m[2*idx] < 0 {
		return ""
	}
	return line[m[2*idx]:m[2*idx+1]]
}

type ruleFile struct {
	Rules []config.RuleConfig `yaml:"rules"`
}

// LoadFile reads a YAML rule table: either a bare list or a {rules: [...]} map.
func LoadFile(path string) ([]config.RuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var list []config.RuleConfig
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list, nil
	}
	var wrapped ruleFile
	if err := yaml.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if len(wrapped.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s has no rules", path)
	}
	return wrapped.Rules, nil
}

// ForDetector resolves a detector's table: inline rules, then its rules file,
// then the builtin table it names.
func ForDetector(d config.DetectorConfig) (*Set, error) {
	switch {
	case len(d.Rules) > 0:
		return Compile(d.Rules)
	case d.RulesFile != "":
		defs, err := LoadFile(d.RulesFile)
		if err != nil {
			return nil, err
		}
		return Compile(defs)
	default:
		defs, ok := Builtin(d.Builtin)
		if !ok {
			return nil, fmt.Errorf("detector %s: unknown builtin rule table %q", d.Name, d.Builtin)
		}
		return Compile(defs)
	}
}
