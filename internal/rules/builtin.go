package rules

import "logwarden/internal/config"

const ipPattern = `(?P<ip>\d{1,3}(?:\.\d{1,3}){3})`

var builtin = map[string][]config.RuleConfig{
	"auth_failure": {
		{
			Name:           "failed_password",
			Pattern:        `Failed password for (?:invalid user )?(?P<user>\w+) from ` + ipPattern,
			Classification: "password_spray",
		},
	},
	"ssh_failure": {
		{
			Name:           "ssh_failed_password",
			Pattern:        `Failed password.*from ` + ipPattern,
			Classification: "ssh_bruteforce",
		},
	},
	"portscan": {
		{
			Name:           "connection_attempt",
			Pattern:        `from ` + ipPattern + ` on port (?P<port>\d+)`,
			Classification: "portscan",
			ValueGroup:     "port",
		},
	},
	"web_attack": {
		{
			Name:           "sqli_meta",
			Pattern:        `(%27)|(')|(--)|(%23)|(#)`,
			Classification: "sqli",
			Severity:       "high",
			KeyFallback:    FallbackScan,
		},
		{
			Name:           "sqli_union",
			Pattern:        `(?i)union\s+select`,
			Classification: "sqli",
			Severity:       "high",
			KeyFallback:    FallbackScan,
		},
		{
			Name:           "sqli_tautology",
			Pattern:        `(?i)or\s+'1'='1'`,
			Classification: "sqli",
			Severity:       "high",
			KeyFallback:    FallbackScan,
		},
		{
			Name:           "sqli_sleep",
			Pattern:        `(?i)sleep\(`,
			Classification: "sqli",
			Severity:       "high",
			KeyFallback:    FallbackScan,
		},
		{
			Name:           "lfi_dotdot",
			Pattern:        `(\.\./)+`,
			Classification: "lfi",
			Severity:       "high",
			KeyFallback:    FallbackScan,
		},
		{
			Name:           "lfi_encoded",
			Pattern:        `(?i)(%2e%2e%2f)+`,
			Classification: "lfi",
			Severity:       "high",
			KeyFallback:    FallbackScan,
		},
		{
			Name:           "lfi_passwd",
			Pattern:        `etc/passwd`,
			Classification: "lfi",
			Severity:       "high",
			KeyFallback:    FallbackScan,
		},
		{
			Name:           "path_traversal_mixed",
			Pattern:        `(?i)(\.\.%2f|%2e%2e/|\.\.\\)`,
			Classification: "path_traversal",
			Severity:       "medium",
			KeyFallback:    FallbackScan,
		},
	},
}

// Builtin returns a copy of a stock rule table.
func Builtin(name string) ([]config.RuleConfig, bool) {
	defs, ok := builtin[name]
	if !ok {
		return nil, false
	}
	out := make([]config.RuleConfig, len(defs))
	copy(out, defs)
	return out, true
}

func BuiltinNames() []string {
	return []string{"auth_failure", "ssh_failure", "portscan", "web_attack"}
}
