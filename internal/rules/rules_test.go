package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logwarden/internal/config"
	"logwarden/internal/model"
)

func builtinSet(t *testing.T, name string) *Set {
	t.Helper()
	defs, ok := Builtin(name)
	require.True(t, ok)
	set, err := Compile(defs)
	require.NoError(t, err)
	return set
}

func TestBuiltinTablesCompile(t *testing.T) {
	for _, name := range BuiltinNames() {
		builtinSet(t, name)
	}
	_, ok := Builtin("nope")
	assert.False(t, ok)
}

func TestAuthFailure(t *testing.T) {
	set := builtinSet(t, "auth_failure")
	m, ok := set.Match("Jan 12 10:00:01 host sshd[42]: Failed password for invalid user admin from 203.0.113.9 port 52113 ssh2")
	require.True(t, ok)
	assert.Equal(t, "203.0.113.9", m.Key)
	assert.Equal(t, "password_spray", m.Rule.Classification)

	_, ok = set.Match("Accepted password for alice from 203.0.113.9 port 22 ssh2")
	assert.False(t, ok)
}

func TestPortscanExtractsPort(t *testing.T) {
	set := builtinSet(t, "portscan")
	assert.True(t, set.HasValues())
	m, ok := set.Match("kernel: blocked connection from 198.51.100.7 on port 8080")
	require.True(t, ok)
	assert.Equal(t, "198.51.100.7", m.Key)
	assert.Equal(t, "8080", m.Value)
}

func TestWebAttackClassification(t *testing.T) {
	set := builtinSet(t, "web_attack")
	cases := []struct {
		line     string
		class    string
		severity model.Severity
		key      string
	}{
		{`192.0.2.1 - - "GET /item?id=1 UNION SELECT password FROM users HTTP/1.1" 200`, "sqli", model.SeverityHigh, "192.0.2.1"},
		{`192.0.2.2 - - "GET /download?f=../../etc/shadow HTTP/1.1" 403`, "lfi", model.SeverityHigh, "192.0.2.2"},
		{`192.0.2.3 - - "GET /static/..%2fconfig HTTP/1.1" 404`, "path_traversal", model.SeverityMedium, "192.0.2.3"},
		{`"GET /view?page=/etc/passwd HTTP/1.1"`, "lfi", model.SeverityHigh, UnknownKey},
	}
	for _, tc := range cases {
		m, ok := set.Match(tc.line)
		require.True(t, ok, tc.line)
		assert.Equal(t, tc.class, m.Rule.Classification, tc.line)
		assert.Equal(t, tc.severity, m.Rule.Severity, tc.line)
		assert.Equal(t, tc.key, m.Key, tc.line)
	}
	_, ok := set.Match(`192.0.2.9 - - "GET /index.html HTTP/1.1" 200`)
	assert.False(t, ok)
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile(nil)
	assert.Error(t, err)
	_, err = Compile([]config.RuleConfig{{Name: "bad", Pattern: "("}})
	assert.Error(t, err)
	_, err = Compile([]config.RuleConfig{{Name: "nokey", Pattern: "Failed"}})
	assert.Error(t, err)
	_, err = Compile([]config.RuleConfig{{Name: "sev", Pattern: "(?P<ip>x)", Severity: "critical"}})
	assert.Error(t, err)
	_, err = Compile([]config.RuleConfig{{Name: "val", Pattern: "(?P<ip>x)", ValueGroup: "port"}})
	assert.Error(t, err)
}

func TestLiteralFallbackKey(t *testing.T) {
	set, err := Compile([]config.RuleConfig{{Name: "oom", Pattern: "Out of memory", KeyFallback: "host"}})
	require.NoError(t, err)
	m, ok := set.Match("kernel: Out of memory: Killed process 1234")
	require.True(t, ok)
	assert.Equal(t, "host", m.Key)
	assert.Equal(t, "oom", m.Rule.Classification)
}

func TestLoadFileFormats(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "list.yaml")
	require.NoError(t, os.WriteFile(list, []byte(`
- name: sudo
  pattern: 'authentication failure.*rhost=(?P<ip>\S+)'
  severity: medium
`), 0o644))
	wrapped := filepath.Join(dir, "wrapped.yaml")
	require.NoError(t, os.WriteFile(wrapped, []byte(`
rules:
  - name: sudo
    pattern: 'authentication failure.*rhost=(?P<ip>\S+)'
`), 0o644))

	for _, path := range []string{list, wrapped} {
		defs, err := LoadFile(path)
		require.NoError(t, err, path)
		require.Len(t, defs, 1)
		assert.Equal(t, "sudo", defs[0].Name)
	}

	set, err := ForDetector(config.DetectorConfig{Name: "sudo", RulesFile: list})
	require.NoError(t, err)
	m, ok := set.Match("pam_unix(sudo:auth): authentication failure; rhost=10.1.2.3")
	require.True(t, ok)
	assert.Equal(t, "10.1.2.3", m.Key)
}

func TestForDetectorUnknownBuiltin(t *testing.T) {
	_, err := ForDetector(config.DetectorConfig{Name: "x", Builtin: "missing"})
	assert.Error(t, err)
}
