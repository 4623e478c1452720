package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logwarden/internal/config"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	file := NewFile(filepath.Join(dir, "state", "system_state.json"), nil)
	sqlite, err := NewSQLite("file:" + filepath.Join(dir, "state.db") + "?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	stores := map[string]Store{"file": file, "sqlite": sqlite}
	for name, s := range stores {
		require.NoError(t, s.Init(context.Background()), name)
		t.Cleanup(func() { s.Close() })
	}
	return stores
}

func TestStoreContract(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			st, err := s.Snapshot(ctx)
			require.NoError(t, err)
			assert.Empty(t, st.BlockedIPs)
			assert.Zero(t, st.TotalAlerts)
			assert.Empty(t, st.LastAction)

			added, err := s.AddBlockedIP(ctx, "10.0.0.5")
			require.NoError(t, err)
			assert.True(t, added)
			added, err = s.AddBlockedIP(ctx, "10.0.0.5")
			require.NoError(t, err)
			assert.False(t, added)
			_, err = s.AddBlockedIP(ctx, "10.0.0.6")
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				require.NoError(t, s.IncrementAlertCount(ctx))
			}
			require.NoError(t, s.IncrementDecisionCount(ctx))
			require.NoError(t, s.SaveAdminAlert(ctx, "Suspicious activity from 10.0.0.7"))

			st, err = s.Snapshot(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"10.0.0.5", "10.0.0.6"}, st.BlockedIPs)
			assert.EqualValues(t, 3, st.TotalAlerts)
			assert.EqualValues(t, 1, st.TotalDecisions)
			assert.Equal(t, "Blocked 10.0.0.6", st.LastAction)
			require.Len(t, st.AdminAlerts, 1)
			assert.Equal(t, "Suspicious activity from 10.0.0.7", st.AdminAlerts[0].Message)
			assert.False(t, st.AdminAlerts[0].Timestamp.IsZero())
		})
	}
}

func TestAdminAlertLogIsBounded(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < MaxAdminAlerts+5; i++ {
				require.NoError(t, s.SaveAdminAlert(ctx, fmt.Sprintf("msg-%03d", i)))
			}
			st, err := s.Snapshot(ctx)
			require.NoError(t, err)
			require.Len(t, st.AdminAlerts, MaxAdminAlerts)
			assert.Equal(t, "msg-005", st.AdminAlerts[0].Message)
			assert.Equal(t, fmt.Sprintf("msg-%03d", MaxAdminAlerts+4), st.AdminAlerts[MaxAdminAlerts-1].Message)
		})
	}
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "system_state.json")

	s := NewFile(path, nil)
	require.NoError(t, s.Init(ctx))
	_, err := s.AddBlockedIP(ctx, "192.0.2.9")
	require.NoError(t, err)
	require.NoError(t, s.IncrementAlertCount(ctx))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "Blocked 192.0.2.9", doc["last_action"])
	assert.EqualValues(t, 1, doc["total_alerts"])

	reopened := NewFile(path, nil)
	require.NoError(t, reopened.Init(ctx))
	st, err := reopened.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.9"}, st.BlockedIPs)
	assert.EqualValues(t, 1, st.TotalAlerts)
}

func TestFileStoreCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "system_state.json")
	s := NewFile(path, nil)
	require.NoError(t, s.Init(context.Background()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "blocked_ips")
	assert.Nil(t, doc["last_action"])
}

func TestFileStoreCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewFile(path, nil)
	require.NoError(t, s.Init(context.Background()))
	st, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.BlockedIPs)
}

func TestNewStoreDrivers(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Driver: "file", DSN: filepath.Join(t.TempDir(), "s.json")}, nil)
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = NewStore(config.StorageConfig{Driver: "mongo"}, nil)
	assert.Error(t, err)
}
