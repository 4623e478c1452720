package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"logwarden/internal/logging"
	"logwarden/internal/model"
)

const DefaultStatePath = "data/system_state.json"

type fileState struct {
	BlockedIPs     []string           `json:"blocked_ips"`
	TotalAlerts    int64              `json:"total_alerts"`
	TotalDecisions int64              `json:"total_decisions"`
	LastAction     *string            `json:"last_action"`
	AdminAlerts    []model.AdminAlert `json:"admin_alerts,omitempty"`
}

// fileStore keeps the whole state in one JSON document and rewrites it on
// every mutation.
type fileStore struct {
	mu     sync.Mutex
	path   string
	data   fileState
	logger *slog.Logger
}

func NewFile(path string, logger *slog.Logger) Store {
	if path == "" {
		path = DefaultStatePath
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &fileStore{
		path:   path,
		data:   fileState{BlockedIPs: []string{}},
		logger: logger.With("state_file", path),
	}
}

// Init loads the state file, creating it when missing. A corrupt file is
// logged and replaced by empty state on the next write.
func (f *fileStore) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return f.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	var loaded fileState
	if err := json.Unmarshal(raw, &loaded); err != nil {
		f.logger.Error("state file unreadable, starting empty", "err", err)
		return nil
	}
	if loaded.BlockedIPs == nil {
		loaded.BlockedIPs = []string{}
	}
	f.data = loaded
	f.logger.Info("state loaded", "blocked_ips", len(loaded.BlockedIPs))
	return nil
}

func (f *fileStore) Close() error {
	return nil
}

func (f *fileStore) AddBlockedIP(ctx context.Context, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slices.Contains(f.data.BlockedIPs, ip) {
		return false, nil
	}
	f.data.BlockedIPs = append(f.data.BlockedIPs, ip)
	last := "Blocked " + ip
	f.data.LastAction = &last
	return true, f.saveLocked()
}

func (f *fileStore) IncrementAlertCount(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data.TotalAlerts++
	return f.saveLocked()
}

func (f *fileStore) IncrementDecisionCount(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data.TotalDecisions++
	return f.saveLocked()
}

func (f *fileStore) SaveAdminAlert(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data.AdminAlerts = append(f.data.AdminAlerts, model.AdminAlert{Timestamp: nowUTC(), Message: message})
	if n := len(f.data.AdminAlerts); n > MaxAdminAlerts {
		f.data.AdminAlerts = slices.Clone(f.data.AdminAlerts[n-MaxAdminAlerts:])
	}
	return f.saveLocked()
}

func (f *fileStore) Snapshot(ctx context.Context) (model.SystemState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := model.SystemState{
		BlockedIPs:     slices.Clone(f.data.BlockedIPs),
		TotalAlerts:    f.data.TotalAlerts,
		TotalDecisions: f.data.TotalDecisions,
		AdminAlerts:    slices.Clone(f.data.AdminAlerts),
	}
	if f.data.LastAction != nil {
		st.LastAction = *f.data.LastAction
	}
	return st, nil
}

func (f *fileStore) saveLocked() error {
	data, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
