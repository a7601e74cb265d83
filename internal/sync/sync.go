// Package sync reconciles the local period and archive with copies kept by a
// remote file provider.
package sync

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/dopejs/tally/internal/config"
	"github.com/dopejs/tally/internal/history"
	"github.com/dopejs/tally/internal/state"
	"github.com/google/uuid"
)

const (
	CurrentFileName = "tally-current.json"
	HistoryFileName = "tally-history.json"
	SyncMetaFile    = "sync_meta.json"
)

// CurrentFile is the remote current-period file.
type CurrentFile struct {
	state.Period
	DeviceID string `json:"deviceId,omitempty"`
}

// HistoryFile is the remote archive file.
type HistoryFile struct {
	History  []history.Week `json:"history"`
	DeviceID string         `json:"deviceId,omitempty"`
}

// SyncMeta is local-only bookkeeping stored at ~/.tally/sync_meta.json.
// Times are unix milliseconds.
type SyncMeta struct {
	DeviceID       string            `json:"device_id"`
	Backend        string            `json:"backend,omitempty"`
	LastSyncAt     int64             `json:"last_sync_at,omitempty"`
	FileIDs        map[string]string `json:"file_ids"`
	RemoteModified map[string]int64  `json:"remote_modified"`
}

// Status is returned by the status API.
type Status struct {
	Configured bool   `json:"configured"`
	Backend    string `json:"backend,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	Phase      string `json:"phase"`
	InProgress bool   `json:"in_progress"`
	LastSyncAt int64  `json:"last_sync_at,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// NewSyncMeta creates an empty meta with initialized maps.
func NewSyncMeta(deviceID string) *SyncMeta {
	return &SyncMeta{
		DeviceID:       deviceID,
		FileIDs:        make(map[string]string),
		RemoteModified: make(map[string]int64),
	}
}

// DefaultMetaPath returns ~/.tally/sync_meta.json.
func DefaultMetaPath() string {
	return filepath.Join(config.ConfigDirPath(), SyncMetaFile)
}

// LoadSyncMeta reads the meta file. It returns nil, nil when the file does
// not exist.
func LoadSyncMeta(path string) (*SyncMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta SyncMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.FileIDs == nil {
		meta.FileIDs = make(map[string]string)
	}
	if meta.RemoteModified == nil {
		meta.RemoteModified = make(map[string]int64)
	}
	if meta.DeviceID == "" {
		meta.DeviceID = uuid.NewString()
	}
	return &meta, nil
}

// Save writes the meta file.
func (m *SyncMeta) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0600)
}

// Forget drops cached file ids and timestamps, e.g. after the backend changed.
// The next sync is treated as the first one.
func (m *SyncMeta) Forget() {
	m.LastSyncAt = 0
	m.FileIDs = make(map[string]string)
	m.RemoteModified = make(map[string]int64)
}
