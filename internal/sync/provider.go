package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/dopejs/tally/internal/config"
)

// FileInfo describes a remote file. ModifiedTime is unix milliseconds.
type FileInfo struct {
	ID           string `json:"id"`
	ModifiedTime int64  `json:"modifiedTime"`
	Size         int64  `json:"size,omitempty"`
}

// Provider is an opaque remote blob store keyed by file name. Implementations
// map 401/403 to *AuthError and throttling to *RateLimitError.
type Provider interface {
	// Name returns the backend type name.
	Name() string
	// Authenticate checks the configured credentials.
	Authenticate(ctx context.Context) error
	// FindOrCreateFile returns the file named name, creating it with an
	// empty JSON object when missing.
	FindOrCreateFile(ctx context.Context, name string) (FileInfo, error)
	// DownloadFile returns the file content as a JSON object; an empty file
	// yields "{}". A missing file yields ErrFileNotFound.
	DownloadFile(ctx context.Context, id string) (json.RawMessage, error)
	// UploadFile replaces the file content.
	UploadFile(ctx context.Context, id string, content json.RawMessage) (FileInfo, error)
	// GetFileMetadata returns nil, nil when the file does not exist.
	GetFileMetadata(ctx context.Context, id string) (*FileInfo, error)
}

// NewProvider creates a Provider from the given SyncConfig.
func NewProvider(cfg *config.SyncConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sync config is nil")
	}
	switch cfg.Backend {
	case config.BackendWebDAV:
		return &WebDAVProvider{
			Endpoint: cfg.Endpoint,
			Username: cfg.Username,
			Password: cfg.Token,
		}, nil
	case config.BackendS3:
		return NewS3Provider(cfg)
	case config.BackendGist:
		return &GistProvider{
			GistID: cfg.GistID,
			Token:  cfg.Token,
		}, nil
	case config.BackendRepo:
		return &RepoProvider{
			Owner:  cfg.RepoOwner,
			Repo:   cfg.RepoName,
			Dir:    cfg.RepoPath,
			Branch: cfg.RepoBranch,
			Token:  cfg.Token,
		}, nil
	case config.BackendLocal:
		return &LocalProvider{Dir: cfg.Dir}, nil
	default:
		return nil, fmt.Errorf("unknown sync backend: %q", cfg.Backend)
	}
}

var emptyObject = json.RawMessage("{}")

// asObject validates that data is a JSON object, mapping empty content to {}.
func asObject(provider string, data []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return emptyObject, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%s download: content is not a JSON object: %w", provider, err)
	}
	if fields == nil {
		return emptyObject, nil
	}
	return json.RawMessage(data), nil
}
