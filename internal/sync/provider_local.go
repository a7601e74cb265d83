package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalProvider keeps the files in a directory, typically one mirrored by a
// desktop sync client. File ids are file names.
type LocalProvider struct {
	Dir string
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("local: invalid file id %q", id)
	}
	return filepath.Join(p.Dir, id), nil
}

func (p *LocalProvider) Authenticate(ctx context.Context) error {
	if p.Dir == "" {
		return fmt.Errorf("local: %w: directory not set", ErrAuthRequired)
	}
	info, err := os.Stat(p.Dir)
	if err != nil {
		return fmt.Errorf("local: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("local: %s is not a directory", p.Dir)
	}
	return nil
}

func (p *LocalProvider) FindOrCreateFile(ctx context.Context, name string) (FileInfo, error) {
	info, err := p.GetFileMetadata(ctx, name)
	if err != nil {
		return FileInfo{}, err
	}
	if info != nil {
		return *info, nil
	}
	return p.UploadFile(ctx, name, emptyObject)
}

func (p *LocalProvider) DownloadFile(ctx context.Context, id string) (json.RawMessage, error) {
	fp, err := p.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fp)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("local download %s: %w", id, ErrFileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("local download: %w", err)
	}
	return asObject(p.Name(), data)
}

func (p *LocalProvider) UploadFile(ctx context.Context, id string, content json.RawMessage) (FileInfo, error) {
	fp, err := p.path(id)
	if err != nil {
		return FileInfo{}, err
	}
	tmp, err := os.CreateTemp(p.Dir, ".tally-*.tmp")
	if err != nil {
		return FileInfo{}, fmt.Errorf("local upload: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return FileInfo{}, fmt.Errorf("local upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return FileInfo{}, fmt.Errorf("local upload: %w", err)
	}
	if err := os.Rename(tmpName, fp); err != nil {
		os.Remove(tmpName)
		return FileInfo{}, fmt.Errorf("local upload: %w", err)
	}
	info, err := p.GetFileMetadata(ctx, id)
	if err != nil {
		return FileInfo{}, err
	}
	if info == nil {
		return FileInfo{}, fmt.Errorf("local upload %s: %w", id, ErrFileNotFound)
	}
	return *info, nil
}

func (p *LocalProvider) GetFileMetadata(ctx context.Context, id string) (*FileInfo, error) {
	fp, err := p.path(id)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(fp)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("local metadata: %w", err)
	}
	return &FileInfo{ID: id, ModifiedTime: st.ModTime().UnixMilli(), Size: st.Size()}, nil
}
