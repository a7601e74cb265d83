package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const githubAPI = "https://api.github.com"

// GistProvider keeps every file in one private GitHub gist. File ids have the
// form "<gist id>/<file name>", so a gist created on first sync is found again
// from the ids cached in the sync meta.
type GistProvider struct {
	GistID  string
	Token   string // GitHub PAT with gist scope
	BaseURL string // default: https://api.github.com
	Client  *http.Client
}

func (p *GistProvider) Name() string { return "gist" }

// gistResponse is the subset of the Gist API response we need.
type gistResponse struct {
	ID        string                   `json:"id"`
	UpdatedAt time.Time                `json:"updated_at"`
	Files     map[string]*gistFileInfo `json:"files"`
}

type gistFileInfo struct {
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
	RawURL    string `json:"raw_url"`
	Content   string `json:"content"`
}

func (p *GistProvider) base() string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	return githubAPI
}

func (p *GistProvider) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *GistProvider) request(ctx context.Context, method, url string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return p.client().Do(req)
}

func splitGistID(id string) (gistID, name string, err error) {
	gistID, name, ok := strings.Cut(id, "/")
	if !ok || gistID == "" || name == "" {
		return "", "", fmt.Errorf("gist: malformed file id %q", id)
	}
	return gistID, name, nil
}

func (p *GistProvider) Authenticate(ctx context.Context) error {
	if p.Token == "" {
		return fmt.Errorf("gist: %w: token not set", ErrAuthRequired)
	}
	resp, err := p.request(ctx, http.MethodGet, p.base()+"/user", nil)
	if err != nil {
		return fmt.Errorf("gist authenticate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(p.Name(), "authenticate", resp)
	}
	return nil
}

// fetch returns the gist, or nil when it does not exist.
func (p *GistProvider) fetch(ctx context.Context, gistID string) (*gistResponse, error) {
	resp, err := p.request(ctx, http.MethodGet, p.base()+"/gists/"+gistID, nil)
	if err != nil {
		return nil, fmt.Errorf("gist fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.Name(), "fetch", resp)
	}
	var g gistResponse
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return nil, fmt.Errorf("gist fetch: %w", err)
	}
	return &g, nil
}

func (p *GistProvider) FindOrCreateFile(ctx context.Context, name string) (FileInfo, error) {
	if p.GistID == "" {
		id, err := p.create(ctx, name)
		if err != nil {
			return FileInfo{}, err
		}
		p.GistID = id
		return p.fileInfo(ctx, id+"/"+name)
	}
	g, err := p.fetch(ctx, p.GistID)
	if err != nil {
		return FileInfo{}, err
	}
	if g == nil {
		return FileInfo{}, fmt.Errorf("gist %s: %w", p.GistID, ErrFileNotFound)
	}
	id := p.GistID + "/" + name
	if f, ok := g.Files[name]; ok && f != nil {
		return FileInfo{ID: id, ModifiedTime: g.UpdatedAt.UnixMilli(), Size: f.Size}, nil
	}
	return p.UploadFile(ctx, id, emptyObject)
}

func (p *GistProvider) fileInfo(ctx context.Context, id string) (FileInfo, error) {
	info, err := p.GetFileMetadata(ctx, id)
	if err != nil {
		return FileInfo{}, err
	}
	if info == nil {
		return FileInfo{}, fmt.Errorf("gist file %s: %w", id, ErrFileNotFound)
	}
	return *info, nil
}

func (p *GistProvider) DownloadFile(ctx context.Context, id string) (json.RawMessage, error) {
	gistID, name, err := splitGistID(id)
	if err != nil {
		return nil, err
	}
	g, err := p.fetch(ctx, gistID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("gist download %s: %w", id, ErrFileNotFound)
	}
	f, ok := g.Files[name]
	if !ok || f == nil {
		return nil, fmt.Errorf("gist download %s: %w", id, ErrFileNotFound)
	}
	if !f.Truncated {
		return asObject(p.Name(), []byte(f.Content))
	}

	// Large files are truncated in the gist response; fetch the raw content.
	resp, err := p.request(ctx, http.MethodGet, f.RawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gist download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.Name(), "download", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gist download: %w", err)
	}
	return asObject(p.Name(), data)
}

func (p *GistProvider) UploadFile(ctx context.Context, id string, content json.RawMessage) (FileInfo, error) {
	gistID, name, err := splitGistID(id)
	if err != nil {
		return FileInfo{}, err
	}
	payload := map[string]any{
		"files": map[string]any{
			name: map[string]string{"content": string(content)},
		},
	}
	resp, err := p.request(ctx, http.MethodPatch, p.base()+"/gists/"+gistID, payload)
	if err != nil {
		return FileInfo{}, fmt.Errorf("gist upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FileInfo{}, statusError(p.Name(), "upload", resp)
	}
	var g gistResponse
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return FileInfo{}, fmt.Errorf("gist upload: %w", err)
	}
	return FileInfo{ID: id, ModifiedTime: g.UpdatedAt.UnixMilli(), Size: int64(len(content))}, nil
}

func (p *GistProvider) GetFileMetadata(ctx context.Context, id string) (*FileInfo, error) {
	gistID, name, err := splitGistID(id)
	if err != nil {
		return nil, err
	}
	g, err := p.fetch(ctx, gistID)
	if err != nil || g == nil {
		return nil, err
	}
	f, ok := g.Files[name]
	if !ok || f == nil {
		return nil, nil
	}
	return &FileInfo{ID: id, ModifiedTime: g.UpdatedAt.UnixMilli(), Size: f.Size}, nil
}

// create makes a new private gist holding name and returns its id.
func (p *GistProvider) create(ctx context.Context, name string) (string, error) {
	payload := map[string]any{
		"description": "tally sync",
		"public":      false,
		"files": map[string]any{
			name: map[string]string{"content": "{}"},
		},
	}
	resp, err := p.request(ctx, http.MethodPost, p.base()+"/gists", payload)
	if err != nil {
		return "", fmt.Errorf("create gist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", statusError(p.Name(), "create", resp)
	}
	var g gistResponse
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return "", fmt.Errorf("create gist: %w", err)
	}
	return g.ID, nil
}
