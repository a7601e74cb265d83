package sync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// RepoProvider stores files in a GitHub repository through the Contents API.
// File ids are paths inside the repository.
type RepoProvider struct {
	Owner   string
	Repo    string
	Dir     string // directory inside the repo (default: root)
	Branch  string // default: "main"
	Token   string // GitHub PAT with repo scope
	BaseURL string // default: https://api.github.com
	Client  *http.Client
}

func (p *RepoProvider) Name() string { return "repo" }

func (p *RepoProvider) branch() string {
	if p.Branch == "" {
		return "main"
	}
	return p.Branch
}

func (p *RepoProvider) base() string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	return githubAPI
}

func (p *RepoProvider) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *RepoProvider) filePath(name string) string {
	if p.Dir == "" {
		return name
	}
	return path.Join(strings.Trim(p.Dir, "/"), name)
}

func (p *RepoProvider) contentsURL(id string) string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", p.base(), p.Owner, p.Repo, id)
}

// contentsResponse is the subset of the Contents API response we need.
type contentsResponse struct {
	SHA         string `json:"sha"`
	Size        int64  `json:"size"`
	Content     string `json:"content"`
	DownloadURL string `json:"download_url"`
}

type commitInfo struct {
	Committer struct {
		Date time.Time `json:"date"`
	} `json:"committer"`
}

func (p *RepoProvider) request(ctx context.Context, method, target string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
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

func (p *RepoProvider) Authenticate(ctx context.Context) error {
	if p.Token == "" {
		return fmt.Errorf("repo: %w: token not set", ErrAuthRequired)
	}
	resp, err := p.request(ctx, http.MethodGet, fmt.Sprintf("%s/repos/%s/%s", p.base(), p.Owner, p.Repo), nil)
	if err != nil {
		return fmt.Errorf("repo authenticate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("repo %s/%s not found or not accessible with this token", p.Owner, p.Repo)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(p.Name(), "authenticate", resp)
	}
	return nil
}

// contents returns the file entry, or nil when it does not exist.
func (p *RepoProvider) contents(ctx context.Context, id string) (*contentsResponse, error) {
	resp, err := p.request(ctx, http.MethodGet, p.contentsURL(id)+"?ref="+url.QueryEscape(p.branch()), nil)
	if err != nil {
		return nil, fmt.Errorf("repo contents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.Name(), "contents", resp)
	}
	var cr contentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("repo contents: %w", err)
	}
	return &cr, nil
}

func (p *RepoProvider) FindOrCreateFile(ctx context.Context, name string) (FileInfo, error) {
	id := p.filePath(name)
	info, err := p.GetFileMetadata(ctx, id)
	if err != nil {
		return FileInfo{}, err
	}
	if info != nil {
		return *info, nil
	}
	return p.UploadFile(ctx, id, emptyObject)
}

func (p *RepoProvider) DownloadFile(ctx context.Context, id string) (json.RawMessage, error) {
	cr, err := p.contents(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr == nil {
		return nil, fmt.Errorf("repo download %s: %w", id, ErrFileNotFound)
	}
	if cr.Content == "" && cr.Size > 0 && cr.DownloadURL != "" {
		// Files over 1 MB come without inline content.
		return p.downloadRaw(ctx, cr.DownloadURL)
	}
	data, err := base64.StdEncoding.DecodeString(cr.Content)
	if err != nil {
		return nil, fmt.Errorf("repo download: decode base64: %w", err)
	}
	return asObject(p.Name(), data)
}

func (p *RepoProvider) downloadRaw(ctx context.Context, target string) (json.RawMessage, error) {
	resp, err := p.request(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("repo download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.Name(), "download", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("repo download: %w", err)
	}
	return asObject(p.Name(), data)
}

func (p *RepoProvider) UploadFile(ctx context.Context, id string, content json.RawMessage) (FileInfo, error) {
	// The current SHA is required to update an existing file.
	cur, err := p.contents(ctx, id)
	if err != nil {
		return FileInfo{}, fmt.Errorf("repo upload: %w", err)
	}
	payload := map[string]any{
		"message": "Update " + path.Base(id),
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  p.branch(),
	}
	if cur != nil {
		payload["sha"] = cur.SHA
	}

	resp, err := p.request(ctx, http.MethodPut, p.contentsURL(id), payload)
	if err != nil {
		return FileInfo{}, fmt.Errorf("repo upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return FileInfo{}, statusError(p.Name(), "upload", resp)
	}
	var out struct {
		Content contentsResponse `json:"content"`
		Commit  commitInfo       `json:"commit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return FileInfo{}, fmt.Errorf("repo upload: %w", err)
	}
	return FileInfo{ID: id, ModifiedTime: out.Commit.Committer.Date.UnixMilli(), Size: out.Content.Size}, nil
}

func (p *RepoProvider) GetFileMetadata(ctx context.Context, id string) (*FileInfo, error) {
	cr, err := p.contents(ctx, id)
	if err != nil || cr == nil {
		return nil, err
	}
	info := &FileInfo{ID: id, Size: cr.Size}

	q := url.Values{"path": {id}, "sha": {p.branch()}, "per_page": {"1"}}
	resp, err := p.request(ctx, http.MethodGet, fmt.Sprintf("%s/repos/%s/%s/commits?%s", p.base(), p.Owner, p.Repo, q.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("repo metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.Name(), "metadata", resp)
	}
	var commits []struct {
		Commit commitInfo `json:"commit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&commits); err != nil {
		return nil, fmt.Errorf("repo metadata: %w", err)
	}
	if len(commits) > 0 {
		info.ModifiedTime = commits[0].Commit.Committer.Date.UnixMilli()
	}
	return info, nil
}
