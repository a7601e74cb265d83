package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebDAVProvider stores each file under a WebDAV collection using plain
// GET/PUT/HEAD with optional Basic Auth.
type WebDAVProvider struct {
	Endpoint string // collection URL, e.g. https://dav.example.com/tally/
	Username string
	Password string
	Client   *http.Client // nil means http.DefaultClient
}

func (p *WebDAVProvider) Name() string { return "webdav" }

func (p *WebDAVProvider) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *WebDAVProvider) fileURL(id string) string {
	return strings.TrimRight(p.Endpoint, "/") + "/" + url.PathEscape(id)
}

func (p *WebDAVProvider) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.Username != "" || p.Password != "" {
		req.SetBasicAuth(p.Username, p.Password)
	}
	return p.client().Do(req)
}

func (p *WebDAVProvider) Authenticate(ctx context.Context) error {
	if p.Endpoint == "" {
		return fmt.Errorf("webdav: %w: endpoint not set", ErrAuthRequired)
	}
	resp, err := p.do(ctx, http.MethodHead, strings.TrimRight(p.Endpoint, "/")+"/", nil)
	if err != nil {
		return fmt.Errorf("webdav authenticate: %w", err)
	}
	defer resp.Body.Close()
	// Some servers refuse HEAD on collections; only credential failures matter.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return statusError(p.Name(), "authenticate", resp)
	}
	return nil
}

func (p *WebDAVProvider) FindOrCreateFile(ctx context.Context, name string) (FileInfo, error) {
	info, err := p.GetFileMetadata(ctx, name)
	if err != nil {
		return FileInfo{}, err
	}
	if info != nil {
		return *info, nil
	}
	return p.UploadFile(ctx, name, emptyObject)
}

func (p *WebDAVProvider) DownloadFile(ctx context.Context, id string) (json.RawMessage, error) {
	resp, err := p.do(ctx, http.MethodGet, p.fileURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("webdav download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("webdav download %s: %w", id, ErrFileNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.Name(), "download", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("webdav download: %w", err)
	}
	return asObject(p.Name(), data)
}

func (p *WebDAVProvider) UploadFile(ctx context.Context, id string, content json.RawMessage) (FileInfo, error) {
	resp, err := p.do(ctx, http.MethodPut, p.fileURL(id), content)
	if err != nil {
		return FileInfo{}, fmt.Errorf("webdav upload: %w", err)
	}
	defer resp.Body.Close()

	// WebDAV PUT typically returns 200, 201, or 204
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FileInfo{}, statusError(p.Name(), "upload", resp)
	}
	info, err := p.GetFileMetadata(ctx, id)
	if err != nil || info == nil {
		return FileInfo{ID: id, ModifiedTime: time.Now().UnixMilli(), Size: int64(len(content))}, nil
	}
	return *info, nil
}

func (p *WebDAVProvider) GetFileMetadata(ctx context.Context, id string) (*FileInfo, error) {
	resp, err := p.do(ctx, http.MethodHead, p.fileURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("webdav metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.Name(), "metadata", resp)
	}
	info := &FileInfo{ID: id, Size: resp.ContentLength}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.ModifiedTime = t.UnixMilli()
		}
	}
	if info.Size < 0 {
		info.Size = 0
	}
	return info, nil
}
