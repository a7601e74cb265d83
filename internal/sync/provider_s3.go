package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dopejs/tally/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Provider stores each file as an object in an S3-compatible bucket via
// minio-go. File ids are object keys.
type S3Provider struct {
	client    *minio.Client
	bucket    string
	anonymous bool
}

// NewS3Provider creates an S3Provider from SyncConfig.
func NewS3Provider(cfg *config.SyncConfig) (*S3Provider, error) {
	endpoint := cfg.Endpoint
	useSSL := true
	// minio wants host[:port] without a scheme
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		endpoint = rest
	} else if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		endpoint = rest
		useSSL = false
	}
	endpoint = strings.TrimRight(endpoint, "/")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 init: %w", err)
	}
	return &S3Provider{client: client, bucket: cfg.Bucket, anonymous: cfg.AccessKey == ""}, nil
}

func (p *S3Provider) Name() string { return "s3" }

func (p *S3Provider) Authenticate(ctx context.Context) error {
	if p.anonymous {
		return fmt.Errorf("s3: %w: access key not set", ErrAuthRequired)
	}
	ok, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return p.mapError("authenticate", err)
	}
	if !ok {
		return fmt.Errorf("s3: bucket %q does not exist", p.bucket)
	}
	return nil
}

func (p *S3Provider) FindOrCreateFile(ctx context.Context, name string) (FileInfo, error) {
	info, err := p.GetFileMetadata(ctx, name)
	if err != nil {
		return FileInfo{}, err
	}
	if info != nil {
		return *info, nil
	}
	return p.UploadFile(ctx, name, emptyObject)
}

func (p *S3Provider) DownloadFile(ctx context.Context, id string) (json.RawMessage, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, p.mapError("download", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("s3 download %s: %w", id, ErrFileNotFound)
		}
		return nil, p.mapError("download", err)
	}
	return asObject(p.Name(), data)
}

func (p *S3Provider) UploadFile(ctx context.Context, id string, content json.RawMessage) (FileInfo, error) {
	reader := bytes.NewReader(content)
	up, err := p.client.PutObject(ctx, p.bucket, id, reader, int64(len(content)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return FileInfo{}, p.mapError("upload", err)
	}
	if !up.LastModified.IsZero() {
		return FileInfo{ID: id, ModifiedTime: up.LastModified.UnixMilli(), Size: up.Size}, nil
	}
	info, err := p.GetFileMetadata(ctx, id)
	if err != nil {
		return FileInfo{}, err
	}
	if info == nil {
		return FileInfo{}, fmt.Errorf("s3 upload %s: object missing after put", id)
	}
	return *info, nil
}

func (p *S3Provider) GetFileMetadata(ctx context.Context, id string) (*FileInfo, error) {
	st, err := p.client.StatObject(ctx, p.bucket, id, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, p.mapError("metadata", err)
	}
	return &FileInfo{ID: id, ModifiedTime: st.LastModified.UnixMilli(), Size: st.Size}, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (p *S3Provider) mapError(op string, err error) error {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		resp = minio.ToErrorResponse(err)
	}
	switch {
	case resp.Code == "SlowDown" || resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{Provider: p.Name()}
	case resp.Code == "AccessDenied" || resp.Code == "InvalidAccessKeyId" ||
		resp.Code == "SignatureDoesNotMatch" || resp.StatusCode == http.StatusForbidden ||
		resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Provider: p.Name(), Status: resp.StatusCode, Message: resp.Message}
	}
	return fmt.Errorf("s3 %s: %w", op, err)
}
