package scriptrt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ObjectMeta describes one stored object.
type ObjectMeta struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the blob backend behind per-tenant file storage. One
// implementation per deployment (S3-compatible in production, an
// in-memory fake in tests).
type ObjectStore interface {
	List(ctx context.Context, bucket, prefix string) ([]ObjectMeta, error)
	Exists(ctx context.Context, bucket, path string) (bool, error)
	Download(ctx context.Context, bucket, path string) ([]byte, error)
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error
	Delete(ctx context.Context, bucket, path string) error
	PresignGet(ctx context.Context, bucket, path string, expiry time.Duration) (string, error)
}

// tenantBucket derives the deterministic bucket name for a tenant.
func tenantBucket(t TenantID) string {
	return "scriptrt." + t.Kind + "." + strconv.FormatUint(t.ID, 10)
}

// ObjectStorageProvider is the gated per-tenant file surface exposed to
// scripts. Paths are opaque keys; the provider only bounds their length
// and rejects traversal-looking segments.
type ObjectStorageProvider struct {
	ctx *HostContext
}

func (p *ObjectStorageProvider) validatePath(path string) error {
	if path == "" {
		return errInvalidInput("path", "must not be empty")
	}
	if len(path) > p.ctx.limits.MaxObjectPathLength {
		return errInvalidInput("path", fmt.Sprintf("exceeds %d bytes", p.ctx.limits.MaxObjectPathLength))
	}
	if strings.Contains(path, "..") {
		return errInvalidInput("path", "must not contain '..'")
	}
	return nil
}

func (p *ObjectStorageProvider) bucket() string {
	return tenantBucket(p.ctx.Tenant)
}

// List returns metadata for every object under the prefix.
func (p *ObjectStorageProvider) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	if err := p.ctx.gate("object_storage", "list_files", "list_files"); err != nil {
		return nil, err
	}
	if len(prefix) > p.ctx.limits.MaxObjectPathLength {
		return nil, errInvalidInput("prefix", fmt.Sprintf("exceeds %d bytes", p.ctx.limits.MaxObjectPathLength))
	}
	out, err := p.ctx.deps.Objects.List(ctx, p.bucket(), prefix)
	if err != nil {
		return nil, errBackend("listing files", err)
	}
	return out, nil
}

// Exists reports whether the object exists.
func (p *ObjectStorageProvider) Exists(ctx context.Context, path string) (bool, error) {
	if err := p.ctx.gate("object_storage", "file_exists", "file_exists"); err != nil {
		return false, err
	}
	if err := p.validatePath(path); err != nil {
		return false, err
	}
	ok, err := p.ctx.deps.Objects.Exists(ctx, p.bucket(), path)
	if err != nil {
		return false, errBackend("checking file", err)
	}
	return ok, nil
}

// Download returns the object's bytes.
func (p *ObjectStorageProvider) Download(ctx context.Context, path string) ([]byte, error) {
	if err := p.ctx.gate("object_storage", "download_file", "download_file"); err != nil {
		return nil, err
	}
	if err := p.validatePath(path); err != nil {
		return nil, err
	}
	data, err := p.ctx.deps.Objects.Download(ctx, p.bucket(), path)
	if err != nil {
		return nil, errBackend("downloading file", err)
	}
	return data, nil
}

// Upload stores the object, bounded by the deployment payload limit.
func (p *ObjectStorageProvider) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	if err := p.ctx.gate("object_storage", "upload_file", "upload_file"); err != nil {
		return err
	}
	if err := p.validatePath(path); err != nil {
		return err
	}
	if len(data) > p.ctx.limits.MaxObjectBytes {
		return errInvalidInput("data", fmt.Sprintf("exceeds %d bytes", p.ctx.limits.MaxObjectBytes))
	}
	if err := p.ctx.deps.Objects.Upload(ctx, p.bucket(), path, data, contentType); err != nil {
		return errBackend("uploading file", err)
	}
	return nil
}

// Delete removes the object. Missing objects are not an error.
func (p *ObjectStorageProvider) Delete(ctx context.Context, path string) error {
	if err := p.ctx.gate("object_storage", "delete_file", "delete_file"); err != nil {
		return err
	}
	if err := p.validatePath(path); err != nil {
		return err
	}
	if err := p.ctx.deps.Objects.Delete(ctx, p.bucket(), path); err != nil {
		return errBackend("deleting file", err)
	}
	return nil
}

// FileURL returns a presigned download URL with a bounded lifetime.
func (p *ObjectStorageProvider) FileURL(ctx context.Context, path string, expiry time.Duration) (string, error) {
	if err := p.ctx.gate("object_storage", "get_file_url", "get_file_url"); err != nil {
		return "", err
	}
	if err := p.validatePath(path); err != nil {
		return "", err
	}
	if expiry <= 0 || expiry > 7*24*time.Hour {
		return "", errInvalidInput("expiry", "must be positive and at most one week")
	}
	url, err := p.ctx.deps.Objects.PresignGet(ctx, p.bucket(), path, expiry)
	if err != nil {
		return "", errBackend("presigning file url", err)
	}
	return url, nil
}
