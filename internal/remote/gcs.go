package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSOptions configures the Google Cloud Storage backend. Credentials come
// from Application Default Credentials.
type GCSOptions struct {
	RequestTimeout time.Duration
}

// GCSStore implements Store on Google Cloud Storage.
type GCSStore struct {
	client  *storage.Client
	timeout time.Duration
}

// NewGCSStore creates a storage client.
func NewGCSStore(ctx context.Context, opts GCSOptions) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStore{client: client, timeout: opts.RequestTimeout}, nil
}

// Close releases the underlying client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}

func (g *GCSStore) Exists(ctx context.Context, uri string) (bool, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return false, err
	}
	opCtx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	bucket := g.client.Bucket(loc.Bucket)
	it := bucket.Objects(opCtx, &storage.Query{Prefix: loc.dirPrefix()})
	_, err = it.Next()
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, iterator.Done):
		return false, wrapOpError(ctx, "exists", uri, err, gcsTransient(err))
	}
	if loc.Key == "" {
		return false, nil
	}

	_, err = bucket.Object(loc.Key).Attrs(opCtx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, wrapOpError(ctx, "exists", uri, err, gcsTransient(err))
}

func (g *GCSStore) List(ctx context.Context, uri string) ([]Object, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	prefix := loc.dirPrefix()
	it := g.client.Bucket(loc.Bucket).Objects(opCtx, &storage.Query{Prefix: prefix})
	var objects []Object
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapOpError(ctx, "list", uri, err, gcsTransient(err))
		}
		objects = append(objects, Object{
			URI:     Location{Scheme: "gs", Bucket: loc.Bucket, Key: attrs.Name}.String(),
			Key:     relativeKey(prefix, attrs.Name),
			Size:    attrs.Size,
			ModTime: attrs.Updated,
		})
	}
	return objects, nil
}

func (g *GCSStore) DownloadPrefix(ctx context.Context, uri, localDir string, filter Filter) error {
	objects, err := g.List(ctx, uri)
	if err != nil {
		return err
	}
	loc, _ := ParseURI(uri)
	for _, obj := range objects {
		if obj.Key == "" || !filter.match(obj.Key) {
			continue
		}
		target := filepath.Join(localDir, filepath.FromSlash(obj.Key))
		if err := g.downloadObject(ctx, loc.Bucket, path.Join(loc.Key, obj.Key), target); err != nil {
			return wrapOpError(ctx, "download", obj.URI, err, gcsTransient(err))
		}
	}
	return nil
}

func (g *GCSStore) downloadObject(ctx context.Context, bucket, key, target string) error {
	opCtx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	reader, err := g.client.Bucket(bucket).Object(key).NewReader(opCtx)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		_ = os.Remove(target)
		return err
	}
	return file.Close()
}

func (g *GCSStore) UploadPrefix(ctx context.Context, localDir, uri string, filter Filter) error {
	loc, err := ParseURI(uri)
	if err != nil {
		return err
	}
	files, err := localFiles(localDir, filter)
	if err != nil {
		return wrapOpError(ctx, "upload", localDir, err, false)
	}
	for _, rel := range files {
		key := path.Join(loc.Key, rel)
		if err := g.uploadObject(ctx, loc.Bucket, key, filepath.Join(localDir, filepath.FromSlash(rel))); err != nil {
			target := Location{Scheme: "gs", Bucket: loc.Bucket, Key: key}.String()
			return wrapOpError(ctx, "upload", target, err, gcsTransient(err))
		}
	}
	return nil
}

func (g *GCSStore) uploadObject(ctx context.Context, bucket, key, source string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	opCtx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	writer := g.client.Bucket(bucket).Object(key).NewWriter(opCtx)
	if _, err := io.Copy(writer, file); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func (g *GCSStore) Delete(ctx context.Context, uri string) error {
	loc, err := ParseURI(uri)
	if err != nil {
		return err
	}
	objects, err := g.List(ctx, uri)
	if err != nil {
		return err
	}
	opCtx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	bucket := g.client.Bucket(loc.Bucket)
	for _, obj := range objects {
		err := bucket.Object(path.Join(loc.Key, obj.Key)).Delete(opCtx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return wrapOpError(ctx, "delete", obj.URI, err, gcsTransient(err))
		}
	}
	if loc.Key != "" {
		err := bucket.Object(loc.Key).Delete(opCtx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return wrapOpError(ctx, "delete", uri, err, gcsTransient(err))
		}
	}
	return nil
}

// gcsTransient treats rate limiting and server errors as retryable, other
// HTTP statuses as permanent, and anything without a status (network
// failures) as retryable.
func gcsTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	var pathErr *os.PathError
	return !errors.As(err, &pathErr)
}
