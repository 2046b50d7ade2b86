package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"maskbatch/internal/config"
	"maskbatch/internal/services"
)

// Object describes one stored file beneath a listed prefix.
type Object struct {
	URI     string
	Key     string
	Size    int64
	ModTime time.Time
}

// Filter selects files by their path relative to the transferred prefix.
// A nil Filter selects everything.
type Filter func(rel string) bool

// SubstringFilter matches relative paths containing sub, mirroring an
// include pattern of "*<sub>*".
func SubstringFilter(sub string) Filter {
	if sub == "" {
		return nil
	}
	return func(rel string) bool { return strings.Contains(rel, sub) }
}

// NameFilter matches files whose base name is one of names.
func NameFilter(names ...string) Filter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(rel string) bool {
		_, ok := set[path.Base(rel)]
		return ok
	}
}

func (f Filter) match(rel string) bool {
	return f == nil || f(rel)
}

// Store is the object-store client used by the batch controller.
type Store interface {
	// Exists reports whether uri names an object or a non-empty prefix.
	Exists(ctx context.Context, uri string) (bool, error)
	// DownloadPrefix copies the objects under uri selected by filter into
	// localDir, preserving relative paths.
	DownloadPrefix(ctx context.Context, uri, localDir string, filter Filter) error
	// UploadPrefix copies the files under localDir selected by filter to uri.
	UploadPrefix(ctx context.Context, localDir, uri string, filter Filter) error
	// Delete removes the object at uri and every object under it.
	Delete(ctx context.Context, uri string) error
	// List returns the objects under uri.
	List(ctx context.Context, uri string) ([]Object, error)
}

// Location is a parsed remote URI.
type Location struct {
	Scheme string
	Bucket string
	Key    string
}

// ParseURI splits uri into scheme, bucket, and key. For file:// URIs the
// bucket is empty and Key holds the absolute path.
func ParseURI(uri string) (Location, error) {
	parsed, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return Location{}, fmt.Errorf("parse remote uri %q: %w", uri, err)
	}
	switch parsed.Scheme {
	case "s3", "gs":
		if parsed.Host == "" {
			return Location{}, fmt.Errorf("remote uri %q has no bucket", uri)
		}
		return Location{
			Scheme: parsed.Scheme,
			Bucket: parsed.Host,
			Key:    strings.Trim(parsed.Path, "/"),
		}, nil
	case "file":
		if parsed.Path == "" {
			return Location{}, fmt.Errorf("remote uri %q has no path", uri)
		}
		return Location{Scheme: "file", Key: path.Clean(parsed.Path)}, nil
	default:
		return Location{}, fmt.Errorf("remote uri %q: unsupported scheme %q", uri, parsed.Scheme)
	}
}

// String renders the location back into URI form.
func (l Location) String() string {
	if l.Scheme == "file" {
		return "file://" + l.Key
	}
	if l.Key == "" {
		return l.Scheme + "://" + l.Bucket
	}
	return l.Scheme + "://" + l.Bucket + "/" + l.Key
}

// dirPrefix returns the key prefix that selects children of key only, so
// that "sub-1" does not match "sub-10".
func (l Location) dirPrefix() string {
	if l.Key == "" {
		return ""
	}
	return l.Key + "/"
}

// Open returns the backend matching cfg.RemoteRoot. When cfg.DryRun is set the
// backend is wrapped in a DryRunStore.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("remote: config is nil")
	}
	loc, err := ParseURI(cfg.RemoteRoot)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "remote", "open", "invalid remote_root", err)
	}
	timeout := time.Duration(cfg.Remote.RequestTimeoutSeconds) * time.Second

	var store Store
	switch loc.Scheme {
	case "s3":
		store, err = NewS3Store(ctx, S3Options{
			Region:         cfg.Remote.Region,
			Endpoint:       cfg.Remote.Endpoint,
			UsePathStyle:   cfg.Remote.UsePathStyle,
			RequestTimeout: timeout,
		})
	case "gs":
		store, err = NewGCSStore(ctx, GCSOptions{RequestTimeout: timeout})
	case "file":
		store = NewLocalStore()
	}
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "remote", "open", "create "+loc.Scheme+" client", err)
	}
	if cfg.DryRun {
		return NewDryRunStore(store, logger), nil
	}
	return store, nil
}

// withTimeout bounds a single remote operation. A zero timeout leaves ctx
// unchanged.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// wrapOpError tags err for the controller. Caller cancellation passes through
// untouched; deadline expiry of the per-request timeout is transient.
func wrapOpError(parent context.Context, operation, uri string, err error, transient bool) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTransient, "remote", operation, uri+" timed out", err)
	}
	if transient {
		return services.Wrap(services.ErrTransient, "remote", operation, uri, err)
	}
	return services.Wrap(services.ErrExternalTool, "remote", operation, uri, err)
}

func relativeKey(prefix, key string) string {
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}
