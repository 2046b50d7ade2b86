package remote

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"maskbatch/internal/fileutil"
	"maskbatch/internal/services"
)

// LocalStore implements Store on a mounted filesystem addressed by file://
// URIs. It serves shared network mounts and tests.
type LocalStore struct{}

// NewLocalStore returns a filesystem-backed store.
func NewLocalStore() *LocalStore {
	return &LocalStore{}
}

func (l *LocalStore) resolve(uri string) (string, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	if loc.Scheme != "file" {
		return "", services.Wrap(services.ErrConfiguration, "remote", "resolve", "local store requires a file:// uri, got "+uri, nil)
	}
	return filepath.FromSlash(loc.Key), nil
}

func (l *LocalStore) Exists(ctx context.Context, uri string) (bool, error) {
	root, err := l.resolve(uri)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, wrapOpError(ctx, "exists", uri, err, false)
	}
	if !info.IsDir() {
		return true, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return false, wrapOpError(ctx, "exists", uri, err, false)
	}
	return len(entries) > 0, nil
}

func (l *LocalStore) List(ctx context.Context, uri string) ([]Object, error) {
	root, err := l.resolve(uri)
	if err != nil {
		return nil, err
	}
	rels, err := localFiles(root, nil)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, wrapOpError(ctx, "list", uri, err, false)
	}
	objects := make([]Object, 0, len(rels))
	for _, rel := range rels {
		full := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		objects = append(objects, Object{
			URI:     "file://" + filepath.ToSlash(full),
			Key:     rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return objects, nil
}

func (l *LocalStore) DownloadPrefix(ctx context.Context, uri, localDir string, filter Filter) error {
	root, err := l.resolve(uri)
	if err != nil {
		return err
	}
	if err := copySelected(ctx, root, localDir, filter); err != nil {
		return wrapOpError(ctx, "download", uri, err, false)
	}
	return nil
}

func (l *LocalStore) UploadPrefix(ctx context.Context, localDir, uri string, filter Filter) error {
	root, err := l.resolve(uri)
	if err != nil {
		return err
	}
	if err := copySelected(ctx, localDir, root, filter); err != nil {
		return wrapOpError(ctx, "upload", uri, err, false)
	}
	return nil
}

func (l *LocalStore) Delete(ctx context.Context, uri string) error {
	root, err := l.resolve(uri)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(root); err != nil {
		return wrapOpError(ctx, "delete", uri, err, false)
	}
	return nil
}

func copySelected(ctx context.Context, src, dst string, filter Filter) error {
	rels, err := localFiles(src, filter)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return err
		}
		from := filepath.Join(src, filepath.FromSlash(rel))
		to := filepath.Join(dst, filepath.FromSlash(rel))
		if err := fileutil.CopyFileVerified(from, to); err != nil {
			return err
		}
	}
	return nil
}

// localFiles returns slash-separated paths of regular files under dir that
// pass filter, in lexical order.
func localFiles(dir string, filter Filter) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	var rels []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if filter.match(rel) {
			rels = append(rels, rel)
		}
		return nil
	})
	sort.Strings(rels)
	return rels, err
}
