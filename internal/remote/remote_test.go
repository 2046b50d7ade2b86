package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"

	"maskbatch/internal/config"
	"maskbatch/internal/services"
)

func TestParseURI(t *testing.T) {
	cases := []struct {
		uri  string
		want Location
	}{
		{"s3://bucket/HCP/group", Location{Scheme: "s3", Bucket: "bucket", Key: "HCP/group"}},
		{"gs://bucket", Location{Scheme: "gs", Bucket: "bucket"}},
		{"file:///data/remote/", Location{Scheme: "file", Key: "/data/remote"}},
	}
	for _, tc := range cases {
		got, err := ParseURI(tc.uri)
		if err != nil {
			t.Fatalf("ParseURI(%q): %v", tc.uri, err)
		}
		if got != tc.want {
			t.Fatalf("ParseURI(%q) = %#v, want %#v", tc.uri, got, tc.want)
		}
	}

	for _, bad := range []string{"s3:///nobucket", "http://example.com/x", "file://"} {
		if _, err := ParseURI(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestLocationString(t *testing.T) {
	loc := Location{Scheme: "s3", Bucket: "b", Key: "a/b"}
	if loc.String() != "s3://b/a/b" {
		t.Fatalf("unexpected %q", loc.String())
	}
	if (Location{Scheme: "file", Key: "/x"}).String() != "file:///x" {
		t.Fatal("unexpected file uri rendering")
	}
}

func seedRemote(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	remoteRoot := t.TempDir()
	seedRemote(t, remoteRoot, map[string]string{
		"g/sub-01/src/sub-01_dwi.bval":   "bval",
		"g/sub-01/src/sub-01_dwi.nii.gz": "img",
		"g/sub-01/src/sub-01_T1w.nii.gz": "t1",
	})
	store := NewLocalStore()
	source := "file://" + filepath.ToSlash(filepath.Join(remoteRoot, "g", "sub-01", "src"))

	ok, err := store.Exists(ctx, source)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	ok, err = store.Exists(ctx, "file://"+filepath.ToSlash(filepath.Join(remoteRoot, "g", "sub-02")))
	if err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v", ok, err)
	}

	local := filepath.Join(t.TempDir(), "stage")
	if err := store.DownloadPrefix(ctx, source, local, SubstringFilter("_dwi")); err != nil {
		t.Fatalf("DownloadPrefix: %v", err)
	}
	entries, err := os.ReadDir(local)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if !reflect.DeepEqual(names, []string{"sub-01_dwi.bval", "sub-01_dwi.nii.gz"}) {
		t.Fatalf("unexpected downloaded files %v", names)
	}

	dest := "file://" + filepath.ToSlash(filepath.Join(remoteRoot, "g", "sub-01", "Diffusion"))
	if err := store.UploadPrefix(ctx, local, dest, NameFilter("sub-01_dwi.bval")); err != nil {
		t.Fatalf("UploadPrefix: %v", err)
	}
	objects, err := store.List(ctx, dest)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objects) != 1 || objects[0].Key != "sub-01_dwi.bval" || objects[0].Size != 4 {
		t.Fatalf("unexpected objects %#v", objects)
	}

	if err := store.Delete(ctx, dest); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	objects, err = store.List(ctx, dest)
	if err != nil || len(objects) != 0 {
		t.Fatalf("expected empty listing after delete, got %v, %v", objects, err)
	}
}

func TestLocalStoreRejectsOtherSchemes(t *testing.T) {
	_, err := NewLocalStore().Exists(context.Background(), "s3://bucket/key")
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDryRunStoreSkipsMutations(t *testing.T) {
	ctx := context.Background()
	remoteRoot := t.TempDir()
	seedRemote(t, remoteRoot, map[string]string{"g/s/file.txt": "x"})
	inner := NewLocalStore()
	store := NewDryRunStore(inner, nil)
	uri := "file://" + filepath.ToSlash(filepath.Join(remoteRoot, "g", "s"))

	ok, err := store.Exists(ctx, uri)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	local := filepath.Join(t.TempDir(), "stage")
	if err := store.DownloadPrefix(ctx, uri, local, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Fatalf("dry run should not create %s", local)
	}
	if err := store.Delete(ctx, uri); err != nil {
		t.Fatal(err)
	}
	if ok, _ := inner.Exists(ctx, uri); !ok {
		t.Fatal("dry run delete removed data")
	}
	if err := store.UploadPrefix(ctx, local, uri, nil); err != nil {
		t.Fatal(err)
	}
	skipped := store.Skipped()
	if len(skipped) != 3 || skipped[0].Kind != "download" || skipped[1].Kind != "delete" || skipped[2].Kind != "upload" {
		t.Fatalf("unexpected skipped operations %#v", skipped)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.RemoteRoot = "file://" + filepath.ToSlash(t.TempDir())
	cfg.DryRun = false
	store, err := Open(context.Background(), &cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := store.(*LocalStore); !ok {
		t.Fatalf("expected *LocalStore, got %T", store)
	}

	cfg.DryRun = true
	store, err = Open(context.Background(), &cfg, nil)
	if err != nil {
		t.Fatalf("Open dry run: %v", err)
	}
	if _, ok := store.(*DryRunStore); !ok {
		t.Fatalf("expected *DryRunStore, got %T", store)
	}

	cfg.RemoteRoot = "ftp://host/x"
	if _, err := Open(context.Background(), &cfg, nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestTransientClassification(t *testing.T) {
	if !s3Transient(&smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer}) {
		t.Fatal("server fault should be transient")
	}
	if s3Transient(&smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}) {
		t.Fatal("access denied should not be transient")
	}
	if !s3Transient(&smithy.GenericAPIError{Code: "SlowDown", Fault: smithy.FaultClient}) {
		t.Fatal("throttling should be transient")
	}
	if !s3Transient(fmt.Errorf("dial tcp: connection refused")) {
		t.Fatal("network errors should be transient")
	}
	if gcsTransient(&googleapi.Error{Code: http.StatusForbidden}) {
		t.Fatal("403 should not be transient")
	}
	if !gcsTransient(&googleapi.Error{Code: http.StatusServiceUnavailable}) {
		t.Fatal("503 should be transient")
	}
	if gcsTransient(&os.PathError{Op: "open", Path: "/x", Err: os.ErrNotExist}) {
		t.Fatal("local file errors should not be transient")
	}
}

func TestWrapOpError(t *testing.T) {
	parent := context.Background()
	err := wrapOpError(parent, "download", "s3://b/k", context.DeadlineExceeded, false)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient for deadline, got %v", err)
	}
	err = wrapOpError(parent, "download", "s3://b/k", errors.New("denied"), false)
	if !errors.Is(err, services.ErrExternalTool) || errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	cancelled, cancel := context.WithCancel(parent)
	cancel()
	err = wrapOpError(cancelled, "download", "s3://b/k", errors.New("boom"), true)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected caller cancellation to pass through, got %v", err)
	}
}
