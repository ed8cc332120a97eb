package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func newTestStorage(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	return fs
}

func TestPutAndFetchProject(t *testing.T) {
	fs := newTestStorage(t)
	ctx := context.Background()

	id, err := fs.PutProject(ctx, "proj-a", strings.NewReader(`{"layers":{}}`))
	if err != nil {
		t.Fatalf("PutProject: %v", err)
	}
	if id == "" {
		t.Fatal("PutProject returned empty version id")
	}

	rc, version, err := fs.FetchProject(ctx, "proj-a", Latest)
	if err != nil {
		t.Fatalf("FetchProject: %v", err)
	}
	defer rc.Close()
	if version != id {
		t.Errorf("latest version = %q, want %q", version, id)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != `{"layers":{}}` {
		t.Errorf("fetched %q", data)
	}
}

func TestPutProjectContentAddressed(t *testing.T) {
	fs := newTestStorage(t)
	ctx := context.Background()

	id1, err := fs.PutProject(ctx, "proj-a", strings.NewReader("same content"))
	if err != nil {
		t.Fatalf("first PutProject: %v", err)
	}
	id2, err := fs.PutProject(ctx, "proj-a", strings.NewReader("same content"))
	if err != nil {
		t.Fatalf("second PutProject: %v", err)
	}
	if id1 != id2 {
		t.Errorf("identical content produced different ids %q and %q", id1, id2)
	}

	versions, err := fs.ListVersions(ctx, "proj-a")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("len(versions) = %d, want 1 collapsed version", len(versions))
	}
}

func TestPutProjectMovesLatest(t *testing.T) {
	fs := newTestStorage(t)
	ctx := context.Background()

	v1, err := fs.PutProject(ctx, "proj-a", strings.NewReader("one"))
	if err != nil {
		t.Fatalf("PutProject v1: %v", err)
	}
	v2, err := fs.PutProject(ctx, "proj-a", strings.NewReader("two"))
	if err != nil {
		t.Fatalf("PutProject v2: %v", err)
	}

	_, latest, err := fs.FetchProject(ctx, "proj-a", Latest)
	if err != nil {
		t.Fatalf("FetchProject latest: %v", err)
	}
	if latest != v2 {
		t.Errorf("latest = %q, want %q", latest, v2)
	}

	// Older versions stay fetchable.
	rc, _, err := fs.FetchProject(ctx, "proj-a", v1)
	if err != nil {
		t.Fatalf("FetchProject v1: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "one" {
		t.Errorf("v1 content = %q", data)
	}

	versions, err := fs.ListVersions(ctx, "proj-a")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("len(versions) = %d, want 2", len(versions))
	}
	for _, v := range versions {
		if v.Latest != (v.ID == v2) {
			t.Errorf("version %s Latest = %v", v.ID, v.Latest)
		}
	}
}

func TestFetchProjectNotFound(t *testing.T) {
	fs := newTestStorage(t)
	ctx := context.Background()

	_, _, err := fs.FetchProject(ctx, "nope", Latest)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing project: err = %v, want ErrNotFound", err)
	}

	if _, err := fs.PutProject(ctx, "proj-a", strings.NewReader("x")); err != nil {
		t.Fatalf("PutProject: %v", err)
	}
	_, _, err = fs.FetchProject(ctx, "proj-a", "deadbeef")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing version: err = %v, want ErrNotFound", err)
	}
}

func TestPutAndFetchPackage(t *testing.T) {
	fs := newTestStorage(t)
	ctx := context.Background()

	if err := fs.PutPackage(ctx, "proj-a", "bundle.zip", strings.NewReader("v1")); err != nil {
		t.Fatalf("PutPackage: %v", err)
	}
	if err := fs.PutPackage(ctx, "proj-a", "bundle.zip", strings.NewReader("v2")); err != nil {
		t.Fatalf("PutPackage overwrite: %v", err)
	}

	rc, err := fs.FetchPackage(ctx, "proj-a", "bundle.zip")
	if err != nil {
		t.Fatalf("FetchPackage: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "v2" {
		t.Errorf("package content = %q, want v2", data)
	}

	_, err = fs.FetchPackage(ctx, "proj-a", "other.zip")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing package: err = %v, want ErrNotFound", err)
	}
}
