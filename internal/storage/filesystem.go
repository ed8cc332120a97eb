package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	versionsDir = "versions"
	packagesDir = "packages"
	latestFile  = "latest"
)

// Compile-time interface satisfaction check.
var _ Storage = (*Filesystem)(nil)

// Filesystem stores objects under a root directory:
//
//	<root>/<project>/versions/<content-hash>
//	<root>/<project>/latest
//	<root>/<project>/packages/<name>
//
// Version ids are the blake3 digest of the version's content, so identical
// uploads collapse into one version and the id doubles as an integrity check.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem store rooted at dir.
func NewFilesystem(dir string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Filesystem{root: dir}, nil
}

func (f *Filesystem) projectDir(projectID string) string {
	return filepath.Join(f.root, projectID)
}

// FetchProject opens a project version for reading.
func (f *Filesystem) FetchProject(ctx context.Context, projectID, version string) (io.ReadCloser, string, error) {
	if version == Latest {
		v, err := f.latestVersion(projectID)
		if err != nil {
			return nil, "", err
		}
		version = v
	}

	rc, err := os.Open(filepath.Join(f.projectDir(projectID), versionsDir, version))
	if os.IsNotExist(err) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("open project version: %w", err)
	}
	return rc, version, nil
}

// PutProject stores a new project version and moves the latest pointer.
func (f *Filesystem) PutProject(ctx context.Context, projectID string, r io.Reader) (string, error) {
	dir := filepath.Join(f.projectDir(projectID), versionsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create versions dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := blake3.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write project version: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp object: %w", err)
	}

	id := hex.EncodeToString(hasher.Sum(nil))
	if err := os.Rename(tmpName, filepath.Join(dir, id)); err != nil {
		return "", fmt.Errorf("store project version: %w", err)
	}

	if err := f.setLatest(projectID, id); err != nil {
		return "", err
	}
	return id, nil
}

// FetchPackage opens a packaged artifact by name.
func (f *Filesystem) FetchPackage(ctx context.Context, projectID, name string) (io.ReadCloser, error) {
	rc, err := os.Open(filepath.Join(f.projectDir(projectID), packagesDir, name))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}
	return rc, nil
}

// PutPackage stores a packaged artifact, replacing any previous content.
func (f *Filesystem) PutPackage(ctx context.Context, projectID, name string, r io.Reader) error {
	dir := filepath.Join(f.projectDir(projectID), packagesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create packages dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp object: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("store package: %w", err)
	}
	return nil
}

// ListVersions lists a project's stored versions, sorted by id for a stable
// response.
func (f *Filesystem) ListVersions(ctx context.Context, projectID string) ([]Version, error) {
	dir := filepath.Join(f.projectDir(projectID), versionsDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read versions dir: %w", err)
	}

	latest, err := f.latestVersion(projectID)
	if err != nil {
		return nil, err
	}

	var versions []Version
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue // in-flight upload
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat version: %w", err)
		}
		versions = append(versions, Version{
			ID:     e.Name(),
			Size:   info.Size(),
			Latest: e.Name() == latest,
		})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].ID < versions[j].ID })
	return versions, nil
}

func (f *Filesystem) latestVersion(projectID string) (string, error) {
	b, err := os.ReadFile(filepath.Join(f.projectDir(projectID), latestFile))
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read latest pointer: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// setLatest updates the latest pointer atomically.
func (f *Filesystem) setLatest(projectID, version string) error {
	dir := f.projectDir(projectID)
	tmp, err := os.CreateTemp(dir, ".latest-*")
	if err != nil {
		return fmt.Errorf("create latest pointer: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(version + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write latest pointer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close latest pointer: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, latestFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("move latest pointer: %w", err)
	}
	return nil
}
