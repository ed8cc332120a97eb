// Package storage is the object storage contract the worker runtime stages
// project data and packaged artifacts through. Implementations are versioned
// on the server side: every project write produces a new immutable version
// and moves the latest pointer.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned for a missing project, version or package object.
var ErrNotFound = errors.New("object not found")

// Latest selects the current version of a project in FetchProject.
const Latest = ""

// Version describes one stored project version.
type Version struct {
	// ID is derived from the version's content, so re-uploading identical
	// data produces the same version.
	ID     string `json:"id"`
	Size   int64  `json:"size"`
	Latest bool   `json:"latest"`
}

// Storage is the object store used for project data and packages.
type Storage interface {
	// FetchProject opens a project version for reading. Pass Latest for the
	// current version. The resolved version id is returned alongside.
	FetchProject(ctx context.Context, projectID, version string) (io.ReadCloser, string, error)

	// PutProject stores a new project version and makes it latest. The
	// returned id is stable for identical content.
	PutProject(ctx context.Context, projectID string, r io.Reader) (string, error)

	// FetchPackage opens a packaged artifact by name.
	FetchPackage(ctx context.Context, projectID, name string) (io.ReadCloser, error)

	// PutPackage stores a packaged artifact under name, replacing any
	// previous content.
	PutPackage(ctx context.Context, projectID, name string, r io.Reader) error

	// ListVersions lists a project's stored versions.
	ListVersions(ctx context.Context, projectID string) ([]Version, error)
}
