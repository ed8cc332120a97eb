// Package deltafile defines the wire format for client-submitted change sets
// and validates payloads before the engine touches any canonical data.
package deltafile

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Operation methods.
const (
	MethodCreate = "create"
	MethodPatch  = "patch"
	MethodDelete = "delete"
)

// Snapshot captures one side of a feature change: its attribute values plus
// an optional geometry in canonical WKT. A nil geometry means the geometry is
// untouched by the operation.
type Snapshot struct {
	Attributes map[string]any `json:"attributes,omitempty"`
	Geometry   *string        `json:"geometry,omitempty"`
}

// Operation is a single feature-level change. Old carries the state the
// client observed before editing, New the state it produced. Create has no
// Old; Delete has no New.
type Operation struct {
	LocalID string    `json:"localId"`
	LayerID string    `json:"layerId"`
	Method  string    `json:"method"`
	Old     *Snapshot `json:"old,omitempty"`
	New     *Snapshot `json:"new,omitempty"`
}

// Delta is one ordered set of operations submitted together by a client.
type Delta struct {
	DeltaID    string      `json:"deltaId"`
	ProjectID  string      `json:"projectId"`
	Operations []Operation `json:"operations"`
}

// File is a batch submission grouping one or more deltas for one project.
type File struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"projectId"`
	Version   string  `json:"version,omitempty"`
	Deltas    []Delta `json:"deltas"`
}

// ValidationError marks a malformed payload. Jobs that hit one fail
// immediately and are never retried.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Parse decodes and validates a deltafile payload. It returns a
// *ValidationError for any schema violation, before any canonical mutation
// can happen downstream.
func Parse(r io.Reader) (*File, error) {
	dec := json.NewDecoder(r)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, validationErrorf("decode deltafile: %v", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ParseBytes is Parse over an in-memory payload.
func ParseBytes(b []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, validationErrorf("decode deltafile: %v", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the whole file against the wire-format rules.
func (f *File) Validate() error {
	if _, err := uuid.Parse(f.ID); err != nil {
		return validationErrorf("deltafile id %q is not a valid UUID", f.ID)
	}
	if f.ProjectID == "" {
		return validationErrorf("deltafile has no projectId")
	}
	if len(f.Deltas) == 0 {
		return validationErrorf("deltafile %s contains no deltas", f.ID)
	}
	for i := range f.Deltas {
		if err := f.Deltas[i].Validate(); err != nil {
			return validationErrorf("delta %d: %v", i, err)
		}
		if f.Deltas[i].ProjectID != "" && f.Deltas[i].ProjectID != f.ProjectID {
			return validationErrorf("delta %d belongs to project %q, file to %q",
				i, f.Deltas[i].ProjectID, f.ProjectID)
		}
	}
	return nil
}

// Validate checks a single delta.
func (d *Delta) Validate() error {
	if _, err := uuid.Parse(d.DeltaID); err != nil {
		return validationErrorf("deltaId %q is not a valid UUID", d.DeltaID)
	}
	if len(d.Operations) == 0 {
		return validationErrorf("delta %s has no operations", d.DeltaID)
	}
	for i := range d.Operations {
		if err := d.Operations[i].Validate(); err != nil {
			return validationErrorf("operation %d: %v", i, err)
		}
	}
	return nil
}

// Validate checks a single operation against the per-method snapshot rules.
func (op *Operation) Validate() error {
	if op.LocalID == "" {
		return validationErrorf("missing localId")
	}
	if op.LayerID == "" {
		return validationErrorf("missing layerId")
	}
	switch op.Method {
	case MethodCreate:
		if op.New == nil {
			return validationErrorf("create requires a new snapshot")
		}
		if op.Old != nil {
			return validationErrorf("create must not carry an old snapshot")
		}
	case MethodPatch:
		if op.Old == nil || op.New == nil {
			return validationErrorf("patch requires both old and new snapshots")
		}
	case MethodDelete:
		if op.Old == nil {
			return validationErrorf("delete requires an old snapshot")
		}
		if op.New != nil {
			return validationErrorf("delete must not carry a new snapshot")
		}
	default:
		return validationErrorf("unknown method %q", op.Method)
	}
	return nil
}

// Inverse returns the operation set that undoes d: old and new snapshots are
// swapped, create becomes delete and delete becomes create. Patch inverts to
// a patch with the snapshots swapped.
func (d *Delta) Inverse() Delta {
	inv := Delta{
		DeltaID:    d.DeltaID,
		ProjectID:  d.ProjectID,
		Operations: make([]Operation, len(d.Operations)),
	}
	for i, op := range d.Operations {
		inv.Operations[i] = op.Inverse()
	}
	return inv
}

// Inverse returns the single-operation inverse.
func (op Operation) Inverse() Operation {
	out := op
	out.Old, out.New = op.New, op.Old
	switch op.Method {
	case MethodCreate:
		out.Method = MethodDelete
	case MethodDelete:
		out.Method = MethodCreate
	}
	return out
}

// Inverse returns a file whose deltas undo f's deltas. Delta order is
// reversed so that later edits are undone first.
func (f *File) Inverse() *File {
	inv := &File{
		ID:        f.ID,
		ProjectID: f.ProjectID,
		Version:   f.Version,
		Deltas:    make([]Delta, len(f.Deltas)),
	}
	for i := range f.Deltas {
		inv.Deltas[len(f.Deltas)-1-i] = f.Deltas[i].Inverse()
	}
	return inv
}
