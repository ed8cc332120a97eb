// Package delta implements the delta application and conflict-resolution
// engine: ordered change sets replayed against canonical project data, with
// deterministic per-delta outcomes.
package delta

import (
	"fmt"
	"reflect"

	"github.com/tmelliott/fieldsync/internal/deltafile"
	"github.com/tmelliott/fieldsync/internal/model"
)

// Per-operation outcomes.
const (
	opApplied  = "applied"
	opForced   = "forced" // applied over a conflict, overwrite_conflicts=true
	opNoop     = "noop"   // canonical data already matches the new snapshot
	opConflict = "conflict"
	opError    = "error"
)

// Options parameterize one engine run.
type Options struct {
	// Inverse applies the file's inverse: snapshots swapped, create and
	// delete exchanged, delta order reversed. Used to roll back a previously
	// applied deltafile.
	Inverse bool

	// OverwriteConflicts force-applies new snapshots over diverged canonical
	// values instead of rejecting the delta.
	OverwriteConflicts bool
}

// OperationResult reports what happened to a single operation.
type OperationResult struct {
	LocalID   string   `json:"localId"`
	LayerID   string   `json:"layerId"`
	Method    string   `json:"method"`
	Outcome   string   `json:"outcome"`
	Conflicts []string `json:"conflicts,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Result is the aggregate outcome of one delta.
type Result struct {
	DeltaID    string            `json:"deltaId"`
	Status     string            `json:"status"`
	ModifiedPK string            `json:"modifiedPk,omitempty"`
	Operations []OperationResult `json:"operations,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// Apply replays the deltas of f, in order, against pd. Each delta is atomic:
// its operations run against a staged clone that is committed back only when
// every operation succeeds, so a rejected delta leaves no trace. A failed or
// conflicted delta never blocks the deltas after it.
func Apply(pd *ProjectData, f *deltafile.File, opts Options) []Result {
	if opts.Inverse {
		f = f.Inverse()
	}

	results := make([]Result, 0, len(f.Deltas))
	for i := range f.Deltas {
		results = append(results, applyDelta(pd, &f.Deltas[i], opts.OverwriteConflicts))
	}
	return results
}

// AllApplied reports whether every delta landed (cleanly, forced, or as a
// no-op). Used by the CLI to derive its exit code.
func AllApplied(results []Result) bool {
	for _, r := range results {
		switch r.Status {
		case model.DeltaStatusApplied, model.DeltaStatusAppliedWithConflicts, model.DeltaStatusNotApplied:
		default:
			return false
		}
	}
	return true
}

// applyDelta stages one delta and decides its aggregate status. The whole
// delta is all-or-nothing: one unresolved conflict or structural error and
// nothing is committed.
func applyDelta(pd *ProjectData, d *deltafile.Delta, overwrite bool) Result {
	staged := pd.Clone()
	res := Result{DeltaID: d.DeltaID}

	var applied, forced, conflicted, errored bool
	for _, op := range d.Operations {
		opRes := applyOperation(staged, op, overwrite)
		res.Operations = append(res.Operations, opRes)

		switch opRes.Outcome {
		case opApplied:
			applied = true
			res.ModifiedPK = op.LocalID
		case opForced:
			applied = true
			forced = true
			res.ModifiedPK = op.LocalID
		case opConflict:
			conflicted = true
		case opError:
			errored = true
		}
		if errored || conflicted {
			// nothing past the first rejection can commit; stop staging
			break
		}
	}

	switch {
	case errored:
		res.Status = model.DeltaStatusError
		res.Message = "delta rejected, structural error"
		res.ModifiedPK = ""
	case conflicted:
		res.Status = model.DeltaStatusConflict
		res.Message = "delta rejected, conflicts with canonical data"
		res.ModifiedPK = ""
	case !applied:
		res.Status = model.DeltaStatusNotApplied
		res.Message = "delta is a no-op, canonical data already matches"
	default:
		*pd = *staged
		if forced {
			res.Status = model.DeltaStatusAppliedWithConflicts
		} else {
			res.Status = model.DeltaStatusApplied
		}
	}
	return res
}

// applyOperation mutates the staged project data for a single operation.
func applyOperation(staged *ProjectData, op deltafile.Operation, overwrite bool) OperationResult {
	res := OperationResult{
		LocalID: op.LocalID,
		LayerID: op.LayerID,
		Method:  op.Method,
	}

	layer, ok := staged.Layers[op.LayerID]
	if !ok {
		res.Outcome = opError
		res.Error = fmt.Sprintf("layer %q does not exist", op.LayerID)
		return res
	}

	feat, exists := layer.Features[op.LocalID]

	switch op.Method {
	case deltafile.MethodCreate:
		if !exists {
			layer.Features[op.LocalID] = featureFromSnapshot(op.New)
			res.Outcome = opApplied
			return res
		}
		if conflicts := compareFeature(feat, op.New); len(conflicts) == 0 {
			res.Outcome = opNoop // feature already present with this content
			return res
		} else {
			res.Conflicts = conflicts
		}
		if overwrite {
			layer.Features[op.LocalID] = featureFromSnapshot(op.New)
			res.Outcome = opForced
		} else {
			res.Outcome = opConflict
		}
		return res

	case deltafile.MethodPatch:
		if !exists {
			res.Outcome = opError
			res.Error = fmt.Sprintf("feature %q not found in layer %q", op.LocalID, op.LayerID)
			return res
		}
		conflicts := compareFeature(feat, op.Old)
		if len(conflicts) == 0 {
			patchFeature(feat, op.New)
			res.Outcome = opApplied
			return res
		}
		if len(compareFeature(feat, op.New)) == 0 {
			res.Outcome = opNoop // this exact patch already landed
			return res
		}
		res.Conflicts = conflicts
		if overwrite {
			patchFeature(feat, op.New)
			res.Outcome = opForced
		} else {
			res.Outcome = opConflict
		}
		return res

	case deltafile.MethodDelete:
		if !exists {
			res.Outcome = opNoop // already deleted
			return res
		}
		conflicts := compareFeature(feat, op.Old)
		if len(conflicts) == 0 {
			delete(layer.Features, op.LocalID)
			res.Outcome = opApplied
			return res
		}
		res.Conflicts = conflicts
		if overwrite {
			delete(layer.Features, op.LocalID)
			res.Outcome = opForced
		} else {
			res.Outcome = opConflict
		}
		return res

	default:
		res.Outcome = opError
		res.Error = fmt.Sprintf("unknown method %q", op.Method)
		return res
	}
}

// compareFeature compares a canonical feature against a snapshot and reports
// the differences. Attributes are compared field-by-field over the keys the
// snapshot carries; geometry by canonical well-known text. An empty return
// means no divergence.
func compareFeature(feat *Feature, snap *deltafile.Snapshot) []string {
	if snap == nil {
		return nil
	}
	var conflicts []string
	for name, want := range snap.Attributes {
		got, ok := feat.Attributes[name]
		if !ok && want == nil {
			continue
		}
		if !ok || !reflect.DeepEqual(got, want) {
			conflicts = append(conflicts, fmt.Sprintf("attribute %q: current=%v incoming=%v", name, got, want))
		}
	}
	if snap.Geometry != nil && !geometryEqual(feat.Geometry, snap.Geometry) {
		conflicts = append(conflicts, "geometry diverged")
	}
	return conflicts
}

// featureFromSnapshot builds a new canonical feature from a snapshot.
func featureFromSnapshot(snap *deltafile.Snapshot) *Feature {
	f := &Feature{}
	if snap == nil {
		return f
	}
	if snap.Attributes != nil {
		f.Attributes = make(map[string]any, len(snap.Attributes))
		for k, v := range snap.Attributes {
			f.Attributes[k] = deepCopyValue(v)
		}
	}
	if snap.Geometry != nil {
		g := *snap.Geometry
		f.Geometry = &g
	}
	return f
}

// patchFeature applies the new-side snapshot of a patch onto a feature:
// every attribute the snapshot carries is set, the geometry is replaced only
// when the snapshot carries one.
func patchFeature(feat *Feature, snap *deltafile.Snapshot) {
	if snap == nil {
		return
	}
	if len(snap.Attributes) > 0 && feat.Attributes == nil {
		feat.Attributes = make(map[string]any, len(snap.Attributes))
	}
	for k, v := range snap.Attributes {
		feat.Attributes[k] = deepCopyValue(v)
	}
	if snap.Geometry != nil {
		g := *snap.Geometry
		feat.Geometry = &g
	}
}
