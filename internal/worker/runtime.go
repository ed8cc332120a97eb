package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tmelliott/fieldsync/internal/delta"
	"github.com/tmelliott/fieldsync/internal/deltafile"
	"github.com/tmelliott/fieldsync/internal/gis"
	"github.com/tmelliott/fieldsync/internal/model"
	"github.com/tmelliott/fieldsync/internal/storage"
)

// File names the runtime uses inside the scratch directory.
const (
	projectFile     = "project.json"
	packageArtifact = "package.zip"
	packageManifest = "manifest.json"
)

// manifest records which project version a stored package was built from.
// Packaging is skipped when the latest version still matches.
type manifest struct {
	Version  string `json:"version"`
	Artifact string `json:"artifact"`
}

// Runtime executes one job according to its spec.
type Runtime struct {
	store  storage.Storage
	gis    *gis.Runner
	logger *slog.Logger
}

// New creates a worker runtime.
func New(store storage.Storage, gisRunner *gis.Runner, logger *slog.Logger) *Runtime {
	return &Runtime{store: store, gis: gisRunner, logger: logger}
}

// Run executes the job staged in scratchDir and writes feedback.json. The
// returned feedback carries the exit code the worker process should exit
// with. A *gis.CrashError is returned unwrapped so the caller can surface
// the toolkit's death as its own.
func (r *Runtime) Run(ctx context.Context, scratchDir string) (*Feedback, error) {
	spec, err := ReadSpec(scratchDir)
	if err != nil {
		return nil, err
	}

	fb := &Feedback{JobID: spec.JobID}
	r.logger.Info("job started", "job_id", spec.JobID, "type", spec.Type, "project_id", spec.ProjectID)

	switch spec.Type {
	case model.JobTypeProcessProjectfile:
		err = r.runProcessProjectfile(ctx, scratchDir, spec, fb)
	case model.JobTypePackage:
		err = r.runPackage(ctx, scratchDir, spec, fb)
	case model.JobTypeApplyDelta:
		err = r.runApplyDelta(ctx, scratchDir, spec, fb)
	default:
		err = fmt.Errorf("unknown job type %q", spec.Type)
	}

	var crashErr *gis.CrashError
	if errors.As(err, &crashErr) {
		// No feedback for a crashing toolkit; the backend reports the signal.
		return nil, crashErr
	}
	if err != nil {
		fb.ExitCode = 1
		fb.Steps = append(fb.Steps, Step{Name: "abort", Status: StepFailed, Message: err.Error()})
	}

	if werr := WriteFeedback(scratchDir, fb); werr != nil {
		return nil, werr
	}
	r.logger.Info("job finished", "job_id", spec.JobID, "exit_code", fb.ExitCode)
	return fb, nil
}

// step runs fn and appends its outcome to the feedback. A failed step stops
// the chain.
func (fb *Feedback) step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	s := Step{Name: name, Status: StepOK, DurationMS: int(time.Since(start).Milliseconds())}
	if err != nil {
		s.Status = StepFailed
		s.Message = err.Error()
	}
	fb.Steps = append(fb.Steps, s)
	return err
}

func (fb *Feedback) skip(name, message string) {
	fb.Steps = append(fb.Steps, Step{Name: name, Status: StepSkipped, Message: message})
}

// stageProject downloads the project's latest version into the scratch
// directory and returns its path and version id.
func (r *Runtime) stageProject(ctx context.Context, scratchDir, projectID string) (string, string, error) {
	rc, version, err := r.store.FetchProject(ctx, projectID, storage.Latest)
	if err != nil {
		return "", "", fmt.Errorf("fetch project: %w", err)
	}
	defer rc.Close()

	path := filepath.Join(scratchDir, projectFile)
	f, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("create staged project: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", "", fmt.Errorf("stage project: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", "", fmt.Errorf("close staged project: %w", err)
	}
	return path, version, nil
}

func (r *Runtime) runProcessProjectfile(ctx context.Context, scratchDir string, spec *JobSpec, fb *Feedback) error {
	var path string
	if err := fb.step("stage", func() error {
		var err error
		path, _, err = r.stageProject(ctx, scratchDir, spec.ProjectID)
		return err
	}); err != nil {
		return err
	}

	var report []byte
	if err := fb.step("validate", func() error {
		var err error
		report, err = r.gis.Validate(ctx, path)
		return err
	}); err != nil {
		var exitErr *gis.ExitError
		if errors.As(err, &exitErr) {
			// Validation findings are the job's result, not an abort.
			fb.ExitCode = exitErr.Code
			return nil
		}
		return err
	}

	if json.Valid(report) {
		fb.ProjectDetails = report
	} else {
		details, err := json.Marshal(map[string]string{"report": string(report)})
		if err != nil {
			return fmt.Errorf("encode project details: %w", err)
		}
		fb.ProjectDetails = details
	}
	return nil
}

func (r *Runtime) runPackage(ctx context.Context, scratchDir string, spec *JobSpec, fb *Feedback) error {
	var path, version string
	if err := fb.step("stage", func() error {
		var err error
		path, version, err = r.stageProject(ctx, scratchDir, spec.ProjectID)
		return err
	}); err != nil {
		return err
	}

	// Version ids are content hashes, so a matching manifest means the
	// stored package was built from byte-identical input.
	if m, err := r.readManifest(ctx, spec.ProjectID); err == nil && m.Version == version {
		fb.skip("package", "stored package already matches version "+version)
		fb.Output = m.Artifact
		return nil
	}

	outPath := filepath.Join(scratchDir, packageArtifact)
	if err := fb.step("package", func() error {
		_, err := r.gis.Package(ctx, path, outPath)
		return err
	}); err != nil {
		var exitErr *gis.ExitError
		if errors.As(err, &exitErr) {
			fb.ExitCode = exitErr.Code
			return nil
		}
		return err
	}

	if err := fb.step("upload", func() error {
		artifact, err := os.Open(outPath)
		if err != nil {
			return fmt.Errorf("open artifact: %w", err)
		}
		defer artifact.Close()
		if err := r.store.PutPackage(ctx, spec.ProjectID, packageArtifact, artifact); err != nil {
			return fmt.Errorf("upload artifact: %w", err)
		}
		return r.writeManifest(ctx, spec.ProjectID, manifest{Version: version, Artifact: packageArtifact})
	}); err != nil {
		return err
	}

	fb.Output = packageArtifact
	return nil
}

func (r *Runtime) runApplyDelta(ctx context.Context, scratchDir string, spec *JobSpec, fb *Feedback) error {
	var path string
	var pd *delta.ProjectData
	if err := fb.step("stage", func() error {
		var err error
		path, _, err = r.stageProject(ctx, scratchDir, spec.ProjectID)
		if err != nil {
			return err
		}
		pd, err = delta.Load(path)
		return err
	}); err != nil {
		return err
	}

	var file *deltafile.File
	if err := fb.step("parse", func() error {
		b, err := os.ReadFile(filepath.Join(scratchDir, DeltafileFile))
		if err != nil {
			return fmt.Errorf("read deltafile: %w", err)
		}
		file, err = deltafile.ParseBytes(b)
		return err
	}); err != nil {
		return err
	}

	if err := fb.step("apply", func() error {
		fb.PerDeltaResults = delta.Apply(pd, file, delta.Options{
			OverwriteConflicts: spec.OverwriteConflicts,
		})
		return nil
	}); err != nil {
		return err
	}

	if !anyApplied(fb.PerDeltaResults) {
		fb.skip("upload", "no delta modified the project data")
		return nil
	}

	return fb.step("upload", func() error {
		if err := pd.Save(path); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open mutated project: %w", err)
		}
		defer f.Close()
		version, err := r.store.PutProject(ctx, spec.ProjectID, f)
		if err != nil {
			return fmt.Errorf("upload project: %w", err)
		}
		fb.Output = version
		return nil
	})
}

func anyApplied(results []delta.Result) bool {
	for _, res := range results {
		switch res.Status {
		case model.DeltaStatusApplied, model.DeltaStatusAppliedWithConflicts:
			return true
		}
	}
	return false
}

func (r *Runtime) readManifest(ctx context.Context, projectID string) (*manifest, error) {
	rc, err := r.store.FetchPackage(ctx, projectID, packageManifest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var m manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode package manifest: %w", err)
	}
	return &m, nil
}

func (r *Runtime) writeManifest(ctx context.Context, projectID string, m manifest) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode package manifest: %w", err)
	}
	return r.store.PutPackage(ctx, projectID, packageManifest, bytes.NewReader(b))
}
