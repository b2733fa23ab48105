package patch

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/core-tools/hsu-telemetry-control/pkg/config"
	"github.com/core-tools/hsu-telemetry-control/pkg/errors"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"

	"github.com/zeebo/blake3"
)

type Status string

const (
	StatusUpdated Status = "updated"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

const ReasonAlreadySet = "already set"

// Result reports what happened to one delta field.
type Result struct {
	Kind     config.ArtifactKind `json:"artifact_kind,omitempty"`
	Field    string              `json:"field"`
	Updated  bool                `json:"updated"`
	Status   Status              `json:"status"`
	Reason   string              `json:"reason,omitempty"`
	Value    string              `json:"value,omitempty"`
	Backup   string              `json:"backup,omitempty"`
	Revision string              `json:"revision,omitempty"`
	Err      error               `json:"-"`
}

// Report is the ordered outcome of applying one delta. Success is false iff
// at least one result failed.
type Report struct {
	Results []Result `json:"results"`
	Success bool     `json:"success"`
}

// UpdatedKinds lists artifact kinds with at least one updated field, in
// first-seen order.
func (r Report) UpdatedKinds() []config.ArtifactKind {
	seen := make(map[config.ArtifactKind]bool)
	var kinds []config.ArtifactKind
	for _, res := range r.Results {
		if !res.Updated || res.Kind == "" || seen[res.Kind] {
			continue
		}
		seen[res.Kind] = true
		kinds = append(kinds, res.Kind)
	}
	return kinds
}

// Failed returns the failed results.
func (r Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			failed = append(failed, res)
		}
	}
	return failed
}

// Setting is the effective value of a delta field as read from disk.
type Setting struct {
	Field       string              `json:"field"`
	Kind        config.ArtifactKind `json:"artifact_kind"`
	Value       string              `json:"value"`
	Default     string              `json:"default"`
	FromDefault bool                `json:"from_default"`
	Reason      string              `json:"reason,omitempty"`
}

// Engine applies configuration deltas to artifacts on disk.
type Engine struct {
	artifacts []config.ArtifactConfig
	store     *BackupStore
	locks     *pathLocks
	logger    logging.Logger
}

func NewEngine(cfg *config.ControlConfig, logger logging.Logger) *Engine {
	return &Engine{
		artifacts: cfg.Artifacts,
		store:     NewBackupStore(cfg.Patch.BackupDir, cfg.Patch.BackupLimit(), logger),
		locks:     newPathLocks(),
		logger:    logger,
	}
}

type edit struct {
	artifact config.ArtifactConfig
	target   config.PatchTarget
	value    string
}

// Apply parses raw and applies it. A malformed delta produces a failed
// report rather than an error.
func (e *Engine) Apply(ctx context.Context, raw []byte) Report {
	delta, err := ParseDelta(raw)
	if err != nil {
		e.logger.Warnf("Rejected configuration delta, error: %v", err)
		return Report{
			Results: []Result{{Field: "delta", Status: StatusFailed, Reason: err.Error(), Err: err}},
			Success: false,
		}
	}
	return e.ApplyDelta(ctx, delta)
}

// ApplyDelta commits every valid field of delta. Fields bound to the same
// path are written with a single backup and a single replace.
func (e *Engine) ApplyDelta(ctx context.Context, delta *Delta) Report {
	if delta.Empty() {
		e.logger.Infof("Configuration delta carries no known fields")
		return Report{Results: []Result{}, Success: true}
	}

	var paths []string
	groups := make(map[string][]edit)
	for _, a := range e.artifacts {
		for _, t := range a.Targets {
			value, ok := delta.Value(t.Field)
			if !ok {
				continue
			}
			if _, seen := groups[a.Path]; !seen {
				paths = append(paths, a.Path)
			}
			groups[a.Path] = append(groups[a.Path], edit{artifact: a, target: t, value: value})
		}
	}

	var results []Result
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			for _, ed := range groups[path] {
				results = append(results, failedResult(ed, errors.NewTimeoutError("request cancelled before artifact was patched", err)))
			}
			continue
		}
		results = append(results, e.commitPath(path, groups[path])...)
	}

	for _, fe := range delta.Errors {
		results = append(results, Result{
			Kind:   e.kindForField(fe.Field),
			Field:  fe.Field,
			Status: StatusFailed,
			Reason: fe.Err.Error(),
			Err:    fe.Err,
		})
	}

	report := Report{Results: results, Success: true}
	for _, r := range results {
		if r.Status == StatusFailed {
			report.Success = false
			break
		}
	}

	e.logger.Infof("Configuration delta applied, results: %d, updated_kinds: %v, success: %t",
		len(results), report.UpdatedKinds(), report.Success)
	return report
}

func (e *Engine) commitPath(path string, edits []edit) []Result {
	unlock := e.locks.lock(path)
	defer unlock()

	if _, err := os.Stat(path); err != nil {
		return e.unreadable(path, edits, classifyFileError("failed to read artifact", err).WithContext("path", path))
	}

	unlockFile, err := lockFile(path)
	if err != nil {
		return e.unreadable(path, edits, err)
	}
	defer unlockFile()

	info, err := os.Stat(path)
	if err != nil {
		return e.unreadable(path, edits, classifyFileError("failed to read artifact", err).WithContext("path", path))
	}
	original, err := os.ReadFile(path)
	if err != nil {
		return e.unreadable(path, edits, classifyFileError("failed to read artifact", err).WithContext("path", path))
	}
	return e.patchContent(path, info.Mode(), original, edits, make([]Result, len(edits)))
}

func (e *Engine) unreadable(path string, edits []edit, err error) []Result {
	results := make([]Result, len(edits))
	for i, ed := range edits {
		if errors.IsNotFoundError(err) {
			e.logger.Warnf("Artifact not found, kind: %s, path: %s", ed.artifact.Kind, path)
			results[i] = skippedResult(ed, err)
		} else {
			e.logger.Errorf("Artifact unreadable, kind: %s, path: %s, error: %v", ed.artifact.Kind, path, err)
			results[i] = failedResult(ed, err)
		}
	}
	return results
}

func (e *Engine) patchContent(path string, mode os.FileMode, original []byte, edits []edit, results []Result) []Result {
	current := original
	var pending []int

	for i, ed := range edits {
		next, err := applyEdit(ed, current)
		switch {
		case err == nil:
			results[i] = Result{Kind: ed.artifact.Kind, Field: ed.target.Field, Updated: true, Status: StatusUpdated, Value: ed.value}
			if bytes.Equal(next, current) {
				results[i].Reason = ReasonAlreadySet
			} else {
				results[i].Reason = "updated"
				pending = append(pending, i)
			}
			current = next
		case errors.IsAnchorError(err):
			e.logger.Warnf("Patch location not found, kind: %s, field: %s, error: %v", ed.artifact.Kind, ed.target.Field, err)
			results[i] = skippedResult(ed, err)
		default:
			e.logger.Errorf("Patch failed, kind: %s, field: %s, error: %v", ed.artifact.Kind, ed.target.Field, err)
			results[i] = failedResult(ed, err)
		}
	}

	if len(pending) == 0 {
		return results
	}

	backup, err := e.store.Save(path, original, mode)
	if err == nil {
		err = writeAtomic(path, current, mode)
	}
	if err != nil {
		e.logger.Errorf("Artifact write failed, path: %s, error: %v", path, err)
		for _, i := range pending {
			results[i] = failedResult(edits[i], err)
		}
		return results
	}

	if err := e.store.Prune(path); err != nil {
		e.logger.Warnf("Backup pruning failed, path: %s, error: %v", path, err)
	}

	revision := Revision(current)
	for i := range results {
		if results[i].Status == StatusUpdated {
			results[i].Backup = backup
			results[i].Revision = revision
		}
	}

	e.logger.Infof("Artifact patched, path: %s, changed_fields: %d, backup: %s, revision: %s", path, len(pending), backup, revision)
	return results
}

func applyEdit(ed edit, content []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errors.NewInternalError(fmt.Sprintf("patch strategy panicked: %v", r), nil)
		}
	}()

	strategy, err := NewStrategy(ed.artifact, ed.target)
	if err != nil {
		return nil, err
	}
	return strategy.Apply(content, ed.value)
}

// Read returns the effective value of every bound field. Unreadable
// artifacts and missing locations fall back to the configured default.
func (e *Engine) Read(ctx context.Context) []Setting {
	contents := make(map[string][]byte)
	readErrs := make(map[string]error)

	var settings []Setting
	for _, a := range e.artifacts {
		if _, done := contents[a.Path]; !done && readErrs[a.Path] == nil {
			if err := ctx.Err(); err != nil {
				readErrs[a.Path] = err
			} else {
				content, err := e.readLocked(a.Path)
				if err != nil {
					readErrs[a.Path] = err
				} else {
					contents[a.Path] = content
				}
			}
		}

		for _, t := range a.Targets {
			s := Setting{Field: t.Field, Kind: a.Kind, Default: t.Default}
			value, err := readTarget(a, t, contents[a.Path], readErrs[a.Path])
			if err != nil {
				s.Value, s.FromDefault, s.Reason = t.Default, true, err.Error()
				e.logger.Debugf("Using default setting, field: %s, default: %s, reason: %v", t.Field, t.Default, err)
			} else {
				s.Value = value
			}
			settings = append(settings, s)
		}
	}
	return settings
}

func (e *Engine) readLocked(path string) ([]byte, error) {
	unlock := e.locks.lock(path)
	defer unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, classifyFileError("failed to read artifact", err).WithContext("path", path)
	}
	return content, nil
}

func readTarget(a config.ArtifactConfig, t config.PatchTarget, content []byte, readErr error) (value string, err error) {
	if readErr != nil {
		return "", readErr
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewInternalError(fmt.Sprintf("patch strategy panicked: %v", r), nil)
		}
	}()

	strategy, err := NewStrategy(a, t)
	if err != nil {
		return "", err
	}
	return strategy.Read(content)
}

// Backups lists the backup chain of the artifact of the given kind, oldest
// first.
func (e *Engine) Backups(kind config.ArtifactKind) ([]string, error) {
	for _, a := range e.artifacts {
		if a.Kind == kind {
			return e.store.List(a.Path)
		}
	}
	return nil, errors.NewNotFoundError(fmt.Sprintf("unknown artifact kind: %s", kind), nil)
}

func (e *Engine) kindForField(field string) config.ArtifactKind {
	for _, a := range e.artifacts {
		for _, t := range a.Targets {
			if t.Field == field {
				return a.Kind
			}
		}
	}
	return ""
}

// Revision fingerprints artifact content.
func Revision(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:8])
}

func skippedResult(ed edit, err error) Result {
	return Result{Kind: ed.artifact.Kind, Field: ed.target.Field, Status: StatusSkipped, Reason: err.Error(), Value: ed.value, Err: err}
}

func failedResult(ed edit, err error) Result {
	return Result{Kind: ed.artifact.Kind, Field: ed.target.Field, Status: StatusFailed, Reason: err.Error(), Value: ed.value, Err: err}
}
