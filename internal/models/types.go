package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/moeryomenko/bumpguard/internal/versions"
)

// DependencyUpdate is one proposed version bump. UpdateType is derived from
// the two versions by NewDependencyUpdate and never set by callers.
type DependencyUpdate struct {
	Name           string              `json:"name"`
	CurrentVersion versions.SemVer     `json:"-"`
	LatestVersion  versions.SemVer     `json:"-"`
	UpdateType     versions.UpdateType `json:"update_type"`
}

// NewDependencyUpdate classifies current→latest and builds the entry.
func NewDependencyUpdate(name, current, latest string) DependencyUpdate {
	cur := versions.Parse(current)
	lat := versions.Parse(latest)
	return DependencyUpdate{
		Name:           name,
		CurrentVersion: cur,
		LatestVersion:  lat,
		UpdateType:     versions.Classify(cur, lat),
	}
}

// UpdateBatch is the set of updates proposed for one run plus the packages
// rolled back during it.
type UpdateBatch struct {
	Updates  []DependencyUpdate
	reverted map[string]versions.SemVer
}

// NewUpdateBatch builds a batch, rejecting duplicate package names.
func NewUpdateBatch(updates []DependencyUpdate) (*UpdateBatch, error) {
	seen := make(map[string]bool, len(updates))
	for _, u := range updates {
		if u.Name == "" {
			return nil, fmt.Errorf("update with empty package name")
		}
		if seen[u.Name] {
			return nil, fmt.Errorf("duplicate update for package %s", u.Name)
		}
		seen[u.Name] = true
	}
	return &UpdateBatch{
		Updates:  append([]DependencyUpdate(nil), updates...),
		reverted: make(map[string]versions.SemVer),
	}, nil
}

// Find returns the update entry for name.
func (b *UpdateBatch) Find(name string) (DependencyUpdate, bool) {
	for _, u := range b.Updates {
		if u.Name == name {
			return u, true
		}
	}
	return DependencyUpdate{}, false
}

// MarkReverted records that name was rolled back to version.
func (b *UpdateBatch) MarkReverted(name string, to versions.SemVer) {
	if b.reverted == nil {
		b.reverted = make(map[string]versions.SemVer)
	}
	b.reverted[name] = to
}

// IsReverted reports whether name was already rolled back in this run.
func (b *UpdateBatch) IsReverted(name string) bool {
	_, ok := b.reverted[name]
	return ok
}

// RevertedTo returns the version name was rolled back to.
func (b *UpdateBatch) RevertedTo(name string) (versions.SemVer, bool) {
	v, ok := b.reverted[name]
	return v, ok
}

// Reverted returns the rolled-back package names in sorted order.
func (b *UpdateBatch) Reverted() []string {
	names := make([]string, 0, len(b.reverted))
	for name := range b.reverted {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pending returns the updates not rolled back.
func (b *UpdateBatch) Pending() []DependencyUpdate {
	var out []DependencyUpdate
	for _, u := range b.Updates {
		if !b.IsReverted(u.Name) {
			out = append(out, u)
		}
	}
	return out
}

// Names lists package names in batch order.
func (b *UpdateBatch) Names() []string {
	names := make([]string, 0, len(b.Updates))
	for _, u := range b.Updates {
		names = append(names, u.Name)
	}
	return names
}

// Categorize groups updates by type, most disruptive first within the
// returned ordering.
func (b *UpdateBatch) Categorize() map[versions.UpdateType][]DependencyUpdate {
	out := make(map[versions.UpdateType][]DependencyUpdate)
	for _, u := range b.Ordered() {
		out[u.UpdateType] = append(out[u.UpdateType], u)
	}
	return out
}

// Ordered returns a copy of the updates sorted major, minor, patch, unknown
// and then by name.
func (b *UpdateBatch) Ordered() []DependencyUpdate {
	out := append([]DependencyUpdate(nil), b.Updates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdateType != out[j].UpdateType {
			return out[i].UpdateType.MoreDisruptive(out[j].UpdateType)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// PipelineResult is the outcome of one executed build step.
type PipelineResult struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// Succeeded reports whether the step exited zero in time.
func (r PipelineResult) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Output joins stdout and stderr for diagnosis.
func (r PipelineResult) Output() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// PipelineRun is the ordered list of executed steps; it stops at the first failure.
type PipelineRun []PipelineResult

// Passed reports whether every executed step succeeded.
func (r PipelineRun) Passed() bool {
	for _, res := range r {
		if !res.Succeeded() {
			return false
		}
	}
	return true
}

// Failure returns the failing step, if any.
func (r PipelineRun) Failure() (PipelineResult, bool) {
	for _, res := range r {
		if !res.Succeeded() {
			return res, true
		}
	}
	return PipelineResult{}, false
}

// RollbackAttempt is one audit record of reverting a package.
type RollbackAttempt struct {
	AttemptNumber int             `json:"attempt_number"`
	TargetPackage string          `json:"target_package"`
	FromVersion   versions.SemVer `json:"-"`
	ToVersion     versions.SemVer `json:"-"`
	PipelineRun   PipelineRun     `json:"pipeline_run"`
}

// TerminationReason explains why a run stopped.
type TerminationReason string

const (
	AllPassed           TerminationReason = "AllPassed"
	BudgetExhausted     TerminationReason = "BudgetExhausted"
	NoCulpritIdentified TerminationReason = "NoCulpritIdentified"
)

// Outcome is the terminal record of one run.
type Outcome struct {
	Succeeded         bool              `json:"succeeded"`
	FinalBatch        *UpdateBatch      `json:"-"`
	Attempts          []RollbackAttempt `json:"attempts"`
	TerminationReason TerminationReason `json:"termination_reason"`
	// LastRun is the pipeline run of the final Testing state.
	LastRun PipelineRun `json:"last_run"`
	// Cancelled is set when the context ended the run early.
	Cancelled bool `json:"cancelled"`
	// InfrastructureFault is set when a build step could not be launched.
	InfrastructureFault bool          `json:"infrastructure_fault"`
	Detail              string        `json:"detail,omitempty"`
	Duration            time.Duration `json:"duration"`
}

// CommitInfo represents commit information
type CommitInfo struct {
	Hash    string
	Message string
	Date    time.Time
}

// UpdateAnalysis is the commit-history assessment of one update, used as
// release notes in reports.
type UpdateAnalysis struct {
	Update          DependencyUpdate
	Commits         []CommitInfo
	ShouldUpdate    bool
	UpdateReason    string
	RejectionReason string
}
