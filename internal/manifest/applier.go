package manifest

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/utils"
	"github.com/moeryomenko/bumpguard/internal/versions"
)

// Change records one constraint rewritten by ApplyAll.
type Change struct {
	Name string
	From string
	To   string
	Type versions.UpdateType
}

// UpdateApplier applies update batches and rollbacks to manifests. It never
// touches the filesystem; callers persist the returned manifest.
type UpdateApplier struct {
	logger *utils.Logger
}

// NewUpdateApplier creates a new update applier
func NewUpdateApplier(logger *utils.Logger) *UpdateApplier {
	return &UpdateApplier{logger: logger}
}

// ApplyAll points every non-reverted update in batch at its latest version.
// Packages the manifest does not declare are skipped with a warning.
func (a *UpdateApplier) ApplyAll(m *Manifest, batch *models.UpdateBatch) (*Manifest, []Change, error) {
	var (
		changes []Change
		errs    *multierror.Error
	)
	current := m
	for _, u := range batch.Ordered() {
		if batch.IsReverted(u.Name) {
			continue
		}
		before, _, err := current.Constraint(u.Name)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		next, found, err := current.SetVersion(u.Name, u.LatestVersion)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !found {
			a.logger.Warn("Package %s is not declared in %s, skipping", u.Name, m.Format)
			continue
		}

		after, _, err := next.Constraint(u.Name)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		current = next
		changes = append(changes, Change{Name: u.Name, From: before.String(), To: after.String(), Type: u.UpdateType})
		a.logger.Info("Updated %s from %s to %s (%s)", u.Name, before, after, u.UpdateType)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, changes, err
	}
	return current, changes, nil
}

// ApplyRollback points name at to, leaving every other entry untouched.
// Applying the same rollback twice yields the same manifest.
func (a *UpdateApplier) ApplyRollback(m *Manifest, name string, to versions.SemVer) (*Manifest, error) {
	next, found, err := m.SetVersion(name, to)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(ErrPackageNotFound, "%s in %s", name, m.Format)
	}
	a.logger.Info("Rolled back %s to %s", name, to)
	return next, nil
}
