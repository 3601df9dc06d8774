// Package classifier blames a failed build on one updated package. The
// natural-language classifier itself is external; this package defines the
// narrow contract the rollback controller depends on and the wrappers that
// bound it in time and retries.
package classifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/utils"
)

// None is the verdict when no package can be blamed.
const None = "none"

// FailureClassifier names the package most likely responsible for a failed
// pipeline, or None.
type FailureClassifier interface {
	Classify(ctx context.Context, output string, batch *models.UpdateBatch) (string, error)
}

// Func adapts a function to FailureClassifier.
type Func func(ctx context.Context, output string, batch *models.UpdateBatch) (string, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, output string, batch *models.UpdateBatch) (string, error) {
	return f(ctx, output, batch)
}

// Bounded wraps a classifier with a deadline and a bounded number of
// retries. Any error, timeout or answer outside the batch becomes None, so
// callers never see a failure from it.
type Bounded struct {
	inner   FailureClassifier
	timeout time.Duration
	retries uint64
	logger  *utils.Logger

	newBackOff func() backoff.BackOff
}

// NewBounded creates a bounded classifier. A non-positive timeout disables
// the deadline.
func NewBounded(inner FailureClassifier, timeout time.Duration, retries uint64, logger *utils.Logger) *Bounded {
	return &Bounded{
		inner:   inner,
		timeout: timeout,
		retries: retries,
		logger:  logger,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Classify returns a package name from batch or None.
func (b *Bounded) Classify(ctx context.Context, output string, batch *models.UpdateBatch) (string, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(b.newBackOff(), b.retries), ctx)

	var verdict string
	err := backoff.Retry(func() error {
		name, err := b.inner.Classify(ctx, output, batch)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			b.logger.Debug("Classifier attempt failed: %v", err)
			return err
		}
		verdict = name
		return nil
	}, policy)
	if err != nil {
		b.logger.Warn("Failure classifier unavailable, treating as no culprit: %v", err)
		return None, nil
	}

	verdict = strings.TrimSpace(verdict)
	if verdict == "" || strings.EqualFold(verdict, None) || strings.EqualFold(verdict, "null") {
		return None, nil
	}
	if _, ok := batch.Find(verdict); !ok {
		b.logger.Warn("Classifier blamed %s, which is not part of this update batch", verdict)
		return None, nil
	}
	return verdict, nil
}
