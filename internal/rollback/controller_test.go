package rollback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moeryomenko/bumpguard/internal/classifier"
	"github.com/moeryomenko/bumpguard/internal/manifest"
	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/pipeline"
	"github.com/moeryomenko/bumpguard/internal/utils"
	"github.com/moeryomenko/bumpguard/internal/versions"
)

const packageJSON = `{
  "name": "demo",
  "dependencies": {
    "pkg-a": "^1.0.0",
    "pkg-b": "~3.1.0",
    "pkg-c": "5.0.0",
    "pkg-d": "^1.0.0"
  }
}
`

// scriptedRunner passes or fails according to its script; once the script
// runs out it repeats the last entry.
type scriptedRunner struct {
	script []bool
	calls  int
	err    error
}

func (r *scriptedRunner) Run(_ context.Context, steps []string) (models.PipelineRun, error) {
	r.calls++
	if r.err != nil {
		return models.PipelineRun{{Command: "npm test", ExitCode: -1}}, r.err
	}
	pass := r.script[min(r.calls, len(r.script))-1]
	if pass {
		return models.PipelineRun{{Command: "npm test"}}, nil
	}
	return models.PipelineRun{{Command: "npm test", ExitCode: 1, Stderr: fmt.Sprintf("failure #%d", r.calls)}}, nil
}

type memStore struct {
	writes []*manifest.Manifest
	err    error
}

func (s *memStore) Write(_ context.Context, m *manifest.Manifest) error {
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, m)
	return nil
}

func (s *memStore) last(t *testing.T) *manifest.Manifest {
	t.Helper()
	require.NotEmpty(t, s.writes)
	return s.writes[len(s.writes)-1]
}

func blame(name string) classifier.FailureClassifier {
	return classifier.Func(func(context.Context, string, *models.UpdateBatch) (string, error) {
		return name, nil
	})
}

// blameNextPending blames the most disruptive update not yet rolled back.
var blameNextPending = classifier.Func(func(_ context.Context, _ string, b *models.UpdateBatch) (string, error) {
	for _, u := range b.Ordered() {
		if !b.IsReverted(u.Name) {
			return u.Name, nil
		}
	}
	return classifier.None, nil
})

var published = VersionSourceFunc(func(_ context.Context, name string) ([]versions.SemVer, error) {
	switch name {
	case "pkg-a":
		return versions.ParseAll([]string{"1.0.0", "1.2.3", "1.3.0-beta.1", "2.0.0"}), nil
	default:
		return nil, nil
	}
})

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.New("package.json", manifest.FormatPackageJSON, []byte(packageJSON))
	require.NoError(t, err)
	return m
}

func testBatch(t *testing.T, updates ...models.DependencyUpdate) *models.UpdateBatch {
	t.Helper()
	b, err := models.NewUpdateBatch(updates)
	require.NoError(t, err)
	return b
}

func newTestController(runner pipeline.Runner, fc classifier.FailureClassifier, store ManifestStore, cfg Config) *Controller {
	logger := utils.NewTestLogger(io.Discard)
	if cfg.Steps == nil {
		cfg.Steps = []string{"npm test"}
	}
	return NewController(manifest.NewUpdateApplier(logger), runner, fc, published, store, cfg, logger)
}

func constraintOf(t *testing.T, m *manifest.Manifest, name string) string {
	t.Helper()
	c, ok, err := m.Constraint(name)
	require.NoError(t, err)
	require.True(t, ok)
	return c.String()
}

func TestScenarioMinorUpdatePasses(t *testing.T) {
	runner := &scriptedRunner{script: []bool{true}}
	store := &memStore{}
	c := newTestController(runner, blame(classifier.None), store, Config{})

	out, err := c.Run(context.Background(), testManifest(t),
		testBatch(t, models.NewDependencyUpdate("pkg-a", "1.0.0", "1.1.0")))
	require.NoError(t, err)

	assert.True(t, out.Succeeded)
	assert.Equal(t, models.AllPassed, out.TerminationReason)
	assert.Empty(t, out.Attempts)
	assert.Len(t, out.LastRun, 1)
	assert.Equal(t, "^1.1.0", constraintOf(t, store.last(t), "pkg-a"))
}

func TestScenarioMajorRolledBackWithinMajorLine(t *testing.T) {
	runner := &scriptedRunner{script: []bool{false, true}}
	store := &memStore{}
	c := newTestController(runner, blame("pkg-a"), store, Config{})

	batch := testBatch(t, models.NewDependencyUpdate("pkg-a", "1.0.0", "2.0.0"))
	out, err := c.Run(context.Background(), testManifest(t), batch)
	require.NoError(t, err)

	assert.True(t, out.Succeeded)
	assert.Equal(t, models.AllPassed, out.TerminationReason)
	require.Len(t, out.Attempts, 1)

	a := out.Attempts[0]
	assert.Equal(t, 1, a.AttemptNumber)
	assert.Equal(t, "pkg-a", a.TargetPackage)
	assert.Equal(t, "2.0.0", a.FromVersion.Canonical())
	assert.Equal(t, "1.2.3", a.ToVersion.Canonical())
	assert.True(t, a.PipelineRun.Passed(), "attempt carries its retest")

	assert.True(t, batch.IsReverted("pkg-a"))
	assert.Equal(t, "^1.2.3", constraintOf(t, store.last(t), "pkg-a"))
	assert.Equal(t, 2, runner.calls)
}

func TestScenarioSamePackageBlamedTwice(t *testing.T) {
	runner := &scriptedRunner{script: []bool{false}}
	c := newTestController(runner, blame("pkg-a"), &memStore{}, Config{})

	out, err := c.Run(context.Background(), testManifest(t),
		testBatch(t, models.NewDependencyUpdate("pkg-a", "1.0.0", "2.0.0")))
	require.NoError(t, err)

	assert.False(t, out.Succeeded)
	assert.Equal(t, models.NoCulpritIdentified, out.TerminationReason)
	require.Len(t, out.Attempts, 1)
	assert.False(t, out.Attempts[0].PipelineRun.Passed())
	assert.Equal(t, 2, runner.calls)
}

func TestScenarioNoCulprit(t *testing.T) {
	runner := &scriptedRunner{script: []bool{false}}
	c := newTestController(runner, blame(classifier.None), &memStore{}, Config{})

	out, err := c.Run(context.Background(), testManifest(t),
		testBatch(t, models.NewDependencyUpdate("pkg-a", "1.0.0", "2.0.0")))
	require.NoError(t, err)

	assert.False(t, out.Succeeded)
	assert.Equal(t, models.NoCulpritIdentified, out.TerminationReason)
	assert.Empty(t, out.Attempts)
	require.Len(t, out.LastRun, 1)
	assert.Equal(t, 1, out.LastRun[0].ExitCode)
}

func TestScenarioBudgetExhausted(t *testing.T) {
	runner := &scriptedRunner{script: []bool{false}}
	c := newTestController(runner, blameNextPending, &memStore{}, Config{})

	batch := testBatch(t,
		models.NewDependencyUpdate("pkg-a", "1.0.0", "2.0.0"),
		models.NewDependencyUpdate("pkg-b", "3.1.0", "4.0.0"),
		models.NewDependencyUpdate("pkg-c", "5.0.0", "6.0.0"),
	)
	out, err := c.Run(context.Background(), testManifest(t), batch)
	require.NoError(t, err)

	assert.False(t, out.Succeeded)
	assert.Equal(t, models.BudgetExhausted, out.TerminationReason)
	require.Len(t, out.Attempts, 3)
	assert.Equal(t, 4, runner.calls)
	assert.ElementsMatch(t, []string{"pkg-a", "pkg-b", "pkg-c"}, batch.Reverted())
	for i, a := range out.Attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
	}
}

func TestMinorCulpritIsNotReverted(t *testing.T) {
	runner := &scriptedRunner{script: []bool{false}}
	store := &memStore{}
	c := newTestController(runner, blame("pkg-b"), store, Config{})

	out, err := c.Run(context.Background(), testManifest(t),
		testBatch(t, models.NewDependencyUpdate("pkg-b", "3.1.0", "3.2.0")))
	require.NoError(t, err)

	assert.Equal(t, models.NoCulpritIdentified, out.TerminationReason)
	assert.Empty(t, out.Attempts)
	assert.Contains(t, out.Detail, "minor")
	assert.Equal(t, "~3.2.0", constraintOf(t, store.last(t), "pkg-b"))
}

func TestRollbackFallsBackToCurrentVersion(t *testing.T) {
	runner := &scriptedRunner{script: []bool{false, true}}
	store := &memStore{}
	logger := utils.NewTestLogger(io.Discard)
	failing := VersionSourceFunc(func(context.Context, string) ([]versions.SemVer, error) {
		return nil, errors.New("registry unreachable")
	})
	c := NewController(manifest.NewUpdateApplier(logger), runner, blame("pkg-d"), failing, store, Config{Steps: []string{"npm test"}}, logger)

	out, err := c.Run(context.Background(), testManifest(t),
		testBatch(t, models.NewDependencyUpdate("pkg-d", "1.0.0", "2.0.0")))
	require.NoError(t, err)

	assert.True(t, out.Succeeded)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, "1.0.0", out.Attempts[0].ToVersion.Canonical())
	assert.Equal(t, "^1.0.0", constraintOf(t, store.last(t), "pkg-d"))
}

func TestNoDuplicateTargetsAndLiveness(t *testing.T) {
	updates := []models.DependencyUpdate{
		models.NewDependencyUpdate("pkg-a", "1.0.0", "2.0.0"),
		models.NewDependencyUpdate("pkg-b", "3.1.0", "4.0.0"),
		models.NewDependencyUpdate("pkg-c", "5.0.0", "6.0.0"),
		models.NewDependencyUpdate("pkg-d", "1.0.0", "2.0.0"),
	}
	classifiers := map[string]classifier.FailureClassifier{
		"next pending": blameNextPending,
		"always a":     blame("pkg-a"),
		"keyword":      classifier.Keyword{},
	}

	for name, fc := range classifiers {
		for maxAttempts := 1; maxAttempts <= 5; maxAttempts++ {
			t.Run(fmt.Sprintf("%s/max=%d", name, maxAttempts), func(t *testing.T) {
				runner := &scriptedRunner{script: []bool{false}}
				c := newTestController(runner, fc, &memStore{}, Config{MaxAttempts: maxAttempts})

				out, err := c.Run(context.Background(), testManifest(t), testBatch(t, updates...))
				require.NoError(t, err)

				assert.LessOrEqual(t, runner.calls, maxAttempts+1)
				assert.LessOrEqual(t, len(out.Attempts), maxAttempts)
				seen := map[string]bool{}
				for _, a := range out.Attempts {
					assert.False(t, seen[a.TargetPackage], "duplicate rollback of %s", a.TargetPackage)
					seen[a.TargetPackage] = true
				}
				assert.NotEmpty(t, out.LastRun)
			})
		}
	}
}

func TestCancellationBetweenStates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &scriptedRunner{script: []bool{false}}
	c := newTestController(runner, blame("pkg-a"), &memStore{}, Config{
		OnTransition: func(s State) {
			if s == Diagnosing {
				cancel()
			}
		},
	})

	out, err := c.Run(ctx, testManifest(t),
		testBatch(t, models.NewDependencyUpdate("pkg-a", "1.0.0", "2.0.0")))
	require.NoError(t, err)

	assert.True(t, out.Cancelled)
	assert.False(t, out.Succeeded)
	assert.Equal(t, models.BudgetExhausted, out.TerminationReason)
	assert.Empty(t, out.Attempts)
	assert.Equal(t, 1, runner.calls)
}

func TestCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := &memStore{}
	runner := &scriptedRunner{script: []bool{true}}
	c := newTestController(runner, blame(classifier.None), store, Config{})

	out, err := c.Run(ctx, testManifest(t),
		testBatch(t, models.NewDependencyUpdate("pkg-a", "1.0.0", "2.0.0")))
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Zero(t, runner.calls)
	assert.Empty(t, store.writes)
}

func TestExecutionFaultIsHard(t *testing.T) {
	runner := &scriptedRunner{err: &pipeline.ExecutionFault{Command: "npm test", Err: errors.New("permission denied")}}
	c := newTestController(runner, blame("pkg-a"), &memStore{}, Config{})

	out, err := c.Run(context.Background(), testManifest(t),
		testBatch(t, models.NewDependencyUpdate("pkg-a", "1.0.0", "2.0.0")))
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrExecutionFault)

	require.NotNil(t, out)
	assert.True(t, out.InfrastructureFault)
	assert.Equal(t, models.BudgetExhausted, out.TerminationReason)
	assert.NotEmpty(t, out.LastRun)
}

func TestStoreFailureIsHard(t *testing.T) {
	runner := &scriptedRunner{script: []bool{true}}
	c := newTestController(runner, blame(classifier.None), &memStore{err: errors.New("disk full")}, Config{})

	out, err := c.Run(context.Background(), testManifest(t),
		testBatch(t, models.NewDependencyUpdate("pkg-a", "1.0.0", "2.0.0")))
	require.Error(t, err)
	assert.False(t, out.Succeeded)
	assert.Zero(t, runner.calls)
}

func TestEndToEndWithShellRunner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "package.json")
	require.NoError(t, os.WriteFile(path, []byte(packageJSON), 0o644))

	m, err := manifest.Load(path)
	require.NoError(t, err)

	logger := utils.NewTestLogger(io.Discard)
	runner := pipeline.NewShellRunner(pipeline.Options{Dir: dir}, logger)
	c := NewController(
		manifest.NewUpdateApplier(logger),
		runner,
		classifier.Keyword{},
		published,
		FileStore{},
		Config{Steps: []string{`grep -q '"pkg-a": "^1' package.json || { echo "pkg-a v2 is incompatible" >&2; exit 1; }`}},
		logger,
	)

	var states []State
	c.cfg.OnTransition = func(s State) { states = append(states, s) }

	out, err := c.Run(context.Background(), m, testBatch(t,
		models.NewDependencyUpdate("pkg-a", "1.0.0", "2.0.0"),
		models.NewDependencyUpdate("pkg-b", "3.1.0", "3.1.4"),
	))
	require.NoError(t, err)

	assert.True(t, out.Succeeded)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, "pkg-a", out.Attempts[0].TargetPackage)
	assert.Equal(t, []State{Applying, Testing, Diagnosing, Reverting, Testing, Passed}, states)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pkg-a": "^1.2.3"`)
	assert.Contains(t, string(data), `"pkg-b": "~3.1.4"`)
}
