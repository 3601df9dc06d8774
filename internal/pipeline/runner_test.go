package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moeryomenko/bumpguard/internal/utils"
)

func newTestRunner(t *testing.T, opts Options) *ShellRunner {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	return NewShellRunner(opts, utils.NewTestLogger(io.Discard))
}

func TestRunAllPass(t *testing.T) {
	r := newTestRunner(t, Options{})
	run, err := r.Run(context.Background(), []string{"echo hello", "true"})
	require.NoError(t, err)
	require.Len(t, run, 2)
	assert.True(t, run.Passed())
	assert.Equal(t, "hello\n", run[0].Stdout)
}

func TestRunFailFast(t *testing.T) {
	r := newTestRunner(t, Options{})
	run, err := r.Run(context.Background(), []string{"true", "echo broken >&2; exit 3", "echo never"})
	require.NoError(t, err)
	require.Len(t, run, 2)
	assert.False(t, run.Passed())
	assert.Equal(t, 3, run[1].ExitCode)
	assert.Equal(t, "broken\n", run[1].Stderr)
	assert.False(t, run[1].TimedOut)
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(t, Options{StepTimeout: 100 * time.Millisecond})
	run, err := r.Run(context.Background(), []string{"exec sleep 5", "true"})
	require.NoError(t, err)
	require.Len(t, run, 1)
	assert.True(t, run[0].TimedOut)
	assert.Equal(t, TimedOutExitCode, run[0].ExitCode)
}

func TestRunCancelled(t *testing.T) {
	r := newTestRunner(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	run, err := r.Run(ctx, []string{"exec sleep 5"})
	require.NoError(t, err)
	require.Len(t, run, 1)
	assert.True(t, run[0].TimedOut)
	assert.Equal(t, CancelledExitCode, run[0].ExitCode)
}

func TestRunCommandNotFoundIsExecutionFault(t *testing.T) {
	r := newTestRunner(t, Options{})
	run, err := r.Run(context.Background(), []string{"definitely-not-a-real-binary-xyz"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecutionFault))

	var fault *ExecutionFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "definitely-not-a-real-binary-xyz", fault.Command)
	require.Len(t, run, 1)
}

func TestRunMissingInnerProgramIsFailure(t *testing.T) {
	r := newTestRunner(t, Options{})
	run, err := r.Run(context.Background(), []string{"sh -c 'missing-inner-tool-xyz --version'"})
	require.NoError(t, err)
	require.Len(t, run, 1)
	assert.Equal(t, 127, run[0].ExitCode)
	assert.False(t, run[0].TimedOut)
}

func TestNotLaunched(t *testing.T) {
	tests := []struct {
		step   string
		stderr string
		want   bool
	}{
		{"jest --ci", "sh: 1: jest: not found\n", true},
		{"CI=1 jest", "bash: line 1: jest: command not found", true},
		{"./test.sh", "sh: 1: ./test.sh: Permission denied", true},
		{"./test.sh", "./test.sh: 3: jest: not found", false},
		{"npm test", "sh: 1: react-scripts: not found", false},
		{"", "sh: 1: : not found", false},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			assert.Equal(t, tt.want, notLaunched(tt.step, tt.stderr))
		})
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunStreamsOutputAtDebug(t *testing.T) {
	var logs lockedBuffer
	r := NewShellRunner(Options{Dir: t.TempDir()}, utils.NewTestLogger(&logs))

	run, err := r.Run(context.Background(), []string{"echo compiled-ok; echo warned-here >&2"})
	require.NoError(t, err)
	assert.Equal(t, "compiled-ok\n", run[0].Stdout)
	assert.Equal(t, "warned-here\n", run[0].Stderr)

	require.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "msg=compiled-ok") && strings.Contains(out, "msg=warned-here")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "stream=stderr")
}

func TestRunDoesNotStreamAboveDebug(t *testing.T) {
	var logs lockedBuffer
	logger := utils.NewTestLogger(&logs)
	logger.SetDebug(false)
	r := NewShellRunner(Options{Dir: t.TempDir()}, logger)

	_, err := r.Run(context.Background(), []string{"echo quiet-line"})
	require.NoError(t, err)
	assert.NotContains(t, logs.String(), "msg=quiet-line")
}

func TestRunMissingDirIsExecutionFault(t *testing.T) {
	r := newTestRunner(t, Options{Dir: filepath.Join(t.TempDir(), "missing")})
	_, err := r.Run(context.Background(), []string{"true"})
	assert.ErrorIs(t, err, ErrExecutionFault)
}

func TestRunOutputTail(t *testing.T) {
	r := newTestRunner(t, Options{OutputTail: 4})
	run, err := r.Run(context.Background(), []string{"printf abcdefgh"})
	require.NoError(t, err)
	assert.Equal(t, "efgh", run[0].Stdout)
}

func TestRunUsesWorkingDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("x"), 0o644))
	r := newTestRunner(t, Options{Dir: dir})
	run, err := r.Run(context.Background(), []string{"test -f marker"})
	require.NoError(t, err)
	assert.True(t, run.Passed())
}

func TestRunEnv(t *testing.T) {
	r := newTestRunner(t, Options{Env: []string{"BUMPGUARD_TEST_VALUE=42"}})
	run, err := r.Run(context.Background(), []string{"echo $BUMPGUARD_TEST_VALUE"})
	require.NoError(t, err)
	assert.Equal(t, "42", strings.TrimSpace(run[0].Stdout))
}
