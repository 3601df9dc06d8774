package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moeryomenko/bumpguard/internal/cache"
	"github.com/moeryomenko/bumpguard/internal/config"
	"github.com/moeryomenko/bumpguard/internal/jobs"
	"github.com/moeryomenko/bumpguard/internal/manifest"
	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/utils"
)

const cargoToml = `[package]
name = "demo"
version = "0.1.0"

[dependencies]
serde = "1.0.130"
tokio = { version = "^1.12.0", features = ["full"] }
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		MaxAttempts:       3,
		StepTimeout:       10 * time.Second,
		ClassifierTimeout: time.Second,
		CacheTTL:          time.Hour,
		CacheDir:          dir,
		ReportDir:         filepath.Join(dir, "reports"),
		Build:             "true",
		OutputTail:        config.DefaultOutputTail,
		Workers:           1,
	}
}

func TestEngineRollsBackBreakingMajor(t *testing.T) {
	project := t.TempDir()
	manifestPath := filepath.Join(project, "Cargo.toml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(cargoToml), 0o644))

	cfg := testConfig(t)
	cfg.Test = `if grep -q 'serde = "2' Cargo.toml; then echo "error[E0432]: unresolved import serde::Deserialize" >&2; exit 1; fi`

	logger := utils.NewTestLogger(io.Discard)
	var out bytes.Buffer
	e := newEngine(cfg, cache.New(cache.Options{}, logger), []string{"serde@2.0.0", "tokio@1.14.0"}, false, &out, logger)

	outcome, err := e.Run(context.Background(), jobs.Request{Dir: project})
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded)
	assert.Equal(t, models.AllPassed, outcome.TerminationReason)
	require.Len(t, outcome.Attempts, 1)
	assert.Equal(t, "serde", outcome.Attempts[0].TargetPackage)
	assert.Equal(t, "1.0.130", outcome.Attempts[0].ToVersion.String())

	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `serde = "1.0.130"`)
	assert.Contains(t, string(data), `tokio = { version = "^1.14.0", features = ["full"] }`)

	reports, err := filepath.Glob(filepath.Join(cfg.ReportDir, "pull_request-*.md"))
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	assert.Contains(t, out.String(), "PASSED")
	assert.Contains(t, out.String(), "rolled back from 2.0.0")
}

func TestEngineFailureLeavesLocalTargetUntouched(t *testing.T) {
	project := t.TempDir()
	manifestPath := filepath.Join(project, "Cargo.toml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(cargoToml), 0o644))

	cfg := testConfig(t)
	cfg.Test = "exit 1"

	logger := utils.NewTestLogger(io.Discard)
	e := newEngine(cfg, cache.New(cache.Options{}, logger), []string{"serde@2.0.0"}, false, io.Discard, logger)

	outcome, err := e.Run(context.Background(), jobs.Request{Dir: project})
	require.NoError(t, err)
	assert.False(t, outcome.Succeeded)
	assert.Equal(t, models.NoCulpritIdentified, outcome.TerminationReason)

	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, cargoToml, string(data))
	_, err = os.Stat(filepath.Join(project, "Cargo.lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestEngineCancelledLeavesLocalTargetUntouched(t *testing.T) {
	project := t.TempDir()
	manifestPath := filepath.Join(project, "Cargo.toml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(cargoToml), 0o644))

	cfg := testConfig(t)
	cfg.Test = "true"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	logger := utils.NewTestLogger(io.Discard)
	e := newEngine(cfg, cache.New(cache.Options{}, logger), []string{"serde@2.0.0"}, false, io.Discard, logger)

	outcome, err := e.Run(ctx, jobs.Request{Dir: project})
	require.NoError(t, err)
	assert.True(t, outcome.Cancelled)

	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, cargoToml, string(data))
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "node_modules", ".bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "node_modules", "tool.js"), []byte("//"), 0o644))
	require.NoError(t, os.Symlink("../tool.js", filepath.Join(src, "node_modules", ".bin", "tool")))

	dst := t.TempDir()
	require.NoError(t, copyTree(src, dst))

	info, err := os.Stat(filepath.Join(dst, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(dst, "node_modules", ".bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, "../tool.js", link)

	_, err = os.Stat(filepath.Join(dst, ".git"))
	assert.True(t, os.IsNotExist(err))
}

func TestCommitFiles(t *testing.T) {
	work, origin := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "go.mod"), []byte("module example.com/demo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "go.sum"), []byte("sum\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "main.go"), []byte("package main\n"), 0o644))

	m, err := manifest.Load(filepath.Join(work, "go.mod"))
	require.NoError(t, err)
	require.NoError(t, commitFiles(work, origin, m))

	for _, name := range []string{"go.mod", "go.sum"} {
		_, err := os.Stat(filepath.Join(origin, name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(origin, "main.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestEngineCargoNeedsExplicitUpdates(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "Cargo.toml"), []byte(cargoToml), 0o644))

	cfg := testConfig(t)
	logger := utils.NewTestLogger(io.Discard)
	e := newEngine(cfg, cache.New(cache.Options{}, logger), []string{}, false, io.Discard, logger)

	// Cargo has no outdated report, so an implicit batch is an error.
	_, err := e.Run(context.Background(), jobs.Request{Dir: project})
	assert.Error(t, err)
}

func TestEngineSteps(t *testing.T) {
	project := t.TempDir()
	cfg := testConfig(t)
	e := &engine{cfg: cfg}

	steps, err := e.steps(project)
	require.NoError(t, err)
	assert.Equal(t, []string{"true"}, steps)

	cfg.Build = ""
	_, err = e.steps(project)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(project, "go.mod"), []byte("module example.com/demo\n"), 0o644))
	cfg.Test = "make check"
	steps, err = e.steps(project)
	require.NoError(t, err)
	assert.Equal(t, []string{"go mod download", "go build ./...", "make check"}, steps)
}

func TestTargetRequest(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, jobs.Request{Dir: dir}, targetRequest(dir))
	assert.Equal(t, jobs.Request{Repository: "github.com/acme/widgets"}, targetRequest("github.com/acme/widgets"))
}

func TestPrintDiff(t *testing.T) {
	var out bytes.Buffer
	printDiff(&out, "--- a\n+++ b\n@@ -1 +1 @@\n-old\n+new")
	for _, line := range []string{"--- a", "+++ b", "@@ -1 +1 @@", "-old", "+new"} {
		assert.Contains(t, out.String(), line)
	}
}
