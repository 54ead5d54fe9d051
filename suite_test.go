package drover_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rlch/drover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadSuite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "scripts/login.dvr", "assert.ok(true)\n")
	path := writeFile(t, dir, "smoke.suite.yaml", `
iterations: 2
parallel: 2
rampUp: 500ms
params:
  file: users.csv
  mode: random
capabilities:
  - browser: firefox
  - browser: chrome
cases:
  - script: scripts/login.dvr
    iterations: 3
  - name: inline
    source: |
      log.info("hi")
`)

	s, err := drover.LoadSuite(path)
	require.NoError(t, err)

	assert.Equal(t, "smoke", s.Name)
	assert.Equal(t, 2, s.Iterations)
	assert.Equal(t, 500*time.Millisecond, s.RampUp)
	assert.Equal(t, "random", s.Params.Mode)
	require.Len(t, s.Capabilities, 2)
	require.Len(t, s.Cases, 2)
	assert.Equal(t, "login", s.Cases[0].Name)
	assert.Equal(t, filepath.Join(dir, "users.csv"), s.Resolve(s.Params.File))

	file, src, err := s.ReadScript(s.Cases[0])
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scripts", "login.dvr"), file)
	assert.Equal(t, "assert.ok(true)\n", src)

	file, src, err = s.ReadScript(s.Cases[1])
	require.NoError(t, err)
	assert.Equal(t, "inline.dvr", file)
	assert.Contains(t, src, "log.info")
}

func TestLoadSuite_Invalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"no cases", "name: x\n"},
		{"no script", "cases:\n  - name: a\n"},
		{"negative", "iterations: -1\ncases:\n  - source: x\n"},
		{"bad yaml", "cases: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name+".suite.yaml", tt.content)

			_, err := drover.LoadSuite(path)
			assert.Error(t, err)
		})
	}
}

func TestScriptSuite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "checkout.dvr", "log.info(1)\n")

	s, err := drover.LoadSuite(path)
	require.NoError(t, err)

	assert.Equal(t, "checkout", s.Name)
	assert.Equal(t, 1, s.Iterations)
	require.Len(t, s.Cases, 1)

	_, src, err := s.ReadScript(s.Cases[0])
	require.NoError(t, err)
	assert.Equal(t, "log.info(1)\n", src)
}

func TestIterationCount(t *testing.T) {
	withParams := &drover.Case{Params: &drover.ParamSpec{File: "rows.csv"}}

	tests := []struct {
		name  string
		suite drover.Suite
		c     *drover.Case
		rows  int
		want  int
	}{
		{"default", drover.Suite{}, &drover.Case{}, 0, 1},
		{"explicit", drover.Suite{}, &drover.Case{Iterations: 4}, 0, 4},
		{"row count", drover.Suite{}, withParams, 7, 7},
		{"empty table", drover.Suite{}, withParams, 0, 1},
		{"suite override", drover.Suite{CaseIterations: 2}, &drover.Case{Iterations: 9}, 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.suite.IterationCount(tt.c, tt.rows))
		})
	}
}

func TestContinueOnErrorFor(t *testing.T) {
	no := false
	s := &drover.Suite{ContinueOnError: true}

	assert.True(t, s.ContinueOnErrorFor(&drover.Case{}))
	assert.False(t, s.ContinueOnErrorFor(&drover.Case{ContinueOnError: &no}))
}
