package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlch/drover"
)

func write(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestParseCaps(t *testing.T) {
	caps, err := parseCaps("browser=chrome, version=120")
	require.NoError(t, err)
	assert.Equal(t, drover.Capabilities{"browser": "chrome", "version": "120"}, caps)

	for _, raw := range []string{"", "browser", "=chrome", " , "} {
		_, err := parseCaps(raw)
		require.ErrorIs(t, err, ErrInvalidCaps, raw)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "base.env"), "HOST=localhost\nPORT=8080\n")
	write(t, filepath.Join(dir, "override.env"), "PORT=9090\n")

	env, err := loadEnv(dir, []string{"base.env"}, []string{filepath.Join(dir, "override.env")})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"HOST": "localhost", "PORT": "9090"}, env)

	_, err = loadEnv(dir, []string{"missing.env"}, nil)
	require.Error(t, err)
}

func TestWalkDir(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "checkout", "checkout.suite.yaml"), "cases: []\n")
	write(t, filepath.Join(dir, "checkout", "pay.dvr"), "log.info(1)\n")
	write(t, filepath.Join(dir, "smoke", "ping.dvr"), "log.info(1)\n")
	write(t, filepath.Join(dir, "smoke", "notes.yaml"), "x: 1\n")

	files, err := walkDir(dir)
	require.NoError(t, err)

	rel := make([]string, len(files))
	for i, f := range files {
		r, err := filepath.Rel(dir, f)
		require.NoError(t, err)

		rel[i] = filepath.ToSlash(r)
	}

	assert.Equal(t, []string{"checkout/checkout.suite.yaml", "smoke/ping.dvr"}, rel)
}

func TestCollectFiles_Empty(t *testing.T) {
	_, err := collectFiles([]string{t.TempDir()})
	require.ErrorIs(t, err, ErrNoSuites)
}

func TestCheckFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.dvr")
	bad := filepath.Join(dir, "bad.dvr")

	write(t, good, "let x = 1\nlog.info(x)\n")
	write(t, bad, "let x = 1\nlog.info(x +)\n")

	var out bytes.Buffer
	assert.Equal(t, 0, checkFile(&out, good))
	assert.Empty(t, out.String())

	assert.Equal(t, 1, checkFile(&out, bad))
	assert.True(t, strings.HasPrefix(out.String(), bad+":2:"), out.String())
	assert.Contains(t, out.String(), "error:")
}

func TestPauser(t *testing.T) {
	in := strings.NewReader("\n")

	var out bytes.Buffer

	p := newPauser(in, &out)
	require.NoError(t, p.wait(context.Background(), "a.dvr", 3))
	assert.Equal(t, "paused at a.dvr:3, press Enter to continue\n", out.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	blocked := newPauser(blockingReader{}, &out)
	require.ErrorIs(t, blocked.wait(ctx, "a.dvr", 4), context.DeadlineExceeded)
}

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) {
	select {}
}

func TestWantTUI(t *testing.T) {
	on, err := wantTUI("on", true)
	require.NoError(t, err)
	assert.True(t, on)

	off, err := wantTUI("off", false)
	require.NoError(t, err)
	assert.False(t, off)

	auto, err := wantTUI("auto", true)
	require.NoError(t, err)
	assert.False(t, auto)

	_, err = wantTUI("sometimes", false)
	require.ErrorIs(t, err, ErrInvalidTUI)
}

func TestWorkerEnv(t *testing.T) {
	assert.Equal(t, []string{"DROVER_LOG_LEVEL=debug", "DROVER_LOG_FORMAT=console"}, workerEnv("debug", "console"))
	assert.Equal(t, []string{"DROVER_LOG_FORMAT=json"}, workerEnv("", "json"))
	assert.Empty(t, workerEnv("", ""))
}
