package params_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rlch/drover"
	"github.com/rlch/drover/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Formats(t *testing.T) {
	files := map[string]string{
		"users.csv": "user,pass\nalice,a1\nbob,b2\n",
		"users.yaml": `
- user: alice
  pass: a1
- user: bob
  pass: b2
`,
		"users.json": `[{"user":"alice","pass":"a1"},{"user":"bob","pass":"b2"}]`,
		"users.toml": `
[[rows]]
user = "alice"
pass = "a1"

[[rows]]
user = "bob"
pass = "b2"
`,
	}

	dir := t.TempDir()

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			src, err := params.Load(path, params.Sequential)
			require.NoError(t, err)

			assert.Equal(t, 2, src.Len())
			assert.Equal(t, []string{"user", "pass"}, src.Columns())

			src.Advance()

			row, err := src.Current()
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"user": "bob", "pass": "b2"}, row)
		})
	}
}

func TestLoad_EmptyCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	src, err := params.Load(path, params.Sequential)
	require.NoError(t, err)
	assert.Equal(t, 0, src.Len())

	_, err = src.Current()
	require.ErrorIs(t, err, params.ErrEmptyTable)
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	_, err := params.Load("users.xlsx", params.Sequential)
	require.ErrorIs(t, err, params.ErrUnsupportedFormat)
}

func TestOpen_Inline(t *testing.T) {
	spec := &drover.ParamSpec{
		Rows: []map[string]any{{"sku": "A"}, {"sku": "B"}},
		Mode: "sequential",
	}

	src, err := params.Open(spec, ".")
	require.NoError(t, err)
	assert.Equal(t, 2, src.Len())

	_, err = params.Open(&drover.ParamSpec{Mode: "bogus"}, ".")
	require.ErrorIs(t, err, params.ErrInvalidMode)
}
