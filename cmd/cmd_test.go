package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentic-research/taxa/internal/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"manifest.json": `{"version":"1.0","root_name":"Life","files":[
			{"path":"Life > Animalia","filename":"animalia.json"},
			{"path":"Life > Plantae","filename":"chunks/plantae.json"}]}`,
		"animalia.json":       `{"name":"Animalia","children":[{"name":"Chordata"},{"name":"Mollusca"}]}`,
		"chunks/plantae.json": `{"Plantae":{"Bryophyta":null}}`,
		"README.txt":          "not part of the dataset",
	}
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append(args, "--quiet", "--log-level", "error"))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestOpenSource(t *testing.T) {
	cases := []struct {
		loc      string
		base     string
		manifest string
	}{
		{"https://data.example.org/tol/manifest.json", "https://data.example.org/tol", "manifest.json"},
		{"https://data.example.org/tol/", "https://data.example.org/tol", DefaultManifest},
		{"http://data.example.org", "http://data.example.org", DefaultManifest},
	}
	for _, tc := range cases {
		t.Run(tc.loc, func(t *testing.T) {
			src, err := openSource(tc.loc)
			require.NoError(t, err)
			h, ok := src.fetcher.(*chunk.HTTPFetcher)
			require.True(t, ok)
			assert.Equal(t, tc.base, h.BaseURL)
			assert.Equal(t, tc.manifest, src.manifest)
		})
	}

	dir := writeDataset(t)
	src, err := openSource(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultManifest, src.manifest)
	assert.IsType(t, &chunk.FSFetcher{}, src.fetcher)

	src, err = openSource(filepath.Join(dir, "animalia.json"))
	require.NoError(t, err)
	assert.Equal(t, "animalia.json", src.manifest)

	_, err = openSource(filepath.Join(dir, "absent"))
	assert.Error(t, err)
}

func TestLoadCommand(t *testing.T) {
	out, err := run(t, "load", writeDataset(t), "--mode", "eager")
	require.NoError(t, err)
	assert.Contains(t, out, "kind:      eager")
	assert.Contains(t, out, "nodes:     5", "a structured shard contributes its children")
	assert.Contains(t, out, "leaves:    3")
}

func TestSkeletonCommand(t *testing.T) {
	out, err := run(t, "skeleton", writeDataset(t), "--mode", "lazy")
	require.NoError(t, err)
	assert.Contains(t, out, "Life  (2 leaves)\n")
	assert.Contains(t, out, "  Animalia  -> animalia.json\n")
	assert.Contains(t, out, "  Plantae  -> chunks/plantae.json\n")
	assert.Contains(t, out, "3 nodes, 2 stubs (lazy)")
}

func TestPackThenFind(t *testing.T) {
	db := filepath.Join(t.TempDir(), "tol.db")
	out, err := run(t, "pack", writeDataset(t), db)
	require.NoError(t, err)
	assert.Contains(t, out, "packed 3 files")

	out, err = run(t, "find", db, "Life > Plantae > Bryophyta", "--mode", "lazy")
	require.NoError(t, err)
	assert.Contains(t, out, "path:     Life > Plantae > Bryophyta")
	assert.Contains(t, out, "level:    2")
	assert.Contains(t, out, "resolved: 1 stub(s) on the way")
}

func TestFindCommand_NotFound(t *testing.T) {
	_, err := run(t, "find", writeDataset(t), "Life > Fungi", "--mode", "lazy")
	assert.ErrorContains(t, err, "node not found")
}

func TestIsDatasetFile(t *testing.T) {
	assert.True(t, isDatasetFile("chunks/a.json"))
	assert.True(t, isDatasetFile("a.json.zst"))
	assert.False(t, isDatasetFile("README.txt"))
}
