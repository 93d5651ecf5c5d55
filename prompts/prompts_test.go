package prompts

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedPromptsAreReadable(t *testing.T) {
	for _, name := range []string{
		"scoring_default.txt",
		"pharmacogenetics_score_prompt.txt",
		"heterogeneous_catalyst_prompt.txt",
		"thermocatalytic_co2_to_methanol_prompt.txt",
		"citation_prompt.txt",
		"pgx_extraction_prompt.txt",
	} {
		text, err := Read(FS, name)
		require.NoError(t, err, name)
		assert.Contains(t, text, "JSON", name)
	}
}

func TestSource_DirectoryOverridesEmbedded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scoring_default.txt"), []byte("  custom prompt \n"), 0o600))

	src := Source(dir)
	text, err := Read(src, "scoring_default.txt")
	require.NoError(t, err)
	assert.Equal(t, "custom prompt", text)

	fallback, err := Read(src, "citation_prompt.txt")
	require.NoError(t, err)
	assert.Contains(t, fallback, "citations")
}

func TestSource_MissingDirectory(t *testing.T) {
	src := Source(filepath.Join(t.TempDir(), "nope"))
	_, err := Read(src, "scoring_default.txt")
	assert.NoError(t, err)
}

func TestRead_Errors(t *testing.T) {
	fsys := fstest.MapFS{"blank.txt": {Data: []byte("   \n")}}

	_, err := Read(fsys, "blank.txt")
	assert.ErrorContains(t, err, "is empty")

	_, err = Read(fsys, "missing.txt")
	assert.ErrorContains(t, err, "missing.txt")
}
