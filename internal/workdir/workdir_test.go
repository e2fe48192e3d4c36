package workdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueDir_IncrementsSequence(t *testing.T) {
	root := t.TempDir()

	first, err := UniqueDir(root, 7, KindMark)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "7_1_mark"), first)

	second, err := UniqueDir(root, 7, KindMark)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "7_2_mark"), second)

	// other task ids do not share the sequence
	other, err := UniqueDir(root, 70, KindTrain)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "70_1_train"), other)
}

func TestHasFiles(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, HasFiles(dir))
	assert.False(t, HasFiles(filepath.Join(dir, "missing")))
	assert.False(t, HasFiles(""))

	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	assert.False(t, HasFiles(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	assert.True(t, HasFiles(dir))
}

func TestRefreshFlat(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "1.png"), []byte("img"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "1.txt"), []byte("tag"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "10_rick"), 0o755))

	dst := filepath.Join(src, TrainDataDirName(10))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "stale.txt"), []byte("old"), 0o644))

	n, err := RefreshFlat(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = os.Stat(filepath.Join(dst, "stale.txt"))
	assert.True(t, os.IsNotExist(err))
	b, err := os.ReadFile(filepath.Join(dst, "1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "tag", string(b))
}

func TestReadCaptions_SkipsPromptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("second"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("first"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SamplePromptsFile), []byte("prompt"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("img"), 0o644))

	captions, err := ReadCaptions(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, captions)
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sample"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lora.safetensors"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample", "s1.png"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "log.txt"), nil, 0o644))

	got, err := Collect(dir, func(rel string) bool { return strings.HasSuffix(rel, ".safetensors") })
	require.NoError(t, err)
	assert.Equal(t, []string{"lora.safetensors"}, got)

	got, err = Collect(dir, func(rel string) bool { return strings.HasPrefix(rel, "sample/") })
	require.NoError(t, err)
	assert.Equal(t, []string{"sample/s1.png"}, got)
}
