package embedding

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = []string{"[PAD]", "[UNK]", "click", "login", "button", "##s", "点", "击", "按", "钮", "open"}

// testTable gives every token a distinct direction in 4 dimensions.
var testTable = [][]float32{
	{0, 0, 0, 0},
	{0, 0, 0, 0},
	{1, 0, 0, 0},
	{0, 1, 0, 0},
	{0, 0, 1, 0},
	{0, 0, 0, 1},
	{1, 1, 0, 0},
	{0, 1, 1, 0},
	{0, 0, 1, 1},
	{1, 0, 0, 1},
	{2, 0, 0, 0},
}

func writeSafetensors(t *testing.T, path string, rows [][]float32) {
	t.Helper()
	n, d := len(rows), len(rows[0])
	header, err := json.Marshal(map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"embeddings": map[string]any{
			"dtype":        "F32",
			"shape":        []int{n, d},
			"data_offsets": []int{0, n * d * 4},
		},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(header))))
	buf.Write(header)
	for _, row := range rows {
		for _, x := range row {
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, math.Float32bits(x)))
		}
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func writeStaticModel(t *testing.T, dir, manifest string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), []byte(strings.Join(testVocab, "\n")+"\n"), 0o600))
	writeSafetensors(t, filepath.Join(dir, WeightsFile), testTable)
	if manifest != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o600))
	}
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestStaticBackend_Encode(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mini-model")
	writeStaticModel(t, dir, "")

	b, err := NewLocalBackend(dir)
	require.NoError(t, err)

	rows, err := b.Encode(context.Background(), []string{
		"Click login",
		"点击按钮",
		"buttons",
		"zzz qqq",
		"",
		"CLICK, login!",
	}, 2)
	require.NoError(t, err)
	require.Len(t, rows, 6)

	s := float32(1 / math.Sqrt2)
	assert.InDeltaSlice(t, []float32{s, s, 0, 0}, rows[0], 1e-6)
	// 点 击 按 钮 sum to (2,2,2,2)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5, 0.5}, rows[1], 1e-6)
	// button + ##s
	assert.InDeltaSlice(t, []float32{0, 0, s, s}, rows[2], 1e-6)
	assert.Equal(t, []float32{0, 0, 0, 0}, rows[3])
	assert.Equal(t, []float32{0, 0, 0, 0}, rows[4])
	// punctuation splits off and the word is lowercased
	assert.InDeltaSlice(t, rows[0], rows[5], 1e-6)

	for i, row := range rows[:3] {
		assert.InDelta(t, 1.0, norm(row), 1e-6, "row %d", i)
	}

	dim, err := b.Dimension(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, dim)
}

func TestStaticBackend_ManifestOptions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cased")
	writeStaticModel(t, dir, "name: cased-mini\nlowercase: false\nmax_tokens: 1\n")

	b, err := NewBuiltinBackend(dir)
	require.NoError(t, err)
	assert.Equal(t, "cased-mini (built-in)", b.Name())

	rows, err := b.Encode(context.Background(), []string{"Click", "open login"}, 64)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, rows[0])
	// only the first token counts
	assert.InDeltaSlice(t, []float32{1, 0, 0, 0}, rows[1], 1e-6)
}

func TestStaticBackend_Names(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-model")
	writeStaticModel(t, dir, "")

	local, err := NewLocalBackend(dir + "/")
	require.NoError(t, err)
	assert.Equal(t, "Local model (my-model)", local.Name())

	builtin, err := NewBuiltinBackend(dir)
	require.NoError(t, err)
	assert.Equal(t, "text2vec-base-chinese (built-in)", builtin.Name())
}

func TestNewLocalBackend_MissingPath(t *testing.T) {
	_, err := NewLocalBackend(filepath.Join(t.TempDir(), "nope"))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "model_path", cfgErr.Field)
	assert.Contains(t, cfgErr.Reason, "does not exist")

	_, err = NewLocalBackend("  ")
	require.ErrorAs(t, err, &cfgErr)
}

func TestStaticBackend_LazyLoadRetriesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), []byte("a\nb\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, WeightsFile), []byte("garbage"), 0o600))

	// construction does not touch the weights
	b, err := NewBuiltinBackend(dir)
	require.NoError(t, err)

	_, err = b.Encode(context.Background(), []string{"a"}, 64)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")

	writeStaticModel(t, dir, "")
	require.NoError(t, b.Load(context.Background()))
	rows, err := b.Encode(context.Background(), []string{"click"}, 64)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 0, 0, 0}, rows[0], 1e-6)
}

func TestReadEmbeddingTable_Errors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "w.safetensors")

	writeSafetensors(t, path, [][]float32{{1, 2}})
	_, err := readEmbeddingTable(path, "missing")
	assert.ErrorContains(t, err, "no tensor")

	rows, err := readEmbeddingTable(path, "embeddings")
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}}, rows)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(1<<40))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	_, err = readEmbeddingTable(path, "embeddings")
	assert.ErrorContains(t, err, "invalid header length")
}

func TestWordPiece_Pieces(t *testing.T) {
	w := &wordPiece{
		vocab:     map[string]int{"un": 0, "##aff": 1, "##able": 2, "[UNK]": 3, "a": 4},
		unkToken:  "[UNK]",
		lowercase: true,
	}
	assert.Equal(t, []string{"un", "##aff", "##able"}, w.pieces("unaffable"))
	assert.Equal(t, []string{"[UNK]"}, w.pieces("unaffablex"))
	assert.Equal(t, []string{"[UNK]"}, w.pieces(strings.Repeat("a", maxWordRunes+1)))
	assert.Equal(t, []string{"hello", ",", "世", "界", "!"}, w.basicTokens("Hello,世界!"))
}
