package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hupe1980/vecgo/distance"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Files that make up a static model directory.
const (
	VocabFile    = "vocab.txt"
	WeightsFile  = "model.safetensors"
	ManifestFile = "model.yaml"

	embeddingTensor     = "embeddings"
	defaultBuiltinModel = "text2vec-base-chinese"
)

// Manifest is the optional model.yaml of a static model directory.
type Manifest struct {
	Lowercase *bool  `yaml:"lowercase"`
	Name      string `yaml:"name"`
	UnkToken  string `yaml:"unk_token"`
	MaxTokens int    `yaml:"max_tokens"`
}

func readManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// StaticBackend embeds text with a static token embedding table: each text
// is the normalized mean of its WordPiece token vectors. Weights are loaded
// on first use.
type StaticBackend struct {
	dir      string
	name     string
	manifest Manifest

	mu        sync.Mutex
	tokenizer *wordPiece
	table     [][]float32
}

// NewBuiltinBackend returns the bundled model stored in dir.
func NewBuiltinBackend(dir string) (*StaticBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, &ConfigError{Field: "builtin_model_path", Reason: "built-in model path is not configured"}
	}
	m, err := readManifest(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Ignoring unreadable model manifest")
	}
	name := m.Name
	if name == "" {
		name = defaultBuiltinModel
	}
	return &StaticBackend{dir: dir, manifest: m, name: name + " (built-in)"}, nil
}

// NewLocalBackend returns a model from a user-supplied directory, which must exist.
func NewLocalBackend(dir string) (*StaticBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, &ConfigError{Field: "model_path", Reason: "model path is not specified"}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &ConfigError{Field: "model_path", Reason: fmt.Sprintf("model path does not exist: %s", dir)}
	}
	if !info.IsDir() {
		return nil, &ConfigError{Field: "model_path", Reason: fmt.Sprintf("model path is not a directory: %s", dir)}
	}
	m, err := readManifest(dir)
	if err != nil {
		return nil, &ConfigError{Field: "model_path", Reason: err.Error()}
	}
	return &StaticBackend{
		dir:      dir,
		manifest: m,
		name:     fmt.Sprintf("Local model (%s)", filepath.Base(filepath.Clean(dir))),
	}, nil
}

// Name implements Backend.
func (b *StaticBackend) Name() string { return b.name }

// Load reads the vocabulary and weights once. A failed load is retried on the next call.
func (b *StaticBackend) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked(ctx)
}

func (b *StaticBackend) loadLocked(ctx context.Context) error {
	if b.table != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	vocab, err := loadVocab(filepath.Join(b.dir, VocabFile))
	if err != nil {
		return fmt.Errorf("load model %s: %w", b.dir, err)
	}
	table, err := readEmbeddingTable(filepath.Join(b.dir, WeightsFile), embeddingTensor)
	if err != nil {
		return fmt.Errorf("load model %s: %w", b.dir, err)
	}
	for token, id := range vocab {
		if id >= len(table) {
			return fmt.Errorf("load model %s: token %q has id %d beyond %d embedding rows", b.dir, token, id, len(table))
		}
	}

	lowercase := true
	if b.manifest.Lowercase != nil {
		lowercase = *b.manifest.Lowercase
	}
	unk := b.manifest.UnkToken
	if unk == "" {
		unk = "[UNK]"
	}
	b.tokenizer = &wordPiece{vocab: vocab, unkToken: unk, lowercase: lowercase}
	b.table = table

	log.Info().Str("model", b.name).Int("vocab", len(vocab)).Int("dim", len(table[0])).Msg("Static model loaded")
	return nil
}

// Dimension implements Backend.
func (b *StaticBackend) Dimension(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(ctx); err != nil {
		return 0, err
	}
	return len(b.table[0]), nil
}

// Encode implements Backend.
func (b *StaticBackend) Encode(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(ctx); err != nil {
		return nil, err
	}

	dim := len(b.table[0])
	out := make([][]float32, len(texts))
	for _, span := range batches(len(texts), batchSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := span[0]; i < span[1]; i++ {
			out[i] = b.embed(texts[i], dim)
		}
	}
	return out, nil
}

func (b *StaticBackend) embed(text string, dim int) []float32 {
	row := make([]float32, dim)
	ids := b.tokenizer.ids(text, b.manifest.MaxTokens)
	if len(ids) == 0 {
		return row
	}
	for _, id := range ids {
		for k, x := range b.table[id] {
			row[k] += x
		}
	}
	inv := 1 / float32(len(ids))
	for k := range row {
		row[k] *= inv
	}
	distance.NormalizeL2InPlace(row)
	return row
}
