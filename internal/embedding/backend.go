// Package embedding turns step texts into L2-normalized vectors.
//
// Four backend kinds exist: a bundled static model, a static model from a
// user-supplied directory, an OpenAI-compatible HTTP API and a character
// n-gram TF-IDF fallback. Backends are obtained through a Registry, which
// keeps at most one live instance.
package embedding

import (
	"context"
	"time"
)

// Kind selects a backend implementation.
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindLocal   Kind = "local"
	KindAPI     Kind = "api"
	KindTFIDF   Kind = "tfidf"
)

// DefaultBatchSize is the number of texts encoded per backend call.
const DefaultBatchSize = 64

// Backend produces one L2-normalized row per input text.
//
// The dimension of a backend never changes after its first successful call.
// Rows for texts without any usable signal are all zero.
type Backend interface {
	Encode(ctx context.Context, texts []string, batchSize int) ([][]float32, error)
	Dimension(ctx context.Context) (int, error)
	Name() string
}

// Loader is implemented by backends with heavy resources loaded on first use.
// Load is safe to call more than once.
type Loader interface {
	Load(ctx context.Context) error
}

// Config describes which backend to build. It is comparable so that an
// unchanged configuration can be detected with ==.
type Config struct {
	Kind             Kind
	BuiltinModelPath string
	ModelPath        string
	APIURL           string
	APIKey           string
	APIModel         string
	APITimeout       time.Duration
	APIMaxTokens     int
	// APIRequestsPerSecond limits API calls; zero means unlimited.
	APIRequestsPerSecond float64
}

func batches(n, size int) [][2]int {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}
