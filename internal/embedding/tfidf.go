package embedding

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/vecgo/distance"
)

const (
	tfidfMinN        = 2
	tfidfMaxN        = 4
	tfidfMaxFeatures = 512
)

// Fitter is implemented by backends that learn their vocabulary from the corpus.
// Only the first Fit has an effect.
type Fitter interface {
	Fit(ctx context.Context, texts []string) error
}

// TFIDFBackend is a character n-gram TF-IDF vectorizer.
//
// The vocabulary is learned from the first non-empty input and then frozen:
// n-grams that first appear later carry no weight.
type TFIDFBackend struct {
	mu    sync.Mutex
	vocab map[string]int
	idf   []float64
}

// NewTFIDFBackend returns an unfitted TF-IDF backend.
func NewTFIDFBackend() *TFIDFBackend {
	return &TFIDFBackend{}
}

// Name implements Backend.
func (b *TFIDFBackend) Name() string { return "TF-IDF (lightweight test mode)" }

// Dimension implements Backend. Before fitting it reports the feature cap.
func (b *TFIDFBackend) Dimension(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vocab == nil {
		return tfidfMaxFeatures, nil
	}
	return len(b.idf), nil
}

// Fit implements Fitter.
func (b *TFIDFBackend) Fit(_ context.Context, texts []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fitLocked(texts)
	return nil
}

// Encode implements Backend.
func (b *TFIDFBackend) Encode(ctx context.Context, texts []string, _ int) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.fitLocked(texts)

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = b.transform(t)
	}
	return out, nil
}

func (b *TFIDFBackend) fitLocked(texts []string) {
	if b.vocab != nil || len(texts) == 0 {
		return
	}

	total := make(map[string]int)
	df := make(map[string]int)
	for _, t := range texts {
		counts := charWBNgrams(t)
		for g, c := range counts {
			total[g] += c
			df[g]++
		}
	}

	if len(total) == 0 {
		return
	}
	terms := make([]string, 0, len(total))
	for g := range total {
		terms = append(terms, g)
	}
	sort.Strings(terms)
	if len(terms) > tfidfMaxFeatures {
		// most frequent first; equal counts keep alphabetical order
		sort.SliceStable(terms, func(i, j int) bool { return total[terms[i]] > total[terms[j]] })
		terms = terms[:tfidfMaxFeatures]
		sort.Strings(terms)
	}

	n := float64(len(texts))
	b.vocab = make(map[string]int, len(terms))
	b.idf = make([]float64, len(terms))
	for i, g := range terms {
		b.vocab[g] = i
		b.idf[i] = math.Log((1+n)/(1+float64(df[g]))) + 1
	}
}

func (b *TFIDFBackend) transform(text string) []float32 {
	row := make([]float32, len(b.idf))
	for g, c := range charWBNgrams(text) {
		idx, ok := b.vocab[g]
		if !ok {
			continue
		}
		row[idx] = float32((1 + math.Log(float64(c))) * b.idf[idx])
	}
	distance.NormalizeL2InPlace(row)
	return row
}

// charWBNgrams counts character n-grams taken inside word boundaries: every
// whitespace-separated word is padded with one space on each side, and a word
// shorter than n yields itself once.
func charWBNgrams(text string) map[string]int {
	counts := make(map[string]int)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		w := []rune(" " + word + " ")
		for n := tfidfMinN; n <= tfidfMaxN; n++ {
			offset := 0
			counts[string(w[offset:min(offset+n, len(w))])]++
			for offset+n < len(w) {
				offset++
				counts[string(w[offset:offset+n])]++
			}
			if offset == 0 {
				break
			}
		}
	}
	return counts
}
