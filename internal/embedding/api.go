package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hupe1980/vecgo/distance"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
	"golang.org/x/time/rate"
)

const (
	// DefaultAPITimeout bounds a single embedding request.
	DefaultAPITimeout = 120 * time.Second
	// DefaultAPIMaxTokens is the input limit of OpenAI embedding models.
	DefaultAPIMaxTokens = 8191

	maxErrorBody = 512
)

// APIBackend calls an OpenAI-compatible /embeddings endpoint.
type APIBackend struct {
	client    *http.Client
	limiter   *rate.Limiter
	codec     tokenizer.Codec
	endpoint  string
	apiKey    string
	model     string
	policy    RetryPolicy
	timeout   time.Duration
	maxTokens int

	mu        sync.Mutex
	dimension int
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingItem struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingResponse struct {
	Data *[]embeddingItem `json:"data"`
}

// NewAPIBackend validates cfg and prepares an API backend. No request is made.
func NewAPIBackend(cfg Config) (*APIBackend, error) {
	if strings.TrimSpace(cfg.APIURL) == "" {
		return nil, &ConfigError{Field: "api_url", Reason: "API URL is not specified"}
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &ConfigError{Field: "api_key", Reason: "API key is not specified"}
	}
	if strings.TrimSpace(cfg.APIModel) == "" {
		return nil, &ConfigError{Field: "api_model_name", Reason: "API model name is not specified"}
	}

	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	b := &APIBackend{
		client:    &http.Client{},
		codec:     codec,
		endpoint:  EndpointURL(cfg.APIURL),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		model:     strings.TrimSpace(cfg.APIModel),
		policy:    DefaultRetryPolicy(),
		timeout:   cfg.APITimeout,
		maxTokens: cfg.APIMaxTokens,
	}
	if b.timeout <= 0 {
		b.timeout = DefaultAPITimeout
	}
	if b.maxTokens <= 0 {
		b.maxTokens = DefaultAPIMaxTokens
	}
	if cfg.APIRequestsPerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.APIRequestsPerSecond), 1)
	}
	return b, nil
}

// EndpointURL derives the embeddings endpoint from a configured base URL.
// Both "https://host/v1" and "https://host/v1/embeddings/" map to "https://host/v1/embeddings".
func EndpointURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	base = strings.TrimSuffix(base, "/embeddings")
	return base + "/embeddings"
}

// WithRetryPolicy replaces the retry policy.
func (b *APIBackend) WithRetryPolicy(p RetryPolicy) *APIBackend {
	b.policy = p
	return b
}

// Name implements Backend.
func (b *APIBackend) Name() string {
	return fmt.Sprintf("Online API (%s)", b.model)
}

// Dimension implements Backend. Until a call has succeeded it probes the API with one text.
func (b *APIBackend) Dimension(ctx context.Context) (int, error) {
	b.mu.Lock()
	dim := b.dimension
	b.mu.Unlock()
	if dim > 0 {
		return dim, nil
	}

	rows, err := b.Encode(ctx, []string{"test"}, 1)
	if err != nil {
		return 0, err
	}
	return len(rows[0]), nil
}

// Encode implements Backend.
func (b *APIBackend) Encode(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, span := range batches(len(texts), batchSize) {
		input := make([]string, 0, span[1]-span[0])
		for _, t := range texts[span[0]:span[1]] {
			input = append(input, b.truncate(t))
		}

		var rows [][]float32
		err := b.policy.Do(ctx, "embedding request", func(try int) Attempt {
			var res Attempt
			rows, res = b.request(ctx, input, try)
			return res
		})
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (b *APIBackend) truncate(text string) string {
	ids, _, err := b.codec.Encode(text)
	if err != nil || len(ids) <= b.maxTokens {
		return text
	}
	truncated, err := b.codec.Decode(ids[:b.maxTokens])
	if err != nil {
		return text
	}
	return truncated
}

func (b *APIBackend) request(ctx context.Context, input []string, try int) ([][]float32, Attempt) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, Fatal(err)
		}
	}

	payload, err := json.Marshal(embeddingRequest{Model: b.model, Input: input})
	if err != nil {
		return nil, Fatal(fmt.Errorf("marshal request: %w", err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, Fatal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, b.classify(ctx, err, try)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, b.classify(ctx, err, try)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, RetryRateLimited(errors.New("rate limited by embedding API (HTTP 429)"), RateLimitWait(try))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, Fatal(fmt.Errorf("embedding API returned HTTP %d: %s", resp.StatusCode, msg))
	}

	rows, err := decodeEmbeddings(body, len(input))
	if err != nil {
		return nil, Fatal(err)
	}

	b.mu.Lock()
	if b.dimension == 0 && len(rows) > 0 {
		b.dimension = len(rows[0])
	}
	b.mu.Unlock()
	return rows, Done()
}

func (b *APIBackend) classify(ctx context.Context, err error, try int) Attempt {
	if ctx.Err() != nil {
		return Fatal(ctx.Err())
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		log.Debug().Err(err).Int("try", try).Msg("Embedding request timed out")
		return Retry(err, TimeoutWait(try))
	}
	return Fatal(&FatalError{Op: "connect to embedding API", Err: err})
}

func decodeEmbeddings(body []byte, want int) ([][]float32, error) {
	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponseShape, err)
	}
	if parsed.Data == nil {
		var raw map[string]json.RawMessage
		_ = json.Unmarshal(body, &raw)
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: missing \"data\" field, got keys %v", ErrBadResponseShape, keys)
	}

	items := *parsed.Data
	if len(items) != want {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrBadResponseShape, len(items), want)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Index < items[j].Index })

	rows := make([][]float32, len(items))
	for i, item := range items {
		if item.Index != i {
			return nil, fmt.Errorf("%w: embedding indices are not 0..%d", ErrBadResponseShape, want-1)
		}
		if len(item.Embedding) == 0 || len(item.Embedding) != len(items[0].Embedding) {
			return nil, fmt.Errorf("%w: embedding %d has dimension %d", ErrBadResponseShape, i, len(item.Embedding))
		}
		distance.NormalizeL2InPlace(item.Embedding)
		rows[i] = item.Embedding
	}
	return rows, nil
}
