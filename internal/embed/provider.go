package embed

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/provider"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

// Task prefixes prepended before embedding so that the model produces
// matched representations for passages and queries.
const (
	passagePrefix     = "passage: "
	queryPrefixCode   = "query: "
	queryPrefixTechQA = "tech-qa: "
)

const (
	maxSubBatch = 128
	maxAttempts = 3
)

// Config identifies the external embedding service.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// Provider calls an OpenAI-compatible /v1/embeddings endpoint.
type Provider struct {
	client     *openai.Client
	model      string
	dimensions int
	logger     *slog.Logger
}

// New creates an embedding provider for an OpenAI-compatible service.
func New(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/") + "/v1"
	}
	return &Provider{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		logger:     logger,
	}
}

// Dimensions returns the configured embedding dimension.
func (p *Provider) Dimensions() int { return p.dimensions }

// EmbedQuery embeds one search query with the query prefix matching its
// detected type.
func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	prefixed := QueryPrefix(text) + text
	vecs, err := p.embed(ctx, []string{prefixed})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedPassages embeds a batch of passages with the passage prefix,
// splitting into sub-batches and concatenating results in order.
func (p *Provider) EmbedPassages(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = passagePrefix + t
	}

	out := make([][]float32, 0, len(prefixed))
	for i := 0; i < len(prefixed); i += maxSubBatch {
		end := i + maxSubBatch
		if end > len(prefixed) {
			end = len(prefixed)
		}
		vecs, err := p.embed(ctx, prefixed[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embed performs one API call with retries and shape validation.
func (p *Provider) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	req := openai.EmbeddingRequestStrings{
		Input: inputs,
		Model: openai.EmbeddingModel(p.model),
	}

	var resp openai.EmbeddingResponse
	err := withRetry(ctx, p.logger, "embeddings", func() error {
		var callErr error
		resp, callErr = p.client.CreateEmbeddings(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embedding call failed: %v", types.ErrUpstream, err)
	}

	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("%w: embedding service returned %d vectors for %d inputs",
			types.ErrUpstream, len(resp.Data), len(inputs))
	}
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", types.ErrUpstream, d.Index)
		}
		if p.dimensions > 0 && len(d.Embedding) != p.dimensions {
			return nil, &types.EmbeddingShapeError{Got: len(d.Embedding), Want: p.dimensions}
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Available probes the embedding service with a tiny request.
func (p *Provider) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{"ping"},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return fmt.Errorf("%w: embedding service unavailable: %v", types.ErrUpstream, err)
	}
	return nil
}

// Close releases resources. The HTTP client needs no teardown.
func (p *Provider) Close() error { return nil }

var _ provider.EmbeddingProvider = (*Provider)(nil)

// withRetry runs fn up to maxAttempts times with exponential backoff
// (1s, 2s, 4s), honoring context cancellation between attempts.
func withRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	var err error
	backoff := time.Second
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", types.ErrCanceled, ctx.Err())
		}
		if attempt == maxAttempts {
			break
		}
		logger.Warn("retrying after transient failure",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", types.ErrCanceled, ctx.Err())
		}
		backoff *= 2
	}
	return err
}

// Query type detection: programming-language keywords on the first line
// mean a code query; a leading wh-word or trailing question mark means a
// technical question; anything else is treated as natural-language code
// search.
var (
	codeTokens = regexp.MustCompile(`(?i)(\bfunc\b|\bfunction\b|\bdef\b|\bclass\b|\binterface\b|\bstruct\b|\bimport\b|\breturn\b|\bconst\b|\bvar\b|\blet\b|=>|::|\{|\}|\(\))`)
	whWords    = regexp.MustCompile(`(?i)^(what|how|why|when|where|which|who|does|do|is|are|can|should)\b`)
)

// QueryType classifies a query as "code", "question", or "nl".
func QueryType(text string) string {
	first := text
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	first = strings.TrimSpace(first)
	if codeTokens.MatchString(first) {
		return "code"
	}
	if whWords.MatchString(first) || strings.HasSuffix(first, "?") {
		return "question"
	}
	return "nl"
}

// QueryPrefix returns the task prefix for a query text.
func QueryPrefix(text string) string {
	switch QueryType(text) {
	case "question":
		return queryPrefixTechQA
	default: // code and nl both use the code query prefix
		return queryPrefixCode
	}
}
