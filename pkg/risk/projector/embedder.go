package projector

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
)

// Embedder turns entity descriptions into fixed-size vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// HashEmbedder hashes character trigrams into a fixed number of buckets.
// It needs no network and is deterministic, so spelling variants of the
// same name land close together.
type HashEmbedder struct {
	dims int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Dimensions() int { return h.dims }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dims)
	runes := []rune(" " + risk.NormalizeName(text) + " ")
	for i := 0; i+3 <= len(runes); i++ {
		f := fnv.New32a()
		f.Write([]byte(string(runes[i : i+3])))
		v[f.Sum32()%uint32(h.dims)]++
	}

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}

// EmbeddingClient is the subset of the OpenAI client used for embeddings.
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIEmbedder calls the OpenAI embeddings API, truncating each input to
// the model's token budget first.
type OpenAIEmbedder struct {
	client    EmbeddingClient
	model     openai.EmbeddingModel
	dims      int
	maxTokens int

	once     sync.Once
	encoding *tiktoken.Tiktoken
	encErr   error
}

func NewOpenAIEmbedder(client EmbeddingClient, model string, dims int) *OpenAIEmbedder {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{client: client, model: openai.EmbeddingModel(model), dims: dims, maxTokens: 8191}
}

func (o *OpenAIEmbedder) Dimensions() int { return o.dims }

func (o *OpenAIEmbedder) truncate(text string) (string, error) {
	// Every token covers at least one rune.
	if utf8.RuneCountInString(text) <= o.maxTokens {
		return text, nil
	}
	o.once.Do(func() {
		o.encoding, o.encErr = tiktoken.GetEncoding("cl100k_base")
	})
	if o.encErr != nil {
		return "", errors.Wrap(o.encErr, "failed to get encoding")
	}
	tokens := o.encoding.Encode(text, nil, nil)
	if len(tokens) <= o.maxTokens {
		return text, nil
	}
	return o.encoding.Decode(tokens[:o.maxTokens]), nil
}

func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]string, len(texts))
	for i, t := range texts {
		trimmed, err := o.truncate(strings.TrimSpace(t))
		if err != nil {
			return nil, err
		}
		inputs[i] = trimmed
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      inputs,
		Model:      o.model,
		Dimensions: o.dims,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate embeddings")
	}
	if len(resp.Data) != len(inputs) {
		return nil, errors.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(inputs))
	}

	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, errors.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
