package embedding

import (
	"context"
	"hash/fnv"
	"strings"
)

// LocalProvider embeds text by feature-hashing word unigrams and character
// trigrams onto a fixed-dimension sphere. It needs no network, is fully
// deterministic, and keeps lexically similar texts close, which makes it the
// default for development and tests.
type LocalProvider struct {
	dims int
}

// NewLocalProvider creates a LocalProvider with the given dimension.
func NewLocalProvider(dims int) *LocalProvider {
	if dims <= 0 {
		dims = 384
	}
	return &LocalProvider{dims: dims}
}

// Name implements Provider.Name.
func (p *LocalProvider) Name() string { return "local" }

// Dimensions implements Provider.Dimensions.
func (p *LocalProvider) Dimensions() int { return p.dims }

// GenerateEmbedding implements Provider.GenerateEmbedding.
func (p *LocalProvider) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dims)
	for _, token := range p.tokens(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dims))
		// Use one hash bit as the sign so features spread over both
		// hemispheres instead of accumulating in one direction.
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	normalized, ok := Normalize(vec)
	if !ok {
		// All features cancelled out; fall back to a single anchor
		// feature so the vector stays usable.
		vec[0] = 1
		normalized = vec
	}
	return normalized, nil
}

// BatchGenerateEmbeddings implements Provider.BatchGenerateEmbeddings.
func (p *LocalProvider) BatchGenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Close implements Provider.Close.
func (p *LocalProvider) Close() error { return nil }

// tokens produces word unigrams plus character trigrams of the lowercased
// text. Very short texts still yield at least one token.
func (p *LocalProvider) tokens(text string) []string {
	lower := strings.ToLower(strings.TrimSpace(text))
	var tokens []string
	for _, word := range strings.Fields(lower) {
		tokens = append(tokens, "w:"+word)
		runes := []rune(word)
		for i := 0; i+3 <= len(runes); i++ {
			tokens = append(tokens, "t:"+string(runes[i:i+3]))
		}
	}
	if len(tokens) == 0 {
		tokens = append(tokens, "w:"+lower)
	}
	return tokens
}
