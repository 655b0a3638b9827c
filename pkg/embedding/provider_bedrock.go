package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockOptions configures the Amazon Bedrock embedding provider.
type BedrockOptions struct {
	Region     string
	Model      string
	Dimensions int
}

// BedrockProvider generates embeddings through Amazon Bedrock. Supported
// models: amazon.titan-embed-text-v2:0 (256/512/1024 dims),
// amazon.titan-embed-text-v1 (1536), cohere.embed-english-v3 and
// cohere.embed-multilingual-v3 (1024).
type BedrockProvider struct {
	client  *bedrockruntime.Client
	modelID string
	dims    int
}

// NewBedrockProvider creates a Bedrock embedding provider and validates that
// the model supports the requested dimension.
func NewBedrockProvider(opts BedrockOptions) (*BedrockProvider, error) {
	if opts.Model == "" {
		opts.Model = "amazon.titan-embed-text-v2:0"
	}
	if err := validateBedrockDims(opts.Model, opts.Dimensions); err != nil {
		return nil, err
	}

	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(opts.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: opts.Model,
		dims:    opts.Dimensions,
	}, nil
}

func validateBedrockDims(model string, dims int) error {
	switch {
	case strings.HasPrefix(model, "amazon.titan-embed-text-v2"):
		switch dims {
		case 256, 512, 1024:
			return nil
		}
		return fmt.Errorf("model %s supports dimensions 256, 512 or 1024, got %d", model, dims)
	case strings.HasPrefix(model, "amazon.titan-embed-text-v1"):
		if dims != 1536 {
			return fmt.Errorf("model %s produces 1536 dimensions, got %d", model, dims)
		}
		return nil
	case strings.HasPrefix(model, "cohere.embed-"):
		if dims != 1024 {
			return fmt.Errorf("model %s produces 1024 dimensions, got %d", model, dims)
		}
		return nil
	default:
		return fmt.Errorf("unsupported embedding model: %s", model)
	}
}

// titanEmbedRequest is the request body for Titan embedding models. The v2
// models accept an explicit output dimension and server-side normalization.
type titanEmbedRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  *bool  `json:"normalize,omitempty"`
}

// titanEmbedResponse is the response body from Titan embedding models.
type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// cohereEmbedRequest is the request body for Cohere embedding models.
type cohereEmbedRequest struct {
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type,omitempty"`
}

// cohereEmbedResponse is the response body from Cohere embedding models.
type cohereEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Name implements Provider.Name.
func (p *BedrockProvider) Name() string { return "bedrock/" + p.modelID }

// Dimensions implements Provider.Dimensions.
func (p *BedrockProvider) Dimensions() int { return p.dims }

// GenerateEmbedding implements Provider.GenerateEmbedding.
func (p *BedrockProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.HasPrefix(p.modelID, "cohere.") {
		vecs, err := p.invokeCohere(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		return vecs[0], nil
	}
	return p.invokeTitan(ctx, text)
}

// BatchGenerateEmbeddings implements Provider.BatchGenerateEmbeddings.
// Cohere models embed the whole batch in one call; Titan models take one
// text per invocation.
func (p *BedrockProvider) BatchGenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if strings.HasPrefix(p.modelID, "cohere.") {
		return p.invokeCohere(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.invokeTitan(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *BedrockProvider) invokeTitan(ctx context.Context, text string) ([]float32, error) {
	req := titanEmbedRequest{InputText: text}
	if strings.HasPrefix(p.modelID, "amazon.titan-embed-text-v2") {
		normalize := true
		req.Dimensions = p.dims
		req.Normalize = &normalize
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke model %s: %w", p.modelID, err)
	}

	var resp titanEmbedResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse Titan response: %w", err)
	}
	return resp.Embedding, nil
}

func (p *BedrockProvider) invokeCohere(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(cohereEmbedRequest{
		Texts:     texts,
		InputType: "search_query",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke model %s: %w", p.modelID, err)
	}

	var resp cohereEmbedResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse Cohere response: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}
	return resp.Embeddings, nil
}

// Close implements Provider.Close.
func (p *BedrockProvider) Close() error { return nil }
