package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
)

// Embedder generates fixed-size embeddings from text, an image or both.
type Embedder interface {
	Embed(ctx context.Context, text string, image []byte, dim int) ([]float32, error)
	ModelID() string
}

// Embed returns a dim sized vector. Images are captioned by the vision model
// and the caption is embedded; with both inputs the caption and the text are
// embedded together.
func (o *Ollama) Embed(ctx context.Context, text string, image []byte, dim int) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(image) == 0 {
		return nil, errortypes.Validation("text or image is required for an embedding")
	}

	prompt := text
	if len(image) > 0 {
		caption, err := o.caption(ctx, image)
		if err != nil {
			return nil, err
		}
		if text != "" {
			prompt = caption + "\n" + text
		} else {
			prompt = caption
		}
	}
	return o.embedText(ctx, prompt, dim)
}

func (o *Ollama) embedText(ctx context.Context, text string, dim int) ([]float32, error) {
	var result OllamaResponse
	err := o.request(ctx, EmbeddingEndpoint, OllamaRequest{
		Model:  o.embeddingModel,
		Prompt: text,
	}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, errortypes.External(fmt.Errorf("empty embedding"), "ollama embeddings").
			WithField("model", o.embeddingModel)
	}
	if dim > 0 && len(result.Embedding) != dim {
		return nil, errortypes.Configuration(
			fmt.Errorf("model %s returned %d dimensions, expected %d", o.embeddingModel, len(result.Embedding), dim),
			"embedding dimension mismatch",
		)
	}
	return result.Embedding, nil
}
