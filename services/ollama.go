// Package services holds the AI capability: plate descriptions from a vision
// model and embeddings from an embedding model, both served by Ollama.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
)

type OllamaEndpoint string

const (
	GenerateEndpoint  OllamaEndpoint = "generate"
	EmbeddingEndpoint OllamaEndpoint = "embeddings"
)

type OllamaRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Stream bool     `json:"stream"`
	Images []string `json:"images,omitempty"`
}

type OllamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

type OllamaConfig struct {
	BaseURL        string
	VisionModel    string
	EmbeddingModel string
	Timeout        time.Duration
}

// Ollama implements Describer and Embedder. Calls are not retried.
type Ollama struct {
	baseURL        string
	visionModel    string
	embeddingModel string
	client         *http.Client
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = "gemma3"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "nomic-embed-text"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Ollama{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		visionModel:    cfg.VisionModel,
		embeddingModel: cfg.EmbeddingModel,
		client:         &http.Client{Timeout: cfg.Timeout},
	}
}

// ModelID names the embedding model recorded with every point.
func (o *Ollama) ModelID() string { return o.embeddingModel }

func (o *Ollama) request(ctx context.Context, path OllamaEndpoint, body OllamaRequest, out any) error {
	url := fmt.Sprintf("%s/api/%s", o.baseURL, path)
	data, err := json.Marshal(body)
	if err != nil {
		return errortypes.External(err, "encode ollama request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return errortypes.External(err, "build ollama request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return errortypes.External(err, fmt.Sprintf("failed to call Ollama at %s", url))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errortypes.External(
			fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg))),
			fmt.Sprintf("ollama %s failed", path),
		).WithField("model", body.Model)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errortypes.External(err, "failed to parse ollama response")
	}
	return nil
}

// generate runs a vision or text prompt and returns the "response" field.
func (o *Ollama) generate(ctx context.Context, prompt string, images []string) (string, error) {
	var result map[string]any
	err := o.request(ctx, GenerateEndpoint, OllamaRequest{
		Model:  o.visionModel,
		Prompt: prompt,
		Images: images,
		Stream: false,
	}, &result)
	if err != nil {
		return "", err
	}

	response, ok := result["response"]
	if !ok {
		return "", errortypes.External(fmt.Errorf("no response field in API result"), "ollama generate")
	}
	switch v := response.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case bool, float64, int:
		return fmt.Sprintf("%v", v), nil
	default:
		return "", errortypes.External(fmt.Errorf("unexpected response type: %T", v), "ollama generate")
	}
}
