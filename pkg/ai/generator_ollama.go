package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

// OllamaGenerator wraps OllamaClient with fixed models for text generation
// via /api/chat and image generation via /api/generate on a multimodal
// image model.
type OllamaGenerator struct {
	client     *OllamaClient
	model      string
	imageModel string
}

// NewOllamaGenerator builds an Ollama-based generator.
func NewOllamaGenerator(client *OllamaClient, model, imageModel string) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: model, imageModel: imageModel}
}

// GenerateText implements TextGenerator using Ollama /api/chat.
func (g *OllamaGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	model := strings.TrimSpace(g.model)
	if model == "" {
		return "", fmt.Errorf("ollama generation model required")
	}

	messages := make([]ollamaChatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ollamaChatMessage{Role: "user", Content: userPrompt})

	reqBody := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
	}

	var resp ollamaChatResponse
	if _, err := g.client.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return resp.Message.Content, nil
}

// GenerateImage implements ImageGenerator using Ollama /api/generate.
// Image-capable models return base64 image payloads.
func (g *OllamaGenerator) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	model := strings.TrimSpace(g.imageModel)
	if model == "" {
		return nil, fmt.Errorf("ollama image model required")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("image prompt required")
	}

	reqBody := ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
	}
	var resp ollamaGenerateResponse
	if _, err := g.client.doJSON(ctx, "/api/generate", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("ollama image generate: %w", err)
	}
	if len(resp.Images) == 0 {
		return nil, fmt.Errorf("empty image response from ollama")
	}
	data, err := base64.StdEncoding.DecodeString(resp.Images[0])
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	return data, nil
}

// Ollama request/response types.

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Images []string `json:"images"`
}
