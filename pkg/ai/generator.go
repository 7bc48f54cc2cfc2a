package ai

import "context"

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (Ollama, OpenAI-compatible) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ImageGenerator renders an image for a prompt and returns the encoded
// bytes (PNG unless the provider says otherwise).
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}
