// Package llm wraps an OpenAI-compatible completion endpoint with a
// never-fails contract: callers always get text back, degraded if necessary.
package llm

import (
	"context"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// FallbackPrefix marks a degraded response produced without (or instead of) a
// model call. Tests and log greps key off it.
const FallbackPrefix = "(fallback)"

const (
	defaultTemperature = 0.3
	defaultMaxTokens   = 512
	promptEchoLimit    = 50
)

// Options tune a single completion. Zero values fall back to the client
// defaults.
type Options struct {
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// Client completes prompts against a hosted model. A Client with no API key
// runs in mock mode and answers every prompt with the fallback string, so a
// missing credential degrades the feature instead of blocking startup.
type Client struct {
	api   *openai.Client
	model string
}

func NewClient(apiKey, baseURL, model string) *Client {
	if apiKey == "" {
		log.Printf("llm: no API key configured, running in mock mode")
		return &Client{model: model}
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{api: openai.NewClientWithConfig(cfg), model: model}
}

// Complete sends prompt to the model and returns its answer. It never returns
// an error: any failure (auth, quota, network, empty response) is logged and
// replaced by a fallback string echoing the prompt, so callers need no
// failure branch for this dependency.
func (c *Client) Complete(ctx context.Context, prompt string, opts Options) string {
	if c.api == nil {
		return Fallback(prompt)
	}

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	var messages []openai.ChatCompletionMessage
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		log.Printf("llm: completion failed, degrading: %v", err)
		return Fallback(prompt)
	}
	if len(resp.Choices) == 0 {
		log.Printf("llm: empty completion response, degrading")
		return Fallback(prompt)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content)
}

// Fallback is the degraded answer for prompt: a marker plus a truncated echo.
func Fallback(prompt string) string {
	echo := []rune(prompt)
	if len(echo) > promptEchoLimit {
		echo = echo[:promptEchoLimit]
	}
	return fmt.Sprintf("%s Response to: '%s...'", FallbackPrefix, string(echo))
}
