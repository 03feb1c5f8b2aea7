package capability

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/vk/stitchgrid/internal/ctxlog"
)

const relevanceSystemPrompt = "You decide whether a source span needs to change for a given intent. Answer with exactly YES or NO."

const generateSystemPrompt = "You rewrite source spans. Return only the replacement text for the span, with no commentary and no code fences."

// OpenAIConfig configures the OpenAI-backed capability adapter.
type OpenAIConfig struct {
	// APIKey is the bearer token. Falls back to OPENAI_API_KEY.
	APIKey string
	// Model is the chat model name. Falls back to OPENAI_MODEL, then gpt-4o-mini.
	Model string
	// BaseURL overrides the API endpoint, for proxies and local servers.
	BaseURL string
}

// OpenAIClient implements Oracle and Generator over the chat completion
// API. One client serves any number of concurrent nodes.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds the adapter from config plus environment.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no OpenAI API key configured and OPENAI_API_KEY not set")
	}

	model := cfg.Model
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = openai.GPT4oMini
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{client: openai.NewClientWithConfig(clientCfg), model: model}, nil
}

// Relevant implements Oracle. A malformed answer is an error, not a guess.
func (c *OpenAIClient) Relevant(ctx context.Context, intent string, nodeCtx NodeContext) (bool, error) {
	logger := ctxlog.FromContext(ctx)

	prompt := fmt.Sprintf("Intent: %s\n\nFile: %s\nSpan:\n%s", intent, nodeCtx.Path, nodeCtx.SpanText)
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: relevanceSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxCompletionTokens: 4,
	})
	if err != nil {
		return false, fmt.Errorf("relevance call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return false, fmt.Errorf("relevance call returned no choices")
	}

	answer := strings.ToUpper(strings.TrimSpace(resp.Choices[0].Message.Content))
	logger.Debug("Relevance oracle answered.", "node_id", nodeCtx.NodeID, "answer", answer)
	switch {
	case strings.HasPrefix(answer, "YES"):
		return true, nil
	case strings.HasPrefix(answer, "NO"):
		return false, nil
	default:
		return false, fmt.Errorf("relevance call returned unparseable answer %q", answer)
	}
}

// Generate implements Generator.
func (c *OpenAIClient) Generate(ctx context.Context, intent string, nodeCtx NodeContext) (string, error) {
	logger := ctxlog.FromContext(ctx)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Intent: %s\n\nFile: %s\nSpan:\n%s\n", intent, nodeCtx.Path, nodeCtx.SpanText)
	if len(nodeCtx.UpstreamOutputs) > 0 {
		sb.WriteString("\nCompleted upstream results:\n")
		for id, out := range nodeCtx.UpstreamOutputs {
			fmt.Fprintf(&sb, "- %s: %s\n", id, out)
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: generateSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("generation call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generation call returned no choices")
	}

	logger.Debug("Generation returned.", "node_id", nodeCtx.NodeID, "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
