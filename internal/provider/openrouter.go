package provider

import (
	"context"
	"strings"

	"coinchat/backend/internal/chatstore"
	"coinchat/backend/internal/openrouter"

	"go.uber.org/zap"
)

type openRouterStreamer interface {
	StreamChatCompletion(ctx context.Context, req openrouter.StreamRequest, onDelta func(string) error, onUsage func(openrouter.Usage) error) error
}

// OpenRouter streams completions from OpenRouter and logs the token usage
// reported at the end of each stream.
type OpenRouter struct {
	client openRouterStreamer
	logger *zap.Logger
}

func NewOpenRouter(client openRouterStreamer, logger *zap.Logger) OpenRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return OpenRouter{client: client, logger: logger}
}

func (o OpenRouter) Stream(ctx context.Context, req Request, emit func(string) error) error {
	messages := make([]openrouter.Message, 0, len(req.History)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openrouter.Message{Role: "system", Content: req.System})
	}
	for _, msg := range req.History {
		messages = append(messages, toOpenRouterMessage(msg))
	}

	logUsage := func(usage openrouter.Usage) error {
		o.logger.Info("openrouter usage",
			zap.String("model", req.Model),
			zap.Int("prompt_tokens", usage.PromptTokens),
			zap.Int("completion_tokens", usage.CompletionTokens),
			zap.Int("total_tokens", usage.TotalTokens),
		)
		return nil
	}
	return o.client.StreamChatCompletion(ctx, openrouter.StreamRequest{Model: req.Model, Messages: messages}, emit, logUsage)
}

func toOpenRouterMessage(msg chatstore.Message) openrouter.Message {
	if !hasFileParts(msg.Parts) {
		return openrouter.Message{Role: string(msg.Role), Content: joinText(msg.Parts)}
	}
	parts := make([]openrouter.ContentPart, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch part.Type {
		case "text":
			parts = append(parts, openrouter.ContentPart{Type: "text", Text: part.Text})
		case "file":
			parts = append(parts, openrouter.ContentPart{Type: "image_url", ImageURL: &openrouter.ImageURL{URL: part.URL}})
		}
	}
	return openrouter.Message{Role: string(msg.Role), Parts: parts}
}

func hasFileParts(parts []chatstore.Part) bool {
	for _, part := range parts {
		if part.Type == "file" {
			return true
		}
	}
	return false
}

func joinText(parts []chatstore.Part) string {
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if part.Type == "text" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}
