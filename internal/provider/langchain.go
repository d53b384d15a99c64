package provider

import (
	"context"
	"errors"
	"strings"

	"coinchat/backend/internal/chatstore"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChain adapts any langchaingo model; the openai routing key uses it with
// the OpenAI client.
type LangChain struct {
	llm llms.Model
}

func NewLangChain(llm llms.Model) LangChain {
	return LangChain{llm: llm}
}

func NewOpenAI(apiKey, baseURL string) (LangChain, error) {
	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(baseURL),
	)
	if err != nil {
		return LangChain{}, err
	}
	return LangChain{llm: llm}, nil
}

func (l LangChain) Stream(ctx context.Context, req Request, emit func(string) error) error {
	messages := make([]llms.MessageContent, 0, len(req.History)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, msg := range req.History {
		messages = append(messages, toLangChainMessage(msg))
	}

	_, err := l.llm.GenerateContent(ctx, messages,
		llms.WithModel(req.Model),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return emit(string(chunk))
		}),
	)
	return err
}

func toLangChainMessage(msg chatstore.Message) llms.MessageContent {
	role := llms.ChatMessageTypeHuman
	if msg.Role == chatstore.RoleAssistant {
		role = llms.ChatMessageTypeAI
	}
	parts := make([]llms.ContentPart, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch part.Type {
		case "text":
			parts = append(parts, llms.TextContent{Text: part.Text})
		case "file":
			parts = append(parts, llms.ImageURLContent{URL: part.URL})
		}
	}
	return llms.MessageContent{Role: role, Parts: parts}
}

// Unavailable stands in for a provider whose credentials are missing, so the
// catalog can still route to it and requests fail as provider errors.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Stream(context.Context, Request, func(string) error) error {
	return errors.New(u.Reason)
}
