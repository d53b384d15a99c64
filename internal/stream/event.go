// Package stream delivers a token stream to the browser as server-sent
// events, either directly or through a resumable in-memory buffer.
package stream

import (
	"context"

	"coinchat/backend/internal/apperr"
)

type State int32

const (
	StatePending State = iota
	StateStreaming
	StateCompleted
	StateFailed
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAbandoned
}

const (
	EventStart     = "start"
	EventTextDelta = "text-delta"
	EventFinish    = "finish"
	EventError     = "error"
)

// Event is one SSE frame. ID is its 1-based position in the generation and
// is what a reconnecting client sends back as Last-Event-ID.
type Event struct {
	ID             int    `json:"-"`
	Type           string `json:"type"`
	StreamID       string `json:"streamId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	ModelID        string `json:"modelId,omitempty"`
	Delta          string `json:"delta,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
	Retryable      bool   `json:"retryable,omitempty"`
}

// Source is the consumer side of a provider token stream.
type Source interface {
	Tokens() <-chan string
	Err() error
	Close()
}

// Generation identifies one assistant reply being produced.
type Generation struct {
	StreamID       string
	OwnerID        string
	ConversationID string
	MessageID      string
	ModelID        string
}

// CompleteFunc runs once a generation reaches Completed with the full reply
// text. It is where the assistant message gets persisted.
type CompleteFunc func(ctx context.Context, gen Generation, text string)

func startEvent(gen Generation) Event {
	return Event{
		Type:           EventStart,
		StreamID:       gen.StreamID,
		ConversationID: gen.ConversationID,
		MessageID:      gen.MessageID,
		ModelID:        gen.ModelID,
	}
}

func finishEvent(gen Generation) Event {
	return Event{Type: EventFinish, MessageID: gen.MessageID}
}

func errorEvent(err error) Event {
	return Event{
		Type:      EventError,
		Code:      apperr.Code(err),
		Message:   apperr.UserMessage(err),
		Retryable: apperr.Retryable(err),
	}
}
