// Package provider routes a catalog model to its upstream LLM client and
// exposes the completion as a pull-based token stream.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"coinchat/backend/internal/apperr"
	"coinchat/backend/internal/catalog"
	"coinchat/backend/internal/chatstore"
)

const defaultBufferSize = 64

// Request is what a provider receives: the upstream model name, the system
// prompt and the conversation so far, oldest first.
type Request struct {
	Model   string
	System  string
	History []chatstore.Message
}

// Provider streams completion deltas through emit. An error returned by emit
// must abort the completion and be returned.
type Provider interface {
	Stream(ctx context.Context, req Request, emit func(delta string) error) error
}

type Dispatcher struct {
	catalog    catalog.Catalog
	providers  map[string]Provider
	bufferSize int
}

// NewDispatcher checks that every catalog model routes to a registered
// provider, so a bad routing key fails at startup instead of mid-request.
func NewDispatcher(c catalog.Catalog, providers map[string]Provider, bufferSize int) (Dispatcher, error) {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	for _, m := range c.Models() {
		if _, ok := providers[m.Provider]; !ok {
			return Dispatcher{}, fmt.Errorf("model %q routes to unregistered provider %q", m.ID, m.Provider)
		}
	}
	return Dispatcher{catalog: c, providers: providers, bufferSize: bufferSize}, nil
}

// Keys lists the registered routing keys.
func (d Dispatcher) Keys() []string {
	return Keys(d.providers)
}

func Keys(providers map[string]Provider) []string {
	out := make([]string, 0, len(providers))
	for key := range providers {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Dispatch starts the completion for modelID. Errors detected before the
// upstream call (UnknownModel, UnknownProvider) are returned directly;
// upstream failures surface through TokenStream.Err. Nothing is retried.
func (d Dispatcher) Dispatch(ctx context.Context, modelID string, history []chatstore.Message, system string) (*TokenStream, error) {
	model, err := d.catalog.Lookup(modelID)
	if err != nil {
		return nil, err
	}
	p, ok := d.providers[model.Provider]
	if !ok {
		return nil, apperr.UnknownProvider(model.Provider)
	}

	return startStream(ctx, d.bufferSize, func(ctx context.Context, emit func(string) error) error {
		return p.Stream(ctx, Request{Model: model.UpstreamID(), System: system, History: history}, emit)
	}), nil
}

// TokenStream is the producer half of a generation. The producer goroutine
// blocks once the buffer is full, so a slow or departed consumer applies
// backpressure; Close stops it.
type TokenStream struct {
	tokens <-chan string
	cancel context.CancelFunc
	err    error
}

func startStream(parent context.Context, bufferSize int, produce func(context.Context, func(string) error) error) *TokenStream {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan string, bufferSize)
	s := &TokenStream{tokens: ch, cancel: cancel}

	go func() {
		defer close(ch)
		err := produce(ctx, func(delta string) error {
			select {
			case ch <- delta:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		// Written before close(ch); readers observe it after draining Tokens.
		s.err = classify(ctx, parent, err)
	}()
	return s
}

// Tokens is closed when the generation ends for any reason.
func (s *TokenStream) Tokens() <-chan string {
	return s.tokens
}

// Err reports why the generation ended. Only valid once Tokens is closed.
func (s *TokenStream) Err() error {
	return s.err
}

// Close abandons the generation and releases the producer.
func (s *TokenStream) Close() {
	s.cancel()
}

func classify(ctx, parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(parent.Err(), context.DeadlineExceeded) {
		return apperr.StreamTimeout(err)
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.ProviderError(err)
}
