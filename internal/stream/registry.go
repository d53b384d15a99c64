package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Buffer holds every event of one resumable generation. Readers take a
// snapshot under the lock and wait on notify for more.
type Buffer struct {
	gen Generation

	mu     sync.Mutex
	events []Event
	state  State
	err    error
	notify chan struct{}
}

func newBuffer(gen Generation) *Buffer {
	return &Buffer{gen: gen, state: StatePending, notify: make(chan struct{})}
}

func (b *Buffer) Generation() Generation {
	return b.gen
}

func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Err is the failure that ended the generation, if any.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *Buffer) setStreaming() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StatePending {
		b.state = StateStreaming
	}
}

func (b *Buffer) append(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(ev)
}

func (b *Buffer) appendLocked(ev Event) {
	ev.ID = len(b.events) + 1
	b.events = append(b.events, ev)
	close(b.notify)
	b.notify = make(chan struct{})
}

// finish appends the closing event and moves to a terminal state in one step,
// so a reader that sees the terminal state has also seen the last event.
func (b *Buffer) finish(state State, last Event, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return
	}
	b.appendLocked(last)
	b.state = state
	b.err = err
}

func (b *Buffer) since(after int) ([]Event, State, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if after < 0 {
		after = 0
	}
	var tail []Event
	if after < len(b.events) {
		tail = append(tail, b.events[after:]...)
	}
	return tail, b.state, b.notify
}

// Registry tracks resumable generations by stream handle. Lookups and
// registrations are per key; there is no registry-wide lock.
type Registry struct {
	buffers   sync.Map // stream id -> *Buffer
	latest    sync.Map // conversation id -> stream id
	retention time.Duration
	logger    *zap.Logger
}

func NewRegistry(retention time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{retention: retention, logger: logger}
}

// Register creates a Pending buffer for gen under a fresh stream handle.
func (r *Registry) Register(gen Generation) *Buffer {
	gen.StreamID = uuid.NewString()
	buf := newBuffer(gen)
	r.buffers.Store(gen.StreamID, buf)
	r.latest.Store(gen.ConversationID, gen.StreamID)
	return buf
}

func (r *Registry) Lookup(streamID string) (*Buffer, bool) {
	value, ok := r.buffers.Load(streamID)
	if !ok {
		return nil, false
	}
	return value.(*Buffer), true
}

// Latest returns the most recently registered generation of a conversation.
func (r *Registry) Latest(conversationID string) (*Buffer, bool) {
	value, ok := r.latest.Load(conversationID)
	if !ok {
		return nil, false
	}
	return r.Lookup(value.(string))
}

// Fail ends a buffer that never got a token stream, e.g. because dispatch
// was refused.
func (r *Registry) Fail(buf *Buffer, err error) {
	buf.finish(StateFailed, errorEvent(err), err)
	r.scheduleRelease(buf)
}

// Pump drains src into buf until the provider finishes or its deadline
// passes. It does not depend on any client connection.
func (r *Registry) Pump(buf *Buffer, src Source, onComplete CompleteFunc) {
	defer src.Close()
	defer r.scheduleRelease(buf)

	gen := buf.Generation()
	buf.setStreaming()
	buf.append(startEvent(gen))

	var text strings.Builder
	for delta := range src.Tokens() {
		text.WriteString(delta)
		buf.append(Event{Type: EventTextDelta, Delta: delta})
	}

	if err := src.Err(); err != nil {
		r.logger.Warn("resumable generation failed",
			zap.String("stream_id", gen.StreamID),
			zap.String("conversation_id", gen.ConversationID),
			zap.Error(err),
		)
		buf.finish(StateFailed, errorEvent(err), err)
		return
	}
	buf.finish(StateCompleted, finishEvent(gen), nil)
	if onComplete != nil {
		onComplete(context.Background(), gen, text.String())
	}
}

func (r *Registry) scheduleRelease(buf *Buffer) {
	gen := buf.Generation()
	time.AfterFunc(r.retention, func() {
		r.buffers.CompareAndDelete(gen.StreamID, buf)
		r.latest.CompareAndDelete(gen.ConversationID, gen.StreamID)
		r.logger.Debug("released stream buffer", zap.String("stream_id", gen.StreamID))
	})
}

// Follow writes every event after the given id to out, then keeps writing
// new ones until the generation ends or ctx is cancelled. Cancelling ctx
// only detaches this reader.
func Follow(ctx context.Context, out *Writer, buf *Buffer, after int) (State, error) {
	for {
		events, state, wait := buf.since(after)
		for _, ev := range events {
			if err := out.Send(ev); err != nil {
				return state, err
			}
			after = ev.ID
		}
		if state.Terminal() {
			return state, buf.Err()
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}
