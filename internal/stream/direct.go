package stream

import (
	"context"
	"strings"
)

// Direct forwards src to out as tokens arrive. If the client goes away the
// generation is Abandoned and onComplete never runs.
func Direct(ctx context.Context, out *Writer, gen Generation, src Source, onComplete CompleteFunc) (State, error) {
	defer src.Close()

	seq := 0
	send := func(ev Event) error {
		seq++
		ev.ID = seq
		return out.Send(ev)
	}

	if err := send(startEvent(gen)); err != nil {
		return StateAbandoned, err
	}

	var text strings.Builder
	tokens := src.Tokens()
	for {
		select {
		case <-ctx.Done():
			return StateAbandoned, ctx.Err()
		case delta, ok := <-tokens:
			if !ok {
				return finishDirect(ctx, send, gen, src, text.String(), onComplete)
			}
			text.WriteString(delta)
			if err := send(Event{Type: EventTextDelta, Delta: delta}); err != nil {
				return StateAbandoned, err
			}
		}
	}
}

func finishDirect(ctx context.Context, send func(Event) error, gen Generation, src Source, text string, onComplete CompleteFunc) (State, error) {
	if err := src.Err(); err != nil {
		if ctx.Err() != nil {
			return StateAbandoned, ctx.Err()
		}
		_ = send(errorEvent(err))
		return StateFailed, err
	}
	if err := send(finishEvent(gen)); err != nil {
		return StateAbandoned, err
	}
	if onComplete != nil {
		onComplete(context.WithoutCancel(ctx), gen, text)
	}
	return StateCompleted, nil
}
