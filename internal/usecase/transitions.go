package usecase

import (
	"context"

	"homeai-bot/internal/lifecycle"
)

type transitionCounter interface {
	IncTransition(event string)
}

// TransitionSink counts lifecycle transitions and forwards them to the
// event bus. Either field may be nil.
type TransitionSink struct {
	Publisher lifecycle.Publisher
	Metrics   transitionCounter
}

func (s TransitionSink) PublishTransition(ctx context.Context, tr lifecycle.Transition) error {
	if s.Metrics != nil {
		s.Metrics.IncTransition(string(tr.Event))
	}
	if s.Publisher == nil {
		return nil
	}
	return s.Publisher.PublishTransition(ctx, tr)
}
