package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rewrite-core/internal/progress"
)

// Publisher sends one message to a topic.
type Publisher interface {
	Publish(ctx context.Context, payload any, attrs map[string]string) (string, error)
}

// EventMessage is the JSON form of a published progress event.
type EventMessage struct {
	ContextID   string    `json:"context_id"`
	TS          time.Time `json:"ts"`
	Stage       string    `json:"stage"`
	Filter      string    `json:"filter,omitempty"`
	Key         string    `json:"key,omitempty"`
	URL         string    `json:"url,omitempty"`
	Bytes       int64     `json:"bytes,omitempty"`
	StatusClass string    `json:"status_class,omitempty"`
	DurMs       int64     `json:"dur_ms,omitempty"`
	Note        string    `json:"note,omitempty"`
}

// NewEventMessage converts evt to its published form.
func NewEventMessage(evt progress.Event) EventMessage {
	return EventMessage{
		ContextID:   evt.ContextUUID().String(),
		TS:          evt.TS,
		Stage:       string(evt.Stage),
		Filter:      evt.Filter,
		Key:         evt.Key,
		URL:         evt.URL,
		Bytes:       evt.Bytes,
		StatusClass: string(evt.StatusClass),
		DurMs:       evt.Dur.Milliseconds(),
		Note:        evt.Note,
	}
}

// PubSubSink publishes selected events for downstream consumers. By default
// only context completions are published.
type PubSubSink struct {
	pub    Publisher
	stages map[progress.Stage]struct{}
	logger *zap.Logger
}

// NewPubSubSink constructs a sink publishing the given stages, or
// CONTEXT_DONE when none are given.
func NewPubSubSink(pub Publisher, logger *zap.Logger, stages ...progress.Stage) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(stages) == 0 {
		stages = []progress.Stage{progress.StageContextDone}
	}
	set := make(map[progress.Stage]struct{}, len(stages))
	for _, st := range stages {
		set[st] = struct{}{}
	}
	return &PubSubSink{pub: pub, stages: set, logger: logger}
}

// Consume publishes every selected event in order and stops at the first
// failure.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if _, ok := s.stages[evt.Stage]; !ok {
			continue
		}
		attrs := map[string]string{"stage": string(evt.Stage), "filter": evt.Filter}
		id, err := s.pub.Publish(ctx, NewEventMessage(evt), attrs)
		if err != nil {
			return fmt.Errorf("publish %s event: %w", evt.Stage, err)
		}
		s.logger.Debug("published progress event", zap.String("message_id", id), zap.String("stage", string(evt.Stage)))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PubSubSink) Close(context.Context) error {
	return nil
}
