package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Bus publishes events to downstream consumers.
type Bus interface {
	Publish(ctx context.Context, e Event) error
}

// MemoryBus keeps published events in memory and fans them out to
// in-process subscribers.
type MemoryBus struct {
	mu          sync.Mutex
	events      []Event
	subscribers []func(Event)
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	b.events = append(b.events, e)
	subs := append([]func(Event){}, b.subscribers...)
	b.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
	return nil
}

// Subscribe registers fn for every future event.
func (b *MemoryBus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Events returns a copy of everything published so far.
func (b *MemoryBus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// LogBus writes events to a structured logger.
type LogBus struct {
	logger *slog.Logger
}

// NewLogBus logs through logger, or the default logger when nil.
func NewLogBus(logger *slog.Logger) *LogBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBus{logger: logger.With(slog.String("component", "events"))}
}

func (b *LogBus) Publish(ctx context.Context, e Event) error {
	b.logger.InfoContext(ctx, "event published",
		slog.String("type", string(e.Type)),
		slog.String("event_id", e.ID.String()),
		slog.String("listing_id", e.ListingID),
		slog.String("price", e.Price),
		slog.String("previous_price", e.PreviousPrice),
	)
	return nil
}

// FanoutBus publishes to every bus and joins their errors.
type FanoutBus []Bus

func (f FanoutBus) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, b := range f {
		if err := b.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
