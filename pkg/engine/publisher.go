package engine

import (
	"context"
	"errors"
)

// MultiPublisher fans an event out to several publishers. Every publisher
// receives the event even when an earlier one fails.
type MultiPublisher []EventPublisher

// Publish sends event to every publisher and joins their errors.
func (m MultiPublisher) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(ctx context.Context, event *Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, event *Event) error {
	return f(ctx, event)
}
