package redisbus

import (
	"context"

	"go.opentelemetry.io/otel/codes"

	"relay/internal/relay"
	"relay/internal/relay/tracing"
)

// TracedPublisher wraps a relay.Publisher with distributed tracing
// Layer order: TracedPublisher -> MetricsPublisher -> Bus (real thing)
type TracedPublisher struct {
	publisher relay.Publisher
	tracer    *tracing.Tracer
}

// NewTracedPublisher creates a new traced publisher that wraps a metrics publisher
func NewTracedPublisher(publisher relay.Publisher, tracer *tracing.Tracer) relay.Publisher {
	return &TracedPublisher{
		publisher: publisher,
		tracer:    tracer,
	}
}

// Publish implements relay.Publisher.Publish with distributed tracing
func (p *TracedPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, span := p.tracer.StartSpan(ctx, "bus.publish")
	defer span.End()

	span.SetAttributes(p.tracer.PublisherAttributes(channel, len(payload))...)

	err := p.publisher.Publish(ctx, channel, payload)

	if err != nil {
		p.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(p.tracer.ErrorAttributes(err)...)

	return err
}
