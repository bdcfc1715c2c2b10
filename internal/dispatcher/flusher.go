package dispatcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"recruiter-outreach-scheduler/internal/buffer"
	"recruiter-outreach-scheduler/internal/models"
)

// BufferFlusher is the inbound path: a quiet window elapsed for a conversation.
type BufferFlusher struct {
	buf      *buffer.Buffer
	delivery Delivery
	pipeline Pipeline
	log      zerolog.Logger
	now      func() time.Time
}

// NewBufferFlusher wires the inbound path.
func NewBufferFlusher(buf *buffer.Buffer, delivery Delivery, pipeline Pipeline, log zerolog.Logger) *BufferFlusher {
	return &BufferFlusher{
		buf:      buf,
		delivery: delivery,
		pipeline: pipeline,
		log:      log.With().Str("component", "buffer_flusher").Logger(),
		now:      time.Now,
	}
}

// Handle flushes the buffer of key, shows a typing indicator to the applicant and
// forwards the coalesced message. A missing buffer is a duplicate expiry and is ignored.
func (f *BufferFlusher) Handle(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "dispatcher.FlushBuffer", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	ev, ok, err := f.buf.Flush(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		f.log.Debug().Str("key", key).Msg("no buffered fragments")
		return nil
	}

	typing := models.TypingFor(ev, f.now())
	if err := f.delivery.Deliver(ctx, typing, models.RoutingKey(ev.ReceiverID, ev.SenderID)); err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("typing indicator not sent")
	}
	return f.pipeline.HandleInbound(ctx, ev)
}
