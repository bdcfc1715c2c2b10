// Package ingest routes inbound WhatsApp events into the multi-line buffer or
// straight into the conversation pipeline.
package ingest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"recruiter-outreach-scheduler/internal/buffer"
	"recruiter-outreach-scheduler/internal/models"
)

// Pipeline receives events that skip buffering.
type Pipeline interface {
	HandleInbound(ctx context.Context, ev models.Event) error
}

// Router decides what happens to each inbound event.
type Router struct {
	buf      *buffer.Buffer
	pipeline Pipeline
	log      zerolog.Logger
}

// NewRouter builds a router that buffers text and audio in buf and hands documents to pipeline.
func NewRouter(buf *buffer.Buffer, pipeline Pipeline, log zerolog.Logger) *Router {
	return &Router{buf: buf, pipeline: pipeline, log: log.With().Str("component", "ingest").Logger()}
}

// Handle routes ev. Only pipeline failures are returned; buffer failures drop the fragment.
func (r *Router) Handle(ctx context.Context, ev models.Event) error {
	key := buffer.KeyFor(ev)
	l := r.log.With().Str("mid", ev.MID).Str("key", key).Logger()

	if ev.EventType == models.EventChatPresence {
		ok, err := r.buf.Touch(ctx, key)
		if err != nil {
			l.Warn().Err(err).Msg("refresh buffer on presence")
			return nil
		}
		l.Debug().Bool("buffered", ok).Msg("presence")
		return nil
	}

	switch ev.MsgType {
	case models.MsgDocument:
		if err := r.pipeline.HandleInbound(ctx, ev); err != nil {
			return fmt.Errorf("forward document %s: %w", ev.MID, err)
		}
		l.Debug().Msg("document forwarded")
	case models.MsgText, models.MsgAudio:
		if err := r.buf.Append(ctx, key, ev); err != nil {
			l.Error().Err(err).Msg("buffer append failed, dropping fragment")
			return nil
		}
		l.Debug().Str("msg_type", ev.MsgType).Msg("buffered")
	default:
		l.Warn().Str("msg_type", ev.MsgType).Msg("unsupported message type, dropping")
	}
	return nil
}
