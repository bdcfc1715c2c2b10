// Package buffer coalesces bursts of inbound message fragments into one event.
package buffer

import (
	"context"
	"fmt"
	"time"

	"recruiter-outreach-scheduler/internal/delaystore"
	"recruiter-outreach-scheduler/internal/models"
	"recruiter-outreach-scheduler/internal/telemetry"
)

// Buffer keeps one sliding-window fragment list per conversation key.
type Buffer struct {
	store *delaystore.Store
	ttl   time.Duration
}

// New builds a buffer on store whose quiet window is ttl.
func New(store *delaystore.Store, ttl time.Duration) *Buffer {
	return &Buffer{store: store, ttl: ttl}
}

// KeyFor returns the conversation key of an inbound event, {receiver_id}_{sender_id},
// so one applicant writing to two recruiters keeps two buffers.
func KeyFor(ev models.Event) string {
	return models.RoutingKey(ev.ReceiverID, ev.SenderID)
}

// TTL returns the quiet window.
func (b *Buffer) TTL() time.Duration { return b.ttl }

// Append adds fragment to the buffer of key and restarts the quiet window.
func (b *Buffer) Append(ctx context.Context, key string, fragment models.BufferedFragment) error {
	raw, err := models.EncodeFragment(fragment)
	if err != nil {
		return err
	}
	if err := b.store.Push(ctx, key, raw, b.ttl); err != nil {
		return fmt.Errorf("buffer append: %w", err)
	}
	telemetry.BufferAppends.Inc()
	return nil
}

// Touch restarts the quiet window of an existing buffer. It reports whether one existed.
func (b *Buffer) Touch(ctx context.Context, key string) (bool, error) {
	ok, err := b.store.Rearm(ctx, key, b.ttl)
	if err != nil {
		return false, fmt.Errorf("buffer touch: %w", err)
	}
	return ok, nil
}

// Flush removes the buffer of key and returns its coalesced event.
// ok is false when nothing was buffered, e.g. a duplicate expiry.
func (b *Buffer) Flush(ctx context.Context, key string) (models.Event, bool, error) {
	raw, err := b.store.Drain(ctx, key)
	if err != nil {
		return models.Event{}, false, fmt.Errorf("buffer flush: %w", err)
	}
	if len(raw) == 0 {
		return models.Event{}, false, nil
	}
	frags, err := models.DecodeFragments(raw)
	if err != nil {
		return models.Event{}, false, fmt.Errorf("buffer flush %s: %w", key, err)
	}
	ev, ok := models.Coalesce(frags)
	if ok {
		telemetry.BufferFlushes.Inc()
	}
	return ev, ok, nil
}
