package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"parcela.org/internal/errs"
	"parcela.org/internal/ids"
)

// Recorder validates and appends audit entries and mirrors them to the log.
type Recorder struct {
	store Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

// Option configures Recorder.
type Option func(*Recorder)

// WithLogger mirrors appended entries to l.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a Recorder.
func NewRecorder(store Store, opts ...Option) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	r := &Recorder{store: store, log: zap.NewNop().Sugar(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Prepare validates e and fills id, timestamp and request metadata.
// Writers that append inside their own transaction call it directly.
func Prepare(ctx context.Context, e *Entry, now time.Time) error {
	if _, err := ParseAction(string(e.Action)); err != nil {
		return err
	}
	e.EntityType = strings.TrimSpace(e.EntityType)
	e.EntityID = strings.TrimSpace(e.EntityID)
	if e.EntityType == "" || e.EntityID == "" {
		return fmt.Errorf("%w: entity type and id are required", errs.ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now.UTC()
	}
	Stamp(ctx, e)
	return nil
}

// Record appends e and returns the stored entry.
func (r *Recorder) Record(ctx context.Context, e Entry) (Entry, error) {
	if err := Prepare(ctx, &e, r.now()); err != nil {
		return Entry{}, err
	}
	if err := r.store.AppendAudit(ctx, &e); err != nil {
		r.log.Errorw("audit append failed", "action", e.Action, "entity_type", e.EntityType, "entity_id", e.EntityID, "error", err)
		return Entry{}, err
	}
	r.Mirror(e)
	return e, nil
}

// Mirror writes an already persisted entry to the structured log.
func (r *Recorder) Mirror(e Entry) {
	r.log.Infow("audit",
		"audit_id", e.ID,
		"action", e.Action,
		"entity_type", e.EntityType,
		"entity_id", e.EntityID,
		"actor_id", e.ActorID,
		"metadata", e.Metadata,
		"changes", len(e.Changes),
	)
}

// List returns entries newest first.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Entry, error) {
	return r.store.ListAudit(ctx, f.Normalize())
}
