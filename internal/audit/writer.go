// Package audit records immutable compliance events for every sensitive read
// and state-mutating operation.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"brightdesk.io/crm/internal/ids"
	"brightdesk.io/crm/internal/obs"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 500
)

// Writer validates, redacts, enriches and persists audit events.
type Writer struct {
	store    Store
	log      *zap.Logger
	redactor Redactor
	now      func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(w *Writer) {
		if fn != nil {
			w.now = fn
		}
	}
}

// WithSensitiveFields replaces the default redaction list.
func WithSensitiveFields(fields ...string) Option {
	return func(w *Writer) {
		if len(fields) > 0 {
			w.redactor = NewRedactor(fields...)
		}
	}
}

// NewWriter constructs a Writer.
func NewWriter(store Store, log *zap.Logger, opts ...Option) (*Writer, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	w := &Writer{
		store:    store,
		log:      obs.OrNop(log).Named("audit"),
		redactor: NewRedactor(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// LogAction persists one new entry. Every call inserts a row, duplicates included.
// A failure is logged, counted and returned wrapped in ErrWriteFailed so the
// caller can decide whether the triggering operation may proceed.
func (w *Writer) LogAction(ctx context.Context, ev Event) error {
	if !ev.EntityType.Valid() {
		return w.fail(ev, fmt.Errorf("%w: unknown entity type %q", ErrInvalidEvent, ev.EntityType))
	}
	if !ev.Action.Valid() {
		return w.fail(ev, fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, ev.Action))
	}

	md := w.redactor.Apply(ev.Metadata)
	if meta, ok := RequestMetaFromContext(ctx); ok {
		if _, set := md[KeyIPAddress]; !set && meta.IPAddress != "" {
			md[KeyIPAddress] = meta.IPAddress
		}
		if _, set := md[KeyUserAgent]; !set && meta.UserAgent != "" {
			md[KeyUserAgent] = meta.UserAgent
		}
	}

	entry := &Entry{
		ID:         ids.New(),
		EntityType: ev.EntityType,
		EntityID:   strings.TrimSpace(ev.EntityID),
		Action:     ev.Action,
		Metadata:   md,
		CreatedAt:  w.now().UTC(),
	}
	if uid := strings.TrimSpace(ev.UserID); uid != "" {
		entry.UserID = &uid
	}

	if err := w.store.AppendAudit(ctx, entry); err != nil {
		return w.fail(ev, fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}
	return nil
}

// Query returns entries newest first.
func (w *Writer) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if f.EntityType != "" && !f.EntityType.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidEvent, f.EntityType)
	}
	if f.Action != "" && !f.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, f.Action)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultQueryLimit
	case f.Limit > maxQueryLimit:
		f.Limit = maxQueryLimit
	}
	return w.store.QueryAudit(ctx, f)
}

func (w *Writer) fail(ev Event, err error) error {
	obs.AuditWriteFailures.WithLabelValues(string(ev.Action)).Inc()
	level := w.log.Warn
	if ev.Action.Sensitive() {
		level = w.log.Error
	}
	level("audit write failed",
		zap.String("action", string(ev.Action)),
		zap.String("entity_type", string(ev.EntityType)),
		zap.String("entity_id", ev.EntityID),
		zap.String("user_id", ev.UserID),
		zap.Error(err),
	)
	return err
}
