// Package service provides the business logic layer (use cases): the
// conflict-resolving write path, typed queries, derived aggregates and the
// domain stores built on them.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/infra/observability"
	"github.com/boddenberg/walletsync-go/internal/infra/resilience"
	"github.com/boddenberg/walletsync-go/internal/port"
	"github.com/boddenberg/walletsync-go/internal/schema"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var writeTracer = otel.Tracer("service/writer")

// WriterOptions configures the conflict retry budget. Now and NewID default
// to the wall clock and random UUIDs.
type WriterOptions struct {
	ConflictRetries int
	ConflictBackoff time.Duration
	Now             func() time.Time
	NewID           func() string
}

// Writer turns "save this document" into a store write that survives
// concurrent writers. Every write is read, merged, validated and put against
// the revision it was read at; a conflict re-reads and re-applies the same
// change, up to the retry budget.
type Writer struct {
	store   port.DocumentStore
	policy  resilience.Policy
	now     func() time.Time
	newID   func() string
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewWriter creates a writer over store.
func NewWriter(store port.DocumentStore, opts WriterOptions, metrics *observability.Metrics, logger *zap.Logger) *Writer {
	if opts.ConflictRetries < 0 {
		opts.ConflictRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Writer{
		store: store,
		policy: resilience.Policy{
			Attempts:  opts.ConflictRetries + 1,
			Backoff:   resilience.Linear(opts.ConflictBackoff),
			Retryable: isConflict,
		},
		now:     opts.Now,
		newID:   opts.NewID,
		metrics: metrics,
		logger:  logger.Named("writer"),
	}
}

func isConflict(err error) bool {
	var conflict *domain.ErrConflict
	return errors.As(err, &conflict)
}

// Now returns the writer's clock reading in UTC.
func (w *Writer) Now() time.Time {
	return w.now().UTC()
}

// NewID returns a fresh id for a document of type t.
func (w *Writer) NewID(t domain.DocType) string {
	return domain.NewID(t, w.newID())
}

// ============================================================
// Write operations
// ============================================================

// Create stores a new document. A document without an id gets one and is
// put directly; a document that already has an id goes through Save.
func (w *Writer) Create(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if doc.DocMeta().ID != "" {
		return w.Save(ctx, doc)
	}

	ctx, span := writeTracer.Start(ctx, "Writer.Create")
	defer span.End()

	fresh, err := domain.Clone(doc)
	if err != nil {
		return nil, err
	}
	meta := fresh.DocMeta()
	meta.ID = w.NewID(fresh.DocType())
	meta.Rev = ""
	meta.CreatedAt = time.Time{}
	span.SetAttributes(attribute.String("doc.id", meta.ID))

	return w.run(ctx, "create", fresh.DocType(), meta.ID, func(ctx context.Context) (domain.Document, error) {
		if err := schema.Check(fresh, fresh.DocType(), w.Now()); err != nil {
			return nil, err
		}
		return w.store.Put(ctx, fresh)
	})
}

// Save writes doc by id. An unknown id is created; otherwise every field the
// caller set (anything but a zero value) is merged onto the stored document
// and the rest keep their stored values.
func (w *Writer) Save(ctx context.Context, doc domain.Document) (domain.Document, error) {
	ctx, span := writeTracer.Start(ctx, "Writer.Save")
	defer span.End()

	id := doc.DocMeta().ID
	typ := doc.DocType()
	span.SetAttributes(attribute.String("doc.id", id))
	if id == "" {
		return nil, domain.Invalid(typ, "_id", "is required")
	}

	changes, err := specifiedFields(doc)
	if err != nil {
		return nil, err
	}

	return w.run(ctx, "save", typ, id, func(ctx context.Context) (domain.Document, error) {
		current, err := w.store.Get(ctx, id)
		var notFound *domain.ErrNotFound
		switch {
		case errors.As(err, &notFound):
			fresh, err := domain.Clone(doc)
			if err != nil {
				return nil, err
			}
			meta := fresh.DocMeta()
			meta.Rev = ""
			meta.CreatedAt = time.Time{}
			if err := schema.Check(fresh, typ, w.Now()); err != nil {
				return nil, err
			}
			return w.store.Put(ctx, fresh)
		case err != nil:
			return nil, err
		}
		if current.DocType() != typ {
			return nil, domain.Invalid(typ, "type", "stored document "+id+" is a "+string(current.DocType()))
		}
		return w.putMerged(ctx, current, changes)
	})
}

// Update applies a field-level patch to the stored document. Envelope
// fields in the patch are ignored; unknown fields are a validation error.
func (w *Writer) Update(ctx context.Context, id string, patch domain.Patch) (domain.Document, error) {
	ctx, span := writeTracer.Start(ctx, "Writer.Update")
	defer span.End()
	span.SetAttributes(attribute.String("doc.id", id))

	var changes fields
	var typ domain.DocType
	return w.run(ctx, "update", "", id, func(ctx context.Context) (domain.Document, error) {
		current, err := w.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if changes == nil || typ != current.DocType() {
			typ = current.DocType()
			if changes, err = patchFields(typ, patch); err != nil {
				return nil, err
			}
		}
		return w.putMerged(ctx, current, changes)
	})
}

// Mutate applies fn to a fresh copy of the stored document and writes the
// result. fn runs again on every conflict retry, so it must derive its
// change from the document it is given. Returning ErrUnchanged from fn
// skips the write and returns the stored document.
func (w *Writer) Mutate(ctx context.Context, id string, fn func(domain.Document) error) (domain.Document, error) {
	ctx, span := writeTracer.Start(ctx, "Writer.Mutate")
	defer span.End()
	span.SetAttributes(attribute.String("doc.id", id))

	return w.run(ctx, "mutate", "", id, func(ctx context.Context) (domain.Document, error) {
		current, err := w.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := domain.Clone(current)
		if err != nil {
			return nil, err
		}
		if err := fn(next); err != nil {
			if errors.Is(err, ErrUnchanged) {
				return current, nil
			}
			return nil, err
		}
		restoreEnvelope(next.DocMeta(), current.DocMeta())
		if err := schema.Check(next, current.DocType(), w.Now()); err != nil {
			return nil, err
		}
		return w.store.Put(ctx, next)
	})
}

// Delete writes a tombstone for the current revision of id.
func (w *Writer) Delete(ctx context.Context, id string) (domain.Document, error) {
	ctx, span := writeTracer.Start(ctx, "Writer.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("doc.id", id))

	return w.run(ctx, "delete", "", id, func(ctx context.Context) (domain.Document, error) {
		current, err := w.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		current.DocMeta().UpdatedAt = w.Now()
		return w.store.Remove(ctx, current)
	})
}

// ErrUnchanged is returned by a Mutate callback that has nothing to write.
var ErrUnchanged = errors.New("document unchanged")

// mutateAs is Mutate for a concrete document type.
func mutateAs[T domain.Document](ctx context.Context, w *Writer, id string, fn func(T) error) (T, error) {
	var zero T
	out, err := w.Mutate(ctx, id, func(doc domain.Document) error {
		typed, err := domain.As[T](doc)
		if err != nil {
			return err
		}
		return fn(typed)
	})
	if err != nil {
		return zero, err
	}
	return domain.As[T](out)
}

// ============================================================
// Internals
// ============================================================

func (w *Writer) putMerged(ctx context.Context, current domain.Document, changes fields) (domain.Document, error) {
	next, err := merge(current, changes)
	if err != nil {
		return nil, err
	}
	restoreEnvelope(next.DocMeta(), current.DocMeta())
	if err := schema.Check(next, current.DocType(), w.Now()); err != nil {
		return nil, err
	}
	return w.store.Put(ctx, next)
}

// restoreEnvelope keeps identity, revision and creation time from the
// stored document, whatever the change did to them.
func restoreEnvelope(next, stored *domain.Meta) {
	next.ID = stored.ID
	next.Rev = stored.Rev
	next.Type = stored.Type
	next.Deleted = false
	next.CreatedAt = stored.CreatedAt
}

// run executes one write attempt function under the conflict retry policy.
// A write that has been submitted is not cancelled by the caller's context.
func (w *Writer) run(ctx context.Context, op string, typ domain.DocType, id string, attempt func(context.Context) (domain.Document, error)) (domain.Document, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	defer func() { w.metrics.RecordDuration("write."+op, time.Since(start)) }()

	var out domain.Document
	err := resilience.Do(ctx, w.policy, func(n int) error {
		if n > 1 {
			w.metrics.IncrRetry(label(typ, id))
			w.logger.Debug("retrying write after conflict",
				zap.String("op", op),
				zap.String("id", id),
				zap.Int("attempt", n),
			)
		}
		doc, err := attempt(ctx)
		if err != nil {
			if isConflict(err) {
				w.metrics.IncrConflict(label(typ, id))
			}
			return err
		}
		out = doc
		return nil
	})

	var exhausted *resilience.ErrExhausted
	switch {
	case errors.As(err, &exhausted):
		w.metrics.IncrWrite(label(typ, id), "conflict")
		w.logger.Warn("write gave up after repeated conflicts",
			zap.String("op", op),
			zap.String("id", id),
			zap.Int("attempts", exhausted.Attempts),
		)
		return nil, &domain.ErrConflict{ID: id, Attempts: exhausted.Attempts}
	case err != nil:
		w.metrics.IncrWrite(label(typ, id), "error")
		return nil, err
	}
	w.metrics.IncrWrite(string(out.DocType()), "ok")
	return out, nil
}

// label is the document type used for metrics, taken from the id prefix
// when the type is not known up front.
func label(typ domain.DocType, id string) string {
	if typ != "" {
		return string(typ)
	}
	return resourceOf(id)
}

func resourceOf(id string) string {
	for _, t := range domain.DocTypes {
		if len(id) > len(t) && id[:len(t)+1] == string(t)+"_" {
			return string(t)
		}
	}
	return "document"
}
