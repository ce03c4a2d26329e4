package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhuss/authcore/pkg/observability"
)

// MaxRetries bounds how many times Retry re-runs a conflicting transaction.
const MaxRetries = 50

var tracer = otel.Tracer("github.com/rhuss/authcore/pkg/storage")

// InTransaction runs fn in a single transaction and returns its result.
// There is no retry; use Retry for read-modify-write sequences.
func InTransaction[T any](ctx context.Context, s Transactional, fn func(ctx context.Context, tx *Tx) (T, error)) (T, error) {
	var result T
	err := s.StartTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		r, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Retry runs fn in a transaction, re-running the whole transaction when it
// fails with a conflict (*DuplicateKeyError or ErrRetry). Between attempts
// it sleeps a random 1-9ms. fn must not have side effects outside the
// transaction. Conflicts never surface to the caller; after MaxRetries
// attempts Retry gives up with a *QueryError.
func Retry[T any](ctx context.Context, s Transactional, fn func(ctx context.Context, tx *Tx) (T, error)) (T, error) {
	var zero T
	backend := backendName(s)

	for attempt := 1; ; attempt++ {
		result, err := attemptTransaction(ctx, s, backend, attempt, fn)
		if err == nil {
			return result, nil
		}
		if Classify(err) != KindConflict {
			return zero, err
		}

		observability.TransactionRetriesTotal.WithLabelValues(backend).Inc()
		if attempt >= MaxRetries {
			return zero, &QueryError{Op: "transaction", Err: fmt.Errorf("giving up after %d conflicting attempts: %v", attempt, err)}
		}
		if err := sleepJitter(ctx); err != nil {
			return zero, &QueryError{Op: "transaction", Err: err}
		}
	}
}

// GetOrCreate provisions a row that should exist exactly once. read reports
// whether the row exists; when it does not, create inserts it. A
// uniqueness conflict from create means a concurrent caller won the race,
// so the transaction is retried and read observes the winner's row.
func GetOrCreate[T any](ctx context.Context, s Transactional,
	read func(ctx context.Context, tx *Tx) (T, bool, error),
	create func(ctx context.Context, tx *Tx) (T, error),
) (T, error) {
	return Retry(ctx, s, func(ctx context.Context, tx *Tx) (T, error) {
		existing, ok, err := read(ctx, tx)
		if err != nil {
			var zero T
			return zero, err
		}
		if ok {
			return existing, nil
		}
		created, err := create(ctx, tx)
		if err != nil {
			var zero T
			return zero, err
		}
		if err := s.CommitTransaction(ctx, tx); err != nil {
			var zero T
			return zero, err
		}
		return created, nil
	})
}

// GetOrInsert is the get-or-create variant for plain (auto-committing)
// operations: get returns ErrNotFound when absent, insert fails with
// *DuplicateKeyError when another caller inserted first. Both cases of
// "row already exists" resolve to the stored row.
func GetOrInsert[T any](ctx context.Context, get func(ctx context.Context) (T, error), insert func(ctx context.Context) error) (T, error) {
	v, err := get(ctx)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return v, err
	}
	if err := insert(ctx); err != nil && Classify(err) != KindConflict {
		var zero T
		return zero, err
	}
	return get(ctx)
}

func attemptTransaction[T any](ctx context.Context, s Transactional, backend string, attempt int, fn func(ctx context.Context, tx *Tx) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "storage.transaction", trace.WithAttributes(
		attribute.String("storage.backend", backend),
		attribute.Int("storage.attempt", attempt),
	))
	defer span.End()

	start := time.Now()
	result, err := InTransaction(ctx, s, fn)
	observability.TransactionDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())

	kind := Classify(err)
	outcome := kind.String()
	if kind == KindNone {
		outcome = "ok"
	}
	observability.TransactionsTotal.WithLabelValues(backend, outcome).Inc()
	if kind == KindTransient || kind == KindFatal {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func sleepJitter(ctx context.Context) error {
	d := time.Duration(1+rand.IntN(9)) * time.Millisecond
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func backendName(s Transactional) string {
	if b, ok := s.(interface{ Name() string }); ok {
		return b.Name()
	}
	return "unknown"
}
