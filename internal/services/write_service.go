// Package services orchestrates expense operations between storage and the
// export pipeline. The write path implements idempotent creation: the same
// (owner, idempotency key) pair always resolves to the same persisted record
// no matter how many times the client submits it.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"spendlog/internal/core"
	"spendlog/internal/storage"
)

// Outcome tags the result of an idempotent write.
type Outcome string

const (
	// OutcomeCreated means this call performed the first persistence of the key.
	OutcomeCreated Outcome = "created"
	// OutcomeExisting means a record for the key already existed and was returned.
	OutcomeExisting Outcome = "existing"
)

// ErrWriteContention is returned when a concurrent duplicate won the insert
// but its row was not yet visible within the bounded re-read. The caller's
// own retry resolves it.
var ErrWriteContention = errors.New("concurrent write not yet visible, retry")

// Lookup retries after losing the insert race. Short and bounded: the
// winner's row is committed before the constraint fires, so one re-read
// normally suffices.
const (
	conflictLookupAttempts = 3
	conflictLookupDelay    = 25 * time.Millisecond
)

// RecordStore is the storage surface the write service needs.
type RecordStore interface {
	FindByOwnerAndKey(ctx context.Context, owner, key string) (core.Record, error)
	CreateUnique(ctx context.Context, owner, key string, e core.Expense) (core.Record, error)
	DeleteByOwnerAndID(ctx context.Context, owner string, id int64) (core.Record, error)
	ListByOwner(ctx context.Context, owner string, f storage.ListFilter) ([]core.Record, error)
	MonthSummary(ctx context.Context, owner string, year, month int) (storage.Summary, error)
}

// ExportPublisher announces freshly created records to the export pipeline.
type ExportPublisher interface {
	PublishExpenseExport(ctx context.Context, id int64, owner string) error
}

// WriteService performs idempotent writes and owner-scoped reads/deletes.
type WriteService struct {
	store     RecordStore
	publisher ExportPublisher
}

func NewWriteService(store RecordStore, publisher ExportPublisher) *WriteService {
	return &WriteService{
		store:     store,
		publisher: publisher,
	}
}

// Write persists the expense for (owner, key) exactly once.
//
// The lookup before the insert is an optimization; correctness rests on the
// storage uniqueness constraint. Two concurrent duplicates can both miss the
// lookup, but only one insert lands - the loser re-reads the winner's record
// and reports it as existing, so retried requests look identical to first
// attempts from the client's point of view.
func (s *WriteService) Write(ctx context.Context, owner, key string, e core.Expense) (core.Record, Outcome, error) {
	if strings.TrimSpace(key) == "" {
		return core.Record{}, "", core.ErrEmptyKey
	}
	// The server does not trust client-side validation.
	if err := e.Validate(); err != nil {
		return core.Record{}, "", err
	}

	existing, err := s.store.FindByOwnerAndKey(ctx, owner, key)
	if err == nil {
		slog.InfoContext(ctx, "Idempotent write resolved to existing record",
			"owner", owner, "record_id", existing.ID)
		return existing, OutcomeExisting, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return core.Record{}, "", fmt.Errorf("lookup by idempotency key: %w", err)
	}

	created, err := s.store.CreateUnique(ctx, owner, key, e)
	if err == nil {
		s.publishExport(ctx, created)
		return created, OutcomeCreated, nil
	}
	if !errors.Is(err, storage.ErrDuplicateKey) {
		return core.Record{}, "", fmt.Errorf("create expense: %w", err)
	}

	// A concurrent request with the same key won the insert. Re-read the
	// winner; a few short attempts bridge the gap until its write is visible.
	for attempt := 1; attempt <= conflictLookupAttempts; attempt++ {
		winner, err := s.store.FindByOwnerAndKey(ctx, owner, key)
		if err == nil {
			slog.InfoContext(ctx, "Duplicate insert lost race, returning winner",
				"owner", owner, "record_id", winner.ID, "attempt", attempt)
			return winner, OutcomeExisting, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return core.Record{}, "", fmt.Errorf("lookup after duplicate key: %w", err)
		}
		if attempt < conflictLookupAttempts {
			select {
			case <-ctx.Done():
				return core.Record{}, "", ctx.Err()
			case <-time.After(conflictLookupDelay):
			}
		}
	}
	return core.Record{}, "", ErrWriteContention
}

// Delete removes a record only if it belongs to owner. A missing or foreign
// record is a benign outcome, not an error: deleting twice is a no-op.
func (s *WriteService) Delete(ctx context.Context, owner string, id int64) (core.Record, bool, error) {
	rec, err := s.store.DeleteByOwnerAndID(ctx, owner, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.InfoContext(ctx, "Delete target not found", "owner", owner, "record_id", id)
			return core.Record{}, false, nil
		}
		return core.Record{}, false, fmt.Errorf("delete expense: %w", err)
	}
	return rec, true, nil
}

// List returns the owner's records per the given filter.
func (s *WriteService) List(ctx context.Context, owner string, f storage.ListFilter) ([]core.Record, error) {
	records, err := s.store.ListByOwner(ctx, owner, f)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return records, nil
}

// MonthSummary returns the owner's monthly totals.
func (s *WriteService) MonthSummary(ctx context.Context, owner string, year, month int) (storage.Summary, error) {
	summary, err := s.store.MonthSummary(ctx, owner, year, month)
	if err != nil {
		return storage.Summary{}, fmt.Errorf("month summary: %w", err)
	}
	return summary, nil
}

func (s *WriteService) publishExport(ctx context.Context, rec core.Record) {
	if s.publisher == nil {
		return
	}
	// Best effort: the periodic exporter sweep picks up anything missed here.
	if err := s.publisher.PublishExpenseExport(ctx, rec.ID, rec.Owner); err != nil {
		slog.ErrorContext(ctx, "Failed to publish export message",
			"id", rec.ID, "error", err)
	}
}
