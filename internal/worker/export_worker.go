package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"spendlog/internal/amqp"
	"spendlog/internal/core"
	"spendlog/internal/sheets"
	"spendlog/internal/storage"
)

// RecordSource is the storage surface the exporter reads and updates.
type RecordSource interface {
	GetRecord(ctx context.Context, id int64) (core.Record, error)
	PendingExport(ctx context.Context, limit int) ([]core.Record, error)
	MarkExported(ctx context.Context, id int64) error
	MarkExportError(ctx context.Context, id int64) error
}

// ExportWorker mirrors confirmed expense records to an external spreadsheet.
// It is driven by AMQP messages for freshness, with a periodic sweep of
// unexported rows as a backup in case messages are lost.
type ExportWorker struct {
	storage   RecordSource
	appender  sheets.RecordAppender
	batchSize int
}

func NewExportWorker(storage RecordSource, appender sheets.RecordAppender, batchSize int) *ExportWorker {
	return &ExportWorker{
		storage:   storage,
		appender:  appender,
		batchSize: batchSize,
	}
}

// HandleExportMessage processes a single export message from AMQP.
func (w *ExportWorker) HandleExportMessage(ctx context.Context, msg *amqp.ExpenseExportMessage) error {
	slog.InfoContext(ctx, "Processing export message", "id", msg.ID, "owner", msg.Owner)

	rec, err := w.storage.GetRecord(ctx, msg.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted before the exporter got to it; nothing to mirror.
			slog.WarnContext(ctx, "Export target no longer exists", "id", msg.ID)
			return nil
		}
		return fmt.Errorf("get record from storage: %w", err)
	}

	return w.export(ctx, rec)
}

// ProcessPendingRecords exports any records that have not been mirrored yet.
// This is the backup mechanism in case AMQP messages are lost.
func (w *ExportWorker) ProcessPendingRecords(ctx context.Context) error {
	pending, err := w.storage.PendingExport(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("get pending records: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Processing pending exports", "count", len(pending))

	for _, rec := range pending {
		if err := w.export(ctx, rec); err != nil {
			slog.ErrorContext(ctx, "Failed to export record", "id", rec.ID, "error", err)
			continue
		}
	}

	return nil
}

// StartupExportCheck sweeps a larger batch at worker startup to recover from
// missed messages or worker downtime.
func (w *ExportWorker) StartupExportCheck(ctx context.Context) error {
	pending, err := w.storage.PendingExport(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("get pending records for startup check: %w", err)
	}

	if len(pending) == 0 {
		slog.InfoContext(ctx, "No pending exports found on startup")
		return nil
	}

	slog.InfoContext(ctx, "Found pending exports on startup, processing...",
		"count", len(pending))

	successCount := 0
	errorCount := 0
	for _, rec := range pending {
		if err := w.export(ctx, rec); err != nil {
			slog.ErrorContext(ctx, "Failed to export record during startup",
				"id", rec.ID, "error", err)
			errorCount++
			continue
		}
		successCount++
	}

	slog.InfoContext(ctx, "Startup export completed",
		"total", len(pending),
		"exported", successCount,
		"errors", errorCount)

	return nil
}

func (w *ExportWorker) export(ctx context.Context, rec core.Record) error {
	ref, err := w.appender.Append(ctx, rec)
	if err != nil {
		if markErr := w.storage.MarkExportError(ctx, rec.ID); markErr != nil {
			slog.ErrorContext(ctx, "Failed to mark export error", "id", rec.ID, "error", markErr)
		}
		return fmt.Errorf("append to sheet: %w", err)
	}

	if err := w.storage.MarkExported(ctx, rec.ID); err != nil {
		// Don't fail here - the export actually worked.
		slog.ErrorContext(ctx, "Failed to mark as exported", "id", rec.ID, "error", err)
	}

	slog.InfoContext(ctx, "Successfully exported expense",
		"id", rec.ID,
		"sheet_ref", ref,
		"owner", rec.Owner,
		"amount_cents", rec.Expense.Amount.Cents)

	return nil
}
