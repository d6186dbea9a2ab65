package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"spendlog/internal/amqp"
	"spendlog/internal/core"
	"spendlog/internal/storage"
)

type fakeRecordSource struct {
	records map[int64]core.Record
	states  map[int64]string
}

func newFakeRecordSource(recs ...core.Record) *fakeRecordSource {
	f := &fakeRecordSource{
		records: make(map[int64]core.Record),
		states:  make(map[int64]string),
	}
	for _, rec := range recs {
		f.records[rec.ID] = rec
		f.states[rec.ID] = storage.ExportPending
	}
	return f
}

func (f *fakeRecordSource) GetRecord(ctx context.Context, id int64) (core.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return core.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecordSource) PendingExport(ctx context.Context, limit int) ([]core.Record, error) {
	var out []core.Record
	for id, state := range f.states {
		if state == storage.ExportPending && len(out) < limit {
			out = append(out, f.records[id])
		}
	}
	return out, nil
}

func (f *fakeRecordSource) MarkExported(ctx context.Context, id int64) error {
	f.states[id] = storage.ExportDone
	return nil
}

func (f *fakeRecordSource) MarkExportError(ctx context.Context, id int64) error {
	f.states[id] = storage.ExportError
	return nil
}

type fakeAppender struct {
	appended []int64
	failFor  map[int64]bool
}

func (f *fakeAppender) Append(ctx context.Context, rec core.Record) (string, error) {
	if f.failFor[rec.ID] {
		return "", errors.New("sheets unavailable")
	}
	f.appended = append(f.appended, rec.ID)
	return fmt.Sprintf("Expenses!A%d", len(f.appended)), nil
}

func testRecord(id int64) core.Record {
	return core.Record{
		ID:    id,
		Owner: "alice",
		Expense: core.Expense{
			Date:        core.NewDate(2025, 3, 10),
			Description: "test",
			Amount:      core.Money{Cents: 100},
			Category:    "Food",
		},
		IdempotencyKey: fmt.Sprintf("key-%d", id),
	}
}

func TestHandleExportMessage(t *testing.T) {
	source := newFakeRecordSource(testRecord(1))
	appender := &fakeAppender{}
	w := NewExportWorker(source, appender, 10)

	msg := &amqp.ExpenseExportMessage{ID: 1, Owner: "alice"}
	if err := w.HandleExportMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(appender.appended) != 1 || appender.appended[0] != 1 {
		t.Fatalf("expected record 1 appended, got %v", appender.appended)
	}
	if source.states[1] != storage.ExportDone {
		t.Fatalf("expected done state, got %s", source.states[1])
	}
}

func TestHandleExportMessageMissingRecord(t *testing.T) {
	source := newFakeRecordSource()
	w := NewExportWorker(source, &fakeAppender{}, 10)

	// Deleted before the exporter got to it: not an error, no nack loop.
	msg := &amqp.ExpenseExportMessage{ID: 99, Owner: "alice"}
	if err := w.HandleExportMessage(context.Background(), msg); err != nil {
		t.Fatalf("missing record must be benign, got %v", err)
	}
}

func TestHandleExportMessageAppendFailure(t *testing.T) {
	source := newFakeRecordSource(testRecord(1))
	appender := &fakeAppender{failFor: map[int64]bool{1: true}}
	w := NewExportWorker(source, appender, 10)

	msg := &amqp.ExpenseExportMessage{ID: 1, Owner: "alice"}
	if err := w.HandleExportMessage(context.Background(), msg); err == nil {
		t.Fatal("expected append failure to surface")
	}
	if source.states[1] != storage.ExportError {
		t.Fatalf("expected error state, got %s", source.states[1])
	}
}

func TestProcessPendingRecords(t *testing.T) {
	source := newFakeRecordSource(testRecord(1), testRecord(2), testRecord(3))
	appender := &fakeAppender{failFor: map[int64]bool{2: true}}
	w := NewExportWorker(source, appender, 10)

	if err := w.ProcessPendingRecords(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	// One failure does not stop the rest of the batch.
	if len(appender.appended) != 2 {
		t.Fatalf("expected 2 exported, got %v", appender.appended)
	}
	if source.states[1] != storage.ExportDone || source.states[3] != storage.ExportDone {
		t.Fatalf("expected 1 and 3 done, got %v", source.states)
	}
	if source.states[2] != storage.ExportError {
		t.Fatalf("expected 2 in error, got %s", source.states[2])
	}
}

func TestProcessPendingRecordsEmpty(t *testing.T) {
	w := NewExportWorker(newFakeRecordSource(), &fakeAppender{}, 10)
	if err := w.ProcessPendingRecords(context.Background()); err != nil {
		t.Fatalf("empty sweep: %v", err)
	}
}

func TestStartupExportCheck(t *testing.T) {
	source := newFakeRecordSource(testRecord(1), testRecord(2))
	appender := &fakeAppender{}
	w := NewExportWorker(source, appender, 10)

	if err := w.StartupExportCheck(context.Background()); err != nil {
		t.Fatalf("startup check: %v", err)
	}
	if len(appender.appended) != 2 {
		t.Fatalf("expected both records exported, got %v", appender.appended)
	}
}
