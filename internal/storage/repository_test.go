package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"spendlog/internal/core"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testExpense(date core.Date, cents int64, category string) core.Expense {
	return core.Expense{
		Date:        date,
		Description: "test expense",
		Amount:      core.Money{Cents: cents},
		Category:    category,
	}
}

func TestCreateUniqueAndFind(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	e := testExpense(core.NewDate(2025, 3, 10), 1250, "Food")
	rec, err := repo.CreateUnique(ctx, "alice", "key-1", e)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("expected a non-zero id")
	}
	if rec.Owner != "alice" || rec.IdempotencyKey != "key-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	found, err := repo.FindByOwnerAndKey(ctx, "alice", "key-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != rec.ID {
		t.Fatalf("expected id %d, got %d", rec.ID, found.ID)
	}
	if found.Expense.Amount.Cents != 1250 {
		t.Fatalf("expected 1250 cents, got %d", found.Expense.Amount.Cents)
	}
	if found.Expense.Date.String() != "2025-03-10" {
		t.Fatalf("expected date 2025-03-10, got %s", found.Expense.Date.String())
	}
	if found.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
}

func TestCreateUniqueDuplicateKey(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	e := testExpense(core.NewDate(2025, 3, 10), 1250, "Food")
	if _, err := repo.CreateUnique(ctx, "alice", "key-1", e); err != nil {
		t.Fatalf("first create: %v", err)
	}

	// Same key, same owner: rejected even with a different payload.
	other := testExpense(core.NewDate(2025, 4, 1), 999, "Travel")
	if _, err := repo.CreateUnique(ctx, "alice", "key-1", other); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	// Same key under another owner is a distinct pair.
	if _, err := repo.CreateUnique(ctx, "bob", "key-1", e); err != nil {
		t.Fatalf("create for other owner: %v", err)
	}
}

func TestCreateUniqueConcurrentDuplicates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	e := testExpense(core.NewDate(2025, 3, 10), 1250, "Food")

	// N simultaneous submissions of the same (owner, key): the unique index
	// must let exactly one land and reject every other with ErrDuplicateKey.
	const n = 8
	var (
		start = make(chan struct{})
		wg    sync.WaitGroup
		errs  = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = repo.CreateUnique(ctx, "alice", "race-key", e)
		}(i)
	}
	close(start)
	wg.Wait()

	created, duplicates := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicateKey):
			duplicates++
		default:
			t.Fatalf("goroutine %d: unexpected error %v", i, err)
		}
	}
	if created != 1 || duplicates != n-1 {
		t.Fatalf("expected 1 create and %d duplicates, got %d and %d", n-1, created, duplicates)
	}

	// Only one row exists, and every loser can re-read it.
	records, err := repo.ListByOwner(ctx, "alice", ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one persisted record, got %d", len(records))
	}
	winner, err := repo.FindByOwnerAndKey(ctx, "alice", "race-key")
	if err != nil {
		t.Fatalf("re-read winner: %v", err)
	}
	if winner.ID != records[0].ID {
		t.Fatalf("re-read resolved to %d, want %d", winner.ID, records[0].ID)
	}
}

func TestFindByOwnerAndKeyScope(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	e := testExpense(core.NewDate(2025, 3, 10), 100, "Food")
	if _, err := repo.CreateUnique(ctx, "alice", "key-1", e); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := repo.FindByOwnerAndKey(ctx, "bob", "key-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
	if _, err := repo.FindByOwnerAndKey(ctx, "alice", "other-key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown key, got %v", err)
	}
}

func TestDeleteByOwnerAndID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec, err := repo.CreateUnique(ctx, "alice", "key-1", testExpense(core.NewDate(2025, 3, 10), 100, "Food"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Foreign owner cannot delete it.
	if _, err := repo.DeleteByOwnerAndID(ctx, "bob", rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign delete, got %v", err)
	}
	if _, err := repo.FindByOwnerAndKey(ctx, "alice", "key-1"); err != nil {
		t.Fatalf("record should survive foreign delete: %v", err)
	}

	deleted, err := repo.DeleteByOwnerAndID(ctx, "alice", rec.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.ID != rec.ID {
		t.Fatalf("expected deleted id %d, got %d", rec.ID, deleted.ID)
	}

	// Second delete of the same id reports not found.
	if _, err := repo.DeleteByOwnerAndID(ctx, "alice", rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on repeat delete, got %v", err)
	}
}

func TestListByOwnerFilterAndOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seed := []struct {
		key      string
		date     core.Date
		cents    int64
		category string
	}{
		{"k1", core.NewDate(2025, 1, 5), 500, "Food"},
		{"k2", core.NewDate(2025, 1, 20), 1500, "Travel"},
		{"k3", core.NewDate(2025, 2, 1), 300, "Food"},
	}
	for _, s := range seed {
		if _, err := repo.CreateUnique(ctx, "alice", s.key, testExpense(s.date, s.cents, s.category)); err != nil {
			t.Fatalf("seed %s: %v", s.key, err)
		}
	}
	if _, err := repo.CreateUnique(ctx, "bob", "k1", testExpense(core.NewDate(2025, 1, 10), 9999, "Food")); err != nil {
		t.Fatalf("seed foreign: %v", err)
	}

	// Default ordering: newest date first, only the owner's rows.
	records, err := repo.ListByOwner(ctx, "alice", ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Expense.Date.String() != "2025-02-01" {
		t.Fatalf("expected newest first, got %s", records[0].Expense.Date.String())
	}

	// Category filter
	records, err = repo.ListByOwner(ctx, "alice", ListFilter{Category: "Food"})
	if err != nil {
		t.Fatalf("list by category: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 Food records, got %d", len(records))
	}

	// Date range
	records, err = repo.ListByOwner(ctx, "alice", ListFilter{
		From: core.NewDate(2025, 1, 10),
		To:   core.NewDate(2025, 1, 31),
	})
	if err != nil {
		t.Fatalf("list by range: %v", err)
	}
	if len(records) != 1 || records[0].IdempotencyKey != "k2" {
		t.Fatalf("expected only k2 in range, got %d records", len(records))
	}

	// Sort by amount ascending
	records, err = repo.ListByOwner(ctx, "alice", ListFilter{SortBy: "amount", Order: "asc"})
	if err != nil {
		t.Fatalf("list by amount: %v", err)
	}
	if records[0].Expense.Amount.Cents != 300 || records[2].Expense.Amount.Cents != 1500 {
		t.Fatalf("unexpected amount ordering: %d .. %d",
			records[0].Expense.Amount.Cents, records[2].Expense.Amount.Cents)
	}
}

func TestMonthSummary(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seed := []struct {
		key      string
		date     core.Date
		cents    int64
		category string
	}{
		{"k1", core.NewDate(2025, 3, 5), 1000, "Food"},
		{"k2", core.NewDate(2025, 3, 12), 500, "Food"},
		{"k3", core.NewDate(2025, 3, 20), 2000, "Travel"},
		{"k4", core.NewDate(2025, 4, 1), 700, "Food"}, // outside month
	}
	for _, s := range seed {
		if _, err := repo.CreateUnique(ctx, "alice", s.key, testExpense(s.date, s.cents, s.category)); err != nil {
			t.Fatalf("seed %s: %v", s.key, err)
		}
	}

	summary, err := repo.MonthSummary(ctx, "alice", 2025, 3)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Total.Cents != 3500 {
		t.Fatalf("expected total 3500, got %d", summary.Total.Cents)
	}
	if len(summary.ByCategory) != 2 {
		t.Fatalf("expected 2 categories, got %d", len(summary.ByCategory))
	}
	// Ordered by total descending
	if summary.ByCategory[0].Name != "Travel" || summary.ByCategory[0].Amount.Cents != 2000 {
		t.Fatalf("unexpected top category: %+v", summary.ByCategory[0])
	}

	empty, err := repo.MonthSummary(ctx, "alice", 2024, 1)
	if err != nil {
		t.Fatalf("empty summary: %v", err)
	}
	if empty.Total.Cents != 0 || len(empty.ByCategory) != 0 {
		t.Fatalf("expected empty summary, got %+v", empty)
	}
}

func TestExportStateLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec1, err := repo.CreateUnique(ctx, "alice", "k1", testExpense(core.NewDate(2025, 3, 5), 100, "Food"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec2, err := repo.CreateUnique(ctx, "alice", "k2", testExpense(core.NewDate(2025, 3, 6), 200, "Food"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, err := repo.PendingExport(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}

	if err := repo.MarkExported(ctx, rec1.ID); err != nil {
		t.Fatalf("mark exported: %v", err)
	}
	if err := repo.MarkExportError(ctx, rec2.ID); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	pending, err = repo.PendingExport(ctx, 10)
	if err != nil {
		t.Fatalf("pending after marks: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending after marking, got %d", len(pending))
	}

	// GetRecord works regardless of owner scoping.
	got, err := repo.GetRecord(ctx, rec1.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.IdempotencyKey != "k1" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := repo.GetRecord(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
