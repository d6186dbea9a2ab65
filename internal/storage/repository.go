package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"spendlog/internal/core"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrDuplicateKey is returned by CreateUnique when a record for the same
	// (owner, idempotency_key) pair already exists. The caller resolves the
	// conflict by re-reading the winner.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrNotFound is returned when a requested record does not exist or
	// belongs to another owner.
	ErrNotFound = errors.New("record not found")
)

// Export states for the Sheets mirroring pipeline.
const (
	ExportPending = "pending"
	ExportDone    = "done"
	ExportError   = "error"
)

// ListFilter narrows and orders ListByOwner results. Zero values mean
// "no constraint".
type ListFilter struct {
	Category string
	From     core.Date
	To       core.Date
	SortBy   string // "date", "amount" or "created" (default "date")
	Order    string // "asc" or "desc" (default "desc")
}

// Summary aggregates one owner's expenses for a month.
type Summary struct {
	Year       int
	Month      int
	Total      core.Money
	ByCategory []CategoryAmount
}

type CategoryAmount struct {
	Name   string
	Amount core.Money
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// One writer connection: concurrent duplicate inserts then queue on the
	// pool and lose to the unique index instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// FindByOwnerAndKey returns the record persisted for (owner, key), or
// ErrNotFound when no write has landed for that pair.
func (r *SQLiteRepository) FindByOwnerAndKey(ctx context.Context, owner, key string) (core.Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner, amount_cents, category, description, expense_date, idempotency_key, created_at
		FROM expenses
		WHERE owner = ? AND idempotency_key = ?`, owner, key)
	return scanRecord(row)
}

// CreateUnique inserts a new record for (owner, key). The unique index on
// (owner, idempotency_key) is the guard: when a concurrent request already
// created the record, ErrDuplicateKey is returned and nothing is written.
func (r *SQLiteRepository) CreateUnique(ctx context.Context, owner, key string, e core.Expense) (core.Record, error) {
	createdAt := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO expenses (owner, amount_cents, category, description, expense_date, idempotency_key, export_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		owner, e.Amount.Cents, e.Category, e.Description, e.Date.String(), key, ExportPending, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Record{}, ErrDuplicateKey
		}
		return core.Record{}, fmt.Errorf("insert expense: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return core.Record{}, fmt.Errorf("last insert id: %w", err)
	}

	slog.InfoContext(ctx, "Expense saved to SQLite",
		"id", id,
		"owner", owner,
		"description", e.Description,
		"amount_cents", e.Amount.Cents,
		"date", e.Date.String())

	return core.Record{
		ID:             id,
		Owner:          owner,
		Expense:        e,
		IdempotencyKey: key,
		CreatedAt:      createdAt,
	}, nil
}

// DeleteByOwnerAndID removes a record if it belongs to owner. Returns the
// deleted record, or ErrNotFound when it does not exist or is foreign.
func (r *SQLiteRepository) DeleteByOwnerAndID(ctx context.Context, owner string, id int64) (core.Record, error) {
	row := r.db.QueryRowContext(ctx, `
		DELETE FROM expenses
		WHERE id = ? AND owner = ?
		RETURNING id, owner, amount_cents, category, description, expense_date, idempotency_key, created_at`,
		id, owner)
	rec, err := scanRecord(row)
	if err != nil {
		return core.Record{}, err
	}

	slog.InfoContext(ctx, "Expense deleted", "id", id, "owner", owner)
	return rec, nil
}

// ListByOwner returns the owner's records, filtered and ordered per f.
func (r *SQLiteRepository) ListByOwner(ctx context.Context, owner string, f ListFilter) ([]core.Record, error) {
	query := `
		SELECT id, owner, amount_cents, category, description, expense_date, idempotency_key, created_at
		FROM expenses
		WHERE owner = ?`
	args := []any{owner}

	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, f.Category)
	}
	if !f.From.IsZero() {
		query += " AND expense_date >= ?"
		args = append(args, f.From.String())
	}
	if !f.To.IsZero() {
		query += " AND expense_date <= ?"
		args = append(args, f.To.String())
	}

	query += " ORDER BY " + sortColumn(f.SortBy) + " " + sortDirection(f.Order)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var records []core.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}
	return records, nil
}

// MonthSummary aggregates totals and per-category sums for one month.
func (r *SQLiteRepository) MonthSummary(ctx context.Context, owner string, year, month int) (Summary, error) {
	summary := Summary{Year: year, Month: month}
	prefix := fmt.Sprintf("%04d-%02d", year, month)

	row := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM expenses
		WHERE owner = ? AND expense_date LIKE ? || '%'`, owner, prefix)
	var total int64
	if err := row.Scan(&total); err != nil {
		return summary, fmt.Errorf("month total: %w", err)
	}
	summary.Total = core.Money{Cents: total}

	rows, err := r.db.QueryContext(ctx, `
		SELECT category, SUM(amount_cents) AS total
		FROM expenses
		WHERE owner = ? AND expense_date LIKE ? || '%'
		GROUP BY category
		ORDER BY total DESC`, owner, prefix)
	if err != nil {
		return summary, fmt.Errorf("category sums: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var cents int64
		if err := rows.Scan(&name, &cents); err != nil {
			return summary, fmt.Errorf("scan category sum: %w", err)
		}
		summary.ByCategory = append(summary.ByCategory, CategoryAmount{
			Name:   name,
			Amount: core.Money{Cents: cents},
		})
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("iterate category sums: %w", err)
	}
	return summary, nil
}

// GetRecord retrieves a single record by ID regardless of owner. Used by the
// exporter, which works on records the server already accepted.
func (r *SQLiteRepository) GetRecord(ctx context.Context, id int64) (core.Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner, amount_cents, category, description, expense_date, idempotency_key, created_at
		FROM expenses
		WHERE id = ?`, id)
	return scanRecord(row)
}

// PendingExport returns records not yet mirrored to the spreadsheet.
func (r *SQLiteRepository) PendingExport(ctx context.Context, limit int) ([]core.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner, amount_cents, category, description, expense_date, idempotency_key, created_at
		FROM expenses
		WHERE export_state = ?
		ORDER BY id
		LIMIT ?`, ExportPending, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending export expenses: %w", err)
	}
	defer rows.Close()

	var records []core.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending export expenses: %w", err)
	}
	return records, nil
}

// MarkExported marks a record as successfully mirrored.
func (r *SQLiteRepository) MarkExported(ctx context.Context, id int64) error {
	if err := r.setExportState(ctx, id, ExportDone); err != nil {
		return fmt.Errorf("mark expense exported: %w", err)
	}
	slog.InfoContext(ctx, "Expense marked as exported", "id", id)
	return nil
}

// MarkExportError marks a record as having failed the export.
func (r *SQLiteRepository) MarkExportError(ctx context.Context, id int64) error {
	if err := r.setExportState(ctx, id, ExportError); err != nil {
		return fmt.Errorf("mark expense export error: %w", err)
	}
	slog.WarnContext(ctx, "Expense marked with export error", "id", id)
	return nil
}

func (r *SQLiteRepository) setExportState(ctx context.Context, id int64, state string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE expenses SET export_state = ? WHERE id = ?`, state, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (core.Record, error) {
	var (
		rec       core.Record
		cents     int64
		dateStr   string
		createdAt time.Time
	)
	err := row.Scan(&rec.ID, &rec.Owner, &cents, &rec.Expense.Category,
		&rec.Expense.Description, &dateStr, &rec.IdempotencyKey, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Record{}, ErrNotFound
		}
		return core.Record{}, fmt.Errorf("scan expense: %w", err)
	}

	date, err := core.ParseDate(dateStr)
	if err != nil {
		return core.Record{}, fmt.Errorf("parse stored date %q: %w", dateStr, err)
	}
	rec.Expense.Amount = core.Money{Cents: cents}
	rec.Expense.Date = date
	rec.CreatedAt = createdAt
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func sortColumn(by string) string {
	switch by {
	case "amount":
		return "amount_cents"
	case "created":
		return "created_at"
	default:
		return "expense_date"
	}
}

func sortDirection(order string) string {
	if order == "asc" {
		return "ASC"
	}
	return "DESC"
}
