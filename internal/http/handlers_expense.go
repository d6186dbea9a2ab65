package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"spendlog/internal/core"
	"spendlog/internal/services"
	"spendlog/internal/storage"
)

type createExpenseRequest struct {
	Amount         string `json:"amount"`
	Category       string `json:"category"`
	Description    string `json:"description"`
	Date           string `json:"date"`
	IdempotencyKey string `json:"idempotency_key"`
}

type expenseJSON struct {
	ID          int64  `json:"id"`
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Date        string `json:"date"`
	CreatedAt   string `json:"created_at"`
}

type writeResponse struct {
	Outcome string      `json:"outcome"`
	Expense expenseJSON `json:"expense"`
}

type listResponse struct {
	Expenses []expenseJSON `json:"expenses"`
}

type deleteResponse struct {
	Outcome string       `json:"outcome"`
	Expense *expenseJSON `json:"expense,omitempty"`
}

type summaryJSON struct {
	Year       int                   `json:"year"`
	Month      int                   `json:"month"`
	Total      string                `json:"total"`
	ByCategory []categorySummaryJSON `json:"by_category"`
}

type categorySummaryJSON struct {
	Category string `json:"category"`
	Total    string `json:"total"`
}

func toExpenseJSON(rec core.Record) expenseJSON {
	return expenseJSON{
		ID:          rec.ID,
		Amount:      rec.Expense.Amount.Decimal(),
		Category:    rec.Expense.Category,
		Description: rec.Expense.Description,
		Date:        rec.Expense.Date.String(),
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request, owner string) {
	var req createExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.ErrorContext(r.Context(), "Parse request body error", "error", err, "url", r.URL.Path)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The header wins over the body field when both are set.
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}

	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid amount")
		return
	}
	date, err := core.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid date, want YYYY-MM-DD")
		return
	}

	exp := core.Expense{
		Date:        date,
		Description: sanitizeInput(req.Description),
		Amount:      core.Money{Cents: cents},
		Category:    sanitizeInput(req.Category),
	}

	rec, outcome, err := s.service.Write(r.Context(), owner, key, exp)
	if err != nil {
		switch {
		case isValidationError(err):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, services.ErrWriteContention):
			// The caller's own retry with the same key will resolve it.
			writeError(w, http.StatusServiceUnavailable, "concurrent write in progress, retry")
		default:
			slog.ErrorContext(r.Context(), "Failed to save expense",
				"error", err,
				"owner", owner,
				"expense_description", exp.Description,
				"amount_cents", exp.Amount.Cents)
			writeError(w, http.StatusInternalServerError, "error saving expense")
		}
		return
	}

	s.invalidateSummary(owner, rec.Expense.Date.Year(), rec.Expense.Date.Month())

	status := http.StatusOK
	if outcome == services.OutcomeCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, writeResponse{
		Outcome: string(outcome),
		Expense: toExpenseJSON(rec),
	})
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request, owner string) {
	q := r.URL.Query()
	filter := storage.ListFilter{
		Category: sanitizeInput(q.Get("category")),
		SortBy:   strings.TrimSpace(q.Get("sort")),
		Order:    strings.TrimSpace(q.Get("order")),
	}
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		d, err := core.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid 'from' date, want YYYY-MM-DD")
			return
		}
		filter.From = d
	}
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		d, err := core.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid 'to' date, want YYYY-MM-DD")
			return
		}
		filter.To = d
	}

	records, err := s.service.List(r.Context(), owner, filter)
	if err != nil {
		slog.ErrorContext(r.Context(), "List expenses error", "error", err, "owner", owner)
		writeError(w, http.StatusInternalServerError, "error listing expenses")
		return
	}

	resp := listResponse{Expenses: make([]expenseJSON, 0, len(records))}
	for _, rec := range records {
		resp.Expenses = append(resp.Expenses, toExpenseJSON(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMonthSummary(w http.ResponseWriter, r *http.Request, owner string) {
	year, month := parseYearMonth(r)
	if month < 1 || month > 12 {
		writeError(w, http.StatusUnprocessableEntity, "invalid month")
		return
	}

	key := s.summaryCacheKey(owner, year, month)
	summary, found := s.summaryCache.Get(key)
	if !found {
		var err error
		summary, err = s.service.MonthSummary(r.Context(), owner, year, month)
		if err != nil {
			slog.ErrorContext(r.Context(), "Month summary error", "error", err, "owner", owner, "year", year, "month", month)
			writeError(w, http.StatusInternalServerError, "error computing summary")
			return
		}
		s.summaryCache.Set(key, summary)
	}

	resp := summaryJSON{
		Year:       summary.Year,
		Month:      summary.Month,
		Total:      summary.Total.Decimal(),
		ByCategory: make([]categorySummaryJSON, 0, len(summary.ByCategory)),
	}
	for _, ca := range summary.ByCategory {
		resp.ByCategory = append(resp.ByCategory, categorySummaryJSON{
			Category: ca.Name,
			Total:    ca.Amount.Decimal(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request, owner string) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid expense id")
		return
	}

	rec, deleted, err := s.service.Delete(r.Context(), owner, id)
	if err != nil {
		slog.ErrorContext(r.Context(), "Delete expense error", "error", err, "owner", owner, "id", id)
		writeError(w, http.StatusInternalServerError, "error deleting expense")
		return
	}

	// A missing or foreign record is a benign outcome: deleting twice is a
	// no-op, so the second call reports not_found with a 200.
	if !deleted {
		writeJSON(w, http.StatusOK, deleteResponse{Outcome: "not_found"})
		return
	}

	s.invalidateSummary(owner, rec.Expense.Date.Year(), rec.Expense.Date.Month())
	exp := toExpenseJSON(rec)
	writeJSON(w, http.StatusOK, deleteResponse{Outcome: "deleted", Expense: &exp})
}

func isValidationError(err error) bool {
	return errors.Is(err, core.ErrInvalidDate) ||
		errors.Is(err, core.ErrInvalidAmount) ||
		errors.Is(err, core.ErrEmptyDescription) ||
		errors.Is(err, core.ErrDescriptionTooLong) ||
		errors.Is(err, core.ErrEmptyCategory) ||
		errors.Is(err, core.ErrEmptyKey)
}
