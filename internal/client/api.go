package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIClient talks to the spendlog server's JSON API.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// ExpenseInfo mirrors the server's expense representation.
type ExpenseInfo struct {
	ID          int64  `json:"id"`
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Date        string `json:"date"`
	CreatedAt   string `json:"created_at"`
}

// WriteResult is the server's answer to an idempotent write: the canonical
// record for the key, tagged created or existing.
type WriteResult struct {
	Outcome string      `json:"outcome"`
	Expense ExpenseInfo `json:"expense"`
}

// SummaryInfo is one month's totals.
type SummaryInfo struct {
	Year       int    `json:"year"`
	Month      int    `json:"month"`
	Total      string `json:"total"`
	ByCategory []struct {
		Category string `json:"category"`
		Total    string `json:"total"`
	} `json:"by_category"`
}

// DeleteResult reports the benign outcome of a delete: deleted or not_found.
type DeleteResult struct {
	Outcome string       `json:"outcome"`
	Expense *ExpenseInfo `json:"expense,omitempty"`
}

// ListQuery narrows and orders a listing.
type ListQuery struct {
	Category string
	From     string
	To       string
	SortBy   string
	Order    string
}

// CreateExpense submits one expense under its idempotency key. The key rides
// in the Idempotency-Key header; resubmitting with the same key is safe.
func (c *APIClient) CreateExpense(ctx context.Context, sub PendingSubmission) (WriteResult, error) {
	body, err := json.Marshal(map[string]string{
		"amount":      sub.Amount,
		"category":    sub.Category,
		"description": sub.Description,
		"date":        sub.Date,
	})
	if err != nil {
		return WriteResult{}, fmt.Errorf("marshal expense: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/expenses", bytes.NewReader(body))
	if err != nil {
		return WriteResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sub.Key)
	c.authorize(req)

	var result WriteResult
	if err := c.do(req, &result); err != nil {
		return WriteResult{}, err
	}
	return result, nil
}

// ListExpenses fetches the caller's expenses per the query.
func (c *APIClient) ListExpenses(ctx context.Context, q ListQuery) ([]ExpenseInfo, error) {
	vals := url.Values{}
	if q.Category != "" {
		vals.Set("category", q.Category)
	}
	if q.From != "" {
		vals.Set("from", q.From)
	}
	if q.To != "" {
		vals.Set("to", q.To)
	}
	if q.SortBy != "" {
		vals.Set("sort", q.SortBy)
	}
	if q.Order != "" {
		vals.Set("order", q.Order)
	}

	u := c.baseURL + "/api/expenses"
	if len(vals) > 0 {
		u += "?" + vals.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	var result struct {
		Expenses []ExpenseInfo `json:"expenses"`
	}
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return result.Expenses, nil
}

// MonthSummary fetches one month's totals.
func (c *APIClient) MonthSummary(ctx context.Context, year, month int) (SummaryInfo, error) {
	u := fmt.Sprintf("%s/api/expenses/summary?year=%d&month=%d", c.baseURL, year, month)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return SummaryInfo{}, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	var result SummaryInfo
	if err := c.do(req, &result); err != nil {
		return SummaryInfo{}, err
	}
	return result, nil
}

// DeleteExpense removes one record by id. Repeating the call reports
// not_found rather than failing.
func (c *APIClient) DeleteExpense(ctx context.Context, id int64) (DeleteResult, error) {
	u := c.baseURL + "/api/expenses/" + strconv.FormatInt(id, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	var result DeleteResult
	if err := c.do(req, &result); err != nil {
		return DeleteResult{}, err
	}
	return result, nil
}

func (c *APIClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do runs the request and decodes the body into out. Error responses become
// *StatusError so callers can tell a server verdict from no response at all.
func (c *APIClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := ""
		var body struct {
			Error string `json:"error"`
		}
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
			if json.Unmarshal(data, &body) == nil {
				msg = body.Error
			}
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
