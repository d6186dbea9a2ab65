package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAPIClientCreateExpense(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/expenses" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(WriteResult{
			Outcome: "created",
			Expense: ExpenseInfo{ID: 7, Amount: "12.50"},
		})
	}))
	defer srv.Close()

	api := NewAPIClient(srv.URL, "secret", 5*time.Second)
	res, err := api.CreateExpense(context.Background(), testSubmission("alice"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Outcome != "created" || res.Expense.ID != 7 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotKey != "key-1" {
		t.Fatalf("expected idempotency key header, got %q", gotKey)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	// The key travels in the header only, never the body.
	if _, ok := gotBody["idempotency_key"]; ok {
		t.Fatal("key must not be duplicated in the body")
	}
}

func TestAPIClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid amount"}`))
	}))
	defer srv.Close()

	api := NewAPIClient(srv.URL, "secret", 5*time.Second)
	_, err := api.CreateExpense(context.Background(), testSubmission("alice"))

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusUnprocessableEntity || se.Message != "invalid amount" {
		t.Fatalf("unexpected status error: %+v", se)
	}
	if IsTransient(err) {
		t.Fatal("a 422 must not be treated as transient")
	}
}

func TestAPIClientNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	api := NewAPIClient(srv.URL, "secret", time.Second)
	_, err := api.CreateExpense(context.Background(), testSubmission("alice"))
	if err == nil {
		t.Fatal("expected a network error")
	}
	var se *StatusError
	if errors.As(err, &se) {
		t.Fatalf("no response arrived, must not be a StatusError: %v", err)
	}
	if !IsTransient(err) {
		t.Fatal("a network failure must be transient")
	}
}

func TestAPIClientListAndDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/expenses":
			if r.URL.Query().Get("category") != "Food" || r.URL.Query().Get("order") != "asc" {
				t.Errorf("unexpected query: %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"expenses":[{"id":1,"amount":"3.00"}]}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/expenses/1":
			_, _ = w.Write([]byte(`{"outcome":"deleted","expense":{"id":1}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	api := NewAPIClient(srv.URL, "secret", 5*time.Second)

	expenses, err := api.ListExpenses(context.Background(), ListQuery{Category: "Food", Order: "asc"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(expenses) != 1 || expenses[0].ID != 1 {
		t.Fatalf("unexpected expenses: %+v", expenses)
	}

	res, err := api.DeleteExpense(context.Background(), 1)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Outcome != "deleted" || res.Expense == nil || res.Expense.ID != 1 {
		t.Fatalf("unexpected delete result: %+v", res)
	}
}
