package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"spendlog/internal/core"
)

// State of the most recent submission.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
)

// Submitter performs the actual remote write. *APIClient implements it.
type Submitter interface {
	CreateExpense(ctx context.Context, sub PendingSubmission) (WriteResult, error)
}

// Draft is raw user input for one expense, not yet validated.
type Draft struct {
	Amount      string
	Category    string
	Description string
	Date        string
}

// ErrReplayAlreadyRun is returned when ReplayPending is called a second time
// within one activation.
var ErrReplayAlreadyRun = errors.New("pending replay already attempted this activation")

// Coordinator drives a submission from draft to confirmed persistence.
//
// The sequence is: validate, allocate a key, durably record the pending
// submission, send through the retrying transport, and clear the pending
// slot only once the server confirms. A transient failure leaves the slot
// intact so the next activation (or an explicit user retry) can resume it;
// resubmission with the same key cannot create a duplicate.
type Coordinator struct {
	api       Submitter
	pending   *PendingStore
	owner     string
	transport RetryingTransport

	// newKey is a seam for tests; defaults to NewKey.
	newKey func() string

	mu       sync.Mutex
	state    State
	replayed bool
}

func NewCoordinator(api Submitter, pending *PendingStore, owner string, transport RetryingTransport) *Coordinator {
	return &Coordinator{
		api:       api,
		pending:   pending,
		owner:     owner,
		transport: transport,
		newKey:    NewKey,
		state:     StateIdle,
	}
}

// State returns the state of the most recent submission.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Submit validates the draft, records it as pending and sends it. Validation
// failures never create a pending record and never reach the transport.
// Starting a new submission supersedes any older unconfirmed one: only the
// newest pending record is ever replayed.
func (c *Coordinator) Submit(ctx context.Context, d Draft) (WriteResult, error) {
	sub, err := c.buildSubmission(d)
	if err != nil {
		return WriteResult{}, err
	}

	if err := c.pending.Save(sub); err != nil {
		return WriteResult{}, fmt.Errorf("record pending submission: %w", err)
	}

	return c.send(ctx, sub)
}

// ReplayPending resubmits a leftover pending record from a previous session,
// at most once per activation even when the replay itself fails - after that
// it waits for explicit user action, so a broken record cannot cause an
// automatic retry loop. The stored key is reused; no new pending record is
// created.
func (c *Coordinator) ReplayPending(ctx context.Context) (*WriteResult, error) {
	c.mu.Lock()
	if c.replayed {
		c.mu.Unlock()
		return nil, ErrReplayAlreadyRun
	}
	c.replayed = true
	c.mu.Unlock()

	sub, ok := c.pending.Load(c.owner)
	if !ok {
		return nil, nil
	}

	slog.InfoContext(ctx, "Replaying pending submission from previous session",
		"idempotency_key", sub.Key,
		"saved_at", sub.SavedAt.Format(time.RFC3339))

	result, err := c.send(ctx, sub)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// HasPending reports whether a pending record exists for this owner.
func (c *Coordinator) HasPending() bool {
	_, ok := c.pending.Load(c.owner)
	return ok
}

func (c *Coordinator) send(ctx context.Context, sub PendingSubmission) (WriteResult, error) {
	c.setState(StateSubmitting)

	var result WriteResult
	err := c.transport.Do(ctx, func(ctx context.Context) error {
		r, err := c.api.CreateExpense(ctx, sub)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err == nil {
		if clearErr := c.pending.Clear(); clearErr != nil {
			slog.WarnContext(ctx, "Failed to clear confirmed pending submission", "error", clearErr)
		}
		c.setState(StateConfirmed)
		return result, nil
	}

	c.setState(StateFailed)

	var se *StatusError
	if errors.As(err, &se) && isDefinitiveRejection(se.StatusCode) {
		// The server rejected the request outright; replaying the same
		// payload can never succeed, so the slot must not survive.
		if clearErr := c.pending.Clear(); clearErr != nil {
			slog.WarnContext(ctx, "Failed to clear rejected pending submission", "error", clearErr)
		}
		return WriteResult{}, fmt.Errorf("submission rejected: %w", err)
	}

	// Transient failure: the pending record stays. Retrying is safe because
	// the idempotency key guarantees no duplicate will be created.
	return WriteResult{}, fmt.Errorf("submission not confirmed (safe to retry): %w", err)
}

// isDefinitiveRejection reports whether a 4xx verdict is final for this
// payload. Rate limiting (429, sent with Retry-After) and request timeouts
// (408) invite the very retry the pending slot exists for, so those keep it.
func isDefinitiveRejection(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	return code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}

func (c *Coordinator) buildSubmission(d Draft) (PendingSubmission, error) {
	cents, err := core.ParseDecimalToCents(d.Amount)
	if err != nil {
		return PendingSubmission{}, err
	}
	date, err := core.ParseDate(d.Date)
	if err != nil {
		return PendingSubmission{}, err
	}

	exp := core.Expense{
		Date:        date,
		Description: strings.TrimSpace(d.Description),
		Amount:      core.Money{Cents: cents},
		Category:    strings.TrimSpace(d.Category),
	}
	if err := exp.Validate(); err != nil {
		return PendingSubmission{}, err
	}

	return PendingSubmission{
		Owner:       c.owner,
		Key:         c.newKey(),
		Amount:      exp.Amount.Decimal(),
		Category:    exp.Category,
		Description: exp.Description,
		Date:        exp.Date.String(),
		SavedAt:     time.Now(),
	}, nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
