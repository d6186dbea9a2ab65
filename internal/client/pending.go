package client

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// AccountScope derives the client-side owner scope for the active account.
// The credential itself never touches the pending file; only this digest
// does, and changing server or token changes the scope so a leftover record
// from another account is treated as foreign.
func AccountScope(serverURL, token string) string {
	sum := sha256.Sum256([]byte(serverURL + "|" + token))
	return hex.EncodeToString(sum[:8])
}

// PendingSubmission is the durable record of a not-yet-confirmed mutation.
// At most one exists at a time: a new submission supersedes an old
// unconfirmed one rather than queuing behind it.
type PendingSubmission struct {
	Owner       string    `json:"owner"`
	Key         string    `json:"idempotency_key"`
	Amount      string    `json:"amount"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Date        string    `json:"date"`
	SavedAt     time.Time `json:"saved_at"`
}

// PendingStore keeps the single pending-submission slot in a JSON file that
// survives process restarts.
type PendingStore struct {
	path string
}

func NewPendingStore(dir string) *PendingStore {
	return &PendingStore{path: filepath.Join(dir, "pending.json")}
}

// Save writes the pending record, replacing any prior one unconditionally.
// The write goes through a temp file so a crash mid-write never leaves a
// half-written slot behind.
func (s *PendingStore) Save(p PendingSubmission) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending submission: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write pending submission: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit pending submission: %w", err)
	}
	return nil
}

// Load returns the stored record only if it belongs to owner. A record saved
// under a different account is foreign: it is purged and reported absent, so
// it can never be replayed against the wrong owner. Undecodable content is
// treated the same way.
func (s *PendingStore) Load(owner string) (PendingSubmission, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to read pending submission", "path", s.path, "error", err)
		}
		return PendingSubmission{}, false
	}

	var p PendingSubmission
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("Purging corrupted pending submission", "path", s.path, "error", err)
		_ = s.Clear()
		return PendingSubmission{}, false
	}

	if p.Owner != owner {
		slog.Warn("Purging pending submission for different owner",
			"stored_owner", p.Owner, "active_owner", owner)
		_ = s.Clear()
		return PendingSubmission{}, false
	}

	return p, true
}

// Clear removes the stored record unconditionally.
func (s *PendingStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pending submission: %w", err)
	}
	return nil
}
