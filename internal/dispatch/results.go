package dispatch

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeRetriedExhausted Outcome = "retriedExhausted"
	OutcomePermanentFailure Outcome = "permanentFailure"
)

// Result is the terminal record of one dispatched job. Immutable once
// stored; a redelivered correlation id gets this record back instead of
// a second printer write.
type Result struct {
	CorrelationID string    `json:"correlation_id"`
	Printer       string    `json:"printer"`
	Outcome       Outcome   `json:"outcome"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Results is the idempotency record set: an in-memory recency-bounded
// map backed by the dispatch_results table so the contract survives a
// restart. Retention bounds both sides.
type Results struct {
	db        *sql.DB
	retention int

	mu    sync.RWMutex
	byID  map[string]*Result
	order []string
}

func NewResults(db *sql.DB, retention int) (*Results, error) {
	if retention < 1 {
		retention = 1000
	}
	r := &Results{
		db:        db,
		retention: retention,
		byID:      make(map[string]*Result),
	}
	if err := r.warm(); err != nil {
		return nil, err
	}
	return r, nil
}

// warm loads the newest persisted results so idempotency holds across a
// process restart.
func (r *Results) warm() error {
	rows, err := r.db.Query(`
		SELECT correlation_id, printer, outcome, attempts, last_error, finished_at
		FROM dispatch_results
		ORDER BY finished_at ASC, rowid ASC
	`)
	if err != nil {
		return fmt.Errorf("load dispatch results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		res := &Result{}
		if err := rows.Scan(&res.CorrelationID, &res.Printer, &res.Outcome, &res.Attempts, &res.LastError, &res.FinishedAt); err != nil {
			return fmt.Errorf("scan dispatch result: %w", err)
		}
		r.byID[res.CorrelationID] = res
		r.order = append(r.order, res.CorrelationID)
	}
	return rows.Err()
}

// Lookup returns the terminal result for a correlation id, if any.
func (r *Results) Lookup(correlationID string) (*Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.byID[correlationID]
	return res, ok
}

// Record persists a terminal result. It must complete before the event
// is acknowledged upstream so a crash in between redelivers into an
// already-recorded id.
func (r *Results) Record(res *Result) error {
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}

	_, err := r.db.Exec(`
		INSERT INTO dispatch_results (correlation_id, printer, outcome, attempts, last_error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING
	`, res.CorrelationID, res.Printer, res.Outcome, res.Attempts, res.LastError, res.FinishedAt)
	if err != nil {
		return fmt.Errorf("persist dispatch result %s: %w", res.CorrelationID, err)
	}

	r.mu.Lock()
	if _, exists := r.byID[res.CorrelationID]; !exists {
		r.byID[res.CorrelationID] = res
		r.order = append(r.order, res.CorrelationID)
	}
	var evicted []string
	for len(r.order) > r.retention {
		old := r.order[0]
		r.order = r.order[1:]
		delete(r.byID, old)
		evicted = append(evicted, old)
	}
	r.mu.Unlock()

	for _, id := range evicted {
		if _, err := r.db.Exec("DELETE FROM dispatch_results WHERE correlation_id = ?", id); err != nil {
			return fmt.Errorf("prune dispatch result %s: %w", id, err)
		}
	}
	return nil
}

// Recent returns up to limit results, newest first.
func (r *Results) Recent(limit int) []*Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.order) {
		limit = len(r.order)
	}
	out := make([]*Result, 0, limit)
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.byID[r.order[i]])
	}
	return out
}

// Len reports how many results are held in memory.
func (r *Results) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
