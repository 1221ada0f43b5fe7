package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CallRecord is one finished hold-music call.
type CallRecord struct {
	ID            int64      `json:"id"`
	CallID        string     `json:"call_id"`
	Source        string     `json:"source"`
	FromHeader    string     `json:"from"`
	ToHeader      string     `json:"to"`
	MediaTarget   string     `json:"media_target"`
	RTPPort       int        `json:"rtp_port"`
	StartedAt     time.Time  `json:"started_at"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
	EndedAt       time.Time  `json:"ended_at"`
	StreamSeconds int        `json:"stream_seconds"`
	Reason        string     `json:"reason"`
}

// HistoryRepository reads and writes call history rows.
type HistoryRepository struct {
	db *DB
}

// NewHistoryRepository creates a repository backed by db.
func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Create inserts a call record and sets its ID. Timestamps are stored in
// UTC so they compare correctly as text.
func (r *HistoryRepository) Create(ctx context.Context, rec *CallRecord) error {
	var answeredAt *time.Time
	if rec.AnsweredAt != nil {
		t := rec.AnsweredAt.UTC()
		answeredAt = &t
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_history (call_id, source, from_header, to_header,
		 media_target, rtp_port, started_at, answered_at, ended_at,
		 stream_seconds, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.Source, rec.FromHeader, rec.ToHeader,
		rec.MediaTarget, rec.RTPPort, rec.StartedAt.UTC(), answeredAt, rec.EndedAt.UTC(),
		rec.StreamSeconds, rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// List returns the most recent records, newest first.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]CallRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, source, from_header, to_header, media_target,
		 rtp_port, started_at, answered_at, ended_at, stream_seconds, reason
		 FROM call_history ORDER BY ended_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call history: %w", err)
	}
	defer rows.Close()

	records := []CallRecord{}
	for rows.Next() {
		var c CallRecord
		if err := rows.Scan(&c.ID, &c.CallID, &c.Source, &c.FromHeader, &c.ToHeader,
			&c.MediaTarget, &c.RTPPort, &c.StartedAt, &c.AnsweredAt, &c.EndedAt,
			&c.StreamSeconds, &c.Reason); err != nil {
			return nil, fmt.Errorf("scanning call history row: %w", err)
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call history rows: %w", err)
	}
	return records, nil
}

// CountByReason returns the number of recorded calls per end reason.
func (r *HistoryRepository) CountByReason(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT reason, COUNT(*) FROM call_history GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("counting call history: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scanning call history count: %w", err)
		}
		counts[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call history counts: %w", err)
	}
	return counts, nil
}

// DeleteBefore removes records of calls that ended before cutoff and
// returns how many were removed.
func (r *HistoryRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM call_history WHERE ended_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired call history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting deleted row count: %w", err)
	}
	return n, nil
}

// historyQueueSize bounds records waiting to be written.
const historyQueueSize = 256

// HistoryWriter persists call records off the caller's goroutine. Record
// never blocks; records arriving while the queue is full are dropped.
type HistoryWriter struct {
	repo   *HistoryRepository
	queue  chan CallRecord
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewHistoryWriter creates a writer. Call Run to start writing.
func NewHistoryWriter(repo *HistoryRepository, logger *slog.Logger) *HistoryWriter {
	return &HistoryWriter{
		repo:   repo,
		queue:  make(chan CallRecord, historyQueueSize),
		logger: logger.With("subsystem", "history"),
		done:   make(chan struct{}),
	}
}

// Record queues rec for writing.
func (w *HistoryWriter) Record(rec CallRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	select {
	case w.queue <- rec:
	default:
		w.logger.Warn("call history queue full, dropping record", "call_id", rec.CallID)
	}
}

// Run writes queued records until Close is called and the queue drains.
func (w *HistoryWriter) Run() {
	defer close(w.done)
	for rec := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.repo.Create(ctx, &rec); err != nil {
			w.logger.Error("writing call history", "call_id", rec.CallID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting records and waits for Run to write what is queued,
// or for ctx to end.
func (w *HistoryWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
