// Package outbox is a persistent FIFO of outbound federation frames backed by
// SQLite in WAL mode. Frames survive restarts and bus outages; failed
// deliveries are retried with exponential backoff and moved to a dead letter
// state after too many attempts.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/logger"
)

// ErrCircuitOpen is returned while the circuit breaker refuses calls
var ErrCircuitOpen = errors.New("outbox circuit breaker is open")

// Config configures an outbox
type Config struct {
	// DBPath is the sqlite file; empty keeps the outbox in memory
	DBPath string
	// Peer labels metrics and logs
	Peer string

	MaxAttempts    int
	MaxDepth       int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	BatchMaxSize   int

	CircuitBreakerThreshold int           // consecutive failures before opening
	CircuitBreakerTimeout   time.Duration // time to wait before probing again
}

// Status is the state of a stored message
type Status string

const (
	StatusPending  Status = "pending"
	StatusInflight Status = "inflight"
	StatusFailed   Status = "failed"
	StatusAcked    Status = "acked"
)

// Message is one stored frame
type Message struct {
	ID          string
	Kind        string
	Body        []byte
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	NextRetry   time.Time
	LastAttempt time.Time
	LastError   string
	Status      Status
}

// Stats counts messages per state
type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Inflight int `json:"inflight"`
	Failed   int `json:"failed"`
	Acked    int `json:"acked"`
}

// HealthStatus summarizes the outbox for health checks
type HealthStatus struct {
	Healthy      bool   `json:"healthy"`
	Status       string `json:"status"`
	Pending      int    `json:"pending"`
	Inflight     int    `json:"inflight"`
	Failed       int    `json:"failed"`
	CircuitState string `json:"circuit_state"`
	LastFailure  string `json:"last_failure,omitempty"`
	Uptime       string `json:"uptime"`
}

// Outbox is a persistent message queue
type Outbox struct {
	cfg       Config
	db        *sql.DB
	metrics   *Metrics
	breaker   *CircuitBreaker
	log       *logger.Logger
	startTime time.Time
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	body BLOB NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	next_retry INTEGER NOT NULL DEFAULT 0,
	last_attempt INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status, next_retry, seq);
CREATE TABLE IF NOT EXISTS outbox_meta (key TEXT PRIMARY KEY, value TEXT);
INSERT OR REPLACE INTO outbox_meta (key, value) VALUES ('schema_version', '1');
`

// Open opens or creates an outbox. Messages left in flight by a previous
// process are returned to pending.
func Open(ctx context.Context, cfg Config) (*Outbox, error) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 100000
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.BatchMaxSize == 0 {
		cfg.BatchMaxSize = 100
	}
	if cfg.CircuitBreakerThreshold == 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout == 0 {
		cfg.CircuitBreakerTimeout = time.Minute
	}
	if cfg.Peer == "" {
		cfg.Peer = "default"
	}

	db, err := sql.Open("sqlite", dsn(cfg.DBPath))
	if err != nil {
		return nil, herrors.ErrOutbox("Open", err)
	}
	// one connection serializes writers and keeps an in-memory database alive
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, herrors.ErrOutbox("Open", fmt.Errorf("create schema: %w", err))
	}

	o := &Outbox{
		cfg:       cfg,
		db:        db,
		metrics:   NewMetrics(cfg.Peer),
		breaker:   newCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout),
		log:       logger.Global().WithComponent("outbox").WithPeer(cfg.Peer),
		startTime: time.Now(),
		now:       time.Now,
	}

	res, err := db.ExecContext(ctx, "UPDATE messages SET status = 'pending' WHERE status = 'inflight'")
	if err != nil {
		db.Close()
		return nil, herrors.ErrOutbox("Open", fmt.Errorf("recover in-flight: %w", err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		o.log.Info("recovered in-flight messages", "count", n)
	}
	o.refreshGauges(ctx)
	return o, nil
}

func dsn(path string) string {
	if path == "" || path == ":memory:" {
		return "file::memory:?_pragma=busy_timeout(5000)"
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

// Metrics returns the metrics collector
func (o *Outbox) Metrics() *Metrics { return o.metrics }

// Enqueue stores a frame of the given kind and returns its ID
func (o *Outbox) Enqueue(ctx context.Context, kind string, body []byte) (string, error) {
	if err := o.guard(); err != nil {
		return "", err
	}

	stats, err := o.Stats(ctx)
	if err == nil && stats.Pending >= o.cfg.MaxDepth {
		return "", herrors.ErrOutbox("Enqueue", fmt.Errorf("depth exceeded: %d >= %d", stats.Pending, o.cfg.MaxDepth))
	}

	id := uuid.NewString()
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO messages (id, kind, body, max_attempts, created_at, next_retry, status)
		VALUES (?, ?, ?, ?, ?, 0, 'pending')`,
		id, kind, body, o.cfg.MaxAttempts, o.now().UnixNano())
	if err != nil {
		o.breaker.recordFailure()
		return "", herrors.ErrOutbox("Enqueue", err)
	}

	o.breaker.recordSuccess()
	o.metrics.RecordEnqueued()
	if stats != nil {
		o.metrics.UpdateGauges(stats.Pending+1, stats.Inflight, stats.Failed)
	}
	return id, nil
}

// Dequeue marks the oldest due pending message in flight and returns it.
// ok is false when nothing is due.
func (o *Outbox) Dequeue(ctx context.Context) (msg *Message, ok bool, err error) {
	batch, err := o.DequeueBatch(ctx, 1)
	if err != nil || len(batch) == 0 {
		return nil, false, err
	}
	return batch[0], true, nil
}

// DequeueBatch marks up to n due pending messages in flight, oldest first
func (o *Outbox) DequeueBatch(ctx context.Context, n int) ([]*Message, error) {
	if err := o.guard(); err != nil {
		return nil, err
	}
	if n <= 0 || n > o.cfg.BatchMaxSize {
		n = o.cfg.BatchMaxSize
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		o.breaker.recordFailure()
		return nil, herrors.ErrOutbox("Dequeue", err)
	}
	defer tx.Rollback()

	now := o.now()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, body, attempts, max_attempts, created_at, next_retry, last_attempt, last_error
		FROM messages
		WHERE status = 'pending' AND next_retry <= ?
		ORDER BY seq ASC
		LIMIT ?`, now.UnixNano(), n)
	if err != nil {
		o.breaker.recordFailure()
		return nil, herrors.ErrOutbox("Dequeue", err)
	}

	var batch []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, herrors.ErrOutbox("Dequeue", err)
		}
		batch = append(batch, msg)
	}
	if err := rows.Close(); err != nil {
		return nil, herrors.ErrOutbox("Dequeue", err)
	}
	if err := rows.Err(); err != nil {
		return nil, herrors.ErrOutbox("Dequeue", err)
	}

	for _, msg := range batch {
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET status = 'inflight', last_attempt = ? WHERE id = ?",
			now.UnixNano(), msg.ID); err != nil {
			o.breaker.recordFailure()
			return nil, herrors.ErrOutbox("Dequeue", err)
		}
		msg.Status = StatusInflight
		msg.LastAttempt = now
	}

	if err := tx.Commit(); err != nil {
		o.breaker.recordFailure()
		return nil, herrors.ErrOutbox("Dequeue", err)
	}

	o.breaker.recordSuccess()
	for _, msg := range batch {
		o.metrics.RecordDequeued(now.Sub(msg.CreatedAt))
	}
	if len(batch) > 0 {
		o.refreshGauges(ctx)
	}
	return batch, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var msg Message
	var createdAt, nextRetry, lastAttempt int64
	if err := row.Scan(&msg.ID, &msg.Kind, &msg.Body, &msg.Attempts, &msg.MaxAttempts,
		&createdAt, &nextRetry, &lastAttempt, &msg.LastError); err != nil {
		return nil, err
	}
	msg.CreatedAt = time.Unix(0, createdAt)
	if nextRetry > 0 {
		msg.NextRetry = time.Unix(0, nextRetry)
	}
	if lastAttempt > 0 {
		msg.LastAttempt = time.Unix(0, lastAttempt)
	}
	msg.Status = StatusPending
	return &msg, nil
}

// Ack marks an in-flight message delivered
func (o *Outbox) Ack(ctx context.Context, id string) error {
	if o.isClosed() {
		return herrors.ErrOutbox("Ack", errors.New("outbox is shut down"))
	}

	res, err := o.db.ExecContext(ctx, "UPDATE messages SET status = 'acked' WHERE id = ? AND status = 'inflight'", id)
	if err != nil {
		o.breaker.recordFailure()
		return herrors.ErrOutbox("Ack", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return herrors.ErrOutbox("Ack", fmt.Errorf("message %s not found or not in flight", id))
	}

	o.breaker.recordSuccess()
	o.metrics.RecordAcked()
	return nil
}

// Nack records a failed delivery. The message is retried after an
// exponential backoff, or moved to the dead letter state once it has used
// all of its attempts; dead reports which happened.
func (o *Outbox) Nack(ctx context.Context, id string, cause error) (dead bool, err error) {
	if o.isClosed() {
		return false, herrors.ErrOutbox("Nack", errors.New("outbox is shut down"))
	}

	var attempts, maxAttempts int
	err = o.db.QueryRowContext(ctx,
		"SELECT attempts, max_attempts FROM messages WHERE id = ? AND status = 'inflight'", id).
		Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, herrors.ErrOutbox("Nack", fmt.Errorf("message %s not found or not in flight", id))
	}
	if err != nil {
		o.breaker.recordFailure()
		return false, herrors.ErrOutbox("Nack", err)
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	attempts++

	if attempts >= maxAttempts {
		if _, err := o.db.ExecContext(ctx,
			"UPDATE messages SET status = 'failed', attempts = ?, last_error = ? WHERE id = ?",
			attempts, reason, id); err != nil {
			o.breaker.recordFailure()
			return false, herrors.ErrOutbox("Nack", err)
		}
		o.metrics.RecordDeadLettered()
		o.log.Warn("message dead-lettered", "id", id, "attempts", attempts, "error", reason)
		o.refreshGauges(ctx)
		return true, nil
	}

	next := o.nextRetry(attempts)
	if _, err := o.db.ExecContext(ctx,
		"UPDATE messages SET status = 'pending', attempts = ?, next_retry = ?, last_error = ? WHERE id = ?",
		attempts, next.UnixNano(), reason, id); err != nil {
		o.breaker.recordFailure()
		return false, herrors.ErrOutbox("Nack", err)
	}

	o.breaker.recordSuccess()
	o.metrics.RecordRetried()
	return false, nil
}

// Release returns in-flight messages to pending without counting an attempt,
// used when the connection drops before a batch was written
func (o *Outbox) Release(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := "UPDATE messages SET status = 'pending' WHERE status = 'inflight' AND id IN (?" +
		strings.Repeat(", ?", len(ids)-1) + ")"
	if _, err := o.db.ExecContext(ctx, q, args...); err != nil {
		return herrors.ErrOutbox("Release", err)
	}
	return nil
}

// nextRetry computes the next attempt time: base * 2^(attempt-1), capped,
// with 10% jitter
func (o *Outbox) nextRetry(attempt int) time.Time {
	backoff := float64(o.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if backoff > float64(o.cfg.RetryMaxDelay) {
		backoff = float64(o.cfg.RetryMaxDelay)
	}
	jitter := backoff * 0.10 * (rand.Float64()*2 - 1)
	return o.now().Add(time.Duration(backoff + jitter))
}

// DeadLetters returns up to limit dead-lettered messages, oldest first
func (o *Outbox) DeadLetters(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, kind, body, attempts, max_attempts, created_at, next_retry, last_attempt, last_error
		FROM messages WHERE status = 'failed' ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, herrors.ErrOutbox("DeadLetters", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, herrors.ErrOutbox("DeadLetters", err)
		}
		msg.Status = StatusFailed
		out = append(out, msg)
	}
	return out, rows.Err()
}

// RetryDeadLetters moves every dead letter back to pending with a fresh
// attempt budget
func (o *Outbox) RetryDeadLetters(ctx context.Context) (int, error) {
	res, err := o.db.ExecContext(ctx,
		"UPDATE messages SET status = 'pending', attempts = 0, next_retry = 0 WHERE status = 'failed'")
	if err != nil {
		return 0, herrors.ErrOutbox("RetryDeadLetters", err)
	}
	n, _ := res.RowsAffected()
	o.metrics.RecordDeadRetried(int(n))
	o.refreshGauges(ctx)
	return int(n), nil
}

// PurgeDeadLetters deletes every dead letter
func (o *Outbox) PurgeDeadLetters(ctx context.Context) (int, error) {
	res, err := o.db.ExecContext(ctx, "DELETE FROM messages WHERE status = 'failed'")
	if err != nil {
		return 0, herrors.ErrOutbox("PurgeDeadLetters", err)
	}
	n, _ := res.RowsAffected()
	o.metrics.RecordDeadPurged(int(n))
	o.refreshGauges(ctx)
	return int(n), nil
}

// CleanupAcked deletes delivered messages created before cutoff
func (o *Outbox) CleanupAcked(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := o.db.ExecContext(ctx,
		"DELETE FROM messages WHERE status = 'acked' AND created_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, herrors.ErrOutbox("CleanupAcked", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats counts messages per state
func (o *Outbox) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := o.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'inflight' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COUNT(CASE WHEN status = 'acked' THEN 1 END),
			COUNT(*)
		FROM messages`).Scan(&s.Pending, &s.Inflight, &s.Failed, &s.Acked, &s.Total)
	if err != nil {
		return nil, herrors.ErrOutbox("Stats", err)
	}
	return &s, nil
}

// Health summarizes the outbox state
func (o *Outbox) Health(ctx context.Context) (*HealthStatus, error) {
	if o.isClosed() {
		return &HealthStatus{Healthy: false, Status: "shutdown"}, nil
	}

	stats, err := o.Stats(ctx)
	if err != nil {
		return &HealthStatus{Healthy: false, Status: "error"}, err
	}
	o.metrics.UpdateGauges(stats.Pending, stats.Inflight, stats.Failed)

	state := o.breaker.State()
	h := &HealthStatus{
		Pending:      stats.Pending,
		Inflight:     stats.Inflight,
		Failed:       stats.Failed,
		CircuitState: state.String(),
		Uptime:       time.Since(o.startTime).Round(time.Second).String(),
	}
	if last := o.breaker.LastFailure(); !last.IsZero() {
		h.LastFailure = last.Format(time.RFC3339)
	}

	switch {
	case state == CircuitOpen:
		h.Status = "unhealthy"
	case stats.Pending >= o.cfg.MaxDepth || stats.Failed > 0:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
		h.Healthy = true
	}
	return h, nil
}

// Shutdown closes the database
func (o *Outbox) Shutdown(context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	if err := o.db.Close(); err != nil {
		return herrors.ErrOutbox("Shutdown", err)
	}
	return nil
}

func (o *Outbox) guard() error {
	if o.isClosed() {
		return herrors.ErrOutbox("guard", errors.New("outbox is shut down"))
	}
	if !o.breaker.allow() {
		return ErrCircuitOpen
	}
	return nil
}

func (o *Outbox) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

func (o *Outbox) refreshGauges(ctx context.Context) {
	if stats, err := o.Stats(ctx); err == nil {
		o.metrics.UpdateGauges(stats.Pending, stats.Inflight, stats.Failed)
	}
}
