package backlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/logger"
	"github.com/armorclaw/errorhub/pkg/model"
)

// SQL is a database/sql backed backlog
type SQL struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	log     *logger.Logger

	// writeMu serializes Store so sequences commit in order
	writeMu sync.Mutex
}

// OpenSQL opens a SQL backlog. For the sqlite dialects dsn is a file path.
func OpenSQL(driver, dsn string, maxOpenConns int) (*SQL, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	if driver != DialectPostgres {
		if err := os.MkdirAll(filepath.Dir(dsn), 0750); err != nil {
			return nil, fmt.Errorf("failed to create backlog directory: %w", err)
		}
	}

	db, err := sql.Open(d.name, d.dsn(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	s := &SQL{
		db:      db,
		dialect: d,
		now:     time.Now,
		log:     logger.Global().WithComponent("backlog"),
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s.log.Info("backlog opened", "dialect", d.name)
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Store implements Backlog
func (s *SQL) Store(ctx context.Context, payload model.ErrorPayload) (model.ErrorPayload, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if payload.ReceivedAt.IsZero() {
		payload.ReceivedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ErrorPayload{}, herrors.ErrBacklog("Store", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO errors (source_id, error_type, message, detail, error_id, info_url, origin, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING sequence
	`),
		payload.SourceID,
		payload.Error.Type,
		payload.Error.Message,
		payload.Error.Detail,
		payload.ErrorID,
		payload.InfoURL,
		payload.Origin,
		payload.ReceivedAt.UnixNano(),
	).Scan(&payload.Sequence)
	if err != nil {
		return model.ErrorPayload{}, herrors.ErrBacklog("Store", err)
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO error_counters (application, error_type, measure)
		VALUES (?, ?, 1)
		ON CONFLICT (application, error_type) DO UPDATE SET measure = error_counters.measure + 1
	`), payload.SourceID, payload.Error.Type)
	if err != nil {
		return model.ErrorPayload{}, herrors.ErrBacklog("Store", err)
	}

	if err := tx.Commit(); err != nil {
		return model.ErrorPayload{}, herrors.ErrBacklog("Store", err)
	}

	return payload, nil
}

// GetApplicationsRecap implements Backlog. Counters and the watermark are
// read in one transaction so the recap reflects a single instant.
func (s *SQL) GetApplicationsRecap(ctx context.Context, apps []string, measure Measure) (model.Recap, error) {
	apps = normalizeApps(apps)
	if len(apps) == 0 {
		return buildRecap(apps, nil, s.now().UTC(), 0), nil
	}

	tx, err := s.db.BeginTx(ctx, s.dialect.readOpts)
	if err != nil {
		return model.Recap{}, herrors.ErrBacklog("GetApplicationsRecap", err)
	}
	defer tx.Rollback()

	var watermark int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) FROM errors").Scan(&watermark); err != nil {
		return model.Recap{}, herrors.ErrBacklog("GetApplicationsRecap", err)
	}

	args := make([]any, len(apps))
	for i, a := range apps {
		args[i] = a
	}

	var measures map[model.MeasureKey]int
	if measure == nil {
		measures, err = s.readCounters(ctx, tx, args)
	} else {
		var payloads []model.ErrorPayload
		payloads, err = s.readPayloads(ctx, tx,
			"WHERE source_id IN ("+placeholders(len(args))+") AND sequence <= ? ORDER BY sequence",
			append(args, watermark)...)
		if err == nil {
			measures = applyMeasure(payloads, measure)
		}
	}
	if err != nil {
		return model.Recap{}, herrors.ErrBacklog("GetApplicationsRecap", err)
	}

	return buildRecap(apps, measures, s.now().UTC(), watermark), nil
}

func (s *SQL) readCounters(ctx context.Context, tx *sql.Tx, apps []any) (map[model.MeasureKey]int, error) {
	rows, err := tx.QueryContext(ctx, s.dialect.rebind(
		"SELECT application, error_type, measure FROM error_counters WHERE application IN ("+placeholders(len(apps))+")"),
		apps...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	measures := make(map[model.MeasureKey]int)
	for rows.Next() {
		var key model.MeasureKey
		var m int
		if err := rows.Scan(&key.Application, &key.Type, &m); err != nil {
			return nil, err
		}
		measures[key] = m
	}
	return measures, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQL) readPayloads(ctx context.Context, q querier, where string, args ...any) ([]model.ErrorPayload, error) {
	rows, err := q.QueryContext(ctx, s.dialect.rebind(`
		SELECT sequence, source_id, error_type, message, detail, error_id, info_url, origin, received_at
		FROM errors `+where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payloads := []model.ErrorPayload{}
	for rows.Next() {
		var p model.ErrorPayload
		var received int64
		if err := rows.Scan(
			&p.Sequence,
			&p.SourceID,
			&p.Error.Type,
			&p.Error.Message,
			&p.Error.Detail,
			&p.ErrorID,
			&p.InfoURL,
			&p.Origin,
			&received,
		); err != nil {
			return nil, err
		}
		p.ReceivedAt = time.Unix(0, received).UTC()
		payloads = append(payloads, p)
	}
	return payloads, rows.Err()
}

// Since implements Backlog
func (s *SQL) Since(ctx context.Context, after int64, limit int) ([]model.ErrorPayload, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	payloads, err := s.readPayloads(ctx, s.db, "WHERE sequence > ? ORDER BY sequence LIMIT ?", after, limit)
	if err != nil {
		return nil, herrors.ErrBacklog("Since", err)
	}
	return payloads, nil
}

// Stats implements Backlog
func (s *SQL) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(MAX(sequence), 0), COUNT(DISTINCT source_id) FROM errors",
	).Scan(&st.Errors, &st.LastSequence, &st.Applications)
	if err != nil {
		return Stats{}, herrors.ErrBacklog("Stats", err)
	}
	return st, nil
}

// Ping implements Backlog
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Backlog
func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
