// Package pgstore implements the networked relational storage backend
// (spec §4.1) on jackc/pgx, using a database-side trigger to write the
// change-log row and fire a notification channel in the same
// transaction as the document mutation (spec §9).
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kartikbazzad/reactivedoc/internal/apperrors"
	"github.com/kartikbazzad/reactivedoc/internal/logger"
	"github.com/kartikbazzad/reactivedoc/internal/sqlcompile"
	"github.com/kartikbazzad/reactivedoc/internal/types"
)

const notifyChannel = "reactivedoc_changes"

// Store is the networked backend: a bounded pgxpool.Pool plus a single
// dedicated LISTEN connection feeding the change signal channel.
type Store struct {
	pool   *pgxpool.Pool
	signal chan struct{}
	log    *logger.Logger
	cancel context.CancelFunc
}

// Open connects to dsn, runs pending migrations from migrationsPath, and
// starts the LISTEN loop.
func Open(ctx context.Context, dsn string, poolSize int, migrationsPath string, log *logger.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendFatal, err)
	}
	cfg.MaxConns = int32(poolSize)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendFatal, err)
	}

	if migrationsPath != "" {
		m, err := migrate.New("file://"+migrationsPath, dsn)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendFatal, err)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			pool.Close()
			return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendFatal, err)
		}
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &Store{pool: pool, signal: make(chan struct{}, 1), log: log, cancel: cancel}
	go s.listenLoop(listenCtx)
	return s, nil
}

func (s *Store) Dialect() sqlcompile.Dialect { return sqlcompile.PostgresDialect{} }

func (s *Store) Close() error {
	s.cancel()
	s.pool.Close()
	return nil
}

func (s *Store) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Store) OpenChangeStream(ctx context.Context) (<-chan struct{}, error) {
	return s.signal, nil
}

// listenLoop holds one dedicated connection LISTENing on notifyChannel,
// reconnecting with bounded backoff if the connection drops (spec §4.2:
// "if the producer task dies, it restarts with backoff").
func (s *Store) listenLoop(ctx context.Context) {
	backoff := 200 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			if s.log != nil {
				s.log.Warn("pgstore: acquire listen connection failed: %v", err)
			}
			time.Sleep(backoff)
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
			conn.Release()
			time.Sleep(backoff)
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		backoff = 200 * time.Millisecond
		s.notify() // pick up anything committed before this LISTEN attached
		for {
			_, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				conn.Release()
				break
			}
			s.notify()
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// Bounded exponential backoff for transient failures (connection resets,
// lock-wait timeouts, serialization failures), per spec §4.1's retry
// rule.
const (
	retryInitialBackoff = 20 * time.Millisecond
	retryMaxBackoff     = 250 * time.Millisecond
	retryDeadline       = 2 * time.Second
)

// withRetry runs fn, retrying with bounded exponential backoff while the
// returned error classifies as transient, up to retryDeadline or ctx
// cancellation, whichever comes first.
func withRetry(ctx context.Context, fn func() error) error {
	backoff := retryInitialBackoff
	deadline := time.Now().Add(retryDeadline)
	for {
		err := fn()
		if err == nil || !apperrors.ShouldRetry(apperrors.Classify(err)) {
			return err
		}
		if time.Now().Add(backoff).After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, retryMaxBackoff)
	}
}

func (s *Store) Insert(ctx context.Context, collection string, payload json.RawMessage) (types.Document, error) {
	now := time.Now().UTC()
	doc := types.Document{ID: uuid.NewString(), Collection: collection, Data: payload, CreatedAt: now, UpdatedAt: now}

	err := withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO documents(id, collection, payload, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			doc.ID, doc.Collection, []byte(doc.Data), now, now)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		return nil
	})
	if err != nil {
		return types.Document{}, err
	}
	return doc, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*types.Document, error) {
	var doc *types.Document
	err := withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`SELECT id, collection, payload, created_at, updated_at FROM documents WHERE collection = $1 AND id = $2`,
			collection, id)
		d, err := scanDocument(row)
		if err == pgx.ErrNoRows {
			return apperrors.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		doc = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, payload json.RawMessage) (*types.Document, error) {
	var result *types.Document
	err := withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		defer tx.Rollback(ctx)

		var createdAt time.Time
		err = tx.QueryRow(ctx, `SELECT created_at FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`, collection, id).Scan(&createdAt)
		if err == pgx.ErrNoRows {
			return apperrors.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `UPDATE documents SET payload = $1, updated_at = $2 WHERE collection = $3 AND id = $4`,
			[]byte(payload), now, collection, id); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		result = &types.Document{ID: id, Collection: collection, Data: payload, CreatedAt: createdAt, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) (*types.Document, error) {
	var result *types.Document
	err := withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		defer tx.Rollback(ctx)

		var payload json.RawMessage
		var createdAt, updatedAt time.Time
		err = tx.QueryRow(ctx, `SELECT payload, created_at, updated_at FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`, collection, id).
			Scan(&payload, &createdAt, &updatedAt)
		if err == pgx.ErrNoRows {
			return apperrors.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		result = &types.Document{ID: id, Collection: collection, Data: payload, CreatedAt: createdAt, UpdatedAt: updatedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) List(ctx context.Context, sqlText string, params []any) ([]types.Document, error) {
	var docs []types.Document
	err := withRetry(ctx, func() error {
		docs = nil
		rows, err := s.pool.Query(ctx, sqlText, params...)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		defer rows.Close()

		for rows.Next() {
			doc, err := scanDocument(rows)
			if err != nil {
				return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
			}
			docs = append(docs, *doc)
		}
		return rows.Err()
	})
	return docs, err
}

func (s *Store) ListCollections(ctx context.Context) ([]types.CollectionStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT collection, COUNT(*) FROM documents GROUP BY collection ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
	}
	defer rows.Close()

	var out []types.CollectionStats
	for rows.Next() {
		var cs types.CollectionStats
		if err := rows.Scan(&cs.Name, &cs.Count); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *Store) FetchChangesSince(ctx context.Context, after int64, limit int) ([]types.ChangeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, collection, document_id, op, old_payload, new_payload, captured_at FROM change_log WHERE seq > $1 ORDER BY seq ASC LIMIT $2`,
		after, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
	}
	defer rows.Close()

	var out []types.ChangeRecord
	for rows.Next() {
		var cr types.ChangeRecord
		var op string
		var oldP, newP *json.RawMessage
		if err := rows.Scan(&cr.Seq, &cr.Collection, &cr.DocumentID, &op, &oldP, &newP, &cr.CapturedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		cr.Op = types.OperationKind(op)
		if oldP != nil {
			cr.OldPayload = *oldP
		}
		if newP != nil {
			cr.NewPayload = *newP
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (s *Store) HighestSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM change_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
	}
	return seq, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*types.Document, error) {
	var d types.Document
	var payload json.RawMessage
	if err := row.Scan(&d.ID, &d.Collection, &payload, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Data = payload
	return &d, nil
}
