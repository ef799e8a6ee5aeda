// Package sqlitestore implements the embedded single-file storage
// backend (spec §4.1) on top of modernc.org/sqlite, the pure-Go SQLite
// driver already vendored for load testing in the corpus this server is
// descended from.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kartikbazzad/reactivedoc/internal/apperrors"
	"github.com/kartikbazzad/reactivedoc/internal/logger"
	"github.com/kartikbazzad/reactivedoc/internal/sqlcompile"
	"github.com/kartikbazzad/reactivedoc/internal/types"
)

// Bounded exponential backoff for transient failures (busy/locked
// connections under the WAL), per spec §4.1's retry rule. The driver's
// own busy_timeout already blocks inside a single call; this loop covers
// the remaining case where SQLITE_BUSY still surfaces because the retry
// happens across a whole transaction, not a single statement.
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

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);

CREATE TABLE IF NOT EXISTS change_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	document_id TEXT NOT NULL,
	op TEXT NOT NULL,
	old_payload TEXT,
	new_payload TEXT,
	captured_at TEXT NOT NULL
);
`

// Store is the embedded backend. Writers are serialized with a mutex and
// a busy-timeout connection string, so readers proceed concurrently
// against the write-ahead journal (spec §4.1 concurrency rule).
type Store struct {
	db     *sql.DB
	writeMu sync.Mutex
	signal chan struct{}
	log    *logger.Logger
}

// Open opens (creating if absent) the single-file database at path.
func Open(path string, log *logger.Logger) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendFatal, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendFatal, err)
	}
	return &Store{db: db, signal: make(chan struct{}, 1), log: log}, nil
}

func (s *Store) Dialect() sqlcompile.Dialect { return sqlcompile.SQLiteDialect{} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Store) OpenChangeStream(ctx context.Context) (<-chan struct{}, error) {
	return s.signal, nil
}

func (s *Store) Insert(ctx context.Context, collection string, payload json.RawMessage) (types.Document, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	doc := types.Document{
		ID:         uuid.NewString(),
		Collection: collection,
		Data:       payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents(id, collection, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			doc.ID, doc.Collection, string(doc.Data), formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO change_log(collection, document_id, op, old_payload, new_payload, captured_at) VALUES (?, ?, 'insert', NULL, ?, ?)`,
			doc.Collection, doc.ID, string(doc.Data), formatTime(now)); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		return nil
	})
	if err != nil {
		return types.Document{}, err
	}
	s.notify()
	return doc, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*types.Document, error) {
	var doc *types.Document
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, collection, payload, created_at, updated_at FROM documents WHERE collection = ? AND id = ?`,
			collection, id)
		d, err := scanDocument(row)
		if err == sql.ErrNoRows {
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
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var result *types.Document
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		defer tx.Rollback()

		var oldPayload string
		err = tx.QueryRowContext(ctx, `SELECT payload FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&oldPayload)
		if err == sql.ErrNoRows {
			return apperrors.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET payload = ?, updated_at = ? WHERE collection = ? AND id = ?`,
			string(payload), formatTime(now), collection, id); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO change_log(collection, document_id, op, old_payload, new_payload, captured_at) VALUES (?, ?, 'update', ?, ?, ?)`,
			collection, id, oldPayload, string(payload), formatTime(now)); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		var createdAt string
		if err := tx.QueryRowContext(ctx, `SELECT created_at FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&createdAt); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		ct, _ := time.Parse(time.RFC3339Nano, createdAt)
		result = &types.Document{
			ID: id, Collection: collection, Data: payload, CreatedAt: ct, UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify()
	return result, nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) (*types.Document, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var result *types.Document
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		defer tx.Rollback()

		var oldPayload, createdAt, updatedAt string
		err = tx.QueryRowContext(ctx, `SELECT payload, created_at, updated_at FROM documents WHERE collection = ? AND id = ?`, collection, id).
			Scan(&oldPayload, &createdAt, &updatedAt)
		if err == sql.ErrNoRows {
			return apperrors.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO change_log(collection, document_id, op, old_payload, new_payload, captured_at) VALUES (?, ?, 'delete', ?, NULL, ?)`,
			collection, id, oldPayload, formatTime(now)); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}

		ct, _ := time.Parse(time.RFC3339Nano, createdAt)
		ut, _ := time.Parse(time.RFC3339Nano, updatedAt)
		result = &types.Document{ID: id, Collection: collection, Data: json.RawMessage(oldPayload), CreatedAt: ct, UpdatedAt: ut}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify()
	return result, nil
}

func (s *Store) List(ctx context.Context, sqlText string, params []any) ([]types.Document, error) {
	var docs []types.Document
	err := withRetry(ctx, func() error {
		docs = nil
		rows, err := s.db.QueryContext(ctx, sqlText, params...)
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
	rows, err := s.db.QueryContext(ctx, `SELECT collection, COUNT(*) FROM documents GROUP BY collection ORDER BY collection`)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, collection, document_id, op, old_payload, new_payload, captured_at FROM change_log WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
	}
	defer rows.Close()

	var out []types.ChangeRecord
	for rows.Next() {
		var cr types.ChangeRecord
		var oldP, newP sql.NullString
		var captured string
		var op string
		if err := rows.Scan(&cr.Seq, &cr.Collection, &cr.DocumentID, &op, &oldP, &newP, &captured); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
		}
		cr.Op = types.OperationKind(op)
		if oldP.Valid {
			cr.OldPayload = json.RawMessage(oldP.String)
		}
		if newP.Valid {
			cr.NewPayload = json.RawMessage(newP.String)
		}
		cr.CapturedAt, _ = time.Parse(time.RFC3339Nano, captured)
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (s *Store) HighestSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM change_log`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrBackendTransient, err)
	}
	return seq, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*types.Document, error) {
	var d types.Document
	var payload, created, updated string
	if err := row.Scan(&d.ID, &d.Collection, &payload, &created, &updated); err != nil {
		return nil, err
	}
	d.Data = json.RawMessage(payload)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &d, nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
