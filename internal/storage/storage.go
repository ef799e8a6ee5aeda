// Package storage declares the capability set that abstracts the two
// concrete backends (embedded single-file engine; networked relational
// engine) behind one interface, per spec §4.1/§9.
package storage

import (
	"context"
	"encoding/json"

	"github.com/kartikbazzad/reactivedoc/internal/sqlcompile"
	"github.com/kartikbazzad/reactivedoc/internal/types"
)

// Adapter is the uniform CRUD + change-stream capability set of spec §4.1.
// Writes and their change-record emission are atomic: either both commit
// or neither does.
type Adapter interface {
	Insert(ctx context.Context, collection string, payload json.RawMessage) (types.Document, error)
	Get(ctx context.Context, collection, id string) (*types.Document, error)
	Update(ctx context.Context, collection, id string, payload json.RawMessage) (*types.Document, error)
	Delete(ctx context.Context, collection, id string) (*types.Document, error)

	// List executes a pre-compiled SQL fragment against the documents
	// table. sql/params come from sqlcompile.Compiled.
	List(ctx context.Context, sql string, params []any) ([]types.Document, error)

	ListCollections(ctx context.Context) ([]types.CollectionStats, error)

	// OpenChangeStream returns a signal channel: every send means "new
	// rows may exist in change_log past the last-seen sequence." The
	// change_log table itself, not the channel payload, is the source of
	// truth (spec §9) — this is what makes restart-safe resumption exact.
	OpenChangeStream(ctx context.Context) (<-chan struct{}, error)

	// FetchChangesSince returns change records with seq > after, in
	// ascending sequence order, up to limit rows.
	FetchChangesSince(ctx context.Context, after int64, limit int) ([]types.ChangeRecord, error)

	// HighestSequence returns the current highest change-log sequence,
	// used to establish a subscription's snapshot watermark.
	HighestSequence(ctx context.Context) (int64, error)

	Dialect() sqlcompile.Dialect

	Close() error
}
