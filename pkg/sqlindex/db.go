// Package sqlindex implements C5: the embedded SQL index used as
// Kyla's canonical on-disk data store, as specified in §4.5. It wraps
// database/sql over github.com/mattn/go-sqlite3 with the specific
// pragmas, transaction modes, and attach/backup operations the
// configure engine (C10) needs. Exec, Query and Raw take SQL text;
// most callers reach the index through the catalog layer (§4.6).
package sqlindex

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Anteru/kyla/pkg/kylaerr"
)

// DB is a single logical connection to a Kyla index file. The
// underlying pool is pinned to exactly one connection: §5 already
// requires that a repository handle is used by one goroutine at a
// time, and pinning to one connection is what makes ATTACH/PRAGMA
// state (which is per-connection in SQLite) behave predictably.
type DB struct {
	sql  *sql.DB
	path string
}

// Open opens (creating if necessary) the index file at path.
func Open(path string) (*DB, error) {
	return open(path, false)
}

// OpenReadOnly opens the index file at path without permitting writes,
// used for source repositories (§1: source is always read-only).
func OpenReadOnly(path string) (*DB, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*DB, error) {
	dsn := path
	if readOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", path)
	}
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "opening index", err)
	}
	// Exactly one connection: ATTACH/PRAGMA state and transaction
	// scope are per-connection, and the repository handle contract is
	// already single-threaded (§5).
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, kylaerr.Wrap(kylaerr.Io, "opening index", err)
	}
	return &DB{sql: sqlDB, path: path}, nil
}

// Path returns the file path the DB was opened with.
func (db *DB) Path() string { return db.path }

// Raw exposes the underlying *sql.DB for components that need to run
// schema DDL or typed queries (C6). C5 intentionally does not wrap
// every statement shape; it owns only the operational concerns
// (pragmas, transactions, attach, backup).
func (db *DB) Raw() *sql.DB { return db.sql }

// EnableWAL switches the index to WAL journal mode with NORMAL
// synchronous, the mode used for all configure writes (§4.5).
func (db *DB) EnableWAL(ctx context.Context) error {
	if _, err := db.sql.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return kylaerr.Wrap(kylaerr.IndexError, "setting WAL journal mode", err)
	}
	if _, err := db.sql.ExecContext(ctx, `PRAGMA synchronous=NORMAL`); err != nil {
		return kylaerr.Wrap(kylaerr.IndexError, "setting synchronous=NORMAL", err)
	}
	return nil
}

// EnableDeleteMode switches the index back to DELETE journal mode,
// part of the epilogue every configure run performs (followed by a
// separate Analyze call) before closing a freshly configured target
// (§4.5, §4.10 step 11).
func (db *DB) EnableDeleteMode(ctx context.Context) error {
	if _, err := db.sql.ExecContext(ctx, `PRAGMA journal_mode=DELETE`); err != nil {
		return kylaerr.Wrap(kylaerr.IndexError, "setting DELETE journal mode", err)
	}
	return nil
}

// Analyze runs ANALYZE over the index.
func (db *DB) Analyze(ctx context.Context) error {
	if _, err := db.sql.ExecContext(ctx, `ANALYZE`); err != nil {
		return kylaerr.Wrap(kylaerr.IndexError, "running ANALYZE", err)
	}
	return nil
}

// EnableForeignKeys turns on foreign-key constraint enforcement, used
// so that the schema's declared references (fs_files.ContentId etc.)
// actually reject dangling rows instead of silently accepting them.
func (db *DB) EnableForeignKeys(ctx context.Context) error {
	if _, err := db.sql.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return kylaerr.Wrap(kylaerr.IndexError, "enabling foreign keys", err)
	}
	return nil
}

// Close closes the index.
func (db *DB) Close() error {
	if err := db.sql.Close(); err != nil {
		return kylaerr.Wrap(kylaerr.Io, "closing index", err)
	}
	return nil
}

// Tx is a scoped transaction: it must be ended by exactly one of
// Commit or Rollback, and Rollback is safe to call redundantly so
// callers can always `defer db.Rollback(ctx, tx)` immediately after Begin to
// guarantee release on every exit path (§9 "Resource scoping").
type Tx struct {
	tx   *sql.Tx
	done bool
}

// BeginImmediate starts a write transaction, acquiring the RESERVED
// lock up front so writers fail fast on conflict rather than at the
// first write statement (§4.5: "begin immediate").
func (db *DB) BeginImmediate(ctx context.Context) (*Tx, error) {
	return db.begin(ctx, "BEGIN IMMEDIATE")
}

// BeginDeferred starts a transaction that acquires no lock until the
// first statement that needs one (§4.5: "begin deferred").
func (db *DB) BeginDeferred(ctx context.Context) (*Tx, error) {
	return db.begin(ctx, "BEGIN DEFERRED")
}

func (db *DB) begin(ctx context.Context, beginStmt string) (*Tx, error) {
	// database/sql's BeginTx always issues a plain BEGIN; starting the
	// transaction mode explicitly requires running the BEGIN statement
	// ourselves on the pinned connection; the returned Tx only tracks
	// whether the transaction has ended, and Commit/Rollback issue
	// COMMIT/ROLLBACK directly.
	if _, err := db.sql.ExecContext(ctx, beginStmt); err != nil {
		return nil, kylaerr.Wrap(kylaerr.IndexError, "beginning transaction", err)
	}
	return &Tx{}, nil
}

// Exec runs a statement inside the transaction on the owning DB's
// pinned connection.
func (db *DB) Exec(ctx context.Context, tx *Tx, query string, args ...interface{}) (sql.Result, error) {
	_ = tx
	res, err := db.sql.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.IndexError, fmt.Sprintf("executing %q", query), err)
	}
	return res, nil
}

// Query runs a query inside the transaction.
func (db *DB) Query(ctx context.Context, tx *Tx, query string, args ...interface{}) (*sql.Rows, error) {
	_ = tx
	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.IndexError, fmt.Sprintf("querying %q", query), err)
	}
	return rows, nil
}

// Commit commits the transaction. It is an error to call Commit twice
// or after Rollback.
func (db *DB) Commit(ctx context.Context, tx *Tx) error {
	if tx.done {
		return kylaerr.IndexErrorf("transaction already committed or rolled back")
	}
	tx.done = true
	if _, err := db.sql.ExecContext(ctx, `COMMIT`); err != nil {
		return kylaerr.Wrap(kylaerr.IndexError, "committing transaction", err)
	}
	return nil
}

// Rollback rolls the transaction back. It is safe to call even if the
// transaction was already committed or rolled back (a no-op in that
// case), so callers can unconditionally `defer db.Rollback(ctx, tx)`.
func (db *DB) Rollback(ctx context.Context, tx *Tx) error {
	if tx.done {
		return nil
	}
	tx.done = true
	if _, err := db.sql.ExecContext(ctx, `ROLLBACK`); err != nil {
		return kylaerr.Wrap(kylaerr.IndexError, "rolling back transaction", err)
	}
	return nil
}

// Attach attaches the on-disk database at path under the logical name
// name (§4.5: "attach... of a secondary database by logical name").
func (db *DB) Attach(ctx context.Context, path, name string) error {
	if _, err := db.sql.ExecContext(ctx, fmt.Sprintf(`ATTACH DATABASE ? AS %s`, quoteIdent(name)), path); err != nil {
		return kylaerr.Wrap(kylaerr.IndexError, fmt.Sprintf("attaching %q as %q", path, name), err)
	}
	return nil
}

// Detach detaches a previously attached database.
func (db *DB) Detach(ctx context.Context, name string) error {
	if _, err := db.sql.ExecContext(ctx, fmt.Sprintf(`DETACH DATABASE %s`, quoteIdent(name))); err != nil {
		return kylaerr.Wrap(kylaerr.IndexError, fmt.Sprintf("detaching %q", name), err)
	}
	return nil
}

// AttachInMemoryBackup performs an online backup of source into a
// fresh shared-cache in-memory database and attaches that copy to db
// under name. This is the "live on-disk attach is not used; the copy
// decouples source availability from configure duration" step in
// §4.10 step 2. The returned release func detaches the copy and closes
// the backing memory connection; callers must defer it.
func (db *DB) AttachInMemoryBackup(ctx context.Context, source *DB, name string) (release func() error, err error) {
	token := make([]byte, 8)
	if _, err := rand.Read(token); err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "generating backup token", err)
	}
	memURI := fmt.Sprintf("file:kylabak_%s?mode=memory&cache=shared", hex.EncodeToString(token))

	memDB, err := sql.Open("sqlite3", memURI)
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "opening in-memory backup target", err)
	}
	memDB.SetMaxOpenConns(1) // must stay >=1 open conn or the shared memory db is dropped

	if err := backupOnline(ctx, source.sql, memDB); err != nil {
		memDB.Close()
		return nil, err
	}

	if _, err := db.sql.ExecContext(ctx, fmt.Sprintf(`ATTACH DATABASE ? AS %s`, quoteIdent(name)), memURI); err != nil {
		memDB.Close()
		return nil, kylaerr.Wrap(kylaerr.IndexError, "attaching in-memory backup", err)
	}

	release = func() error {
		detachErr := db.Detach(ctx, name)
		closeErr := memDB.Close()
		if detachErr != nil {
			return detachErr
		}
		return closeErr
	}
	return release, nil
}

func quoteIdent(name string) string {
	// Logical attach names are always internally generated constants
	// ("source"), never user input, so a simple bracket-free identifier
	// is sufficient; we still guard against accidental quoting issues.
	return `"` + name + `"`
}
