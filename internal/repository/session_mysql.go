package repository

import (
    "context"
    "database/sql"
    "errors"

    "github.com/go-sql-driver/mysql"

    "github.com/iliyamo/session-escrow/internal/model"
)

// MySQL error numbers the store reacts to.
const (
    mysqlErrDupEntry     = 1062 // ER_DUP_ENTRY
    mysqlErrLockWait     = 1205 // ER_LOCK_WAIT_TIMEOUT
    mysqlErrLockDeadlock = 1213 // ER_LOCK_DEADLOCK
)

// MySQLSessionStore persists session documents in the `sessions` table.
// Each row holds the JSON document in `doc` and a `version` counter used
// for optimistic concurrency: transactions read without locking and write
// with `WHERE version = ?`, retrying when another writer got there first.
type MySQLSessionStore struct {
    db   *sql.DB
    opts storeOptions
}

// NewMySQLSessionStore returns a store bound to the given database.
func NewMySQLSessionStore(db *sql.DB, opts ...StoreOption) *MySQLSessionStore {
    return &MySQLSessionStore{db: db, opts: buildOptions(opts)}
}

// DB exposes the underlying sql.DB for health checks.
func (r *MySQLSessionStore) DB() *sql.DB {
    return r.db
}

// Create inserts a new session row.  A duplicate primary key is reported
// as ErrSessionExists.
func (r *MySQLSessionStore) Create(ctx context.Context, s *model.Session) error {
    raw, err := encodeSession(s)
    if err != nil {
        return err
    }
    const q = `INSERT INTO sessions (operator_id, session_id, doc, version) VALUES (?, ?, ?, 1)`
    if _, err := r.db.ExecContext(ctx, q, s.OperatorID, s.SessionID, raw); err != nil {
        if mysqlErrorNumber(err) == mysqlErrDupEntry {
            return ErrSessionExists
        }
        return err
    }
    return nil
}

// Get loads and strictly decodes a session.  sql.ErrNoRows is translated
// into ErrSessionNotFound.
func (r *MySQLSessionStore) Get(ctx context.Context, operatorID, sessionID string) (*model.Session, error) {
    s, _, err := r.read(ctx, r.db, operatorID, sessionID, false)
    return s, err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
    QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *MySQLSessionStore) read(ctx context.Context, q queryer, operatorID, sessionID string, forUpdate bool) (*model.Session, uint64, error) {
    query := `SELECT doc, version FROM sessions WHERE operator_id = ? AND session_id = ?`
    if forUpdate {
        query += ` FOR UPDATE`
    }
    var raw []byte
    var version uint64
    if err := q.QueryRowContext(ctx, query, operatorID, sessionID).Scan(&raw, &version); err != nil {
        if errors.Is(err, sql.ErrNoRows) {
            return nil, 0, ErrSessionNotFound
        }
        return nil, 0, classify(err)
    }
    s, err := decodeSession(raw, operatorID, sessionID)
    if err != nil {
        return nil, 0, err
    }
    return s, version, nil
}

// RunTransaction applies fn to the latest committed document and writes it
// back only if no other writer bumped the version in between.
func (r *MySQLSessionStore) RunTransaction(ctx context.Context, operatorID, sessionID string, fn TxFunc) (*model.Session, error) {
    var out *model.Session
    err := withRetry(ctx, r.opts.maxAttempts, func() error {
        s, version, err := r.read(ctx, r.db, operatorID, sessionID, false)
        if err != nil {
            return err
        }
        if err := fn(s); err != nil {
            return err
        }
        raw, err := encodeSession(s)
        if err != nil {
            return err
        }
        const q = `UPDATE sessions SET doc = ?, version = version + 1
                   WHERE operator_id = ? AND session_id = ? AND version = ?`
        res, err := r.db.ExecContext(ctx, q, raw, operatorID, sessionID, version)
        if err != nil {
            return classify(err)
        }
        n, err := res.RowsAffected()
        if err != nil {
            return err
        }
        if n == 0 {
            // Row changed (or vanished) since the read.
            return ErrConflict
        }
        out = s
        return nil
    })
    return out, err
}

// Update merges a settlement patch under a row lock.  It does not go through
// the optimistic path because settlement writes must land even when seat
// reservations keep bumping the version.
func (r *MySQLSessionStore) Update(ctx context.Context, operatorID, sessionID string, p model.SessionPatch) (*model.Session, error) {
    var out *model.Session
    err := withRetry(ctx, r.opts.maxAttempts, func() error {
        tx, err := r.db.BeginTx(ctx, nil)
        if err != nil {
            return err
        }
        committed := false
        defer func() {
            if !committed {
                _ = tx.Rollback()
            }
        }()
        s, _, err := r.read(ctx, tx, operatorID, sessionID, true)
        if err != nil {
            return err
        }
        applyPatch(s, p)
        raw, err := encodeSession(s)
        if err != nil {
            return err
        }
        const q = `UPDATE sessions SET doc = ?, version = version + 1 WHERE operator_id = ? AND session_id = ?`
        if _, err := tx.ExecContext(ctx, q, raw, operatorID, sessionID); err != nil {
            return classify(err)
        }
        if err := tx.Commit(); err != nil {
            return classify(err)
        }
        committed = true
        out = s
        return nil
    })
    return out, err
}

// classify maps lock timeouts and deadlocks to ErrConflict so they are
// retried like version conflicts.
func classify(err error) error {
    switch mysqlErrorNumber(err) {
    case mysqlErrLockWait, mysqlErrLockDeadlock:
        return ErrConflict
    }
    return err
}

func mysqlErrorNumber(err error) uint16 {
    var me *mysql.MySQLError
    if errors.As(err, &me) {
        return me.Number
    }
    return 0
}
