package repository

import (
    "context"
    "sync"

    "github.com/iliyamo/session-escrow/internal/model"
)

type sessionKey struct {
    operatorID string
    sessionID  string
}

type memoryDoc struct {
    raw     []byte
    version uint64
}

// MemorySessionStore keeps session documents in process memory.  It stores
// the encoded JSON and a version counter per key and commits with
// compare-and-swap on the version, so it follows the same optimistic
// protocol as the MySQL store.  It backs tests and single-node setups.
type MemorySessionStore struct {
    mu   sync.Mutex
    docs map[sessionKey]memoryDoc
    opts storeOptions
}

// NewMemorySessionStore returns an empty in-memory store.
func NewMemorySessionStore(opts ...StoreOption) *MemorySessionStore {
    return &MemorySessionStore{docs: make(map[sessionKey]memoryDoc), opts: buildOptions(opts)}
}

// Create inserts a new document.  ErrSessionExists is returned when the key
// is already present.
func (m *MemorySessionStore) Create(ctx context.Context, s *model.Session) error {
    raw, err := encodeSession(s)
    if err != nil {
        return err
    }
    key := sessionKey{s.OperatorID, s.SessionID}
    m.mu.Lock()
    defer m.mu.Unlock()
    if _, ok := m.docs[key]; ok {
        return ErrSessionExists
    }
    m.docs[key] = memoryDoc{raw: raw, version: 1}
    return nil
}

// Get returns a decoded copy of the document.
func (m *MemorySessionStore) Get(ctx context.Context, operatorID, sessionID string) (*model.Session, error) {
    s, _, err := m.read(operatorID, sessionID)
    return s, err
}

func (m *MemorySessionStore) read(operatorID, sessionID string) (*model.Session, uint64, error) {
    m.mu.Lock()
    doc, ok := m.docs[sessionKey{operatorID, sessionID}]
    m.mu.Unlock()
    if !ok {
        return nil, 0, ErrSessionNotFound
    }
    s, err := decodeSession(doc.raw, operatorID, sessionID)
    if err != nil {
        return nil, 0, err
    }
    return s, doc.version, nil
}

// swap writes s only if the stored version is still version.
func (m *MemorySessionStore) swap(s *model.Session, version uint64) error {
    raw, err := encodeSession(s)
    if err != nil {
        return err
    }
    key := sessionKey{s.OperatorID, s.SessionID}
    m.mu.Lock()
    defer m.mu.Unlock()
    cur, ok := m.docs[key]
    if !ok {
        return ErrSessionNotFound
    }
    if cur.version != version {
        return ErrConflict
    }
    m.docs[key] = memoryDoc{raw: raw, version: version + 1}
    return nil
}

// RunTransaction reads the latest document, applies fn and commits with a
// version check, retrying from the read on conflict.
func (m *MemorySessionStore) RunTransaction(ctx context.Context, operatorID, sessionID string, fn TxFunc) (*model.Session, error) {
    var out *model.Session
    err := withRetry(ctx, m.opts.maxAttempts, func() error {
        s, version, err := m.read(operatorID, sessionID)
        if err != nil {
            return err
        }
        if err := fn(s); err != nil {
            return err
        }
        if err := m.swap(s, version); err != nil {
            return err
        }
        out = s
        return nil
    })
    return out, err
}

// Update merges a settlement patch into the latest document.
func (m *MemorySessionStore) Update(ctx context.Context, operatorID, sessionID string, p model.SessionPatch) (*model.Session, error) {
    return m.RunTransaction(ctx, operatorID, sessionID, func(s *model.Session) error {
        applyPatch(s, p)
        return nil
    })
}

// PutRaw stores raw bytes under the key without validation.  The content is
// checked on the next read like any other document.
func (m *MemorySessionStore) PutRaw(operatorID, sessionID string, raw []byte) {
    m.mu.Lock()
    defer m.mu.Unlock()
    key := sessionKey{operatorID, sessionID}
    m.docs[key] = memoryDoc{raw: append([]byte(nil), raw...), version: m.docs[key].version + 1}
}
