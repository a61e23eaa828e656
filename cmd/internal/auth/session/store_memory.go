package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errTxDone = errors.New("store: transaction already finished")

// MemoryStore is an in-process Store for development and tests.
//
// Writes are buffered per Tx and applied atomically at Commit. Version-checked
// updates fail at Commit with ErrConflict if another Tx committed first.
type MemoryStore struct {
	mu     sync.Mutex
	byHash map[string]RenewalCredential
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]RenewalCredential)}
}

// Begin starts a buffered transaction.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{store: s, pending: make(map[string]*memWrite)}, nil
}

// Snapshot returns a copy of every stored credential. Test and debug helper.
func (s *MemoryStore) Snapshot() []RenewalCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RenewalCredential, 0, len(s.byHash))
	for _, c := range s.byHash {
		out = append(out, c)
	}
	return out
}

type memWriteKind int

const (
	memCreate memWriteKind = iota + 1
	memUpdate
	memRevoke
)

type memWrite struct {
	kind memWriteKind
	rec  RenewalCredential

	// base is the committed version when the Tx first touched the row.
	base int64

	// For memRevoke: reapplied onto the committed row at Commit.
	at     time.Time
	reason string
}

type memTx struct {
	store   *MemoryStore
	pending map[string]*memWrite
	order   []string
	done    bool
}

func (tx *memTx) check(ctx context.Context) error {
	if tx.done {
		return errTxDone
	}
	return ctx.Err()
}

// view returns the row as this Tx sees it.
func (tx *memTx) view(hash string) (RenewalCredential, bool) {
	if w, ok := tx.pending[hash]; ok {
		return w.rec, true
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	c, ok := tx.store.byHash[hash]
	return c, ok
}

// all returns every row visible to this Tx.
func (tx *memTx) all() []RenewalCredential {
	tx.store.mu.Lock()
	out := make([]RenewalCredential, 0, len(tx.store.byHash)+len(tx.pending))
	for h, c := range tx.store.byHash {
		if _, ok := tx.pending[h]; ok {
			continue
		}
		out = append(out, c)
	}
	tx.store.mu.Unlock()

	for _, h := range tx.order {
		out = append(out, tx.pending[h].rec)
	}
	return out
}

func (tx *memTx) track(hash string, w *memWrite) {
	if _, ok := tx.pending[hash]; !ok {
		tx.order = append(tx.order, hash)
	}
	tx.pending[hash] = w
}

func (tx *memTx) Create(ctx context.Context, c RenewalCredential) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if _, ok := tx.view(c.SecretHash); ok {
		return ErrConflict
	}
	if c.Version == 0 {
		c.Version = 1
	}
	tx.track(c.SecretHash, &memWrite{kind: memCreate, rec: c})
	return nil
}

func (tx *memTx) FindBySecretHash(ctx context.Context, hash string) (RenewalCredential, error) {
	if err := tx.check(ctx); err != nil {
		return RenewalCredential{}, err
	}
	c, ok := tx.view(hash)
	if !ok {
		return RenewalCredential{}, ErrNotFound
	}
	return c, nil
}

func (tx *memTx) FindByParentHash(ctx context.Context, parentHash string) ([]RenewalCredential, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	var out []RenewalCredential
	for _, c := range tx.all() {
		if c.ParentHash != nil && *c.ParentHash == parentHash {
			out = append(out, c)
		}
	}
	return out, nil
}

func (tx *memTx) FindActiveFor(ctx context.Context, userID, deviceID string) ([]RenewalCredential, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	var out []RenewalCredential
	for _, c := range tx.all() {
		if c.UserID == userID && c.Device() == deviceID && c.RevokedAt == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (tx *memTx) Update(ctx context.Context, c RenewalCredential) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cur, ok := tx.view(c.SecretHash)
	if !ok {
		return ErrNotFound
	}
	if cur.Version != c.Version || cur.ID != c.ID {
		return ErrConflict
	}
	c.Version++

	w, ok := tx.pending[c.SecretHash]
	switch {
	case !ok:
		tx.track(c.SecretHash, &memWrite{kind: memUpdate, rec: c, base: cur.Version})
	case w.kind == memRevoke:
		w.kind = memUpdate
		w.rec = c
	default:
		w.rec = c
	}
	return nil
}

func (tx *memTx) revoke(c RenewalCredential, now time.Time, reason string) {
	c.revoke(now, reason)
	c.Version++
	if w, ok := tx.pending[c.SecretHash]; ok {
		w.rec = c
		return
	}
	tx.track(c.SecretHash, &memWrite{kind: memRevoke, rec: c, base: c.Version - 1, at: now, reason: reason})
}

func (tx *memTx) RevokeBatch(ctx context.Context, hashes []string, now time.Time, reason string) (int, error) {
	if err := tx.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, h := range hashes {
		c, ok := tx.view(h)
		if !ok || c.RevokedAt != nil {
			continue
		}
		tx.revoke(c, now, reason)
		n++
	}
	return n, nil
}

func (tx *memTx) RevokeAllForUser(ctx context.Context, userID string, now time.Time, reason string) (int, error) {
	if err := tx.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, c := range tx.all() {
		if c.UserID != userID || c.RevokedAt != nil {
			continue
		}
		tx.revoke(c, now, reason)
		n++
	}
	return n, nil
}

func (tx *memTx) Commit(ctx context.Context) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	tx.done = true

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before applying anything.
	for _, h := range tx.order {
		w := tx.pending[h]
		cur, exists := s.byHash[h]
		switch w.kind {
		case memCreate:
			if exists {
				return ErrConflict
			}
		case memUpdate:
			if !exists || cur.Version != w.base {
				return ErrConflict
			}
		}
	}

	next := make(map[string]RenewalCredential, len(tx.order))
	for _, h := range tx.order {
		w := tx.pending[h]
		if w.kind == memRevoke {
			// Unconditional: reapply onto whatever is committed now.
			cur, ok := s.byHash[h]
			if !ok {
				continue
			}
			if cur.RevokedAt == nil {
				cur.revoke(w.at, w.reason)
				cur.Version++
			}
			next[h] = cur
			continue
		}
		next[h] = w.rec
	}

	if err := s.checkDeviceUniqueLocked(next); err != nil {
		return err
	}

	for h, c := range next {
		s.byHash[h] = c
	}
	return nil
}

// checkDeviceUniqueLocked enforces at most one unrevoked credential per
// (user, device) for device-bound rows after applying next.
func (s *MemoryStore) checkDeviceUniqueLocked(next map[string]RenewalCredential) error {
	type key struct{ user, device string }
	touched := make(map[key]struct{})
	for _, c := range next {
		if c.Device() != "" && c.RevokedAt == nil {
			touched[key{c.UserID, c.Device()}] = struct{}{}
		}
	}
	if len(touched) == 0 {
		return nil
	}

	counts := make(map[key]int, len(touched))
	for h, c := range s.byHash {
		if n, ok := next[h]; ok {
			c = n
		}
		k := key{c.UserID, c.Device()}
		if _, ok := touched[k]; ok && c.RevokedAt == nil {
			counts[k]++
		}
	}
	for h, c := range next {
		if _, ok := s.byHash[h]; ok {
			continue
		}
		k := key{c.UserID, c.Device()}
		if _, ok := touched[k]; ok && c.RevokedAt == nil {
			counts[k]++
		}
	}
	for _, n := range counts {
		if n > 1 {
			return ErrConflict
		}
	}
	return nil
}

func (tx *memTx) Rollback(_ context.Context) error {
	tx.done = true
	tx.pending = nil
	tx.order = nil
	return nil
}
