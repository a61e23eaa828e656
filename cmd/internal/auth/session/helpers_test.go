package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"warden/cmd/security/token"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	cfg.JWTSigningKey = strings.Repeat("j", 32)
	cfg.TokenHMACKey = strings.Repeat("k", 32)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

type fakeDenylist struct {
	mu    sync.Mutex
	ids   map[string]string
	users map[string]time.Time
}

func newFakeDenylist() *fakeDenylist {
	return &fakeDenylist{ids: map[string]string{}, users: map[string]time.Time{}}
}

func (d *fakeDenylist) RevokeByID(_ context.Context, tokenID string, _ time.Time, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids[tokenID] = reason
	return nil
}

func (d *fakeDenylist) IsRevoked(_ context.Context, tokenID string, _ time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.ids[tokenID]
	return ok, nil
}

func (d *fakeDenylist) RevokeUserBefore(_ context.Context, userID string, at, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[userID] = at
	return nil
}

func (d *fakeDenylist) IsUserRevokedSince(_ context.Context, userID string, issuedAt, _ time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.users[userID]
	return ok && issuedAt.Before(w), nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []SecurityEvent
	err    error
}

func (s *recordingSink) Emit(_ context.Context, ev SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *recordingSink) has(kind EventKind) bool {
	for _, k := range s.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

type testEnv struct {
	cfg      Config
	svc      *Service
	store    Store
	mem      *MemoryStore
	hasher   *token.Hasher
	denylist *fakeDenylist
	sink     *recordingSink
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mem := NewMemoryStore()
	return newTestEnvWithStore(t, mem, mem, opts...)
}

func newTestEnvWithStore(t *testing.T, store Store, mem *MemoryStore, opts ...Option) *testEnv {
	t.Helper()
	cfg := testConfig(t)

	hasher, err := token.NewHasher([]byte(cfg.TokenHMACKey))
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	tokens, err := NewAccessTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewAccessTokenManager: %v", err)
	}

	env := &testEnv{
		cfg:      cfg,
		store:    store,
		mem:      mem,
		hasher:   hasher,
		denylist: newFakeDenylist(),
		sink:     &recordingSink{},
	}
	opts = append([]Option{WithEventSink(env.sink)}, opts...)
	env.svc, err = NewService(cfg, store, tokens, hasher, env.denylist, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return env
}

// row loads the committed credential for a raw secret.
func (e *testEnv) row(t *testing.T, secret string) RenewalCredential {
	t.Helper()
	ctx := context.Background()
	tx, err := e.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := tx.FindBySecretHash(ctx, e.hasher.Hash(secret))
	if err != nil {
		t.Fatalf("find credential: %v", err)
	}
	return c
}

func (e *testEnv) issue(t *testing.T, userID, deviceID string) Issued {
	t.Helper()
	out, err := e.svc.Issue(context.Background(), testNow, userID, Device{ID: deviceID})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return out
}

func assertIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

// gatedStore lets every Tx read before any of them writes.
type gatedStore struct {
	inner Store
	wg    *sync.WaitGroup
}

func (s gatedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &gatedTx{Tx: tx, wg: s.wg}, nil
}

type gatedTx struct {
	Tx
	wg   *sync.WaitGroup
	once sync.Once
}

func (t *gatedTx) FindBySecretHash(ctx context.Context, hash string) (RenewalCredential, error) {
	c, err := t.Tx.FindBySecretHash(ctx, hash)
	t.once.Do(func() {
		t.wg.Done()
		t.wg.Wait()
	})
	return c, err
}

// rotationRace is the outcome of two rotations of one secret that both read
// the credential before either writes.
type rotationRace struct {
	winner Issued
	errs   []error
	sink   *recordingSink
}

// rotateRace runs the race against store. e issues and inspects rows; the
// racers use a separate Service over a gated view of the same store.
func (e *testEnv) rotateRace(t *testing.T, store Store, secret string, dev Device, now time.Time) rotationRace {
	t.Helper()
	const racers = 2

	var gate sync.WaitGroup
	gate.Add(racers)
	racing := newTestEnvWithStore(t, gatedStore{inner: store, wg: &gate}, e.mem)
	racing.svc.hasher = e.hasher
	racing.svc.tokens = e.svc.tokens

	type result struct {
		out Issued
		err error
	}
	results := make(chan result, racers)
	for i := 0; i < racers; i++ {
		go func() {
			out, err := racing.svc.Rotate(context.Background(), now, secret, dev)
			results <- result{out, err}
		}()
	}

	race := rotationRace{sink: racing.sink}
	wins := 0
	for i := 0; i < racers; i++ {
		r := <-results
		if r.err == nil {
			wins++
			race.winner = r.out
			continue
		}
		race.errs = append(race.errs, r.err)
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (errs %v)", wins, race.errs)
	}
	return race
}

// assertConflictLoser checks the double-submit outcome: the loser failed
// closed through the version check, the predecessor was consumed once and
// the winner's successor is still live.
func (r rotationRace) assertConflictLoser(t *testing.T, e *testEnv, secret string, now time.Time) {
	t.Helper()
	for _, err := range r.errs {
		assertIs(t, err, ErrInvalidToken)
		assertIs(t, err, ErrConcurrencyConflict)
		if errors.Is(err, ErrReplayDetected) {
			t.Fatalf("loser took the replay path: %v", err)
		}
	}

	pred := e.row(t, secret)
	if pred.UsageCount != 1 || pred.Version != 2 || pred.RotatedAt == nil {
		t.Fatalf("predecessor must be consumed exactly once: %+v", pred)
	}
	if pred.ReplacedByHash == nil || *pred.ReplacedByHash != e.hasher.Hash(r.winner.RefreshToken) {
		t.Fatalf("predecessor must point at the winner's successor")
	}
	if succ := e.row(t, r.winner.RefreshToken); !succ.Active(now) {
		t.Fatalf("winner's successor must stay active: %+v", succ)
	}
}
