package session

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewService_RequiresDependencies(t *testing.T) {
	cfg := testConfig(t)
	if _, err := NewService(cfg, nil, nil, nil, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestIssue_ReturnsUsablePair(t *testing.T) {
	env := newTestEnv(t)
	out := env.issue(t, "u1", "deviceA")

	if out.AccessToken == "" || out.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", out)
	}
	if !out.RefreshExp.Equal(testNow.Add(env.cfg.RefreshTTL)) {
		t.Fatalf("refresh exp mismatch: %v", out.RefreshExp)
	}
	if !out.AccessExp.After(testNow) || out.AccessExp.After(testNow.Add(env.cfg.AccessTokenTTL)) {
		t.Fatalf("access exp out of range: %v", out.AccessExp)
	}

	row := env.row(t, out.RefreshToken)
	if row.SecretHash == out.RefreshToken {
		t.Fatalf("raw secret stored")
	}
	if row.Device() != "deviceA" || row.UserID != "u1" || row.ParentHash != nil {
		t.Fatalf("unexpected root row: %+v", row)
	}
	if !row.Active(testNow) {
		t.Fatalf("issued credential not active")
	}

	claims, err := env.svc.ValidateAccessToken(context.Background(), testNow, out.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.UserID != "u1" || claims.TokenID != out.AccessTokenID || claims.DeviceID != "deviceA" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestIssue_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		userID string
		dev    Device
	}{
		{"empty user", "  ", Device{}},
		{"control char device", "u1", Device{ID: "dev\x00ice"}},
		{"oversized device", "u1", Device{ID: string(make([]byte, maxDeviceIDLen+1))}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Issue(ctx, testNow, tc.userID, tc.dev)
			assertIs(t, err, ErrValidation)
		})
	}
}

func TestIssue_UsesClaimsSource(t *testing.T) {
	src := StaticClaimsSource{"u1": {Roles: []string{"admin"}, Permissions: []string{"orders:read"}}}
	env := newTestEnv(t, WithClaimsSource(src))
	out := env.issue(t, "u1", "")

	claims, err := env.svc.ValidateAccessToken(context.Background(), testNow, out.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("roles mismatch: %v", claims.Roles)
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != "orders:read" {
		t.Fatalf("permissions mismatch: %v", claims.Permissions)
	}
}

// Issue, then rotate once from the same device.
func TestRotate_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c1 := env.issue(t, "u1", "deviceA")

	at := testNow.Add(time.Minute)
	c2, err := env.svc.Rotate(ctx, at, c1.RefreshToken, Device{ID: "deviceA"})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if c2.RefreshToken == c1.RefreshToken || c2.CredentialID == c1.CredentialID {
		t.Fatalf("rotation did not mint a new credential")
	}

	old := env.row(t, c1.RefreshToken)
	if old.State(at) != StateRotated || old.RevokedAt == nil || *old.RevokedReason != ReasonRotated {
		t.Fatalf("predecessor not revoked+rotated: %+v", old)
	}
	if old.UsageCount != 1 || old.LastUsedAt == nil || !old.LastUsedAt.Equal(at) {
		t.Fatalf("predecessor usage not recorded: %+v", old)
	}
	if old.ReplacedByHash == nil || *old.ReplacedByHash != env.hasher.Hash(c2.RefreshToken) {
		t.Fatalf("replacedByHash mismatch")
	}

	next := env.row(t, c2.RefreshToken)
	if !next.Active(at) {
		t.Fatalf("successor not active: %+v", next)
	}
	if next.ParentHash == nil || *next.ParentHash != old.SecretHash {
		t.Fatalf("successor parent mismatch")
	}
	if next.Device() != "deviceA" || next.UserID != "u1" {
		t.Fatalf("successor provenance mismatch: %+v", next)
	}
	if !next.ExpiresAt.Equal(at.Add(env.cfg.RefreshTTL)) {
		t.Fatalf("successor expiry mismatch: %v", next.ExpiresAt)
	}
}

func TestRotate_ReplayRevokesLineage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dev := Device{ID: "deviceA"}
	c1 := env.issue(t, "u1", "deviceA")

	c2, err := env.svc.Rotate(ctx, testNow.Add(time.Minute), c1.RefreshToken, dev)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	_, err = env.svc.Rotate(ctx, testNow.Add(2*time.Minute), c1.RefreshToken, dev)
	assertIs(t, err, ErrInvalidToken)
	assertIs(t, err, ErrReplayDetected)
	if PublicKind(err) != KindInvalidToken {
		t.Fatalf("replay must surface as invalid token, got %s", PublicKind(err))
	}

	succ := env.row(t, c2.RefreshToken)
	if succ.RevokedAt == nil || *succ.RevokedReason != ChainReason(ReasonReplay) {
		t.Fatalf("successor not chain-revoked: %+v", succ)
	}
	pred := env.row(t, c1.RefreshToken)
	if *pred.RevokedReason != ReasonRotated {
		t.Fatalf("already revoked member must keep its reason, got %q", *pred.RevokedReason)
	}
	if pred.UsageCount != 1 {
		t.Fatalf("replay must not increment usage, got %d", pred.UsageCount)
	}

	_, err = env.svc.Rotate(ctx, testNow.Add(3*time.Minute), c2.RefreshToken, dev)
	assertIs(t, err, ErrTokenRevoked)

	if !env.sink.has(EventReplayDetected) || !env.sink.has(EventChainRevoked) {
		t.Fatalf("expected replay and chain events, got %v", env.sink.kinds())
	}
}

func TestRotate_ReplayOfMiddleRevokesDescendants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dev := Device{ID: "deviceA"}

	c1 := env.issue(t, "u1", "deviceA")
	c2, err := env.svc.Rotate(ctx, testNow.Add(time.Minute), c1.RefreshToken, dev)
	if err != nil {
		t.Fatalf("Rotate c1: %v", err)
	}
	c3, err := env.svc.Rotate(ctx, testNow.Add(2*time.Minute), c2.RefreshToken, dev)
	if err != nil {
		t.Fatalf("Rotate c2: %v", err)
	}

	_, err = env.svc.Rotate(ctx, testNow.Add(3*time.Minute), c2.RefreshToken, dev)
	assertIs(t, err, ErrReplayDetected)

	for i, secret := range []string{c1.RefreshToken, c2.RefreshToken, c3.RefreshToken} {
		if row := env.row(t, secret); row.RevokedAt == nil {
			t.Fatalf("lineage member %d still live", i+1)
		}
	}
	if r := env.row(t, c3.RefreshToken); *r.RevokedReason != ChainReason(ReasonReplay) {
		t.Fatalf("tip reason mismatch: %q", *r.RevokedReason)
	}
}

func TestRotate_ReplayDoesNotTouchOtherLineages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.issue(t, "u1", "deviceA")
	b := env.issue(t, "u1", "deviceB")
	if _, err := env.svc.Rotate(ctx, testNow.Add(time.Minute), a.RefreshToken, Device{ID: "deviceA"}); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := env.svc.Rotate(ctx, testNow.Add(2*time.Minute), a.RefreshToken, Device{ID: "deviceA"}); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("expected replay, got %v", err)
	}
	if row := env.row(t, b.RefreshToken); !row.Active(testNow.Add(2 * time.Minute)) {
		t.Fatalf("unrelated lineage revoked: %+v", row)
	}
}

func TestRotate_ConcurrentSameSecret(t *testing.T) {
	mem := NewMemoryStore()
	plain := newTestEnvWithStore(t, mem, mem)
	c1 := plain.issue(t, "u1", "deviceA")

	now := testNow.Add(time.Minute)
	race := plain.rotateRace(t, mem, c1.RefreshToken, Device{ID: "deviceA"}, now)
	race.assertConflictLoser(t, plain, c1.RefreshToken, now)

	if got := len(mem.Snapshot()); got != 2 {
		t.Fatalf("expected 2 rows after race, got %d", got)
	}
	if !race.sink.has(EventConcurrencyConflict) {
		t.Fatalf("expected concurrency_conflict event, got %v", race.sink.kinds())
	}
	if race.sink.has(EventReplayDetected) {
		t.Fatalf("double submit must not be treated as replay, got %v", race.sink.kinds())
	}
}

// interleavedStore runs hook once, from inside the first Tx that performs a
// replay chain revocation, at the chosen point.
type interleavedStore struct {
	inner Store
	at    string // "batch" or "commit"
	hook  func()
	once  *sync.Once
}

func (s interleavedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &interleavedTx{Tx: tx, store: s}, nil
}

type interleavedTx struct {
	Tx
	store   interleavedStore
	chained bool
}

func (t *interleavedTx) RevokeBatch(ctx context.Context, hashes []string, now time.Time, reason string) (int, error) {
	if reason == ChainReason(ReasonReplay) {
		t.chained = true
		if t.store.at == "batch" {
			t.store.once.Do(t.store.hook)
		}
	}
	return t.Tx.RevokeBatch(ctx, hashes, now, reason)
}

func (t *interleavedTx) Commit(ctx context.Context) error {
	if t.chained && t.store.at == "commit" {
		t.store.once.Do(t.store.hook)
	}
	return t.Tx.Commit(ctx)
}

func TestRotate_ReplayRevokesSuccessorMintedConcurrently(t *testing.T) {
	for _, at := range []string{"batch", "commit"} {
		t.Run(at, func(t *testing.T) {
			ctx := context.Background()
			mem := NewMemoryStore()
			store := &interleavedStore{inner: mem, at: at, once: &sync.Once{}}
			env := newTestEnvWithStore(t, store, mem)

			c1 := env.issue(t, "u1", "deviceA")
			c2, err := env.svc.Rotate(ctx, testNow.Add(time.Minute), c1.RefreshToken, Device{ID: "deviceA"})
			if err != nil {
				t.Fatalf("rotate c1: %v", err)
			}

			var c3 Issued
			var innerErr error
			store.hook = func() {
				c3, innerErr = env.svc.Rotate(ctx, testNow.Add(2*time.Minute), c2.RefreshToken, Device{ID: "deviceA"})
			}

			_, err = env.svc.Rotate(ctx, testNow.Add(2*time.Minute), c1.RefreshToken, Device{ID: "deviceA"})
			assertIs(t, err, ErrReplayDetected)
			if innerErr != nil {
				t.Fatalf("interleaved rotation of c2: %v", innerErr)
			}
			if c3.RefreshToken == "" {
				t.Fatalf("interleaved rotation did not run")
			}

			now := testNow.Add(2 * time.Minute)
			for name, secret := range map[string]string{"c1": c1.RefreshToken, "c2": c2.RefreshToken, "c3": c3.RefreshToken} {
				if row := env.row(t, secret); row.Active(now) {
					t.Fatalf("%s still active after replay: %+v", name, row)
				}
			}
			if row := env.row(t, c3.RefreshToken); row.RevokedReason == nil || *row.RevokedReason != ChainReason(ReasonReplay) {
				t.Fatalf("c3 revocation reason: %+v", row.RevokedReason)
			}
			if _, err := env.svc.Rotate(ctx, now, c3.RefreshToken, Device{ID: "deviceA"}); !errors.Is(err, ErrTokenRevoked) {
				t.Fatalf("c3 must be unusable, got %v", err)
			}
		})
	}
}

// conflictingCreateStore fails every Create as if a concurrent Issue had
// taken the (user, device) slot first.
type conflictingCreateStore struct{ inner Store }

func (s conflictingCreateStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return conflictingCreateTx{tx}, nil
}

type conflictingCreateTx struct{ Tx }

func (conflictingCreateTx) Create(context.Context, RenewalCredential) error { return ErrConflict }

func TestIssue_LostDeviceSlotIsRetryableConflict(t *testing.T) {
	mem := NewMemoryStore()
	env := newTestEnvWithStore(t, conflictingCreateStore{inner: mem}, mem)

	_, err := env.svc.Issue(context.Background(), testNow, "u1", Device{ID: "deviceA"})
	assertIs(t, err, ErrIssueConflict)
	if errors.Is(err, ErrInvalidToken) {
		t.Fatalf("issue conflict must not surface as invalid token: %v", err)
	}
	if got := PublicKind(err); got != KindIssueConflict {
		t.Fatalf("public kind = %s, want %s", got, KindIssueConflict)
	}
	if got := len(mem.Snapshot()); got != 0 {
		t.Fatalf("no credential may be written, got %d rows", got)
	}
}

func TestIssue_TruncatesUserAgentOnRuneBoundary(t *testing.T) {
	cases := []struct {
		name string
		ua   string
		want string
	}{
		{"multibyte at cut", strings.Repeat("a", maxUALen-1) + "é", strings.Repeat("a", maxUALen-1)},
		{"long multibyte", strings.Repeat("é", maxUALen), strings.Repeat("é", maxUALen/2)},
		{"invalid bytes", "app/\xff1", "app/1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			out, err := env.svc.Issue(context.Background(), testNow, "u1", Device{ID: "deviceA", UserAgent: tc.ua})
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			got := env.row(t, out.RefreshToken).UserAgent
			if !utf8.ValidString(got) || got != tc.want {
				t.Fatalf("stored user agent len=%d valid=%v, want len=%d", len(got), utf8.ValidString(got), len(tc.want))
			}
		})
	}
}

// Without gating a loser may read the credential before or after the winner
// commits. Overlapping losers conflict and leave the successor live; a loser
// that starts after the commit is a replay and closes the lineage.
func TestRotate_ConcurrentRandomScheduling(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.issue(t, "u1", "deviceA")
	now := testNow.Add(time.Minute)

	const racers = 8
	var wg sync.WaitGroup
	outs := make([]Issued, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = env.svc.Rotate(context.Background(), now, c1.RefreshToken, Device{ID: "deviceA"})
		}(i)
	}
	wg.Wait()

	var wins int
	var winner Issued
	replayed := false
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
			winner = outs[i]
		case errors.Is(err, ErrReplayDetected):
			replayed = true
		case errors.Is(err, ErrConcurrencyConflict):
		default:
			t.Fatalf("loser must fail closed as replay or conflict, got %v", err)
		}
		if err != nil {
			assertIs(t, err, ErrInvalidToken)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if pred := env.row(t, c1.RefreshToken); pred.UsageCount != 1 {
		t.Fatalf("usage count must be 1, got %d", pred.UsageCount)
	}
	if got := len(env.mem.Snapshot()); got != 2 {
		t.Fatalf("expected exactly one successor, got %d rows", got)
	}

	succ := env.row(t, winner.RefreshToken)
	if replayed {
		if succ.RevokedReason == nil || *succ.RevokedReason != ChainReason(ReasonReplay) {
			t.Fatalf("replay must close the winner's successor: %+v", succ)
		}
	} else if !succ.Active(now) {
		t.Fatalf("conflict-only race must leave the winner's successor active: %+v", succ)
	}
}

func TestRotate_RevokeAllThenRotate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.issue(t, "u1", "deviceA")
	other := env.issue(t, "u1", "deviceB")

	if err := env.svc.RevokeAll(ctx, testNow.Add(time.Minute), "u1", ""); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	_, err := env.svc.Rotate(ctx, testNow.Add(2*time.Minute), c.RefreshToken, Device{ID: "deviceA"})
	assertIs(t, err, ErrTokenRevoked)

	for _, secret := range []string{c.RefreshToken, other.RefreshToken} {
		row := env.row(t, secret)
		if row.RevokedAt == nil || *row.RevokedReason != ReasonLogoutAll {
			t.Fatalf("credential not revoked by RevokeAll: %+v", row)
		}
	}

	_, err = env.svc.ValidateAccessToken(ctx, testNow.Add(2*time.Minute), c.AccessToken)
	assertIs(t, err, ErrTokenRevoked)

	// A login after the watermark is unaffected, even within the same second.
	fresh, err := env.svc.Issue(ctx, testNow.Add(time.Minute+time.Millisecond), "u1", Device{ID: "deviceA"})
	if err != nil {
		t.Fatalf("Issue after RevokeAll: %v", err)
	}
	if _, err := env.svc.ValidateAccessToken(ctx, testNow.Add(2*time.Minute), fresh.AccessToken); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}
}

func TestRevokeAll_ReloginAtSameInstantValidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	at := testNow.Add(time.Minute + 250*time.Nanosecond)

	old := env.issue(t, "u1", "deviceA")
	before, err := env.svc.Issue(ctx, at.Add(-time.Microsecond), "u1", Device{ID: "deviceB"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := env.svc.RevokeAll(ctx, at, "u1", ""); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	fresh, err := env.svc.Issue(ctx, at, "u1", Device{ID: "deviceA"})
	if err != nil {
		t.Fatalf("Issue at the RevokeAll instant: %v", err)
	}

	for name, tok := range map[string]string{"old": old.AccessToken, "one µs before": before.AccessToken} {
		_, err := env.svc.ValidateAccessToken(ctx, at, tok)
		if !errors.Is(err, ErrTokenRevoked) {
			t.Fatalf("%s: expected ErrTokenRevoked, got %v", name, err)
		}
	}
	if _, err := env.svc.ValidateAccessToken(ctx, at, fresh.AccessToken); err != nil {
		t.Fatalf("login at the RevokeAll instant rejected: %v", err)
	}
}

func TestRotate_DeviceMismatchDoesNotRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.issue(t, "u1", "deviceA")

	_, err := env.svc.Rotate(ctx, testNow.Add(time.Minute), c.RefreshToken, Device{ID: "deviceB"})
	assertIs(t, err, ErrDeviceMismatch)

	row := env.row(t, c.RefreshToken)
	if row.RevokedAt != nil || row.RotatedAt != nil || row.UsageCount != 0 {
		t.Fatalf("mismatch mutated credential: %+v", row)
	}
	if !env.sink.has(EventDeviceMismatch) {
		t.Fatalf("expected device_mismatch event")
	}

	if _, err := env.svc.Rotate(ctx, testNow.Add(2*time.Minute), c.RefreshToken, Device{ID: "deviceA"}); err != nil {
		t.Fatalf("rotation from bound device failed: %v", err)
	}
}

func TestRotate_UnboundCredentialRequiresNoDevice(t *testing.T) {
	env := newTestEnv(t)
	c := env.issue(t, "u1", "")

	_, err := env.svc.Rotate(context.Background(), testNow.Add(time.Minute), c.RefreshToken, Device{ID: "deviceA"})
	assertIs(t, err, ErrDeviceMismatch)
}

func TestRotate_ExpiryDominatesRevocation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	revoked := env.issue(t, "u1", "deviceA")
	plain := env.issue(t, "u2", "deviceA")

	if err := env.svc.Revoke(ctx, testNow.Add(time.Minute), revoked.RefreshToken, ""); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	late := testNow.Add(env.cfg.RefreshTTL)

	for _, secret := range []string{revoked.RefreshToken, plain.RefreshToken} {
		_, err := env.svc.Rotate(ctx, late, secret, Device{ID: "deviceA"})
		assertIs(t, err, ErrTokenExpired)
	}
}

func TestRotate_InputErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Rotate(ctx, testNow, "", Device{})
	assertIs(t, err, ErrValidation)

	_, err = env.svc.Rotate(ctx, testNow, string(make([]byte, maxSecretLen+1)), Device{})
	assertIs(t, err, ErrValidation)

	_, err = env.svc.Rotate(ctx, testNow, "never-issued", Device{})
	assertIs(t, err, ErrTokenNotFound)
}

func TestRotate_ContextDriftIsReportedOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.Issue(ctx, testNow, "u1", Device{ID: "deviceA", IP: net.ParseIP("10.0.0.1"), UserAgent: "app/1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, err = env.svc.Rotate(ctx, testNow.Add(time.Minute), c.RefreshToken, Device{ID: "deviceA", IP: net.ParseIP("10.0.0.2"), UserAgent: "app/2"})
	if err != nil {
		t.Fatalf("drift must not reject: %v", err)
	}
	if !env.sink.has(EventContextDrift) {
		t.Fatalf("expected context_drift event, got %v", env.sink.kinds())
	}
}

func TestRotate_SinkFailureDoesNotChangeOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.sink.err = errors.New("sink down")
	c := env.issue(t, "u1", "deviceA")

	_, err := env.svc.Rotate(context.Background(), testNow.Add(time.Minute), c.RefreshToken, Device{ID: "deviceB"})
	assertIs(t, err, ErrDeviceMismatch)
}

func TestRotate_CanceledContextLeavesNoState(t *testing.T) {
	env := newTestEnv(t)
	c := env.issue(t, "u1", "deviceA")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := env.svc.Rotate(ctx, testNow.Add(time.Minute), c.RefreshToken, Device{ID: "deviceA"}); err == nil {
		t.Fatalf("expected error on canceled context")
	}
	if row := env.row(t, c.RefreshToken); !row.Active(testNow.Add(time.Minute)) {
		t.Fatalf("canceled rotation mutated state: %+v", row)
	}
	if got := len(env.mem.Snapshot()); got != 1 {
		t.Fatalf("expected 1 row, got %d", got)
	}
}

func TestIssue_SingleActivePerDevice(t *testing.T) {
	env := newTestEnv(t)
	first := env.issue(t, "u1", "deviceA")
	second := env.issue(t, "u1", "deviceA")

	old := env.row(t, first.RefreshToken)
	if old.RevokedAt == nil || *old.RevokedReason != ReasonSuperseded {
		t.Fatalf("earlier credential not superseded: %+v", old)
	}
	if !env.row(t, second.RefreshToken).Active(testNow) {
		t.Fatalf("new credential not active")
	}

	// Unbound credentials are exempt.
	a := env.issue(t, "u1", "")
	b := env.issue(t, "u1", "")
	if !env.row(t, a.RefreshToken).Active(testNow) || !env.row(t, b.RefreshToken).Active(testNow) {
		t.Fatalf("unbound credentials must not supersede each other")
	}
}

// Random op sequences must never leave two live credentials on one (user, device).
func TestSingleActiveInvariant_RandomSequences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	users := []string{"u1", "u2"}
	devices := []string{"d1", "d2", "d3"}
	type live struct{ secret, device string }
	var secrets []live

	now := testNow
	for step := 0; step < 300; step++ {
		now = now.Add(time.Second)
		switch op := rng.Intn(4); {
		case op == 0 || len(secrets) == 0:
			u, d := users[rng.Intn(len(users))], devices[rng.Intn(len(devices))]
			out, err := env.svc.Issue(ctx, now, u, Device{ID: d})
			if err != nil {
				t.Fatalf("step %d Issue: %v", step, err)
			}
			secrets = append(secrets, live{out.RefreshToken, d})
		case op == 1 || op == 2:
			s := secrets[rng.Intn(len(secrets))]
			out, err := env.svc.Rotate(ctx, now, s.secret, Device{ID: s.device})
			if err == nil {
				secrets = append(secrets, live{out.RefreshToken, s.device})
			}
		default:
			s := secrets[rng.Intn(len(secrets))]
			if err := env.svc.Revoke(ctx, now, s.secret, ""); err != nil {
				t.Fatalf("step %d Revoke: %v", step, err)
			}
		}

		counts := map[string]int{}
		for _, c := range env.mem.Snapshot() {
			if c.Device() != "" && c.RevokedAt == nil && c.ExpiresAt.After(now) {
				counts[c.UserID+"/"+c.Device()]++
			}
		}
		for k, n := range counts {
			if n > 1 {
				t.Fatalf("step %d: %d live credentials for %s", step, n, k)
			}
		}
	}
}

func TestRevoke_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.issue(t, "u1", "deviceA")

	if err := env.svc.Revoke(ctx, testNow, "unknown-secret", ""); err != nil {
		t.Fatalf("unknown secret must succeed: %v", err)
	}
	if err := env.svc.Revoke(ctx, testNow.Add(time.Minute), c.RefreshToken, "user_request"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := env.svc.Revoke(ctx, testNow.Add(2*time.Minute), c.RefreshToken, "again"); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}

	row := env.row(t, c.RefreshToken)
	if row.RevokedAt == nil || !row.RevokedAt.Equal(testNow.Add(time.Minute)) || *row.RevokedReason != "user_request" {
		t.Fatalf("first revocation must stick: %+v", row)
	}

	assertIs(t, env.svc.Revoke(ctx, testNow, " ", ""), ErrValidation)
}

func TestRevokeAll_Validation(t *testing.T) {
	env := newTestEnv(t)
	assertIs(t, env.svc.RevokeAll(context.Background(), testNow, "", ""), ErrValidation)
}

func TestRevokeAccessCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.issue(t, "u1", "deviceA")

	if err := env.svc.RevokeAccessCredential(ctx, testNow.Add(time.Minute), c.AccessToken, "stolen"); err != nil {
		t.Fatalf("RevokeAccessCredential: %v", err)
	}
	if env.denylist.ids[c.AccessTokenID] != "stolen" {
		t.Fatalf("token id not denylisted: %v", env.denylist.ids)
	}
	_, err := env.svc.ValidateAccessToken(ctx, testNow.Add(time.Minute), c.AccessToken)
	assertIs(t, err, ErrTokenRevoked)

	// The renewal credential is untouched.
	if !env.row(t, c.RefreshToken).Active(testNow.Add(time.Minute)) {
		t.Fatalf("access revocation must not revoke renewal credential")
	}
}

func TestRevokeAccessCredential_ExpiredIsNoop(t *testing.T) {
	env := newTestEnv(t)
	c := env.issue(t, "u1", "")

	late := testNow.Add(env.cfg.AccessTokenTTL + time.Minute)
	if err := env.svc.RevokeAccessCredential(context.Background(), late, c.AccessToken, ""); err != nil {
		t.Fatalf("expired token revoke must succeed: %v", err)
	}
	if len(env.denylist.ids) != 0 {
		t.Fatalf("expired token must not be denylisted")
	}
}

func TestRevokeAccessCredential_Garbage(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.RevokeAccessCredential(context.Background(), testNow, "v4.public.garbage", "")
	assertIs(t, err, ErrValidation)
}

func TestValidateAccessToken_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.issue(t, "u1", "")

	_, err := env.svc.ValidateAccessToken(ctx, testNow.Add(env.cfg.AccessTokenTTL+time.Minute), c.AccessToken)
	assertIs(t, err, ErrInvalidToken)

	_, err = env.svc.ValidateAccessToken(ctx, testNow, "")
	assertIs(t, err, ErrInvalidToken)
}

func TestService_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	env := newTestEnv(t, WithMetrics(m))
	ctx := context.Background()

	c := env.issue(t, "u1", "deviceA")
	if _, err := env.svc.Rotate(ctx, testNow.Add(time.Minute), c.RefreshToken, Device{ID: "deviceA"}); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	_, _ = env.svc.Rotate(ctx, testNow.Add(2*time.Minute), c.RefreshToken, Device{ID: "deviceA"})

	if got := testutil.ToFloat64(m.operations.WithLabelValues("rotate", "ok")); got != 1 {
		t.Fatalf("rotate ok = %v", got)
	}
	label := string(KindReplayDetected)
	if got := testutil.ToFloat64(m.operations.WithLabelValues("rotate", label)); got != 1 {
		t.Fatalf("rotate %s = %v", label, got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues(string(EventReplayDetected))); got != 1 {
		t.Fatalf("replay events = %v", got)
	}
	if got := testutil.ToFloat64(m.chainRevoked); got != 1 {
		t.Fatalf("chain revoked = %v", got)
	}
}
