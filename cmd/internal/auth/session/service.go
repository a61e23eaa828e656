package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"warden/cmd/security/token"
)

const (
	maxSecretLen = 4096
	maxUserIDLen = 128
	maxReasonLen = 64
	maxUALen     = 512

	maxLineageSweeps = 4
	defaultReason    = ReasonLogout
)

// SecretHasher hashes renewal secrets for storage. *token.Hasher implements it.
type SecretHasher interface {
	Hash(secret string) string
}

// Service implements the renewal-credential lifecycle.
//
// It issues credential pairs, rotates renewal credentials with replay
// detection and device binding, and revokes single credentials, whole users
// and access tokens. Every operation runs in one Store transaction.
type Service struct {
	cfg      Config
	store    Store
	tokens   AccessTokenManager
	hasher   SecretHasher
	denylist Denylist

	claims  ClaimsSource
	events  EventSink
	metrics *Metrics
	log     *slog.Logger

	devices DevicePolicy
	chain   ChainRevoker
}

// Issued is the result of issuing or rotating a session.
type Issued struct {
	UserID       string
	CredentialID string

	AccessToken   string
	AccessTokenID string
	AccessExp     time.Time

	RefreshToken string
	RefreshExp   time.Time
}

// Option configures optional Service dependencies.
type Option func(*Service)

// WithClaimsSource sets the role/permission source used at issuance.
func WithClaimsSource(src ClaimsSource) Option {
	return func(s *Service) {
		if src != nil {
			s.claims = src
		}
	}
}

// WithEventSink sets the security event sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Service) {
		if sink != nil {
			s.events = sink
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger used for sink failures and unexpected errors.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService constructs a Service. store, tokens, hasher and denylist are required.
func NewService(cfg Config, store Store, tokens AccessTokenManager, hasher SecretHasher, denylist Denylist, opts ...Option) (*Service, error) {
	if store == nil || tokens == nil || hasher == nil || denylist == nil {
		return nil, ErrConfig
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		hasher:   hasher,
		denylist: denylist,
		claims:   StaticClaimsSource(nil),
		events:   NopSink{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Issue creates a new lineage root for userID on dev and returns fresh tokens.
//
// When dev.ID is set, any other live credential on the same (user, device)
// is revoked in the same transaction.
func (s *Service) Issue(ctx context.Context, now time.Time, userID string, dev Device) (out Issued, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("issue", start, err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" || len(userID) > maxUserIDLen {
		return Issued{}, ErrValidation
	}
	deviceID, err := normalizeDeviceID(dev.ID)
	if err != nil {
		return Issued{}, err
	}

	sub, err := s.claims.Subject(ctx, userID)
	if err != nil {
		return Issued{}, fmt.Errorf("issue: resolve subject: %w", err)
	}

	secret, hash, err := s.newSecret()
	if err != nil {
		return Issued{}, fmt.Errorf("issue: %w", err)
	}
	rec := s.newCredential(now, userID, deviceID, dev, hash, nil)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return Issued{}, fmt.Errorf("issue: begin: %w", err)
	}
	defer rollback(ctx, tx)

	if _, err := s.devices.Enforce(ctx, tx, userID, deviceID, now); err != nil {
		return Issued{}, s.issueStoreErr(err)
	}
	if err := tx.Create(ctx, rec); err != nil {
		return Issued{}, s.issueStoreErr(err)
	}

	access, claims, err := s.tokens.Issue(sub, deviceID, now)
	if err != nil {
		return Issued{}, fmt.Errorf("issue: sign access token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Issued{}, s.issueStoreErr(err)
	}

	return Issued{
		UserID:        userID,
		CredentialID:  rec.ID,
		AccessToken:   access,
		AccessTokenID: claims.TokenID,
		AccessExp:     claims.ExpiresAt,
		RefreshToken:  secret,
		RefreshExp:    rec.ExpiresAt,
	}, nil
}

// Rotate consumes the presented renewal secret and mints its successor.
//
// Checks, in order:
//   - unknown secret: ErrTokenNotFound
//   - already rotated: replay; the whole lineage is revoked and committed,
//     then ErrInvalidToken (wrapping ErrReplayDetected) is returned
//   - expired: ErrTokenExpired (dominates revocation)
//   - revoked: ErrTokenRevoked
//   - device id differs from the bound one: ErrDeviceMismatch, no state change
//
// The predecessor update is conditional on its version. Losing that race
// returns ErrInvalidToken (wrapping ErrConcurrencyConflict) and is never
// retried: a retry cannot tell a double-submit from a replay.
func (s *Service) Rotate(ctx context.Context, now time.Time, secret string, dev Device) (out Issued, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("rotate", start, err) }()

	secret = strings.TrimSpace(secret)
	if secret == "" || len(secret) > maxSecretLen {
		return Issued{}, ErrValidation
	}
	deviceID, err := normalizeDeviceID(dev.ID)
	if err != nil {
		return Issued{}, err
	}
	hash := s.hasher.Hash(secret)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return Issued{}, fmt.Errorf("rotate: begin: %w", err)
	}
	defer rollback(ctx, tx)

	cur, err := tx.FindBySecretHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return Issued{}, ErrTokenNotFound
	}
	if err != nil {
		return Issued{}, s.storeErr("rotate", err)
	}

	// A consumed credential must never reach the normal increment below.
	if cur.RotatedAt != nil || cur.UsageCount > 0 {
		return Issued{}, s.replay(ctx, tx, now, cur, deviceID, dev)
	}
	if !cur.ExpiresAt.After(now) {
		return Issued{}, ErrTokenExpired
	}
	if cur.RevokedAt != nil {
		return Issued{}, ErrTokenRevoked
	}
	if err := s.devices.Check(cur, deviceID); err != nil {
		s.emit(ctx, s.event(EventDeviceMismatch, SeverityHigh, now, cur, deviceID, dev, nil))
		return Issued{}, err
	}
	if ipChanged, uaChanged := s.devices.Drift(cur, dev); ipChanged || uaChanged {
		s.emit(ctx, s.event(EventContextDrift, SeverityLow, now, cur, deviceID, dev, map[string]any{
			"ip_changed":         ipChanged,
			"user_agent_changed": uaChanged,
		}))
	}

	sub, err := s.claims.Subject(ctx, cur.UserID)
	if err != nil {
		return Issued{}, fmt.Errorf("rotate: resolve subject: %w", err)
	}

	nextSecret, nextHash, err := s.newSecret()
	if err != nil {
		return Issued{}, fmt.Errorf("rotate: %w", err)
	}

	consumed := cur
	consumed.revoke(now, ReasonRotated)
	consumed.RotatedAt = timePtr(now)
	consumed.ReplacedByHash = &nextHash
	consumed.LastUsedAt = timePtr(now)
	consumed.UsageCount++

	if err := tx.Update(ctx, consumed); err != nil {
		return Issued{}, s.rotateWriteErr(ctx, now, cur, deviceID, dev, err)
	}
	if _, err := s.devices.Enforce(ctx, tx, cur.UserID, deviceID, now); err != nil {
		return Issued{}, s.rotateWriteErr(ctx, now, cur, deviceID, dev, err)
	}

	parent := cur.SecretHash
	next := s.newCredential(now, cur.UserID, deviceID, dev, nextHash, &parent)
	if err := tx.Create(ctx, next); err != nil {
		return Issued{}, s.rotateWriteErr(ctx, now, cur, deviceID, dev, err)
	}

	access, claims, err := s.tokens.Issue(sub, deviceID, now)
	if err != nil {
		return Issued{}, fmt.Errorf("rotate: sign access token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Issued{}, s.rotateWriteErr(ctx, now, cur, deviceID, dev, err)
	}

	return Issued{
		UserID:        cur.UserID,
		CredentialID:  next.ID,
		AccessToken:   access,
		AccessTokenID: claims.TokenID,
		AccessExp:     claims.ExpiresAt,
		RefreshToken:  nextSecret,
		RefreshExp:    next.ExpiresAt,
	}, nil
}

// replay revokes the lineage of cur, commits, emits, and returns the public error.
func (s *Service) replay(ctx context.Context, tx Tx, now time.Time, cur RenewalCredential, deviceID string, dev Device) error {
	res, err := s.chain.Revoke(ctx, tx, cur.SecretHash, now, ReasonReplay)
	if err != nil {
		return s.storeErr("rotate.replay", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.storeErr("rotate.replay", err)
	}
	swept, err := s.sweepLineage(ctx, now, cur.SecretHash, ReasonReplay)
	if err != nil {
		return s.storeErr("rotate.replay", err)
	}
	res.Revoked += swept
	s.metrics.chain(res.Revoked)

	s.emit(ctx, s.event(EventReplayDetected, SeverityCritical, now, cur, deviceID, dev, map[string]any{
		"lineage_members": res.Members,
		"revoked":         res.Revoked,
	}))
	if res.Revoked > 0 {
		s.emit(ctx, s.event(EventChainRevoked, SeverityHigh, now, cur, deviceID, dev, map[string]any{
			"cause":   ReasonReplay,
			"revoked": res.Revoked,
		}))
	}
	return invalidToken(ErrReplayDetected)
}

// sweepLineage re-runs the chain revocation in fresh transactions after a
// replay commit, catching successors a concurrent rotation committed between
// the last traversal and the commit. It stops at the first pass that revokes
// nothing.
func (s *Service) sweepLineage(ctx context.Context, now time.Time, hash, cause string) (int, error) {
	total := 0
	for i := 0; i < maxLineageSweeps; i++ {
		tx, err := s.store.Begin(ctx)
		if err != nil {
			return total, err
		}
		res, err := s.chain.Revoke(ctx, tx, hash, now, cause)
		if err != nil {
			rollback(ctx, tx)
			return total, err
		}
		if res.Revoked == 0 {
			rollback(ctx, tx)
			return total, nil
		}
		if err := tx.Commit(ctx); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return total, err
		}
		total += res.Revoked
	}
	s.log.Warn("rotate.replay.sweep_exhausted", "revoked", total)
	return total, nil
}

// issueStoreErr maps write failures during issuance. A conflict here means
// another Issue took the (user, device) slot first; nothing was written.
func (s *Service) issueStoreErr(err error) error {
	if errors.Is(err, ErrConflict) {
		return ErrIssueConflict
	}
	return s.storeErr("issue", err)
}

// rotateWriteErr maps write failures during rotation. Conflicts fail closed.
func (s *Service) rotateWriteErr(ctx context.Context, now time.Time, cur RenewalCredential, deviceID string, dev Device, err error) error {
	if errors.Is(err, ErrConflict) {
		s.emit(ctx, s.event(EventConcurrencyConflict, SeverityHigh, now, cur, deviceID, dev, nil))
		return invalidToken(ErrConcurrencyConflict)
	}
	return s.storeErr("rotate", err)
}

// Revoke revokes the credential behind secret. It succeeds for unknown and
// already revoked secrets so callers cannot probe for session existence.
func (s *Service) Revoke(ctx context.Context, now time.Time, secret string, reason string) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("revoke", start, err) }()

	secret = strings.TrimSpace(secret)
	if secret == "" || len(secret) > maxSecretLen {
		return ErrValidation
	}
	reason, err = normalizeReason(reason)
	if err != nil {
		return err
	}
	hash := s.hasher.Hash(secret)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("revoke: begin: %w", err)
	}
	defer rollback(ctx, tx)

	cur, err := tx.FindBySecretHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return s.storeErr("revoke", err)
	}
	if cur.RevokedAt != nil {
		return nil
	}

	if _, err := tx.RevokeBatch(ctx, []string{hash}, now, reason); err != nil {
		return s.storeErr("revoke", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.storeErr("revoke", err)
	}
	return nil
}

// RevokeAll revokes every live renewal credential of userID on all devices and
// sets the access-token watermark so tokens issued before now stop validating.
// A token issued at now itself, at microsecond precision, stays valid.
func (s *Service) RevokeAll(ctx context.Context, now time.Time, userID string, reason string) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("revoke_all", start, err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" || len(userID) > maxUserIDLen {
		return ErrValidation
	}
	if strings.TrimSpace(reason) == "" {
		reason = ReasonLogoutAll
	}
	reason, err = normalizeReason(reason)
	if err != nil {
		return err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("revoke_all: begin: %w", err)
	}
	defer rollback(ctx, tx)

	n, err := tx.RevokeAllForUser(ctx, userID, now, reason)
	if err != nil {
		return s.storeErr("revoke_all", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.storeErr("revoke_all", err)
	}

	// Same precision as the iat_us claim, so a login at this instant stays valid.
	at := time.UnixMicro(now.UnixMicro()).UTC()
	until := now.Add(s.cfg.AccessTokenTTL + s.cfg.ClockSkew)
	if err := s.denylist.RevokeUserBefore(ctx, userID, at, until); err != nil {
		return fmt.Errorf("revoke_all: access watermark: %w", err)
	}

	s.log.Info("auth.revoke_all", "user_id", userID, "revoked", n, "reason", reason)
	return nil
}

// RevokeAccessCredential denylists the access token until its natural expiry.
// Already expired tokens are a successful no-op; tokens that fail signature
// or issuer checks are ErrValidation.
func (s *Service) RevokeAccessCredential(ctx context.Context, now time.Time, accessToken string, reason string) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("revoke_access", start, err) }()

	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" || len(accessToken) > maxSecretLen {
		return ErrValidation
	}
	reason, err = normalizeReason(reason)
	if err != nil {
		return err
	}

	claims, err := s.tokens.Inspect(accessToken)
	if err != nil {
		return ErrValidation
	}
	if !claims.ExpiresAt.After(now) {
		return nil
	}
	if err := s.denylist.RevokeByID(ctx, claims.TokenID, claims.ExpiresAt, reason); err != nil {
		return fmt.Errorf("revoke_access: %w", err)
	}
	return nil
}

// ValidateAccessToken verifies an access token and checks both the token-id
// denylist and the user revocation watermark.
func (s *Service) ValidateAccessToken(ctx context.Context, now time.Time, accessToken string) (AccessClaims, error) {
	claims, err := s.tokens.Verify(strings.TrimSpace(accessToken), now)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	revoked, err := s.denylist.IsRevoked(ctx, claims.TokenID, now)
	if err != nil {
		return AccessClaims{}, fmt.Errorf("validate: denylist: %w", err)
	}
	if revoked {
		return AccessClaims{}, ErrTokenRevoked
	}

	revoked, err = s.denylist.IsUserRevokedSince(ctx, claims.UserID, claims.IssuedAt, now)
	if err != nil {
		return AccessClaims{}, fmt.Errorf("validate: user watermark: %w", err)
	}
	if revoked {
		return AccessClaims{}, ErrTokenRevoked
	}
	return claims, nil
}

// ---- helpers ----

func (s *Service) newSecret() (plain, hash string, err error) {
	plain, err = token.GenerateSecret(s.cfg.RefreshTokenBytes)
	if err != nil {
		return "", "", err
	}
	return plain, s.hasher.Hash(plain), nil
}

func (s *Service) newCredential(now time.Time, userID, deviceID string, dev Device, hash string, parent *string) RenewalCredential {
	var ip string
	if dev.IP != nil {
		ip = dev.IP.String()
	}
	ua := strings.TrimSpace(dev.UserAgent)
	ua = truncateUTF8(ua, maxUALen)
	return RenewalCredential{
		ID:          ulid.Make().String(),
		SecretHash:  hash,
		UserID:      userID,
		DeviceID:    strPtr(deviceID),
		CreatedByIP: ip,
		UserAgent:   ua,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.RefreshTTL),
		ParentHash:  parent,
		Version:     1,
	}
}

func (s *Service) event(kind EventKind, sev Severity, now time.Time, c RenewalCredential, presented string, dev Device, detail map[string]any) SecurityEvent {
	ev := SecurityEvent{
		Kind:              kind,
		Severity:          sev,
		At:                now,
		UserID:            c.UserID,
		CredentialID:      c.ID,
		DeviceID:          c.Device(),
		PresentedDeviceID: presented,
		UserAgent:         strings.TrimSpace(dev.UserAgent),
		Detail:            detail,
	}
	if dev.IP != nil {
		ev.IP = dev.IP.String()
	}
	return ev
}

func (s *Service) emit(ctx context.Context, ev SecurityEvent) {
	s.metrics.event(ev.Kind)
	// Emission must not observe request cancellation after a commit.
	if err := s.events.Emit(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Error("auth.security_event.emit.fail", "err", err, "kind", string(ev.Kind))
	}
}

// storeErr translates store conflicts and wraps everything else with op context.
func (s *Service) storeErr(op string, err error) error {
	if errors.Is(err, ErrConflict) {
		return ErrConcurrencyConflict
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: store: %w", op, err)
}

func rollback(ctx context.Context, tx Tx) {
	_ = tx.Rollback(context.WithoutCancel(ctx))
}

func normalizeReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return defaultReason, nil
	}
	if len(reason) > maxReasonLen {
		return "", ErrValidation
	}
	return reason, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune and drops
// any invalid sequences.
func truncateUTF8(s string, n int) string {
	if len(s) > n {
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return strings.ToValidUTF8(s, "")
}
