package denylist

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "warden:deny:"

// raiseWatermark keeps the per-user hash monotonic: "at" (unix µs) and "until"
// (unix ms) only grow, and the key expires at the largest "until" seen.
var raiseWatermark = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'at', 'until')
local curAt = tonumber(cur[1]) or 0
local curUntil = tonumber(cur[2]) or 0
if tonumber(ARGV[1]) > curAt then
	redis.call('HSET', KEYS[1], 'at', ARGV[1])
end
if tonumber(ARGV[2]) > curUntil then
	redis.call('HSET', KEYS[1], 'until', ARGV[2])
	redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
return 1
`)

// Redis stores denylist entries as keys that expire with the token they cover.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a Redis denylist.
type RedisOption func(*Redis)

// WithKeyPrefix overrides the "warden:deny:" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if strings.TrimSpace(prefix) != "" {
			r.prefix = prefix
		}
	}
}

// NewRedis creates a Redis-backed denylist.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) tokenKey(id string) string { return r.prefix + "jti:" + id }
func (r *Redis) userKey(id string) string  { return r.prefix + "user:" + id }

// RevokeByID denylists tokenID with an absolute expiry at expiresAt.
func (r *Redis) RevokeByID(ctx context.Context, tokenID string, expiresAt time.Time, reason string) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return ErrInvalidInput
	}
	if reason == "" {
		reason = "revoked"
	}
	return r.client.SetArgs(ctx, r.tokenKey(tokenID), reason, redis.SetArgs{ExpireAt: expiresAt}).Err()
}

// IsRevoked reports whether tokenID is denylisted. Redis expiry stands in for now.
func (r *Redis) IsRevoked(ctx context.Context, tokenID string, _ time.Time) (bool, error) {
	n, err := r.client.Exists(ctx, r.tokenKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RevokeUserBefore moves userID's watermark forward to at, kept until until.
func (r *Redis) RevokeUserBefore(ctx context.Context, userID string, at, until time.Time) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	return raiseWatermark.Run(ctx, r.client, []string{r.userKey(userID)},
		strconv.FormatInt(at.UnixMicro(), 10),
		strconv.FormatInt(until.UnixMilli(), 10),
	).Err()
}

// IsUserRevokedSince reports whether issuedAt is before userID's watermark.
func (r *Redis) IsUserRevokedSince(ctx context.Context, userID string, issuedAt, _ time.Time) (bool, error) {
	v, err := r.client.HGet(ctx, r.userKey(userID), "at").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	at, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false, err
	}
	return issuedAt.UnixMicro() < at, nil
}

// Ping checks Redis reachability.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
