// Package denylist stores revoked access-token ids until their natural
// expiry, plus per-user revocation watermarks.
//
// Implementations satisfy session.Denylist: Memory for single-process
// deployments and tests, Postgres for durable state, Redis for low-latency
// shared state across replicas.
package denylist

import (
	"context"
	"strings"
	"sync"
	"time"
)

type watermark struct {
	at    time.Time
	until time.Time
}

// Memory is an in-process denylist. Expired entries are dropped when read.
type Memory struct {
	mu    sync.Mutex
	ids   map[string]time.Time
	users map[string]watermark
}

// NewMemory constructs an empty Memory denylist.
func NewMemory() *Memory {
	return &Memory{
		ids:   make(map[string]time.Time),
		users: make(map[string]watermark),
	}
}

// RevokeByID denylists tokenID until expiresAt.
func (m *Memory) RevokeByID(ctx context.Context, tokenID string, expiresAt time.Time, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.ids[tokenID]; !ok || expiresAt.After(cur) {
		m.ids[tokenID] = expiresAt
	}
	return nil
}

// IsRevoked reports whether tokenID is denylisted at now.
func (m *Memory) IsRevoked(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.ids[tokenID]
	if !ok {
		return false, nil
	}
	if !exp.After(now) {
		delete(m.ids, tokenID)
		return false, nil
	}
	return true, nil
}

// RevokeUserBefore moves userID's watermark forward to at. It never moves back.
func (m *Memory) RevokeUserBefore(ctx context.Context, userID string, at, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.users[userID]
	if at.After(w.at) {
		w.at = at
	}
	if until.After(w.until) {
		w.until = until
	}
	m.users[userID] = w
	return nil
}

// IsUserRevokedSince reports whether a token issued at issuedAt falls before
// userID's watermark.
func (m *Memory) IsUserRevokedSince(ctx context.Context, userID string, issuedAt, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	if !w.until.After(now) {
		delete(m.users, userID)
		return false, nil
	}
	return issuedAt.Before(w.at), nil
}

// Len returns the number of stored token-id entries, expired ones included until read.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}

