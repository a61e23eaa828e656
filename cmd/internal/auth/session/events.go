package session

import (
	"context"
	"time"
)

// EventKind names a security-relevant anomaly.
type EventKind string

const (
	EventReplayDetected      EventKind = "replay_detected"
	EventDeviceMismatch      EventKind = "device_mismatch"
	EventConcurrencyConflict EventKind = "concurrency_conflict"
	EventContextDrift        EventKind = "context_drift"
	EventChainRevoked        EventKind = "chain_revoked"
)

// Severity grades an event for alert routing.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is a structured anomaly notification. It never carries
// raw secrets.
type SecurityEvent struct {
	Kind     EventKind
	Severity Severity
	At       time.Time

	UserID       string
	CredentialID string

	// DeviceID is the device bound to the credential; PresentedDeviceID is what the caller sent.
	DeviceID          string
	PresentedDeviceID string

	IP        string
	UserAgent string

	Detail map[string]any
}

// EventSink receives security events. Delivery is best-effort: Service logs
// sink errors and never fails an operation because of them.
type EventSink interface {
	Emit(ctx context.Context, ev SecurityEvent) error
}

// NopSink drops every event.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(context.Context, SecurityEvent) error { return nil }
