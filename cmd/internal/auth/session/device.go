package session

import (
	"context"
	"net"
	"strings"
	"time"
)

const maxDeviceIDLen = 256

// normalizeDeviceID trims id and rejects oversized or control-character input.
func normalizeDeviceID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if len(id) > maxDeviceIDLen {
		return "", ErrValidation
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return "", ErrValidation
		}
	}
	return id, nil
}

// DevicePolicy binds renewal credentials to client device ids.
//
// The device id is a hard bind: a mismatch rejects rotation. IP and
// user-agent are soft signals only reported as drift. Credentials issued
// without a device id are not subject to the single-active rule.
type DevicePolicy struct{}

// Enforce revokes every unrevoked credential for (userID, deviceID) so the
// credential about to be created is the only live one on that device.
func (DevicePolicy) Enforce(ctx context.Context, tx Tx, userID, deviceID string, now time.Time) (int, error) {
	if deviceID == "" {
		return 0, nil
	}
	existing, err := tx.FindActiveFor(ctx, userID, deviceID)
	if err != nil {
		return 0, err
	}
	if len(existing) == 0 {
		return 0, nil
	}
	hashes := make([]string, 0, len(existing))
	for _, c := range existing {
		hashes = append(hashes, c.SecretHash)
	}
	return tx.RevokeBatch(ctx, hashes, now, ReasonSuperseded)
}

// Check compares the presented device id against the bound one.
func (DevicePolicy) Check(c RenewalCredential, presentedDeviceID string) error {
	if c.Device() != presentedDeviceID {
		return ErrDeviceMismatch
	}
	return nil
}

// Drift reports which soft signals changed since the credential was minted.
func (DevicePolicy) Drift(c RenewalCredential, dev Device) (ipChanged, uaChanged bool) {
	if c.CreatedByIP != "" && dev.IP != nil {
		if prev := net.ParseIP(c.CreatedByIP); prev != nil && !prev.Equal(dev.IP) {
			ipChanged = true
		}
	}
	ua := strings.TrimSpace(dev.UserAgent)
	if c.UserAgent != "" && ua != "" && ua != c.UserAgent {
		uaChanged = true
	}
	return ipChanged, uaChanged
}
