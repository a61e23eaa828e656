// Package main provides a CI-friendly HTTP smoke test for a running warden.
//
// It validates:
//   - issue via the service key
//   - /me with the issued access token
//   - rotate, then replay of the consumed secret is rejected
//   - the successor is revoked by the replay
//   - logout_all revokes outstanding access tokens
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type sessionResp struct {
	CredentialID     string    `json:"credential_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type errorResp struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type smokeClient struct {
	base       string
	serviceKey string
	http       *http.Client
	verbose    bool
}

func main() {
	var (
		baseURL    = flag.String("url", "http://127.0.0.1:8080", "warden base URL")
		serviceKey = flag.String("service-key", os.Getenv("WARDEN_SERVICE_KEY"), "value for X-Warden-Service-Key")
		userID     = flag.String("user", fmt.Sprintf("smoke-%d", time.Now().UnixNano()), "user id to issue for")
		deviceID   = flag.String("device", "smoke-device", "device id to bind")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-request timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*serviceKey) == "" {
		fatalf("missing -service-key (or WARDEN_SERVICE_KEY)")
	}

	c := &smokeClient{
		base:       strings.TrimRight(*baseURL, "/"),
		serviceKey: *serviceKey,
		http:       &http.Client{Timeout: *timeout},
		verbose:    *verbose,
	}
	ctx := context.Background()

	first := c.mustSession(ctx, "/auth/sessions", map[string]string{"user_id": *userID, "device_id": *deviceID}, true)
	c.logf("issued credential=%s", first.CredentialID)

	c.mustStatus(ctx, http.MethodGet, "/me", nil, first.AccessToken, http.StatusOK, "")

	c.mustStatus(ctx, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": first.RefreshToken, "device_id": "other-device"},
		"", http.StatusForbidden, "device_mismatch")

	second := c.mustSession(ctx, "/auth/refresh", map[string]string{"refresh_token": first.RefreshToken, "device_id": *deviceID}, false)
	if second.RefreshToken == first.RefreshToken {
		fatalf("rotation returned the same refresh token")
	}
	c.logf("rotated credential=%s", second.CredentialID)

	c.mustStatus(ctx, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": first.RefreshToken, "device_id": *deviceID},
		"", http.StatusUnauthorized, "invalid_token")
	c.mustStatus(ctx, http.MethodPost, "/auth/refresh",
		map[string]string{"refresh_token": second.RefreshToken, "device_id": *deviceID},
		"", http.StatusUnauthorized, "token_revoked")

	third := c.mustSession(ctx, "/auth/sessions", map[string]string{"user_id": *userID, "device_id": *deviceID}, true)
	c.mustStatus(ctx, http.MethodPost, "/auth/logout_all", nil, third.AccessToken, http.StatusNoContent, "")
	c.mustStatus(ctx, http.MethodGet, "/me", nil, third.AccessToken, http.StatusUnauthorized, "token_revoked")

	c.mustStatus(ctx, http.MethodPost, "/auth/logout", map[string]string{"refresh_token": third.RefreshToken}, "", http.StatusNoContent, "")

	fmt.Printf("OK: user=%s first=%s second=%s\n", *userID, first.CredentialID, second.CredentialID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func (c *smokeClient) mustSession(ctx context.Context, path string, body any, withKey bool) sessionResp {
	status, raw := c.do(ctx, http.MethodPost, path, body, "", withKey)
	if status != http.StatusOK {
		fatalf("%s: status=%d body=%s", path, status, raw)
	}
	var out sessionResp
	if err := json.Unmarshal(raw, &out); err != nil {
		fatalf("%s: unmarshal: %v", path, err)
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		fatalf("%s: incomplete session response", path)
	}
	return out
}

func (c *smokeClient) mustStatus(ctx context.Context, method, path string, body any, bearer string, want int, wantCode string) {
	status, raw := c.do(ctx, method, path, body, bearer, false)
	if status != want {
		fatalf("%s %s: status=%d want=%d body=%s", method, path, status, want, raw)
	}
	if wantCode == "" {
		return
	}
	var e errorResp
	if err := json.Unmarshal(raw, &e); err != nil {
		fatalf("%s %s: unmarshal error body: %v", method, path, err)
	}
	if e.Error.Code != wantCode {
		fatalf("%s %s: code=%q want=%q", method, path, e.Error.Code, wantCode)
	}
	c.logf("%s %s -> %d %s", method, path, status, wantCode)
}

func (c *smokeClient) do(ctx context.Context, method, path string, body any, bearer string, withKey bool) (int, []byte) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if withKey {
		req.Header.Set("X-Warden-Service-Key", c.serviceKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		fatalf("%s %s: read body: %v", method, path, err)
	}
	return resp.StatusCode, raw
}

func (c *smokeClient) logf(format string, args ...any) {
	if c.verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
