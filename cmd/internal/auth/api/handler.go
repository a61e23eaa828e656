package authapi

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"warden/cmd/internal/auth/session"
	"warden/cmd/internal/reqid"
)

// ServiceKeyHeader carries the shared secret required by POST /auth/sessions.
const ServiceKeyHeader = "X-Warden-Service-Key"

// Handler wires HTTP auth endpoints to the session service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions *session.Service
	limiter  *ipLimiter
	now      func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithClock overrides the wall clock used for every operation.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if h == nil || now == nil {
			return
		}
		h.now = now
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, sessions *session.Service, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if sessions == nil {
		return nil, errors.New("auth: nil session service")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		limiter:  newIPLimiter(cfg.RefreshRPS, cfg.RefreshBurst),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/sessions", h.handleIssue)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("/auth/revoke_access", h.handleRevokeAccess)
	mux.HandleFunc("/me", h.handleMe)
}

// ---- handlers ----

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.cfg.ServiceKey == "" {
		writeError(w, http.StatusServiceUnavailable, "issue_disabled", "session issuing not configured")
		return
	}
	if !h.serviceKeyValid(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid service key")
		return
	}

	now := h.now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	if ok, retry := h.limiter.allow(ip, now); !ok {
		writeRateLimited(w, retry)
		return
	}

	var req issueRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	dev := session.Device{
		ID:        req.DeviceID,
		IP:        ip,
		UserAgent: strings.TrimSpace(r.UserAgent()),
	}
	issued, err := h.sessions.Issue(r.Context(), now, req.UserID, dev)
	if err != nil {
		h.writeSessionError(w, r, "auth.issue", err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(issued))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	now := h.now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	if ok, retry := h.limiter.allow(ip, now); !ok {
		writeRateLimited(w, retry)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	refreshToken := strings.TrimSpace(req.RefreshToken)
	if refreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	dev := session.Device{
		ID:        req.DeviceID,
		IP:        ip,
		UserAgent: strings.TrimSpace(r.UserAgent()),
	}
	issued, err := h.sessions.Rotate(r.Context(), now, refreshToken, dev)
	if err != nil {
		h.writeSessionError(w, r, "auth.refresh", err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(issued))
}

// handleLogout answers 204 whether or not the credential existed.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req logoutRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	err := h.sessions.Revoke(r.Context(), h.now().UTC(), strings.TrimSpace(req.RefreshToken), req.Reason)
	if err != nil {
		h.writeSessionError(w, r, "auth.logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	if err := h.sessions.RevokeAll(r.Context(), h.now().UTC(), claims.UserID, req.Reason); err != nil {
		h.writeSessionError(w, r, "auth.logout_all", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRevokeAccess denylists the presented bearer token itself.
func (h *Handler) handleRevokeAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if _, ok := h.requireAuth(w, r); !ok {
		return
	}
	var req reasonRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	if err := h.sessions.RevokeAccessCredential(r.Context(), h.now().UTC(), bearerToken(r), req.Reason); err != nil {
		h.writeSessionError(w, r, "auth.revoke_access", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toMeResponse(claims))
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.AccessClaims{}, false
	}
	claims, err := h.sessions.ValidateAccessToken(r.Context(), h.now().UTC(), token)
	if err != nil {
		if !writeKindError(w, session.PublicKind(err)) {
			h.logFail(r, "auth.require_auth", err)
		}
		return session.AccessClaims{}, false
	}
	return claims, true
}

func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return false
	}
	return true
}

// writeSessionError maps a session error onto the HTTP envelope. Replay and
// concurrency conflicts surface as invalid_token.
func (h *Handler) writeSessionError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if !writeKindError(w, session.PublicKind(err)) {
		h.logFail(r, op, err)
	}
}

func (h *Handler) logFail(r *http.Request, op string, err error) {
	h.log.Error(op+".fail", "err", err, "request_id", reqid.From(r.Context()))
}

func (h *Handler) serviceKeyValid(r *http.Request) bool {
	got := strings.TrimSpace(r.Header.Get(ServiceKeyHeader))
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.ServiceKey)) == 1
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
