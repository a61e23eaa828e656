package authapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"warden/cmd/internal/auth/session"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// Session responses carry credentials and must never be cached.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writeKindError writes the envelope for a public session error kind and
// reports false for kinds that are not caller errors (internal failures).
//
// Not-found, expired and revoked credentials share one message so the body
// does not say which lifecycle state the credential is in; the code does.
func writeKindError(w http.ResponseWriter, kind session.Kind) bool {
	code := strings.ToLower(string(kind))
	switch kind {
	case session.KindTokenNotFound, session.KindTokenExpired, session.KindTokenRevoked, session.KindInvalidToken:
		writeError(w, http.StatusUnauthorized, code, "credential not active")
	case session.KindDeviceMismatch:
		writeError(w, http.StatusForbidden, code, "credential bound to another device")
	case session.KindIssueConflict:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, code, "concurrent login for this device, retry")
	case session.KindValidationFailed:
		writeError(w, http.StatusBadRequest, code, "invalid input")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return false
	}
	return true
}

// decodeJSON reads exactly one JSON object of at most maxBytes into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data after request object")
	}
	return nil
}
