package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// msgSessionExpired is the only body returned for an unusable session
// token, whatever the underlying reason.
const msgSessionExpired = "session expired; please re-authenticate"

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeSessionExpired(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeError(w, http.StatusUnauthorized, msgSessionExpired)
}

func writeForbidden(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "administrator role required")
}

// decodeJSON reads a single JSON object from the request body, rejecting
// unknown fields and oversized bodies.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

func writeIdPUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "identity provider credential required")
}
