package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"net"
	"net/http"
	"strings"

	"github.com/jmcleod/sessionguard/session"
)

type contextKey int

const actorKey contextKey = iota

// SessionHeader carries the session token. An "Authorization: Bearer"
// header is accepted as well.
const SessionHeader = "X-Session-Token"

func sessionToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(SessionHeader)); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// IdPTokenHeader carries the shared credential of the identity provider,
// the only caller allowed to open sessions and report login failures.
const IdPTokenHeader = "X-IdP-Token"

// RequireIdP admits requests that present the identity provider's
// credential. Without a configured credential every request is refused.
func (a *API) RequireIdP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := strings.TrimSpace(r.Header.Get(IdPTokenHeader))
		if a.idpDigest == nil || presented == "" {
			a.logger.Warn("identity provider credential missing", "path", r.URL.Path, "remote_ip", clientIP(r))
			writeIdPUnauthorized(w)
			return
		}
		sum := sha256.Sum256([]byte(presented))
		if !hmac.Equal(sum[:], a.idpDigest) {
			a.logger.Warn("identity provider credential rejected", "path", r.URL.Path, "remote_ip", clientIP(r))
			writeIdPUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireActor validates the caller's own session and stores the caller as
// the acting principal for admin handlers. Whether the actor may perform
// the operation is decided, and audited, by the session manager.
func (a *API) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			writeSessionExpired(w)
			return
		}
		res := a.sessions.ValidateSession(r.Context(), token)
		if !res.Valid {
			writeSessionExpired(w)
			return
		}
		actor := session.Actor{ID: res.Session.SubjectID, Role: res.Session.SubjectRole}
		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) session.Actor {
	actor, _ := ctx.Value(actorKey).(session.Actor)
	return actor
}

// clientIP returns the host part of RemoteAddr. Deployments behind a proxy
// should install chi's RealIP middleware first.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
