package statusapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/avaropoint/rmi/internal/audit"
)

// AuthMiddleware gates the loopback status endpoint behind a bearer API
// key. Unlike a normal network-facing auth layer, every rejected
// attempt is itself written to the audit store this endpoint exposes —
// a probe against /status or /audit from an unexpected local process
// is exactly the kind of thing the audit trail exists to surface.
type AuthMiddleware struct {
	store audit.Store
}

func NewAuthMiddleware(store audit.Store) *AuthMiddleware {
	return &AuthMiddleware{store: store}
}

// Wrap requires a valid API key, checked first as a "token" query
// parameter, then as an Authorization: Bearer header.
func (a *AuthMiddleware) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := extractKey(r)
		if key == "" {
			a.recordRejection(r, "no key presented")
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}

		apiKey, err := a.store.VerifyAPIKey(r.Context(), HashKey(key))
		if err != nil || apiKey == nil {
			a.recordRejection(r, "key not recognized")
			http.Error(w, `{"error":"invalid API key"}`, http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// recordRejection appends an AUTH_FAIL row for a rejected status-API
// request. Failures here are untagged (no device identity signs them)
// since this endpoint, unlike the RMI session it sits beside, has no
// per-request identity key to sign with.
func (a *AuthMiddleware) recordRejection(r *http.Request, reason string) {
	if a.store == nil {
		return
	}
	e := &audit.Event{
		ID:         "statusapi",
		At:         time.Now(),
		RemoteAddr: r.RemoteAddr,
		Kind:       audit.KindAuthFail,
		Detail:     r.URL.Path + ": " + reason,
	}
	_, _ = a.store.RecordEvent(r.Context(), e) //nolint:errcheck
}

func extractKey(r *http.Request) string {
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}
