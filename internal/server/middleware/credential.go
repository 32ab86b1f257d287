package middleware

import (
	"net/http"
	"strings"
)

// CredentialExtractor pulls an opaque credential out of the handshake
// request and stashes it in the request metadata. It deliberately does
// not verify anything: verification may block on the identity verifier
// and happens after the upgrade, inside the dispatcher. A request with no
// credential is still allowed through; such a connection must
// authenticate with its first event.
func CredentialExtractor() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			reqMeta.Credential = extractCredential(r)
			next.ServeHTTP(w, r)
		})
	}
}

func extractCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("session-token"); err == nil {
		return cookie.Value
	}
	return ""
}
