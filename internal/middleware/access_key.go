package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AccessKey gates the API behind a shared key. With an empty key the check is
// disabled (local development). Clients pass the key in X-Access-Key or, for
// WebSocket dials where headers are awkward, the access_key query parameter.
func AccessKey(key string) func(http.Handler) http.Handler {
	key = strings.TrimSpace(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get("X-Access-Key")
			if got == "" {
				got = r.URL.Query().Get("access_key")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
