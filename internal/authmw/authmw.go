// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/xerrors"
)

// BearerToken returns middleware that accepts requests whose Authorization
// header carries one of tokens. Several tokens allow rotation without
// downtime. Every candidate is compared in constant time.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var expected [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			expected = append(expected, []byte(t))
		}
	}
	if len(expected) == 0 {
		panic(xerrors.New("at least one bearer token is required"))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			got := []byte(auth[len("Bearer "):])

			match := 0
			for _, e := range expected {
				match |= subtle.ConstantTimeCompare(got, e)
			}
			if match != 1 {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SplitTokens parses a comma-separated token list.
func SplitTokens(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="alertrelay"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}
