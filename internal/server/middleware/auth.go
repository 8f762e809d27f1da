package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/alephtrade/crossarb/internal/crypto"
)

// maxAuthBodySize bounds how much request body the verifier will buffer.
const maxAuthBodySize = 1 << 20 // 1 MiB

// Auth returns middleware that validates signed service-to-service requests
// using HMAC headers. If auth is nil, the middleware passes all requests
// through (disabled).
func Auth(auth *crypto.HMACAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxAuthBodySize))
			if err != nil {
				writeUnauthorized(w, "unreadable request body")
				return
			}
			r.Body.Close()
			// Restore the body for downstream handlers.
			r.Body = io.NopCloser(bytes.NewReader(body))

			if subtle.ConstantTimeCompare([]byte(r.Header.Get(crypto.HeaderAPIKey)), []byte(auth.Key)) != 1 {
				writeUnauthorized(w, "unknown api key")
				return
			}

			if err := auth.Verify(
				r.Method, r.URL.Path, string(body),
				r.Header.Get(crypto.HeaderTimestamp),
				r.Header.Get(crypto.HeaderSignature),
			); err != nil {
				writeUnauthorized(w, "invalid request signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
