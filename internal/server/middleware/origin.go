package middleware

import (
	"net/http"

	"github.com/kitamura-tetsuo/outliner-gateway/internal/origin"
)

// NewOriginGate applies the origin gate to every request. An allowed origin
// is echoed back as trusted; a disallowed one simply gets no trust header,
// leaving the browser's same-origin policy to block the content. The
// request itself always proceeds; nothing in the response distinguishes
// "not on the allowlist" from "no allowlist at all".
func NewOriginGate(gate *origin.Gate) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := gate.Check(r.Header.Get("Origin"))
			if decision.TrustedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", decision.TrustedOrigin)
				w.Header().Set("Vary", "Origin")
			}
			next.ServeHTTP(w, r)
		})
	}
}
