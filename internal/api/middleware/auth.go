// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireToken enforces "Authorization: Bearer <token>" on every request it
// wraps (spec.md §6). An empty token disables authentication entirely —
// the zero-config local-daemon default.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, prefix) || subtle.ConstantTimeCompare([]byte(h[len(prefix):]), []byte(token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"missing or invalid bearer token"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
