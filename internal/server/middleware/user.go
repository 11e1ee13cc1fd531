package middleware

import (
	"context"
	"net/http"
	"strings"
)

// UserHeader carries the caller's id. The upstream gateway authenticates
// users and sets it; this service trusts it.
const UserHeader = "X-User-ID"

type userKey struct{}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the caller id stored by User, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// User requires the user header on every path except those in open. Open
// paths still get the id in context when the header is sent.
func User(open ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(UserHeader))
			if id == "" && (r.Method == http.MethodOptions || isOpen(r.URL.Path, open)) {
				next.ServeHTTP(w, r)
				return
			}
			if id == "" {
				writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}
