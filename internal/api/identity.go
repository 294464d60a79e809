package api

import (
	"context"
	"net/http"

	"appchat-backend/internal/chat"
)

type identityCtxKey struct{}

// IdentityMiddleware reads the caller identity injected by the external
// identity provider in front of this service. Authentication itself is out of
// scope here; requests without an identity are rejected.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			http.Error(w, "missing X-User-ID header", http.StatusUnauthorized)
			return
		}
		identity := chat.Identity{
			UserID:   userID,
			Role:     r.Header.Get("X-User-Role"),
			Language: r.Header.Get("X-User-Language"),
		}
		ctx := context.WithValue(r.Context(), identityCtxKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) chat.Identity {
	identity, _ := r.Context().Value(identityCtxKey{}).(chat.Identity)
	return identity
}
