package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/rl1809/orderflow/internal/core/domain"
)

type userIDKey struct{}

// authenticate resolves the bearer token to a user id and stores it on the
// request context. Requests without a valid token get 401.
func (h *HTTPHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || h.verifier == nil {
			h.writeError(w, r, domain.ErrAuthentication)
			return
		}
		userID, err := h.verifier.Verify(r.Context(), token)
		if err != nil || userID == "" {
			h.writeError(w, r, domain.ErrAuthentication)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey{}).(string)
	return userID
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter for clients that cannot set headers (browser websockets).
func bearerToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(header, prefix))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
