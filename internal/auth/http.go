// ABOUTME: HTTP middleware for API key and JWT authentication
// ABOUTME: Resolves credentials to a user and adds AuthContext to the request context

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/trendhub/trendhub/internal/store"
)

// UserStore is the slice of the datastore the middleware needs.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetUserByAPIKey(ctx context.Context, apiKey string) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func buildAuthContext(user *store.User, via string) *AuthContext {
	return &AuthContext{
		UserID: user.ID,
		Email:  user.Email,
		Plan:   user.Plan,
		Via:    via,
	}
}

// APIKeyMiddleware authenticates agent requests via the X-API-Key
// header. Unknown and deactivated keys are rejected identically.
func APIKeyMiddleware(users UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				http.Error(w, `{"error":"missing api key"}`, http.StatusUnauthorized)
				return
			}

			user, err := users.GetUserByAPIKey(r.Context(), key)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
					return
				}
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}
			if !user.Active {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			authCtx := buildAuthContext(user, "api_key")
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// JWTMiddleware authenticates dashboard requests via a bearer token.
// It looks up the user and adds AuthContext to the request context using
// the same WithAuth/FromContext pattern as the API key middleware.
func JWTMiddleware(users UserStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			user, err := users.GetUser(r.Context(), claims.UserID)
			if err != nil {
				http.Error(w, `{"error":"user not found"}`, http.StatusUnauthorized)
				return
			}
			if !user.Active {
				http.Error(w, `{"error":"account deactivated"}`, http.StatusForbidden)
				return
			}

			authCtx := buildAuthContext(user, "jwt")
			if claims.Plan != "" {
				// The session sees the plan it was issued under; a plan
				// change takes effect at the next login.
				authCtx.Plan = claims.Plan
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
