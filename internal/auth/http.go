// ABOUTME: Bearer token middleware for the credential issuing endpoint
// ABOUTME: Resolves the principal and stores it on the request context

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	errNoAuthorization = errors.New("missing authorization header")
	errNotBearer       = errors.New("authorization scheme must be Bearer")
	errEmptyBearer     = errors.New("empty bearer token")
)

// bearerToken pulls the token out of an Authorization header value. The
// scheme match is case sensitive.
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errNoAuthorization
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errNotBearer
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errEmptyBearer
	}
	return token, nil
}

// HTTPAuthMiddleware admits requests carrying a token the verifier accepts.
// With a nil verifier every request passes through as anonymous.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := &AuthContext{Anonymous: true}
			if verifier != nil {
				token, err := bearerToken(r.Header.Get("Authorization"))
				if err != nil {
					unauthorized(w, err.Error())
					return
				}
				principalID, err := verifier.Verify(token)
				switch {
				case errors.Is(err, ErrExpiredToken):
					unauthorized(w, "token expired")
					return
				case err != nil:
					unauthorized(w, "invalid token")
					return
				}
				ac = &AuthContext{PrincipalID: principalID}
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), ac)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="coven-runs"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
