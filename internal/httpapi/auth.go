package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// SecretChecker validates the control-plane secret presented by a caller.
type SecretChecker interface {
	Check(presented string) bool
}

type plainSecret []byte

func (s plainSecret) Check(presented string) bool {
	return len(s) > 0 && subtle.ConstantTimeCompare(s, []byte(presented)) == 1
}

type bcryptSecret []byte

func (h bcryptSecret) Check(presented string) bool {
	return presented != "" && bcrypt.CompareHashAndPassword(h, []byte(presented)) == nil
}

// NewSecretChecker prefers the bcrypt hash when one is configured.
func NewSecretChecker(plain, bcryptHash string) SecretChecker {
	if bcryptHash != "" {
		return bcryptSecret(bcryptHash)
	}
	return plainSecret(plain)
}

func presentedSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get("X-Control-Secret")
}

func RequireSecret(checker SecretChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !checker.Check(presentedSecret(r)) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
