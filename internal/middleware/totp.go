package middleware

import (
	"net/http"
	"strings"

	"github.com/pquerna/otp/totp"
)

// TOTPMiddleware requires a valid X-TOTP-Code for sensitive admin actions.
// With no secret configured it admits every request.
type TOTPMiddleware struct {
	secret string
}

func NewTOTPMiddleware(secret string) *TOTPMiddleware {
	return &TOTPMiddleware{secret: strings.TrimSpace(secret)}
}

func (m *TOTPMiddleware) Enabled() bool {
	return m.secret != ""
}

func (m *TOTPMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		code := strings.TrimSpace(r.Header.Get("X-TOTP-Code"))
		if code == "" {
			jsonError(w, http.StatusUnauthorized, "TOTP code required")
			return
		}
		if !totp.Validate(code, m.secret) {
			jsonError(w, http.StatusUnauthorized, "Invalid TOTP code")
			return
		}
		next.ServeHTTP(w, r)
	})
}
