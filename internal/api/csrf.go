package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

const (
	csrfTokenLength = 32
	csrfHeaderName  = "X-CSRF-Token"
	csrfFormField   = "csrf_token"
	csrfCookieName  = "oidcbridge_csrf"
)

// CSRFMiddleware implements double-submit protection for form posts. Safe
// methods get a token cookie; state-changing requests must echo it in the
// csrf_token form field or the X-CSRF-Token header.
func CSRFMiddleware(secure bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				if _, err := r.Cookie(csrfCookieName); err != nil {
					token := generateCSRFToken()
					http.SetCookie(w, &http.Cookie{
						Name:     csrfCookieName,
						Value:    token,
						Path:     "/",
						HttpOnly: true,
						Secure:   secure || isSecureRequest(r),
						SameSite: http.SameSiteLaxMode,
					})
					r.AddCookie(&http.Cookie{Name: csrfCookieName, Value: token})
				}
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(csrfCookieName)
			if err != nil || cookie.Value == "" {
				writeJSON(w, http.StatusForbidden, apiError{Error: "CSRF token missing", Detail: "csrf cookie required"})
				return
			}
			token := r.Header.Get(csrfHeaderName)
			if token == "" {
				token = r.PostFormValue(csrfFormField)
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(cookie.Value)) != 1 {
				writeJSON(w, http.StatusForbidden, apiError{Error: "CSRF token invalid"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// csrfToken returns the token for the current request so templates can
// embed it. CSRFMiddleware guarantees the cookie on GET requests.
func csrfToken(r *http.Request) string {
	if ck, err := r.Cookie(csrfCookieName); err == nil {
		return ck.Value
	}
	return ""
}

func generateCSRFToken() string {
	b := make([]byte, csrfTokenLength)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
