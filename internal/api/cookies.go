package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"oidcbridge/internal/federation"
)

const (
	sessionCookieName = "oidcbridge_session"
	browserCookieName = "oidcbridge_sid"
	flashCookieName   = "oidcbridge_flash"

	browserKeyLength = 32
	flashMaxAge      = 60
)

func isSecureRequest(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

func (s *Server) secure(r *http.Request) bool {
	return s.secureCookies || isSecureRequest(r)
}

// browserSession returns the key that ties the two login phases and the
// pending identity to this browser, issuing one if needed. It is separate
// from the auth session, which only exists after login.
func (s *Server) browserSession(w http.ResponseWriter, r *http.Request) string {
	if ck, err := r.Cookie(browserCookieName); err == nil && len(ck.Value) == 2*browserKeyLength {
		return ck.Value
	}
	b := make([]byte, browserKeyLength)
	_, _ = rand.Read(b)
	key := hex.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     browserCookieName,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure(r),
		// Lax so the cookie survives the top-level redirect back from the provider.
		SameSite: http.SameSiteLaxMode,
	})
	return key
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.sessionTTL.Seconds()),
	})
}

func (s *Server) clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// setFlash carries notifications across one redirect.
func (s *Server) setFlash(w http.ResponseWriter, r *http.Request, notes []federation.Notification) {
	if len(notes) == 0 {
		return
	}
	b, err := json.Marshal(notes)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(b),
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   flashMaxAge,
	})
}

// takeFlash reads and clears the flash cookie.
func (s *Server) takeFlash(w http.ResponseWriter, r *http.Request) []federation.Notification {
	ck, err := r.Cookie(flashCookieName)
	if err != nil || ck.Value == "" {
		return nil
	}
	s.clearCookie(w, r, flashCookieName)
	b, err := base64.RawURLEncoding.DecodeString(ck.Value)
	if err != nil {
		return nil
	}
	var notes []federation.Notification
	if err := json.Unmarshal(b, &notes); err != nil {
		return nil
	}
	return notes
}
