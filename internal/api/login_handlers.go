package api

import (
	"net/http"
	"strings"
	"time"

	"oidcbridge/internal/audit"
	"oidcbridge/internal/auth"
	"oidcbridge/internal/auth/oidc"
	"oidcbridge/internal/federation"
	"oidcbridge/internal/i18n"
)

type pageData struct {
	Lang  string
	Title string
	Flash []federation.Notification

	CSRF          string
	SSOURL        string
	SSOLabel      string
	UsernameLabel string
	PasswordLabel string
	SubmitLabel   string
	Username      string

	User        *auth.User
	LogoutLabel string
}

// language resolves the request language and persists an explicit choice.
func (s *Server) language(w http.ResponseWriter, r *http.Request) string {
	tag, explicit := s.catalog.ResolveRequest(r)
	if explicit {
		i18n.SetLanguageCookie(w, tag)
	}
	return tag.String()
}

func (s *Server) requestContext(w http.ResponseWriter, r *http.Request, lang string, notes *[]federation.Notification) *federation.RequestContext {
	return &federation.RequestContext{
		Host:       r.Host,
		Secure:     isSecureRequest(r),
		SessionKey: s.browserSession(w, r),
		Lang:       lang,
		Params:     oidc.ParseCallback(r.URL.Query()),
		Notify: federation.NotificationFunc(func(n federation.Notification) {
			*notes = append(*notes, n)
		}),
	}
}

// handleLogin runs one phase of the federated login. Any outcome other than
// a redirect or a bound session falls back to the password form.
// GET /login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lang := s.language(w, r)
	var notes []federation.Notification
	rc := s.requestContext(w, r, lang, &notes)

	out := s.hooks.OnLoginAttempt(ctx, rc)
	switch out.State {
	case federation.StateRedirecting:
		http.Redirect(w, r, out.RedirectURL, http.StatusFound)
		return
	case federation.StateAuthenticated:
		if s.bindPending(w, r, rc) {
			return
		}
	}
	s.renderLogin(w, r, lang, notes, "", http.StatusOK)
}

// bindPending consumes the pending identity and, if the federation hooks
// accept it, starts a host session. It reports whether a response was written.
func (s *Server) bindPending(w http.ResponseWriter, r *http.Request, rc *federation.RequestContext) bool {
	ctx := r.Context()
	authError := func() {
		rc.Notify.Notify(federation.Notification{
			Level:   federation.LevelError,
			Message: s.catalog.Translate(rc.Lang, i18n.KeyAuthError),
		})
	}
	pending, err := s.hooks.TakePending(ctx, rc)
	if err != nil {
		s.logger.ErrorContext(ctx, "take pending identity", "error", err)
		authError()
		return false
	}
	if pending == nil {
		s.logger.WarnContext(ctx, "no pending identity after authenticated callback")
		authError()
		return false
	}

	res := s.hooks.OnIdentityResolutionRequested(ctx, rc, pending.PluginTag, pending.Username)
	if res.Status != federation.BindSuccess {
		return false
	}
	if err := s.startSession(w, r, res.User, auth.ProviderOIDC); err != nil {
		s.logger.ErrorContext(ctx, "start session", "user_id", res.User.ID, "error", err)
		authError()
		return false
	}
	http.Redirect(w, r, "/", http.StatusFound)
	return true
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, user *auth.User, provider string) error {
	session, err := auth.NewSession(user.ID, s.sessionTTL, map[string]string{
		"auth_provider": provider,
	})
	if err != nil {
		return err
	}
	if err := s.sessions.Create(r.Context(), session); err != nil {
		return err
	}
	s.setSessionCookie(w, r, session.ID)
	return nil
}

// handleLocalLogin is the conventional username/password login.
// POST /login/local
func (s *Server) handleLocalLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lang := s.language(w, r)
	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		s.logger.ErrorContext(ctx, "load user", "username", username, "error", err)
	}
	// Federated accounts carry a random password nobody knows; refuse them
	// here so the form cannot be used to probe it.
	if user == nil || user.AuthProvider != auth.ProviderLocal || auth.VerifyPassword(password, user.PasswordHash) != nil {
		s.logAudit(r, audit.ActionLoginFailed, username, "", "local", http.StatusUnauthorized)
		s.renderLogin(w, r, lang, []federation.Notification{{
			Level:   federation.LevelError,
			Message: s.catalog.Translate(lang, i18n.KeyInvalidCredentials),
		}}, username, http.StatusUnauthorized)
		return
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		s.logger.WarnContext(ctx, "update last login", "user_id", user.ID, "error", err)
	}
	if err := s.startSession(w, r, user, auth.ProviderLocal); err != nil {
		s.logger.ErrorContext(ctx, "start session", "user_id", user.ID, "error", err)
		s.renderLogin(w, r, lang, []federation.Notification{{
			Level:   federation.LevelError,
			Message: s.catalog.Translate(lang, i18n.KeyAuthError),
		}}, username, http.StatusInternalServerError)
		return
	}
	s.logAudit(r, audit.ActionLogin, user.Username, user.ID, "local", http.StatusFound)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	lang := s.language(w, r)
	s.renderLogin(w, r, lang, []federation.Notification{{
		Level:   federation.LevelWarning,
		Message: s.catalog.Translate(lang, i18n.KeyRateLimited),
	}}, "", http.StatusTooManyRequests)
}

// handleLogout ends the host session and sends the browser where the
// federation hooks say.
// GET /logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lang := s.language(w, r)

	if session := auth.SessionFromContext(ctx); session != nil {
		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			s.logger.WarnContext(ctx, "delete session", "error", err)
		}
		actor := ""
		if user := auth.UserFromContext(ctx); user != nil {
			actor = user.Username
		}
		s.logAudit(r, audit.ActionLogout, actor, session.ID, "", http.StatusFound)
	}
	s.clearCookie(w, r, sessionCookieName)

	var notes []federation.Notification
	target := s.hooks.OnLogout(ctx, s.requestContext(w, r, lang, &notes))
	s.setFlash(w, r, []federation.Notification{{
		Level:   federation.LevelInfo,
		Message: s.catalog.Translate(lang, i18n.KeyLoggedOut),
	}})
	http.Redirect(w, r, target, http.StatusFound)
}

// handleHome shows the signed-in user, or the login form.
// GET /
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	lang := s.language(w, r)
	flash := s.takeFlash(w, r)

	user := auth.UserFromContext(r.Context())
	if user == nil {
		s.renderLogin(w, r, lang, flash, "", http.StatusOK)
		return
	}
	s.render(w, r, "home.html", http.StatusOK, pageData{
		Lang:        lang,
		Title:       s.catalog.Translate(lang, i18n.KeyLoginTitle),
		Flash:       flash,
		User:        user,
		LogoutLabel: s.catalog.Translate(lang, i18n.KeyLogout),
	})
}

// handleMe returns the signed-in user.
// GET /api/v1/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) renderLogin(w http.ResponseWriter, r *http.Request, lang string, flash []federation.Notification, username string, status int) {
	s.render(w, r, "login.html", status, pageData{
		Lang:          lang,
		Title:         s.catalog.Translate(lang, i18n.KeyLoginTitle),
		Flash:         flash,
		CSRF:          csrfToken(r),
		SSOURL:        federation.LoginPath,
		SSOLabel:      s.catalog.Translate(lang, i18n.KeyLoginSSO),
		UsernameLabel: s.catalog.Translate(lang, i18n.KeyLoginUsername),
		PasswordLabel: s.catalog.Translate(lang, i18n.KeyLoginPassword),
		SubmitLabel:   s.catalog.Translate(lang, i18n.KeyLoginSubmit),
		Username:      username,
	})
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.ErrorContext(r.Context(), "render template", "template", name, "error", err)
	}
}
