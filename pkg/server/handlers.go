// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyfold/keyfold/pkg/logger"
	"github.com/keyfold/keyfold/pkg/oautherr"
	"github.com/keyfold/keyfold/pkg/sessions"
	"github.com/keyfold/keyfold/pkg/storage"
	"github.com/keyfold/keyfold/pkg/tokens"
)

const loginCookieName = "keyfold_session"

// Grant types accepted by the token endpoint. Dispatch is a closed switch;
// anything else is unsupported_grant_type.
const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
	grantClientCredentials = "client_credentials"
)

// AuthorizeHandler handles GET /authorize. Unauthenticated browsers are
// sent to the login page, or bounced with error=login_required when the
// client asked for prompt=none.
func (s *Server) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	// The browser may only be bounced to a location registered for this
	// client. Until that is established, every error renders in place.
	if _, err := s.engine.ResolveRedirect(r.Context(), q.Get("client_id"), redirectURI); err != nil {
		oautherr.WriteHTTP(w, err)
		return
	}

	if q.Get("response_type") != "code" {
		s.redirectError(w, r, redirectURI, state, "unsupported_response_type")
		return
	}

	user, sess := s.authenticatedUser(r)
	if user == nil {
		if q.Get("prompt") == "none" {
			s.redirectError(w, r, redirectURI, state, "login_required")
			return
		}
		login, _ := url.Parse(s.cfg.LoginURL)
		v := login.Query()
		v.Set("return_to", r.URL.String())
		login.RawQuery = v.Encode()
		http.Redirect(w, r, login.String(), http.StatusFound)
		return
	}

	code, err := s.engine.Authorize(r.Context(), &tokens.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         redirectURI,
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		User:                user,
		AuthTime:            sess.AuthTime,
	})
	if err != nil {
		// Redirect URI failures must never bounce the browser to an
		// unvalidated location.
		e := oautherr.FromInternal(err)
		if e.Type == oautherr.ErrInvalidClient || e.Type == oautherr.ErrInvalidRedirectURI {
			oautherr.WriteHTTP(w, err)
			return
		}
		s.redirectError(w, r, redirectURI, state, e.Type)
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		oautherr.WriteHTTP(w, oautherr.NewInvalidRedirectURI(err))
		return
	}
	v := target.Query()
	v.Set("code", code)
	if state != "" {
		v.Set("state", state)
	}
	target.RawQuery = v.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// redirectError bounces an OAuth error back to the client's redirect URI,
// or writes it directly when no usable redirect URI is present.
func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, errorCode string) {
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		oautherr.WriteHTTP(w, oautherr.New(errorCode, "", nil))
		return
	}
	v := target.Query()
	v.Set("error", errorCode)
	if state != "" {
		v.Set("state", state)
	}
	target.RawQuery = v.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// TokenHandler handles POST /token for all three grant types.
func (s *Server) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oautherr.WriteHTTP(w, oautherr.NewInvalidRequest("malformed form body", err))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	var (
		issue *tokens.Issue
		err   error
	)
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case grantAuthorizationCode:
		issue, err = s.engine.ExchangeCode(r.Context(), &tokens.ExchangeRequest{
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			CodeVerifier: r.PostFormValue("code_verifier"),
		})
	case grantRefreshToken:
		issue, err = s.engine.RefreshGrant(r.Context(), r.PostFormValue("refresh_token"), clientID, clientSecret)
	case grantClientCredentials:
		issue, err = s.engine.ClientCredentialsGrant(r.Context(), clientID, clientSecret, r.PostFormValue("scope"))
	default:
		err = oautherr.NewUnsupportedGrantType(grantType)
	}
	if err != nil {
		oautherr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

// RevokeHandler handles POST /revoke per RFC 7009: the response is success
// regardless of whether the token existed.
func (s *Server) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oautherr.WriteHTTP(w, oautherr.NewInvalidRequest("malformed form body", err))
		return
	}
	clientID, clientSecret := clientCredentials(r)
	if _, err := s.engine.AuthenticateClient(r.Context(), clientID, clientSecret); err != nil {
		oautherr.WriteHTTP(w, err)
		return
	}
	s.engine.Revoke(r.Context(), r.PostFormValue("token"), clientID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IntrospectHandler handles POST /introspect per RFC 7662.
func (s *Server) IntrospectHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oautherr.WriteHTTP(w, oautherr.NewInvalidRequest("malformed form body", err))
		return
	}
	clientID, clientSecret := clientCredentials(r)
	if _, err := s.engine.AuthenticateClient(r.Context(), clientID, clientSecret); err != nil {
		oautherr.WriteHTTP(w, err)
		return
	}
	result, err := s.engine.Introspect(r.Context(), r.PostFormValue("token"))
	if err != nil {
		oautherr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// UserinfoHandler handles GET /userinfo, returning claims filtered by the
// token's granted scopes.
func (s *Server) UserinfoHandler(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		oautherr.WriteHTTP(w, oautherr.NewUnauthorized(errors.New("missing bearer token")))
		return
	}
	claims, err := s.engine.ValidateBearer(r.Context(), token)
	if err != nil {
		oautherr.WriteHTTP(w, err)
		return
	}
	if claims.UserID == "" {
		oautherr.WriteHTTP(w, oautherr.NewUnauthorized(errors.New("service tokens carry no user identity")))
		return
	}

	user, err := s.store.GetUser(r.Context(), claims.UserID)
	if err != nil {
		oautherr.WriteHTTP(w, oautherr.NewUnauthorized(err))
		return
	}

	info := map[string]any{"sub": user.ID}
	for _, scope := range claims.Scopes {
		switch scope {
		case "profile":
			info["preferred_username"] = user.Username
			if user.Name != "" {
				info["name"] = user.Name
			}
		case "email":
			if user.Email != "" {
				info["email"] = user.Email
				info["email_verified"] = user.EmailVerified
			}
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// LoginHandler handles POST /login with form-encoded username and password,
// establishing the browser session consumed by /authorize.
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oautherr.WriteHTTP(w, oautherr.NewInvalidRequest("malformed form body", err))
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn comparable time so missing users are indistinguishable
			// from wrong passwords.
			_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(password))
			oautherr.WriteHTTP(w, oautherr.NewUnauthorized(err))
			return
		}
		oautherr.WriteHTTP(w, oautherr.FromInternal(err))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		oautherr.WriteHTTP(w, oautherr.NewUnauthorized(err))
		return
	}

	now := time.Now().UTC()
	sess := &sessions.Session{
		SessionID:      uuid.NewString(),
		UserID:         user.ID,
		Username:       user.Username,
		Email:          user.Email,
		AuthTime:       now,
		TokenExpiresAt: now.Add(s.loginTTL),
	}
	if err := s.mirror.Put(r.Context(), sess); err != nil {
		oautherr.WriteHTTP(w, oautherr.FromInternal(err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     loginCookieName,
		Value:    sess.SessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.loginTTL.Seconds()),
	})

	if returnTo := r.FormValue("return_to"); returnTo != "" && isLocalPath(returnTo) {
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LogoutHandler handles POST /logout: it clears the browser session and
// invalidates every mirror entry for the user.
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := s.authenticatedUser(r)
	if user != nil {
		if err := s.mirror.Invalidate(r.Context(), user.ID); err != nil {
			logger.Warnw("Failed to invalidate user sessions", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticatedUser resolves the browser's login cookie through the session
// mirror. Both return values are nil when the browser is not logged in.
func (s *Server) authenticatedUser(r *http.Request) (*storage.User, *sessions.Session) {
	cookie, err := r.Cookie(loginCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	sess, err := s.mirror.Lookup(r.Context(), cookie.Value)
	if err != nil || sess == nil {
		return nil, nil
	}
	user, err := s.store.GetUser(r.Context(), sess.UserID)
	if err != nil {
		return nil, nil
	}
	return user, sess
}

// clientCredentials reads client credentials from Basic auth, falling back
// to form parameters.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// dummyPasswordHash keeps login timing flat when the user does not exist.
var dummyPasswordHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// isLocalPath accepts only same-origin relative redirect targets.
func isLocalPath(p string) bool {
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == "" && len(p) > 0 && p[0] == '/'
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("Failed to write response", "error", err)
	}
}
