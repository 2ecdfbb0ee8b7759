package oauthapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	oautherrors "github.com/tendant/portal-oauth/pkg/errors"
	"github.com/tendant/portal-oauth/pkg/externalprovider"
	"github.com/tendant/portal-oauth/pkg/interaction"
	"github.com/tendant/portal-oauth/pkg/linking"
	"github.com/tendant/portal-oauth/pkg/ratelimit"
	"github.com/tendant/portal-oauth/pkg/session"
)

const (
	SessionCookieName = "portal_oauth_session"
	JWTCookieName     = "jwt"

	registrationKey = "oauth.registration"
	warningKey      = "oauth.warning"
	afterLoginKey   = "oauth.after_login"
)

// Handler serves the login endpoints of the enabled providers
type Handler struct {
	orchestrator *interaction.Orchestrator
	policy       *linking.Policy
	registry     *externalprovider.Registry
	store        session.Store
	jwtAuth      *jwtauth.JWTAuth

	registrationURL string
	loginSuccessURL string
	cookieSecure    bool
	tokenTTL        time.Duration
	sessionTTL      time.Duration
	rateLimit       *ratelimit.Middleware
}

// Option configures a Handler
type Option func(*Handler)

// WithRegistrationURL sets where visitors without an account are sent
func WithRegistrationURL(u string) Option {
	return func(h *Handler) {
		h.registrationURL = u
	}
}

// WithLoginSuccessURL sets the default target after a successful login
func WithLoginSuccessURL(u string) Option {
	return func(h *Handler) {
		h.loginSuccessURL = u
	}
}

// WithCookieSecure marks issued cookies Secure
func WithCookieSecure(secure bool) Option {
	return func(h *Handler) {
		h.cookieSecure = secure
	}
}

// WithTokenTTL sets the lifetime of the issued login token
func WithTokenTTL(ttl time.Duration) Option {
	return func(h *Handler) {
		h.tokenTTL = ttl
	}
}

// WithSessionTTL sets how long registration data stays in the session
func WithSessionTTL(ttl time.Duration) Option {
	return func(h *Handler) {
		h.sessionTTL = ttl
	}
}

// WithRateLimit throttles the endpoints that start or complete a login
func WithRateLimit(m *ratelimit.Middleware) Option {
	return func(h *Handler) {
		h.rateLimit = m
	}
}

// NewHandler creates a new login handler
func NewHandler(
	orchestrator *interaction.Orchestrator,
	policy *linking.Policy,
	registry *externalprovider.Registry,
	store session.Store,
	jwtAuth *jwtauth.JWTAuth,
	opts ...Option,
) *Handler {
	h := &Handler{
		orchestrator:    orchestrator,
		policy:          policy,
		registry:        registry,
		store:           store,
		jwtAuth:         jwtAuth,
		registrationURL: "/register",
		loginSuccessURL: "/",
		tokenTTL:        time.Hour,
		sessionTTL:      30 * time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the login API. Provider login endpoints live at
// /{provider}; the init URLs of the registry must point here.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(h.jwtAuth))

		r.Get("/providers", h.ListProviders)
		r.Get("/registration", h.GetRegistration)
		r.Post("/registration", h.CompleteRegistration)
		r.Delete("/registration", h.CancelRegistration)
		r.Delete("/{provider}/link", h.Unlink)

		r.Group(func(r chi.Router) {
			h.throttle(r)
			r.Get("/{provider}", h.HandleProvider)
			r.Post("/{provider}", h.HandleProvider)
		})
	})
}

// RegisterCallbackRoutes registers the redirect URL path of every registered
// provider, such as /googleAuth, under the portal container.
func (h *Handler) RegisterCallbackRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(h.jwtAuth))
		h.throttle(r)

		for _, p := range h.registry.List() {
			providerID := p.ID
			callback := func(w http.ResponseWriter, r *http.Request) {
				h.advance(w, r, providerID)
			}
			r.Get(externalprovider.CallbackPath(providerID), callback)
			r.Post(externalprovider.CallbackPath(providerID), callback)
		}
	})
}

func (h *Handler) throttle(r chi.Router) {
	if h.rateLimit != nil {
		r.Use(h.rateLimit.Handler)
	}
}

// ListProviders handles GET /providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ProvidersResponse{Providers: h.registry.Enabled()})
}

// HandleProvider handles GET and POST /{provider}: it starts, restarts or
// completes the login with the provider.
func (h *Handler) HandleProvider(w http.ResponseWriter, r *http.Request) {
	h.advance(w, r, chi.URLParam(r, "provider"))
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request, providerID string) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.renderError(w, r, providerID, oautherrors.InvalidInput("form", err.Error()))
		return
	}
	req := interaction.RequestFromValues(r.Form)
	sessionID := h.sessionID(w, r)

	if !req.Params.IsCallback() {
		if target, ok := localRedirect(r.Form.Get("redirect_url")); ok {
			if err := h.store.Set(ctx, sessionID, afterLoginKey, []byte(target), h.sessionTTL); err != nil {
				slog.Error("Failed to store after-login URL", "error", err)
			}
		}
	}

	outcome, err := h.orchestrator.Advance(ctx, sessionID, providerID, req)
	if err != nil {
		h.renderError(w, r, providerID, err)
		return
	}
	if outcome.Identity == nil {
		slog.Info("Redirecting to external provider", "provider", providerID)
		http.Redirect(w, r, outcome.RedirectURL, http.StatusFound)
		return
	}

	currentUser := currentUserID(r)
	decision, err := h.policy.Resolve(ctx, outcome.Identity, currentUser)
	if err != nil {
		h.renderError(w, r, providerID, err)
		return
	}

	switch decision.Kind {
	case linking.DecisionAuthenticated:
		if err := h.setLoginCookie(w, decision.LocalUserID, providerID); err != nil {
			h.renderError(w, r, providerID, oautherrors.InternalWrap(err, "failed to issue login token"))
			return
		}
		slog.Info("OAuth login successful", "provider", providerID, "user_id", decision.LocalUserID)
		http.Redirect(w, r, h.afterLoginURL(ctx, sessionID), http.StatusFound)

	case linking.DecisionNeedsRegistration:
		data, err := json.Marshal(decision.Profile)
		if err == nil {
			err = h.store.Set(ctx, sessionID, registrationKey, data, h.sessionTTL)
		}
		if err != nil {
			h.renderError(w, r, providerID, oautherrors.InternalWrap(err, "failed to store registration profile"))
			return
		}
		http.Redirect(w, r, h.registrationURL, http.StatusFound)

	case linking.DecisionConflict:
		if err := h.store.Set(ctx, sessionID, warningKey, []byte(decision.Reason), h.sessionTTL); err != nil {
			slog.Error("Failed to store login warning", "error", err)
		}
		http.Redirect(w, r, withQuery(h.afterLoginURL(ctx, sessionID), "warning", decision.Reason), http.StatusFound)
	}
}

// GetRegistration handles GET /registration
func (h *Handler) GetRegistration(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := existingSessionID(r)
	if !ok {
		h.renderError(w, r, "", oautherrors.NotFound("registration", "session"))
		return
	}

	data, err := h.store.Get(r.Context(), sessionID, registrationKey)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			err = oautherrors.NotFound("registration", "session")
		}
		h.renderError(w, r, "", err)
		return
	}

	var profile linking.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		h.renderError(w, r, "", oautherrors.InternalWrap(err, "failed to read registration profile"))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, RegistrationResponse{
		Provider:    profile.Provider,
		Username:    profile.Username,
		DisplayName: profile.DisplayName,
		FirstName:   profile.FirstName,
		LastName:    profile.LastName,
		Email:       profile.Email,
	})
}

// CompleteRegistration handles POST /registration: once the registered user
// is logged in, the pending provider identity is linked to them.
func (h *Handler) CompleteRegistration(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if userID == "" {
		h.renderError(w, r, "", oautherrors.New(oautherrors.ErrCodeUnauthorized, "login required"))
		return
	}
	sessionID, ok := existingSessionID(r)
	if !ok {
		h.renderError(w, r, "", oautherrors.NotFound("registration", "session"))
		return
	}

	var profile *linking.Profile
	err := h.store.Update(r.Context(), sessionID, registrationKey, h.sessionTTL, func(current []byte) ([]byte, error) {
		profile = nil
		if current == nil {
			return nil, nil
		}
		var p linking.Profile
		if err := json.Unmarshal(current, &p); err != nil {
			return nil, nil
		}
		profile = &p
		return nil, nil
	})
	if err != nil {
		h.renderError(w, r, "", err)
		return
	}
	if profile == nil {
		h.renderError(w, r, "", oautherrors.NotFound("registration", "session"))
		return
	}

	if err := h.policy.Register(r.Context(), *profile, userID); err != nil {
		if data, merr := json.Marshal(profile); merr == nil {
			if serr := h.store.Set(r.Context(), sessionID, registrationKey, data, h.sessionTTL); serr != nil {
				slog.Error("Failed to restore registration profile", "error", serr)
			}
		}
		h.renderError(w, r, profile.Provider, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, LinkResponse{Provider: profile.Provider, Username: profile.Username})
}

// CancelRegistration handles DELETE /registration
func (h *Handler) CancelRegistration(w http.ResponseWriter, r *http.Request) {
	if sessionID, ok := existingSessionID(r); ok {
		if err := h.store.Remove(r.Context(), sessionID, registrationKey); err != nil {
			h.renderError(w, r, "", err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unlink handles DELETE /{provider}/link for the logged-in user
func (h *Handler) Unlink(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")

	userID := currentUserID(r)
	if userID == "" {
		h.renderError(w, r, providerID, oautherrors.New(oautherrors.ErrCodeUnauthorized, "login required"))
		return
	}

	result, err := h.policy.Unlink(r.Context(), userID, providerID)
	if err != nil {
		if errors.Is(err, linking.ErrAccountNotFound) {
			err = oautherrors.NotFound("linked identity", providerID)
		}
		h.renderError(w, r, providerID, err)
		return
	}

	resp := UnlinkResponse{Provider: providerID, Revoked: result.Revoked}
	if result.Warning != nil {
		resp.Warning = "token revocation failed"
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, providerID string, err error) {
	code := oautherrors.GetCode(err)
	status := oautherrors.HTTPStatusCode(err)
	resp := ErrorResponse{Code: string(code), Provider: providerID}

	var pce *oautherrors.ProviderCommunicationError
	switch code {
	case oautherrors.ErrCodeCSRFValidation:
		resp.Error = "Your login session expired or is invalid. Please start again."
	case oautherrors.ErrCodeProviderCommunication:
		resp.Error = "The login provider could not complete the request."
		if errors.As(err, &pce) {
			resp.Stage = string(pce.Stage)
		}
	case oautherrors.ErrCodeTokenAudience:
		resp.Error = "The login token was not issued for this application."
	case oautherrors.ErrCodeNotFound, oautherrors.ErrCodeInvalidInput, oautherrors.ErrCodeUnauthorized:
		resp.Error = err.Error()
		resp.Details = oautherrors.GetDetails(err)
	default:
		resp.Error = "Authentication failed"
	}

	if status >= http.StatusInternalServerError {
		slog.Error("OAuth request failed", "provider", providerID, "code", code, "error", err)
	} else {
		slog.Warn("OAuth request rejected", "provider", providerID, "code", code, "error", err)
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}

func (h *Handler) setLoginCookie(w http.ResponseWriter, userID, providerID string) error {
	claims := map[string]interface{}{
		"sub":      userID,
		"provider": providerID,
	}
	jwtauth.SetIssuedNow(claims)
	jwtauth.SetExpiryIn(claims, h.tokenTTL)

	_, tokenString, err := h.jwtAuth.Encode(claims)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     JWTCookieName,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(h.tokenTTL),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// sessionID returns the visitor's session id, creating the cookie when absent.
func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) string {
	if id, ok := existingSessionID(r); ok {
		return id
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func existingSessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return "", false
	}
	if _, err := uuid.Parse(cookie.Value); err != nil {
		return "", false
	}
	return cookie.Value, true
}

// afterLoginURL pops the stored after-login URL.
func (h *Handler) afterLoginURL(ctx context.Context, sessionID string) string {
	var target string
	err := h.store.Update(ctx, sessionID, afterLoginKey, h.sessionTTL, func(current []byte) ([]byte, error) {
		target = string(current)
		return nil, nil
	})
	if err != nil {
		slog.Error("Failed to read after-login URL", "error", err)
	}
	if target == "" {
		return h.loginSuccessURL
	}
	return target
}

func currentUserID(r *http.Request) string {
	token, claims, err := jwtauth.FromContext(r.Context())
	if err != nil || token == nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

// localRedirect accepts only same-origin relative paths.
func localRedirect(raw string) (string, bool) {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	return raw, true
}

func withQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
