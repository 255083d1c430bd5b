// Package auth identifies the operator who triggers a run. With OIDC
// configured the operator is the id token subject kept in a cookie session;
// otherwise every request is attributed to a fixed development operator.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	operatorContextKey contextKey = "auth.operator"
	operatorSessionKey            = "operator"

	LogoutPath = "/auth/logout"
)

type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	SessionKey   string
	SessionTTL   time.Duration
	CookieSecure bool
}

// Manager guards handlers behind an OIDC login.
type Manager struct {
	oidcConfig    *baseliboidc.OidcConfiguration
	sessionStore  *sessions.CookieStore
	cookieOptions *sessions.Options
	callbackPath  string
	logger        zerolog.Logger
}

func NewManager(cfg Config, logger zerolog.Logger) (*Manager, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, errors.New("oidc issuer, client id, and redirect url are required")
	}
	redirect, err := url.Parse(cfg.RedirectURL)
	if err != nil || redirect.Path == "" {
		return nil, fmt.Errorf("oidc redirect url %q has no callback path", cfg.RedirectURL)
	}
	store, options, err := newSessionStore(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		oidcConfig:    baseliboidc.CreateOidcConfiguration(cfg.IssuerURL, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL),
		sessionStore:  store,
		cookieOptions: options,
		callbackPath:  redirect.Path,
		logger:        logger,
	}, nil
}

func newSessionStore(cfg Config) (*sessions.CookieStore, *sessions.Options, error) {
	masterKey, err := parseSessionKey(cfg.SessionKey)
	if err != nil {
		return nil, nil, err
	}
	hashKey, blockKey := deriveCookieKeys(masterKey)
	store := sessions.NewCookieStore(hashKey, blockKey)
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	options := &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	store.Options = options
	store.MaxAge(options.MaxAge)
	return store, options, nil
}

// RegisterRoutes mounts the login callback and logout handlers.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	delegate := baseliboidc.CreateSTDSessionBasedOidcDelegate(m.handleIDToken, "/runs")
	mux.Handle(m.callbackPath, m.oidcConfig.CreateOidcCallbackHandler(delegate))
	mux.HandleFunc(LogoutPath, m.handleLogout)
}

// Protect redirects anonymous requests to the identity provider and puts the
// operator of authenticated ones into the request context.
func (m *Manager) Protect(next http.Handler) http.Handler {
	authenticate := m.oidcConfig.CreateOidcAuthenticationMiddleware(m.isAuthenticated, func(r *http.Request) bool {
		return false
	})
	return authenticate(m.withOperator(next))
}

func (m *Manager) withOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if operator, ok := m.operatorFromSession(r); ok {
			r = r.WithContext(ContextWithOperator(r.Context(), operator))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) isAuthenticated(r *http.Request) bool {
	_, ok := m.operatorFromSession(r)
	return ok
}

func (m *Manager) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err == nil {
		session.Options = cloneOptions(m.cookieOptions)
		session.Options.MaxAge = -1
		_ = session.Save(r, w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Manager) handleIDToken(w http.ResponseWriter, r *http.Request, idToken *oidc.IDToken) error {
	var claims struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return err
	}
	if claims.Subject == "" {
		return errors.New("id token missing sub claim")
	}
	operator := claims.Subject
	if claims.Email != "" {
		operator = claims.Email
	}
	if err := m.saveOperator(w, r, operator); err != nil {
		return err
	}
	m.logger.Info().Str("operator", operator).Msg("operator_login")
	return nil
}

func (m *Manager) saveOperator(w http.ResponseWriter, r *http.Request, operator string) error {
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return err
	}
	session.Options = cloneOptions(m.cookieOptions)
	session.Values[operatorSessionKey] = operator
	return session.Save(r, w)
}

func (m *Manager) operatorFromSession(r *http.Request) (string, bool) {
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return "", false
	}
	operator, ok := session.Values[operatorSessionKey].(string)
	if !ok || operator == "" {
		return "", false
	}
	return operator, true
}

// OperatorFromContext returns the operator attached by Protect or DevOperator.
func OperatorFromContext(ctx context.Context) (string, bool) {
	operator, ok := ctx.Value(operatorContextKey).(string)
	if !ok || operator == "" {
		return "", false
	}
	return operator, true
}

func ContextWithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorContextKey, operator)
}

// DevOperator attributes every request to operator.
func DevOperator(operator string) func(http.Handler) http.Handler {
	if operator == "" {
		operator = "dev-operator"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(ContextWithOperator(r.Context(), operator)))
		})
	}
}

func parseSessionKey(raw string) ([]byte, error) {
	if raw == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	trimmed := strings.TrimSpace(raw)
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		if len(decoded) < 32 {
			return nil, errors.New("session key must decode to at least 32 bytes")
		}
		return decoded, nil
	}
	if len(trimmed) < 32 {
		return nil, errors.New("session key must be at least 32 characters or base64")
	}
	return []byte(trimmed), nil
}

func deriveCookieKeys(masterKey []byte) ([]byte, []byte) {
	return hmacSHA256(masterKey, []byte("auth")), hmacSHA256(masterKey, []byte("enc"))
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func cloneOptions(opts *sessions.Options) *sessions.Options {
	if opts == nil {
		return &sessions.Options{}
	}
	clone := *opts
	return &clone
}
