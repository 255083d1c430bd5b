package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevOperatorAttributesRequests(t *testing.T) {
	var seen string
	handler := DevOperator("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = OperatorFromContext(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/syncData", nil))
	assert.Equal(t, "dev-operator", seen)
}

func TestOperatorFromEmptyContext(t *testing.T) {
	_, ok := OperatorFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}

func TestNewManagerRequiresSettings(t *testing.T) {
	_, err := NewManager(Config{IssuerURL: "https://id.example.com"}, zerolog.Nop())
	require.Error(t, err)

	_, err = NewManager(Config{
		IssuerURL:   "https://id.example.com",
		ClientID:    "coursesync",
		RedirectURL: "https://sync.example.com",
	}, zerolog.Nop())
	require.ErrorContains(t, err, "callback path")
}

func TestParseSessionKey(t *testing.T) {
	key, err := parseSessionKey("")
	require.NoError(t, err)
	assert.Len(t, key, 32)

	raw := strings.Repeat("k", 32)
	key, err = parseSessionKey(base64.StdEncoding.EncodeToString([]byte(raw)))
	require.NoError(t, err)
	assert.Equal(t, []byte(raw), key)

	_, err = parseSessionKey("short")
	assert.Error(t, err)
}

func TestSessionCarriesOperator(t *testing.T) {
	store, options, err := newSessionStore(Config{SessionKey: strings.Repeat("s", 40)})
	require.NoError(t, err)
	m := &Manager{sessionStore: store, cookieOptions: options, logger: zerolog.Nop()}

	login := httptest.NewRecorder()
	require.NoError(t, m.saveOperator(login, httptest.NewRequest(http.MethodGet, "/auth/callback", nil), "ops@example.com"))
	cookies := login.Result().Cookies()
	require.NotEmpty(t, cookies)

	var seen string
	handler := m.withOperator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = OperatorFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodPost, "/syncData", nil)
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	assert.True(t, m.isAuthenticated(req))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "ops@example.com", seen)

	assert.False(t, m.isAuthenticated(httptest.NewRequest(http.MethodPost, "/syncData", nil)))
}

func TestLogoutExpiresSession(t *testing.T) {
	store, options, err := newSessionStore(Config{})
	require.NoError(t, err)
	m := &Manager{sessionStore: store, cookieOptions: options, logger: zerolog.Nop()}

	rec := httptest.NewRecorder()
	m.handleLogout(rec, httptest.NewRequest(http.MethodPost, LogoutPath, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	m.handleLogout(rec, httptest.NewRequest(http.MethodGet, LogoutPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
