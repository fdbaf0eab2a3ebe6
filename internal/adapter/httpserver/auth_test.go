package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/woo-catalog-sync/internal/adapter/httpserver"
	"github.com/fairyhunter13/woo-catalog-sync/internal/config"
)

func TestHashPassword_VerifyRoundtrip(t *testing.T) {
	hash, err := httpserver.HashPassword("s3cret", httpserver.DefaultArgon2Params())
	require.NoError(t, err)
	require.True(t, httpserver.VerifyPassword("s3cret", hash))
	require.False(t, httpserver.VerifyPassword("wrong", hash))
}

func TestVerifyPassword_RejectsGarbage(t *testing.T) {
	for _, h := range []string{
		"",
		"argon2id$3$65536",
		"bcrypt$3$65536$2$c2FsdA$aGFzaA",
		"argon2id$x$65536$2$c2FsdA$aGFzaA",
		"argon2id$3$65536$2$!!$aGFzaA",
		"argon2id$3$65536$2$c2FsdA$!!",
	} {
		require.False(t, httpserver.VerifyPassword("s3cret", h), "hash %q", h)
	}
}

func guardedEndpoint(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()
	server := &httpserver.Server{Cfg: cfg}
	guard := server.AdminAPIGuard()
	return guard(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
}

func TestAdminAPIGuard_NoCredentialsConfigured(t *testing.T) {
	h := guardedEndpoint(t, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/admin/checkpoint/reset", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	// Should pass through since no admin credentials are configured.
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "success")
}

func TestAdminAPIGuard_WithCredentials(t *testing.T) {
	hash, err := httpserver.HashPassword("password", httpserver.DefaultArgon2Params())
	require.NoError(t, err)
	h := guardedEndpoint(t, config.Config{AdminUsername: "admin", AdminPasswordHash: hash})

	req := httptest.NewRequest(http.MethodPost, "/admin/checkpoint/reset", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	req = httptest.NewRequest(http.MethodPost, "/admin/checkpoint/reset", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/checkpoint/reset", nil)
	req.SetBasicAuth("intruder", "password")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/checkpoint/reset", nil)
	req.SetBasicAuth("admin", "password")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "success")
}
