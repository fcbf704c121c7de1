package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvider(t *testing.T, handler http.HandlerFunc) *REST {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewREST(srv.URL, "test-key", zerolog.Nop())
}

func TestRESTSignInSuccess(t *testing.T) {
	r := newProvider(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/accounts:signInWithPassword", req.URL.Path)
		assert.Equal(t, "test-key", req.URL.Query().Get("key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "a@example.com", body["email"])

		json.NewEncoder(w).Encode(map[string]any{
			"localId":     "uid-1",
			"email":       "a@example.com",
			"displayName": "A",
			"idToken":     "tok",
		})
	})

	id, err := r.SignIn(context.Background(), "a@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "uid-1", id.UID)
	assert.Equal(t, "A", id.DisplayName)
	assert.Equal(t, id, r.Current())
}

func TestRESTProviderErrorSurfacedVerbatim(t *testing.T) {
	r := newProvider(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "INVALID_LOGIN_CREDENTIALS"},
		})
	})

	_, err := r.SignIn(context.Background(), "a@example.com", "wrong")
	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "INVALID_LOGIN_CREDENTIALS", authErr.Message)
	assert.Nil(t, r.Current())
}

func TestRESTSignUpBindsDisplayName(t *testing.T) {
	var paths []string
	r := newProvider(t, func(w http.ResponseWriter, req *http.Request) {
		paths = append(paths, req.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"localId": "uid-2",
			"email":   "b@example.com",
			"idToken": "tok",
		})
	})

	id, err := r.SignUp(context.Background(), "b@example.com", "secret123", "Brother B")
	require.NoError(t, err)
	assert.Equal(t, "Brother B", id.DisplayName)
	assert.Equal(t, []string{"/v1/accounts:signUp", "/v1/accounts:update"}, paths)
}

func TestRESTSignOutNotifiesListeners(t *testing.T) {
	r := newProvider(t, func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"localId": "uid-3", "email": "c@example.com", "idToken": "tok"})
	})

	var last *Identity
	fired := 0
	cancel := r.OnChange(func(id *Identity) { last = id; fired++ })
	defer cancel()

	_, err := r.SignIn(context.Background(), "c@example.com", "secret123")
	require.NoError(t, err)
	require.NoError(t, r.SignOut(context.Background()))

	assert.Equal(t, 3, fired)
	assert.Nil(t, last)
}
