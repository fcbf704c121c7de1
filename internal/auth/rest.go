package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// REST talks to the hosted identity-toolkit API: sign-up and password
// sign-in endpoints keyed by an API key, plus a profile update that binds
// the display name to a fresh account. The session token is held only to
// authorize the profile update; this client does no token refresh.
type REST struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger

	mu        sync.Mutex
	current   *Identity
	listeners *listeners
}

// NewREST creates an identity client for the provider at baseURL.
func NewREST(baseURL, apiKey string, log zerolog.Logger) *REST {
	return &REST{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log:       log,
		listeners: newListeners(),
	}
}

// accountResponse is the provider's payload for sign-up and sign-in.
type accountResponse struct {
	LocalID     string `json:"localId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	IDToken     string `json:"idToken"`
}

// providerError is the provider's error envelope. Its message is surfaced
// to the user as-is.
type providerError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// doRequest executes a provider call and decodes the response into out.
// Provider-reported failures come back as *Error with the raw message.
func (r *REST) doRequest(ctx context.Context, endpoint string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	url := fmt.Sprintf("%s/v1/%s?key=%s", r.baseURL, endpoint, r.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var pe providerError
		if err := json.Unmarshal(respBody, &pe); err == nil && pe.Error.Message != "" {
			return &Error{Message: pe.Error.Message}
		}
		return &Error{Message: fmt.Sprintf("auth error (status %d): %s", resp.StatusCode, string(respBody))}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse auth response: %w", err)
		}
	}
	return nil
}

// SignUp creates a new account and binds displayName to it via a follow-up
// profile update, then notifies change listeners.
func (r *REST) SignUp(ctx context.Context, email, password, displayName string) (*Identity, error) {
	var acct accountResponse
	err := r.doRequest(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &acct)
	if err != nil {
		return nil, err
	}

	if displayName != "" {
		err = r.doRequest(ctx, "accounts:update", map[string]any{
			"idToken":           acct.IDToken,
			"displayName":       displayName,
			"returnSecureToken": false,
		}, nil)
		if err != nil {
			r.log.Warn().Err(err).Str("email", email).Msg("failed to bind display name")
		}
	}

	id := &Identity{UID: acct.LocalID, Email: acct.Email, DisplayName: displayName}
	r.setCurrent(id)
	return id, nil
}

// SignIn resolves an existing account by email and password.
func (r *REST) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	var acct accountResponse
	err := r.doRequest(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &acct)
	if err != nil {
		return nil, err
	}

	id := &Identity{UID: acct.LocalID, Email: acct.Email, DisplayName: acct.DisplayName}
	r.setCurrent(id)
	return id, nil
}

// SignOut drops the identity locally. The provider keeps no server-side
// session for password sign-in, so there is nothing remote to revoke.
func (r *REST) SignOut(_ context.Context) error {
	r.setCurrent(nil)
	return nil
}

// Current returns the signed-in identity, or nil.
func (r *REST) Current() *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// OnChange registers fn and fires it immediately with the current identity.
func (r *REST) OnChange(fn func(*Identity)) (cancel func()) {
	r.mu.Lock()
	id := r.listeners.add(fn)
	current := r.current
	r.mu.Unlock()

	fn(current)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.listeners.remove(id)
	}
}

func (r *REST) setCurrent(id *Identity) {
	r.mu.Lock()
	r.current = id
	fns := r.listeners.snapshot()
	r.mu.Unlock()

	for _, fn := range fns {
		fn(id)
	}
}
