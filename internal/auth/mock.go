package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Mock is an in-memory Service for tests and the offline demo backend.
// It applies the same coarse validation a hosted provider would, with the
// provider-style message strings surfaced verbatim.
type Mock struct {
	mu        sync.Mutex
	accounts  map[string]mockAccount // email -> account
	current   *Identity
	listeners *listeners
}

type mockAccount struct {
	uid         string
	password    string
	displayName string
}

// NewMock creates an empty in-memory identity service.
func NewMock() *Mock {
	return &Mock{
		accounts:  make(map[string]mockAccount),
		listeners: newListeners(),
	}
}

func (m *Mock) SignUp(_ context.Context, email, password, displayName string) (*Identity, error) {
	if !strings.Contains(email, "@") {
		return nil, &Error{Message: "INVALID_EMAIL"}
	}
	if len(password) < 6 {
		return nil, &Error{Message: "WEAK_PASSWORD : Password should be at least 6 characters"}
	}

	m.mu.Lock()
	if _, exists := m.accounts[email]; exists {
		m.mu.Unlock()
		return nil, &Error{Message: "EMAIL_EXISTS"}
	}
	acct := mockAccount{uid: uuid.NewString(), password: password, displayName: displayName}
	m.accounts[email] = acct
	m.mu.Unlock()

	id := &Identity{UID: acct.uid, Email: email, DisplayName: displayName}
	m.setCurrent(id)
	return id, nil
}

func (m *Mock) SignIn(_ context.Context, email, password string) (*Identity, error) {
	m.mu.Lock()
	acct, exists := m.accounts[email]
	m.mu.Unlock()

	if !exists || acct.password != password {
		return nil, &Error{Message: "INVALID_LOGIN_CREDENTIALS"}
	}

	id := &Identity{UID: acct.uid, Email: email, DisplayName: acct.displayName}
	m.setCurrent(id)
	return id, nil
}

func (m *Mock) SignOut(_ context.Context) error {
	m.setCurrent(nil)
	return nil
}

func (m *Mock) Current() *Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Mock) OnChange(fn func(*Identity)) (cancel func()) {
	m.mu.Lock()
	id := m.listeners.add(fn)
	current := m.current
	m.mu.Unlock()

	fn(current)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.listeners.remove(id)
	}
}

func (m *Mock) setCurrent(id *Identity) {
	m.mu.Lock()
	m.current = id
	fns := m.listeners.snapshot()
	m.mu.Unlock()

	for _, fn := range fns {
		fn(id)
	}
}

// Seed registers an account without signing it in; test helper.
func (m *Mock) Seed(email, password, displayName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid := uuid.NewString()
	m.accounts[email] = mockAccount{uid: uid, password: password, displayName: displayName}
	return uid
}

var _ Service = (*Mock)(nil)
var _ Service = (*REST)(nil)
