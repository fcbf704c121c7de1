// Package auth gates room access behind a signed-in identity. It wraps the
// hosted email/password identity provider and notifies the room session of
// every identity transition through a single change listener.
package auth

import "context"

// Identity is a signed-in user as seen by the rest of the client.
type Identity struct {
	// UID is the provider-assigned user id
	UID string

	// Email is the account email
	Email string

	// DisplayName is the name bound at registration; shown to peers.
	// Falls back to "Anonymous" in the room when empty.
	DisplayName string
}

// Error is an authentication failure. The provider's message is surfaced to
// the user verbatim; no normalization or retry happens at this layer.
type Error struct {
	// Message is the raw provider error text
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Service is the identity provider contract.
//
// OnChange registers a listener that fires immediately with the current
// identity (nil when signed out) and again on every sign-in and sign-out.
// The identity change is the sole trigger that wires the room session up
// and tears it down; there is no separate connect step.
type Service interface {
	SignUp(ctx context.Context, email, password, displayName string) (*Identity, error)
	SignIn(ctx context.Context, email, password string) (*Identity, error)
	SignOut(ctx context.Context) error
	Current() *Identity
	OnChange(fn func(*Identity)) (cancel func())
}

// listeners is the change-notification plumbing shared by providers.
type listeners struct {
	next int
	fns  map[int]func(*Identity)
}

func newListeners() *listeners {
	return &listeners{fns: make(map[int]func(*Identity))}
}

// add registers fn and returns its removal closure. The caller holds the
// provider lock; the returned cancel must be called without it.
func (l *listeners) add(fn func(*Identity)) (id int) {
	id = l.next
	l.next++
	l.fns[id] = fn
	return id
}

func (l *listeners) remove(id int) {
	delete(l.fns, id)
}

// snapshot copies the current listener set so callbacks can run unlocked.
func (l *listeners) snapshot() []func(*Identity) {
	fns := make([]func(*Identity), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	return fns
}
