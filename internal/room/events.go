package room

import "github.com/elohims-media/upperroom/internal/models"

// State is the session's position in its lifecycle. Every transition tears
// down the previous state's subscriptions and timers before wiring the next,
// so repeated sign-in/out cycles cannot leak listeners.
type State int

const (
	// StateSignedOut is the initial and post-sign-out state
	StateSignedOut State = iota

	// StateAuthenticating covers an in-flight sign-in or sign-up call
	StateAuthenticating

	// StateSignedIn means history is loaded or loading and live
	// subscriptions are attached
	StateSignedIn
)

func (s State) String() string {
	switch s {
	case StateSignedOut:
		return "signed_out"
	case StateAuthenticating:
		return "authenticating"
	case StateSignedIn:
		return "signed_in"
	default:
		return "unknown"
	}
}

// EventType discriminates the events a session emits to its consumer.
type EventType string

const (
	// EventStateChanged reports a lifecycle transition
	EventStateChanged EventType = "state_changed"

	// EventMessageAdded delivers one new message, exactly once per
	// de-duplication key
	EventMessageAdded EventType = "message_added"

	// EventReactionChanged reports that a message's reactions map changed
	EventReactionChanged EventType = "reaction_changed"

	// EventPresenceChanged reports that the online list changed
	EventPresenceChanged EventType = "presence_changed"

	// EventTypingChanged reports that the "is typing" list changed
	EventTypingChanged EventType = "typing_changed"

	// EventAlert carries a user-facing error, such as a failed send
	EventAlert EventType = "alert"
)

// Event is one notification from the session to its consumer. Only the
// fields relevant to the Type are populated.
type Event struct {
	Type EventType

	// State accompanies EventStateChanged
	State State

	// Message accompanies EventMessageAdded and EventReactionChanged
	Message *models.Message

	// Online accompanies EventPresenceChanged
	Online []models.OnlineUser

	// Typing accompanies EventTypingChanged
	Typing []models.TypingUser

	// Alert accompanies EventAlert
	Alert string
}
