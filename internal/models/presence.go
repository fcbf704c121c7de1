package models

// PresenceRecord is the per-user record under the presence path.
// Each user overwrites their own record wholesale on connect, on every
// heartbeat, and with Online=false on an orderly sign-out or close.
type PresenceRecord struct {
	// Name is the user's display name for the online list
	Name string `json:"name"`

	// Online is true while the user holds an active session
	Online bool `json:"online"`

	// LastSeen is the writer's clock at write time, in milliseconds.
	// Readers evict records whose LastSeen has gone stale, so a crashed
	// client disappears from the online view without an offline write.
	LastSeen int64 `json:"lastSeen"`
}

// TypingRecord is the per-user record under the typing path, written on the
// first keystroke of a burst and deleted on send or after the debounce
// window. Readers expire it independently after their own, longer window.
type TypingRecord struct {
	// Name is the typist's display name
	Name string `json:"name"`

	// Timestamp is the writer's clock at write time, in milliseconds
	Timestamp int64 `json:"timestamp"`
}

// ReactionMark is the record stored per (message, emoji, user) tuple under
// reactions/<messageKey>/<emoji>/<userID>. Storing one record per tuple makes
// concurrent toggles by different users independent writes instead of
// contending read-modify-write overwrites of a shared map.
type ReactionMark struct {
	// Name is the reacting user's display name
	Name string `json:"name"`

	// ReactedAt is the writer's clock at toggle time, in milliseconds
	ReactedAt int64 `json:"reactedAt"`
}

// OnlineUser is one entry of the rendered online list.
type OnlineUser struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// TypingUser is one entry of the rendered "is typing" list.
type TypingUser struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}
