package models

import "time"

// Message represents a single chat message in the room.
// Messages are append-only: once written they are never edited or deleted
// by this client, only their reactions view changes.
type Message struct {
	// Key is the child key the message is stored under in the realtime
	// store. It is assigned by the sender and is not part of the record
	// value itself.
	Key string `json:"-"`

	// AuthorID is the sender's user id. Nil for legacy records written
	// before authentication was required.
	AuthorID *string `json:"uid"`

	// AuthorName is the sender's display name at send time
	AuthorName string `json:"name"`

	// Text is the plain message body
	Text string `json:"text"`

	// CreatedAt is the sender's clock at send time, in milliseconds.
	// Together with AuthorID it forms the de-duplication key for
	// deliveries seen through both the bootstrap read and the live feed.
	CreatedAt int64 `json:"createdAt"`

	// Reactions maps an emoji to the ids of the users who applied it.
	// An emoji whose user set is empty is absent from the map, never
	// stored as an empty list.
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// DedupKey identifies a message delivery independent of transport.
// Two deliveries with the same key are the same message.
type DedupKey struct {
	AuthorID  string
	CreatedAt int64
}

// Dedup returns the message's de-duplication key.
func (m *Message) Dedup() DedupKey {
	k := DedupKey{CreatedAt: m.CreatedAt}
	if m.AuthorID != nil {
		k.AuthorID = *m.AuthorID
	}
	return k
}

// Time returns the message creation time.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// HasReaction reports whether userID currently has emoji applied to this message.
func (m *Message) HasReaction(emoji, userID string) bool {
	for _, uid := range m.Reactions[emoji] {
		if uid == userID {
			return true
		}
	}
	return false
}
