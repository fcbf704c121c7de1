package room

import (
	"context"
	"strings"

	"github.com/elohims-media/upperroom/internal/models"
	"github.com/elohims-media/upperroom/internal/store"
)

// QuickReactions is the default reaction palette offered by the client.
var QuickReactions = []string{"❤️", "🙏", "✨", "🔥", "👍"}

// parkedReaction is a reaction tuple delivered before the message it belongs
// to, held until the message arrives.
type parkedReaction struct {
	emoji  string
	uid    string
	remove bool
}

// ToggleReaction flips this user's emoji reaction on the message with the
// given store key. Each (message, emoji, user) tuple is its own record, so
// two users toggling the same emoji at the same instant are independent
// writes — there is no shared map to lose an update in. Toggling while
// signed out or against an unknown message is a no-op.
//
// The local view is not mutated here; it converges through the reaction
// subscription like every other client's does.
func (s *Session) ToggleReaction(ctx context.Context, messageKey, emoji string) error {
	s.mu.Lock()
	id := s.identity
	idx, known := s.byKey[messageKey]
	var has bool
	if id != nil && known {
		has = s.messages[idx].HasReaction(emoji, id.UID)
	}
	s.mu.Unlock()

	if id == nil || !known {
		return nil
	}

	path := s.path("reactions", messageKey, emoji, id.UID)
	var err error
	if has {
		err = s.store.WriteAt(ctx, path, nil)
	} else {
		err = s.store.WriteAt(ctx, path, models.ReactionMark{
			Name:      displayName(id),
			ReactedAt: s.now().UnixMilli(),
		})
	}
	if err != nil {
		s.log.Warn().Err(err).Str("emoji", emoji).Msg("failed to toggle reaction")
		return err
	}
	return nil
}

// ingestReaction folds one reaction tuple into the owning message's
// reactions map. The key is <messageKey>/<emoji>/<userID>; a nil value
// withdraws the reaction. An emoji whose user set empties is removed from
// the map entirely, never kept as an empty list. The fold is idempotent so
// the bootstrap read and the live feed may overlap freely.
func (s *Session) ingestReaction(rec store.Record) {
	parts := strings.SplitN(rec.Key, "/", 3)
	if len(parts) != 3 {
		s.log.Warn().Str("key", rec.Key).Msg("dropping malformed reaction key")
		return
	}
	messageKey, emoji, uid := parts[0], parts[1], parts[2]

	s.mu.Lock()
	idx, known := s.byKey[messageKey]
	if !known {
		// The per-collection feeds give no cross-collection ordering, so a
		// tuple can arrive ahead of its message. Park it for the re-fold
		// that runs when the message lands.
		s.parked[messageKey] = append(s.parked[messageKey], parkedReaction{
			emoji:  emoji,
			uid:    uid,
			remove: rec.Value == nil,
		})
		s.mu.Unlock()
		return
	}

	msg := &s.messages[idx]
	changed := false
	if rec.Value == nil {
		changed = removeReaction(msg, emoji, uid)
	} else {
		changed = addReaction(msg, emoji, uid)
	}
	var out models.Message
	if changed {
		out = copyMessage(msg)
	}
	s.mu.Unlock()

	if changed {
		s.emit(Event{Type: EventReactionChanged, Message: &out})
	}
}

func addReaction(msg *models.Message, emoji, uid string) bool {
	if msg.HasReaction(emoji, uid) {
		return false
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	msg.Reactions[emoji] = append(msg.Reactions[emoji], uid)
	return true
}

func removeReaction(msg *models.Message, emoji, uid string) bool {
	uids := msg.Reactions[emoji]
	for i, u := range uids {
		if u == uid {
			uids = append(uids[:i], uids[i+1:]...)
			if len(uids) == 0 {
				delete(msg.Reactions, emoji)
				if len(msg.Reactions) == 0 {
					msg.Reactions = nil
				}
			} else {
				msg.Reactions[emoji] = uids
			}
			return true
		}
	}
	return false
}
