package room

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/elohims-media/upperroom/internal/auth"
	"github.com/elohims-media/upperroom/internal/models"
	"github.com/elohims-media/upperroom/internal/store"
)

// Typing reports one keystroke of local composition. The first keystroke of
// a burst writes the typing record and arms the debounce timer; every
// further keystroke only re-arms the timer. Readers run their own, longer
// expiry window, so not refreshing the record's timestamp mid-burst is a
// write-reduction trade-off, not a staleness bug.
func (s *Session) Typing(ctx context.Context) {
	s.mu.Lock()
	id := s.identity
	if id == nil {
		s.mu.Unlock()
		return
	}

	if s.typingActive {
		if s.typingTimer != nil {
			s.typingTimer.Reset(s.cfg.TypingDebounce)
		}
		s.mu.Unlock()
		return
	}

	s.typingActive = true
	s.typingTimer = s.armDebounce(id)
	rec := models.TypingRecord{Name: displayName(id), Timestamp: s.now().UnixMilli()}
	s.mu.Unlock()

	if err := s.store.WriteAt(ctx, s.path("typing", id.UID), rec); err != nil {
		// Best effort: a lost typing write only costs an indicator.
		s.log.Warn().Err(err).Msg("failed to write typing record")
	}
}

// typingExpired fires when the debounce window elapses with no keystroke.
func (s *Session) typingExpired(id *auth.Identity) {
	s.mu.Lock()
	if !s.typingActive || s.identity != id {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	s.typingTimer = nil
	s.mu.Unlock()

	s.clearTypingRecord(id)
}

// stopTypingOnSend returns the local state machine to idle immediately after
// a successful send and withdraws the remote record.
func (s *Session) stopTypingOnSend(id *auth.Identity) {
	s.mu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingActive = false
	s.mu.Unlock()

	s.clearTypingRecord(id)
}

// clearTypingRecord deletes this user's typing record; failures are logged
// and dropped since readers expire the record on their own anyway.
func (s *Session) clearTypingRecord(id *auth.Identity) {
	if err := s.store.WriteAt(s.writeCtx(), s.path("typing", id.UID), nil); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear typing record")
	}
}

// ingestTyping folds a peer's typing record into the view. A nil value is
// the peer's explicit withdrawal; stale records are additionally evicted by
// the sweep pass.
func (s *Session) ingestTyping(rec store.Record) {
	uid := rec.Key

	s.mu.Lock()
	if rec.Value == nil {
		if _, ok := s.typing[uid]; !ok {
			s.mu.Unlock()
			return
		}
		delete(s.typing, uid)
		s.mu.Unlock()
		s.emit(Event{Type: EventTypingChanged, Typing: s.TypingUsers()})
		return
	}

	var tr models.TypingRecord
	if err := json.Unmarshal(rec.Value, &tr); err != nil {
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("uid", uid).Msg("dropping malformed typing record")
		return
	}
	s.typing[uid] = tr
	s.mu.Unlock()

	s.emit(Event{Type: EventTypingChanged, Typing: s.TypingUsers()})
}

// TypingUsers returns the rendered "is typing" list: every peer (never the
// local user) whose record is younger than the expiry window, sorted by
// name. The read-side check means an entry the sweep has not reached yet
// still cannot be rendered past its window.
func (s *Session) TypingUsers() []models.TypingUser {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	var own string
	if s.identity != nil {
		own = s.identity.UID
	}
	out := make([]models.TypingUser, 0, len(s.typing))
	for uid, rec := range s.typing {
		if uid == own {
			continue
		}
		if nowMs-rec.Timestamp >= s.cfg.TypingExpiry.Milliseconds() {
			continue
		}
		out = append(out, models.TypingUser{UserID: uid, Name: rec.Name})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
