package room

import (
	"encoding/json"
	"sort"

	"github.com/elohims-media/upperroom/internal/auth"
	"github.com/elohims-media/upperroom/internal/models"
	"github.com/elohims-media/upperroom/internal/store"
)

// writePresence overwrites this user's presence record wholesale. Used on
// sign-in (online), on every heartbeat tick (online), and on sign-out or
// close (offline). Failures are logged and dropped; presence is best effort.
func (s *Session) writePresence(id *auth.Identity, online bool) {
	rec := models.PresenceRecord{
		Name:     displayName(id),
		Online:   online,
		LastSeen: s.now().UnixMilli(),
	}
	if err := s.store.WriteAt(s.writeCtx(), s.path("presence", id.UID), rec); err != nil {
		s.log.Warn().Err(err).Bool("online", online).Msg("failed to write presence record")
	}
}

// ingestPresence folds a peer's presence record into the view. An offline
// record or a deletion removes the peer immediately; a peer that vanishes
// without either is evicted by the sweep once its heartbeats stop.
func (s *Session) ingestPresence(rec store.Record) {
	uid := rec.Key

	s.mu.Lock()
	if rec.Value == nil {
		if _, ok := s.presence[uid]; !ok {
			s.mu.Unlock()
			return
		}
		delete(s.presence, uid)
		s.mu.Unlock()
		s.emit(Event{Type: EventPresenceChanged, Online: s.OnlineUsers()})
		return
	}

	var pr models.PresenceRecord
	if err := json.Unmarshal(rec.Value, &pr); err != nil {
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("uid", uid).Msg("dropping malformed presence record")
		return
	}
	s.presence[uid] = pr
	s.mu.Unlock()

	s.emit(Event{Type: EventPresenceChanged, Online: s.OnlineUsers()})
}

// OnlineUsers returns the rendered online list, sorted by name. Only records
// that are marked online and younger than the presence expiry window count.
func (s *Session) OnlineUsers() []models.OnlineUser {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	out := make([]models.OnlineUser, 0, len(s.presence))
	for uid, rec := range s.presence {
		if !rec.Online {
			continue
		}
		if nowMs-rec.LastSeen >= s.cfg.PresenceExpiry.Milliseconds() {
			continue
		}
		out = append(out, models.OnlineUser{UserID: uid, Name: rec.Name})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
