package collab

import (
	"time"

	"livecode/api/internal/protocol"
)

type SyncPayload struct {
	SessionID string
	Content   string
	Version   uint64
}

// Resyncer brings a participant with a possibly stale view back to the
// authoritative content. Views are replaced wholesale; nothing is replayed.
type Resyncer struct {
	grace time.Duration
	now   func() time.Time
}

func NewResyncer(grace time.Duration, now func() time.Time) *Resyncer {
	if grace <= 0 {
		grace = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Resyncer{grace: grace, now: now}
}

// Resync sends the current content and version to the participant and
// records that it now knows that version.
func (r *Resyncer) Resync(s *Session, connectionID string) (SyncPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	participant, err := s.participantLocked(connectionID)
	if err != nil {
		return SyncPayload{}, err
	}
	payload := r.syncLocked(s, participant)
	s.sendLocked(participant, protocol.Resync{
		SessionID: payload.SessionID,
		Content:   payload.Content,
		Version:   payload.Version,
	})
	return payload, nil
}

func (r *Resyncer) syncLocked(s *Session, participant *Participant) SyncPayload {
	participant.KnownVersion = s.version
	return SyncPayload{SessionID: s.ID, Content: s.content, Version: s.version}
}

// reclaimLocked finds the entry a reconnecting participant left behind and
// rebinds it to conn. The entry keeps its join time so the roster order
// other participants see does not change. A still-registered entry for the
// old connection is reclaimed too; the server may not have noticed the drop yet.
func (r *Resyncer) reclaimLocked(s *Session, previousID, userID string, conn Conn) (*Participant, bool) {
	if previousID == "" || previousID == conn.ID() {
		return nil, false
	}
	now := r.now()
	participant, ok := s.departed[previousID]
	if ok {
		if participant.UserID != userID || now.Sub(participant.DepartedAt) > r.grace {
			return nil, false
		}
		delete(s.departed, previousID)
	} else {
		participant, ok = s.participants[previousID]
		if !ok || participant.UserID != userID {
			return nil, false
		}
		delete(s.participants, previousID)
	}
	participant.ConnectionID = conn.ID()
	participant.conn = conn
	return participant, true
}
