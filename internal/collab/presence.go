package collab

import (
	"context"
	"log"
	"time"

	"livecode/api/internal/protocol"
)

type PresenceOptions struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	// OnEmpty is called, outside the session lock, when a session loses its
	// last participant.
	OnEmpty func(*Session)
	Now     func() time.Time
}

// Presence tracks who is joined to each session and keeps every participant's
// roster current.
type Presence struct {
	timeout  time.Duration
	interval time.Duration
	onEmpty  func(*Session)
	now      func() time.Time
}

func NewPresence(opts PresenceOptions) *Presence {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 90 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Presence{
		timeout:  opts.HeartbeatTimeout,
		interval: opts.SweepInterval,
		onEmpty:  opts.OnEmpty,
		now:      opts.Now,
	}
}

// Join adds participant and sends the full roster to everyone, the new
// participant included.
func (p *Presence) Join(s *Session, participant *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(CodeSessionClosed, "session is closed", nil)
	}
	p.addLocked(s, participant)
	p.announceLocked(s)
	return nil
}

// Leave removes a participant that asked to leave. The entry is not kept for
// resumption.
func (p *Presence) Leave(s *Session, connectionID string) error {
	return p.remove(s, connectionID, false)
}

// Disconnect removes a participant whose connection dropped. The entry is kept
// as departed so a reconnect within the grace period can resume it.
func (p *Presence) Disconnect(s *Session, connectionID string) error {
	err := p.remove(s, connectionID, true)
	if IsCode(err, CodeNotAParticipant) || IsCode(err, CodeSessionClosed) {
		return nil
	}
	return err
}

func (p *Presence) Heartbeat(s *Session, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	participant, err := s.participantLocked(connectionID)
	if err != nil {
		return err
	}
	now := p.now()
	participant.LastHeartbeatAt = now
	return nil
}

// Sweep evicts participants whose last heartbeat is older than the timeout and
// returns how many were evicted.
func (p *Presence) Sweep(sessions []*Session) int {
	now := p.now()
	evicted := 0
	for _, s := range sessions {
		count, emptied := p.sweepSession(s, now)
		evicted += count
		if emptied && p.onEmpty != nil {
			p.onEmpty(s)
		}
	}
	return evicted
}

// Run sweeps the sessions returned by list every interval until ctx is done.
func (p *Presence) Run(ctx context.Context, list func() []*Session) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if evicted := p.Sweep(list()); evicted > 0 {
				log.Printf("presence: evicted %d stale participants", evicted)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Presence) sweepSession(s *Session, now time.Time) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.participants) == 0 {
		return 0, false
	}
	evicted := 0
	for id, participant := range s.participants {
		if now.Sub(participant.LastHeartbeatAt) <= p.timeout {
			continue
		}
		s.sendLocked(participant, protocol.Error{
			SessionID: s.ID,
			Code:      string(CodeTimeout),
			Message:   "heartbeat timeout",
		})
		p.departLocked(s, id, participant, now)
		evicted++
	}
	if evicted == 0 {
		return 0, false
	}
	s.touchLocked(now)
	p.announceLocked(s)
	return evicted, len(s.participants) == 0
}

func (p *Presence) remove(s *Session, connectionID string, keep bool) error {
	s.mu.Lock()
	participant, err := s.participantLocked(connectionID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	now := p.now()
	if keep {
		p.departLocked(s, connectionID, participant, now)
	} else {
		delete(s.participants, connectionID)
	}
	s.touchLocked(now)
	p.announceLocked(s)
	emptied := len(s.participants) == 0
	s.mu.Unlock()

	if emptied && p.onEmpty != nil {
		p.onEmpty(s)
	}
	return nil
}

func (p *Presence) addLocked(s *Session, participant *Participant) {
	now := p.now()
	if participant.JoinedAt.IsZero() {
		participant.JoinedAt = now
	}
	participant.LastHeartbeatAt = now
	participant.DepartedAt = time.Time{}
	if participant.KnownVersion > s.version {
		participant.KnownVersion = s.version
	}
	delete(s.departed, participant.ConnectionID)
	s.participants[participant.ConnectionID] = participant
	s.touchLocked(now)
}

func (p *Presence) departLocked(s *Session, connectionID string, participant *Participant, now time.Time) {
	delete(s.participants, connectionID)
	participant.DepartedAt = now
	participant.conn = nil
	s.departed[connectionID] = participant
}

func (p *Presence) announceLocked(s *Session) {
	s.broadcastLocked(protocol.PresenceUpdate{SessionID: s.ID, Participants: s.rosterLocked()}, "")
}
