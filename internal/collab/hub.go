package collab

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"livecode/api/internal/protocol"
)

// Repository is the external version-controlled store as seen by the hub.
type Repository interface {
	ContentLoader
	Committer
}

type Options struct {
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
	ReconnectGrace    time.Duration
	IdleThreshold     time.Duration
	IdleSweepInterval time.Duration
	AutosaveDelay     time.Duration
	AutosaveInterval  time.Duration
	SaveTimeout       time.Duration
	SaveAttempts      int
	SaveBackoff       time.Duration
	SaveMaxBackoff    time.Duration
	StalePolicy       StalePolicy
	Drafts            DraftStore
	Recorder          SaveRecorder
	Notifier          SaveNotifier
	Now               func() time.Time
}

// Hub wires the session components together for transports.
type Hub struct {
	registry    *Registry
	presence    *Presence
	broadcaster *Broadcaster
	saver       *Saver
	resyncer    *Resyncer

	idleSweepInterval time.Duration
	autosaveInterval  time.Duration
	autosaveDelay     time.Duration
	now               func() time.Time
}

func NewHub(repo Repository, opts Options) *Hub {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.IdleSweepInterval <= 0 {
		opts.IdleSweepInterval = time.Minute
	}
	if opts.AutosaveInterval <= 0 {
		opts.AutosaveInterval = 10 * time.Second
	}
	if opts.AutosaveDelay <= 0 {
		opts.AutosaveDelay = 30 * time.Second
	}

	registry := NewRegistry(repo, RegistryOptions{
		IdleThreshold:  opts.IdleThreshold,
		ReconnectGrace: opts.ReconnectGrace,
		LoadTimeout:    opts.SaveTimeout,
		Drafts:         opts.Drafts,
		Now:            opts.Now,
	})
	return &Hub{
		registry: registry,
		presence: NewPresence(PresenceOptions{
			HeartbeatTimeout: opts.HeartbeatTimeout,
			SweepInterval:    opts.HeartbeatInterval,
			OnEmpty:          registry.NotifyEmpty,
			Now:              opts.Now,
		}),
		broadcaster: NewBroadcaster(opts.StalePolicy, opts.Now),
		saver: NewSaver(repo, SaverOptions{
			Timeout:        opts.SaveTimeout,
			Attempts:       opts.SaveAttempts,
			InitialBackoff: opts.SaveBackoff,
			MaxBackoff:     opts.SaveMaxBackoff,
			Recorder:       opts.Recorder,
			Notifier:       opts.Notifier,
			Now:            opts.Now,
		}),
		resyncer:          NewResyncer(registry.grace, opts.Now),
		idleSweepInterval: opts.IdleSweepInterval,
		autosaveInterval:  opts.AutosaveInterval,
		autosaveDelay:     opts.AutosaveDelay,
		now:               opts.Now,
	}
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

// Join admits conn to the session for the requested file, creating the
// session if needed. The joiner receives joined first, then everyone gets
// the new roster.
func (h *Hub) Join(ctx context.Context, conn Conn, req protocol.Join) (protocol.Joined, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return protocol.Joined{}, newError(CodeInvalidMessage, "userId is required", nil)
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		s, err := h.registry.GetOrCreate(ctx, req.RepositoryID, req.FilePath)
		if err != nil {
			return protocol.Joined{}, err
		}
		joined, err := h.admit(s, conn, req)
		if IsCode(err, CodeSessionClosed) {
			// Lost a race with teardown; the next lookup creates a fresh session.
			lastErr = err
			continue
		}
		return joined, err
	}
	return protocol.Joined{}, lastErr
}

func (h *Hub) admit(s *Session, conn Conn, req protocol.Join) (protocol.Joined, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.Joined{}, newError(CodeSessionClosed, "session is closed", nil)
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = req.UserID
	}

	participant, resumed := h.resyncer.reclaimLocked(s, req.ResumeConnectionID, req.UserID, conn)
	if !resumed {
		participant = s.participants[conn.ID()]
		if participant == nil {
			participant = &Participant{ConnectionID: conn.ID(), UserID: req.UserID}
		}
		participant.conn = conn
	}
	participant.DisplayName = displayName
	h.presence.addLocked(s, participant)
	view := h.resyncer.syncLocked(s, participant)

	joined := protocol.Joined{
		SessionID:    s.ID,
		ConnectionID: conn.ID(),
		Content:      view.Content,
		Version:      view.Version,
		Participants: s.rosterLocked(),
		Resumed:      resumed,
	}
	s.sendLocked(participant, joined)
	h.presence.announceLocked(s)
	return joined, nil
}

func (h *Hub) Leave(sessionID, connectionID string) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	return h.presence.Leave(s, connectionID)
}

// Disconnect handles a dropped connection. Unknown sessions are ignored.
func (h *Hub) Disconnect(sessionID, connectionID string) {
	s, ok := h.registry.Lookup(sessionID)
	if !ok {
		return
	}
	_ = h.presence.Disconnect(s, connectionID)
}

func (h *Hub) Heartbeat(sessionID, connectionID string) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	return h.presence.Heartbeat(s, connectionID)
}

func (h *Hub) Edit(sessionID, connectionID string, msg protocol.Edit) (EditResult, error) {
	s, err := h.lookup(sessionID)
	if err != nil {
		return EditResult{}, err
	}
	return h.broadcaster.Apply(s, EditProposal{
		ConnectionID: connectionID,
		BaseVersion:  msg.BaseVersion,
		Content:      msg.Content,
		Delta:        msg.Delta,
		Timestamp:    h.now(),
	})
}

// Save persists the session on behalf of a participant.
func (h *Hub) Save(ctx context.Context, sessionID, connectionID string) (SaveResult, error) {
	s, err := h.lookup(sessionID)
	if err != nil {
		return SaveResult{}, err
	}
	participant, ok := s.Participant(connectionID)
	if !ok {
		return SaveResult{}, newError(CodeNotAParticipant, "connection has not joined this session", nil)
	}
	return h.saver.Save(ctx, s, participant.DisplayName)
}

func (h *Hub) Resync(sessionID, connectionID string) (SyncPayload, error) {
	s, err := h.lookup(sessionID)
	if err != nil {
		return SyncPayload{}, err
	}
	return h.resyncer.Resync(s, connectionID)
}

// ForceTeardownRepository closes every session of a repository.
func (h *Hub) ForceTeardownRepository(ctx context.Context, repositoryID, reason string) int {
	return h.registry.ForceTeardownRepository(ctx, repositoryID, reason)
}

// ObservePeerSave applies a save published by another coordinator for a file
// this process also has open. The local session adopts the commit as its
// latest and tells its participants. Saves of this process's own sessions and
// of files not open here are ignored.
func (h *Hub) ObservePeerSave(record SaveRecord) bool {
	key, err := NewKey(record.RepositoryID, record.FilePath)
	if err != nil {
		return false
	}
	s, ok := h.registry.Get(key)
	if !ok || s.ID == record.SessionID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.lastCommit == record.Commit {
		return false
	}
	s.lastCommit = record.Commit
	s.broadcastLocked(protocol.RepositoryUpdated{
		SessionID:   s.ID,
		Version:     s.lastSavedVersion,
		CommittedAt: record.CommittedAt,
		Commit:      record.Commit,
		External:    true,
	}, "")
	return true
}

// Run drives the heartbeat sweep, the idle sweep and autosave until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		h.presence.Run(ctx, h.registry.Sessions)
		return nil
	})
	group.Go(func() error {
		h.registry.ScheduleIdleSweep(ctx, h.idleSweepInterval)
		return nil
	})
	group.Go(func() error {
		h.saver.RunAutosave(ctx, h.registry.Sessions, h.autosaveInterval, h.autosaveDelay)
		return nil
	})
	return group.Wait()
}

// Close keeps drafts of sessions with unsaved edits.
func (h *Hub) Close(ctx context.Context) int {
	return h.registry.KeepDrafts(ctx)
}

func (h *Hub) lookup(sessionID string) (*Session, error) {
	s, ok := h.registry.Lookup(sessionID)
	if !ok {
		return nil, newError(CodeSessionNotFound, "unknown session "+sessionID, nil)
	}
	return s, nil
}
