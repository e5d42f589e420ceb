package collab

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"livecode/api/internal/protocol"
	"livecode/api/internal/util"
)

// ContentLoader reads the last committed content of a file from the external
// version-controlled store.
type ContentLoader interface {
	LoadInitialContent(ctx context.Context, repositoryID, filePath string) (string, error)
}

// Draft is unsaved session content kept outside the process.
type Draft struct {
	Content          string    `json:"content"`
	Version          uint64    `json:"version"`
	LastSavedVersion uint64    `json:"lastSavedVersion"`
	SavedAt          time.Time `json:"savedAt"`
}

type DraftStore interface {
	SaveDraft(ctx context.Context, key string, draft Draft) error
	LoadDraft(ctx context.Context, key string) (Draft, bool, error)
	DeleteDraft(ctx context.Context, key string) error
}

type RegistryOptions struct {
	// IdleThreshold is how long an empty session is kept after its last activity.
	IdleThreshold time.Duration
	// ReconnectGrace is how long departed participants can be resumed.
	ReconnectGrace time.Duration
	LoadTimeout    time.Duration
	Drafts         DraftStore
	Now            func() time.Time
}

// Registry owns the session keyspace.
type Registry struct {
	loader        ContentLoader
	drafts        DraftStore
	idleThreshold time.Duration
	grace         time.Duration
	loadTimeout   time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[Key]*Session
	byID     map[string]*Session

	keyLocks util.KeyedMutex
}

func NewRegistry(loader ContentLoader, opts RegistryOptions) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = 2 * time.Minute
	}
	if opts.ReconnectGrace <= 0 {
		opts.ReconnectGrace = time.Minute
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 15 * time.Second
	}
	return &Registry{
		loader:        loader,
		drafts:        opts.Drafts,
		idleThreshold: opts.IdleThreshold,
		grace:         opts.ReconnectGrace,
		loadTimeout:   opts.LoadTimeout,
		now:           opts.Now,
		sessions:      make(map[Key]*Session),
		byID:          make(map[string]*Session),
	}
}

// GetOrCreate returns the live session for the file, loading its committed
// content on first use. A failed load registers nothing.
func (r *Registry) GetOrCreate(ctx context.Context, repositoryID, filePath string) (*Session, error) {
	key, err := NewKey(repositoryID, filePath)
	if err != nil {
		return nil, err
	}
	if s, ok := r.Get(key); ok {
		return s, nil
	}

	unlock := r.keyLocks.Lock(key.String())
	defer unlock()

	if s, ok := r.Get(key); ok {
		return s, nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, r.loadTimeout)
	defer cancel()
	content, err := callWithTimeout(loadCtx, func(ctx context.Context) (string, error) {
		return r.loader.LoadInitialContent(ctx, key.RepositoryID, key.FilePath)
	})
	if err != nil {
		log.Printf("collab: load %s failed: %v", key, err)
		return nil, newError(CodeSessionInitFailed, "could not load initial content", err)
	}

	s := newSession(util.NewID("ses"), key, content, r.now())
	r.recoverDraft(ctx, s)

	r.mu.Lock()
	r.sessions[key] = s
	r.byID[s.ID] = s
	r.mu.Unlock()
	log.Printf("collab: session %s opened for %s", s.ID, key)
	return s, nil
}

func (r *Registry) Get(key Key) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	return s, ok
}

// Sessions returns the live sessions ordered by creation time.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	items := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		items = append(items, s)
	}
	r.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// Teardown removes an empty session, waiting for an in-flight save to settle.
func (r *Registry) Teardown(ctx context.Context, key Key) error {
	s, ok := r.Get(key)
	if !ok {
		return newError(CodeSessionNotFound, "no live session for "+key.String(), nil)
	}
	for {
		s.mu.Lock()
		if len(s.participants) > 0 {
			s.mu.Unlock()
			return newError(CodeSessionBusy, "session still has participants", nil)
		}
		call := s.save
		if call == nil {
			s.closed = true
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.remove(s)
	log.Printf("collab: session %s closed for %s", s.ID, key)
	return nil
}

// ForceTeardown closes a session regardless of its participants, e.g. when the
// repository is deleted. Unsaved content is kept as a draft when a draft store
// is configured.
func (r *Registry) ForceTeardown(ctx context.Context, key Key, reason string) error {
	s, ok := r.Get(key)
	if !ok {
		return newError(CodeSessionNotFound, "no live session for "+key.String(), nil)
	}
	var draft *Draft
	for {
		s.mu.Lock()
		call := s.save
		if call == nil {
			s.closed = true
			s.broadcastLocked(protocol.SessionClosed{SessionID: s.ID, Reason: reason}, "")
			s.participants = make(map[string]*Participant)
			s.departed = make(map[string]*Participant)
			if s.dirtyLocked() {
				draft = &Draft{
					Content:          s.content,
					Version:          s.version,
					LastSavedVersion: s.lastSavedVersion,
					SavedAt:          r.now(),
				}
			}
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.remove(s)
	if draft != nil && r.drafts != nil {
		if err := r.drafts.SaveDraft(ctx, key.String(), *draft); err != nil {
			log.Printf("collab: keep draft for %s failed: %v", key, err)
		}
	}
	log.Printf("collab: session %s force closed for %s (%s)", s.ID, key, reason)
	return nil
}

// ForceTeardownRepository force closes every session of a repository and
// reports how many were closed.
func (r *Registry) ForceTeardownRepository(ctx context.Context, repositoryID, reason string) int {
	closed := 0
	for _, s := range r.Sessions() {
		if s.Key.RepositoryID != repositoryID {
			continue
		}
		if err := r.ForceTeardown(ctx, s.Key, reason); err != nil {
			log.Printf("collab: force teardown %s: %v", s.Key, err)
			continue
		}
		closed++
	}
	return closed
}

// Sweep tears down sessions that are empty, idle past the threshold, fully
// saved and not saving. It returns the number of sessions removed.
func (r *Registry) Sweep() int {
	now := r.now()
	removed := 0
	for _, s := range r.Sessions() {
		if r.sweepSession(s, now) {
			removed++
		}
	}
	return removed
}

func (r *Registry) sweepSession(s *Session, now time.Time) bool {
	s.mu.Lock()
	s.forgetDepartedLocked(now, r.grace)
	idle := now.Sub(s.lastActivityAt) >= r.idleThreshold
	eligible := !s.closed && len(s.participants) == 0 && idle && !s.dirtyLocked() && s.save == nil
	if eligible {
		s.closed = true
	}
	s.mu.Unlock()
	if !eligible {
		return false
	}
	r.remove(s)
	log.Printf("collab: session %s idle, closed for %s", s.ID, s.Key)
	return true
}

// ScheduleIdleSweep runs Sweep every interval until ctx is done.
func (r *Registry) ScheduleIdleSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// NotifyEmpty re-checks a session once the idle threshold has passed after
// it lost its last participant.
func (r *Registry) NotifyEmpty(s *Session) {
	time.AfterFunc(r.idleThreshold, func() {
		r.sweepSession(s, r.now())
	})
}

// KeepDrafts stores the content of every session with unsaved edits. It is
// used on shutdown.
func (r *Registry) KeepDrafts(ctx context.Context) int {
	if r.drafts == nil {
		return 0
	}
	kept := 0
	for _, s := range r.Sessions() {
		s.mu.Lock()
		dirty := s.dirtyLocked()
		draft := Draft{
			Content:          s.content,
			Version:          s.version,
			LastSavedVersion: s.lastSavedVersion,
			SavedAt:          r.now(),
		}
		s.mu.Unlock()
		if !dirty {
			continue
		}
		if err := r.drafts.SaveDraft(ctx, s.Key.String(), draft); err != nil {
			log.Printf("collab: keep draft for %s failed: %v", s.Key, err)
			continue
		}
		kept++
	}
	return kept
}

// recoverDraft replaces freshly loaded content with a kept draft. The draft
// becomes version 1 over the committed baseline so it still counts as unsaved.
func (r *Registry) recoverDraft(ctx context.Context, s *Session) {
	if r.drafts == nil {
		return
	}
	draft, ok, err := r.drafts.LoadDraft(ctx, s.Key.String())
	if err != nil {
		log.Printf("collab: load draft for %s failed: %v", s.Key, err)
		return
	}
	if !ok {
		return
	}
	if draft.Content != s.content {
		s.content = draft.Content
		s.version = 1
		log.Printf("collab: session %s recovered draft for %s", s.ID, s.Key)
	}
	if err := r.drafts.DeleteDraft(ctx, s.Key.String()); err != nil {
		log.Printf("collab: delete draft for %s failed: %v", s.Key, err)
	}
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.Key]; ok && current == s {
		delete(r.sessions, s.Key)
	}
	delete(r.byID, s.ID)
}
