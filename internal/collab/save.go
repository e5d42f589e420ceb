package collab

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"

	"livecode/api/internal/protocol"
	"livecode/api/internal/util"
)

// Committer is the write side of the external version-controlled store.
type Committer interface {
	Stage(ctx context.Context, repositoryID, filePath, content string) error
	Commit(ctx context.Context, repositoryID, message string) (CommitResult, error)
}

type CommitResult struct {
	Hash        string
	CommittedAt time.Time
}

// SaveRecord describes one successful persist.
type SaveRecord struct {
	SessionID    string    `json:"sessionId"`
	RepositoryID string    `json:"repositoryId"`
	FilePath     string    `json:"filePath"`
	Version      uint64    `json:"version"`
	Commit       string    `json:"commit"`
	RequestedBy  string    `json:"requestedBy"`
	CommittedAt  time.Time `json:"committedAt"`
}

type SaveRecorder interface {
	RecordSave(ctx context.Context, record SaveRecord) error
}

type SaveNotifier interface {
	PublishSave(ctx context.Context, record SaveRecord) error
}

type SaveResult struct {
	Version     uint64
	CommittedAt time.Time
	Commit      string
	// Skipped is set when there was nothing newer than the last save.
	Skipped  bool
	Attempts int
}

type SaverOptions struct {
	Timeout        time.Duration
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Recorder       SaveRecorder
	Notifier       SaveNotifier
	Now            func() time.Time
}

// saveCall is the in-flight save of one session; later requests wait on it.
type saveCall struct {
	done    chan struct{}
	result  SaveResult
	err     error
	waiters int
}

// Saver serializes persistence of session content to the Committer.
type Saver struct {
	vcs            Committer
	timeout        time.Duration
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	recorder       SaveRecorder
	notifier       SaveNotifier
	now            func() time.Time

	repositoryLocks util.KeyedMutex
}

func NewSaver(vcs Committer, opts SaverOptions) *Saver {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Saver{
		vcs:            vcs,
		timeout:        opts.Timeout,
		attempts:       opts.Attempts,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		recorder:       opts.Recorder,
		notifier:       opts.Notifier,
		now:            opts.Now,
	}
}

// Save persists the session's authoritative content. A request arriving while
// a save is in flight joins it and receives the same result. The content is
// captured when the persist starts, not when the request arrived. ctx only
// bounds the caller's wait.
func (sv *Saver) Save(ctx context.Context, s *Session, requestedBy string) (SaveResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SaveResult{}, newError(CodeSessionClosed, "session is closed", nil)
	}
	call := s.save
	if call == nil {
		call = &saveCall{done: make(chan struct{})}
		s.save = call
		go sv.run(s, call, requestedBy)
	}
	call.waiters++
	s.mu.Unlock()

	select {
	case <-call.done:
		return call.result, call.err
	case <-ctx.Done():
		return SaveResult{}, ctx.Err()
	}
}

func (sv *Saver) run(s *Session, call *saveCall, requestedBy string) {
	result, err := sv.persist(s, requestedBy)
	s.mu.Lock()
	call.result = result
	call.err = err
	s.save = nil
	s.mu.Unlock()
	close(call.done)
}

func (sv *Saver) persist(s *Session, requestedBy string) (SaveResult, error) {
	s.mu.Lock()
	key := s.Key
	targetVersion := s.version
	targetContent := s.content
	if !s.dirtyLocked() {
		result := SaveResult{
			Version:     s.lastSavedVersion,
			CommittedAt: s.lastSavedAt,
			Commit:      s.lastCommit,
			Skipped:     true,
		}
		s.mu.Unlock()
		return result, nil
	}
	s.mu.Unlock()

	message := fmt.Sprintf("Update %s (version %d)", key.FilePath, targetVersion)
	if requestedBy != "" {
		message = fmt.Sprintf("%s\n\nsaved-by: %s", message, requestedBy)
	}

	attempts := 0
	var commit CommitResult
	operation := func() error {
		attempts++
		result, err := sv.attempt(key, targetContent, message)
		if err != nil {
			log.Printf("save: %s attempt %d failed: %v", key, attempts, err)
			return err
		}
		commit = result
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = sv.initialBackoff
	policy.MaxInterval = sv.maxBackoff
	policy.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithMaxRetries(policy, uint64(sv.attempts-1)))

	if err != nil {
		s.mu.Lock()
		s.broadcastLocked(protocol.SaveFailed{
			SessionID:  s.ID,
			Reason:     err.Error(),
			Persistent: true,
		}, "")
		s.mu.Unlock()
		return SaveResult{Attempts: attempts}, newError(CodeSaveFailed, fmt.Sprintf("save failed after %d attempts", attempts), err)
	}

	committedAt := commit.CommittedAt
	if committedAt.IsZero() {
		committedAt = sv.now()
	}

	s.mu.Lock()
	if targetVersion >= s.lastSavedVersion {
		s.lastSavedVersion = targetVersion
		s.lastSavedAt = committedAt
		s.lastCommit = commit.Hash
	}
	s.broadcastLocked(protocol.RepositoryUpdated{
		SessionID:   s.ID,
		Version:     targetVersion,
		CommittedAt: committedAt,
		Commit:      commit.Hash,
	}, "")
	sessionID := s.ID
	s.mu.Unlock()

	sv.report(SaveRecord{
		SessionID:    sessionID,
		RepositoryID: key.RepositoryID,
		FilePath:     key.FilePath,
		Version:      targetVersion,
		Commit:       commit.Hash,
		RequestedBy:  requestedBy,
		CommittedAt:  committedAt,
	})

	return SaveResult{
		Version:     targetVersion,
		CommittedAt: committedAt,
		Commit:      commit.Hash,
		Attempts:    attempts,
	}, nil
}

// attempt stages and commits under the repository lock; commits are
// repository-wide, so two files of one repository must not interleave.
func (sv *Saver) attempt(key Key, content, message string) (CommitResult, error) {
	unlock := sv.repositoryLocks.Lock(key.RepositoryID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sv.timeout)
	defer cancel()
	return callWithTimeout(ctx, func(ctx context.Context) (CommitResult, error) {
		if err := sv.vcs.Stage(ctx, key.RepositoryID, key.FilePath, content); err != nil {
			return CommitResult{}, fmt.Errorf("stage %s: %w", key.FilePath, err)
		}
		commit, err := sv.vcs.Commit(ctx, key.RepositoryID, message)
		if err != nil {
			return CommitResult{}, fmt.Errorf("commit %s: %w", key.RepositoryID, err)
		}
		return commit, nil
	})
}

func (sv *Saver) report(record SaveRecord) {
	if sv.recorder == nil && sv.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sv.recorder != nil {
		if err := sv.recorder.RecordSave(ctx, record); err != nil {
			log.Printf("save: record %s version %d: %v", record.FilePath, record.Version, err)
		}
	}
	if sv.notifier != nil {
		if err := sv.notifier.PublishSave(ctx, record); err != nil {
			log.Printf("save: publish %s version %d: %v", record.FilePath, record.Version, err)
		}
	}
}

// RunAutosave saves sessions with unsaved edits once they have been quiet
// for delay. It checks every interval until ctx is done.
func (sv *Saver) RunAutosave(ctx context.Context, list func() []*Session, interval, delay time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sv.autosave(ctx, list(), delay)
		case <-ctx.Done():
			return
		}
	}
}

func (sv *Saver) autosave(ctx context.Context, sessions []*Session, delay time.Duration) int {
	now := sv.now()
	saved := 0
	for _, s := range sessions {
		s.mu.Lock()
		due := !s.closed && s.dirtyLocked() && s.save == nil && now.Sub(s.lastActivityAt) >= delay
		s.mu.Unlock()
		if !due {
			continue
		}
		if _, err := sv.Save(ctx, s, "autosave"); err != nil {
			log.Printf("save: autosave %s: %v", s.Key, err)
			continue
		}
		saved++
	}
	return saved
}
