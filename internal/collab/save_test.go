package collab

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"livecode/api/internal/protocol"
)

type recordingSink struct {
	mu        sync.Mutex
	recorded  []SaveRecord
	published []SaveRecord
	recordErr error
}

func (r *recordingSink) RecordSave(_ context.Context, record SaveRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, record)
	return r.recordErr
}

func (r *recordingSink) PublishSave(_ context.Context, record SaveRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, record)
	return nil
}

func blockingStage(repo *fakeRepo) (started chan struct{}, release chan struct{}) {
	started = make(chan struct{}, 8)
	release = make(chan struct{})
	repo.stageFn = func(ctx context.Context, _, _, _ string) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return started, release
}

func saveWaiters(s *Session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.save == nil {
		return 0
	}
	return s.save.waiters
}

func TestConcurrentSavesShareOnePersist(t *testing.T) {
	repo := newFakeRepo(nil)
	started, release := blockingStage(repo)
	hub := newTestHub(t, repo, newTestClock(), nil)
	a, b := newFakeConn("conn-a"), newFakeConn("conn-b")
	joined := mustJoin(t, hub, a, "repo-1", "main.go", "ana")
	mustJoin(t, hub, b, "repo-1", "main.go", "ben")
	mustEdit(t, hub, joined.SessionID, a, 0, "shared")
	s, _ := hub.Registry().Lookup(joined.SessionID)

	type outcome struct {
		result SaveResult
		err    error
	}
	results := make(chan outcome, 2)
	save := func(conn *fakeConn) {
		result, err := hub.Save(context.Background(), joined.SessionID, conn.ID())
		results <- outcome{result, err}
	}

	go save(a)
	<-started
	go save(b)
	waitFor(t, "second save to join", func() bool { return saveWaiters(s) == 2 })
	close(release)

	first, second := <-results, <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("Save() errors = %v, %v", first.err, second.err)
	}
	if first.result != second.result {
		t.Fatalf("expected identical results, got %+v and %+v", first.result, second.result)
	}
	if _, stages, commits := repo.counts(); stages != 1 || commits != 1 {
		t.Fatalf("expected one stage and one commit, got %d and %d", stages, commits)
	}
	if got := a.ofKind(protocol.KindRepositoryUpdated); len(got) != 1 {
		t.Fatalf("expected a single repository-updated, got %d", len(got))
	}
}

func TestSaveRecordsVersionCapturedAtStart(t *testing.T) {
	repo := newFakeRepo(nil)
	started, release := blockingStage(repo)
	hub := newTestHub(t, repo, newTestClock(), nil)
	a := newFakeConn("conn-a")
	joined := mustJoin(t, hub, a, "repo-1", "main.go", "ana")
	mustEdit(t, hub, joined.SessionID, a, 0, "v1")

	done := make(chan SaveResult, 1)
	go func() {
		result, err := hub.Save(context.Background(), joined.SessionID, a.ID())
		if err != nil {
			t.Errorf("Save() error = %v", err)
		}
		done <- result
	}()
	<-started
	mustEdit(t, hub, joined.SessionID, a, 1, "v2")
	close(release)

	result := <-done
	if result.Version != 1 {
		t.Fatalf("expected save of version 1, got %d", result.Version)
	}
	if got := repo.file("repo-1:main.go"); got != "v1" {
		t.Fatalf("expected committed content v1, got %q", got)
	}
	state := hub.Registry().Sessions()[0].Snapshot()
	if state.LastSavedVersion != 1 || state.Version != 2 {
		t.Fatalf("expected lastSaved 1 and version 2, got %d and %d", state.LastSavedVersion, state.Version)
	}
}

func TestSaveNeverMovesLastSavedVersionBackwards(t *testing.T) {
	repo := newFakeRepo(nil)
	started, release := blockingStage(repo)
	hub := newTestHub(t, repo, newTestClock(), nil)
	a := newFakeConn("conn-a")
	joined := mustJoin(t, hub, a, "repo-1", "main.go", "ana")
	mustEdit(t, hub, joined.SessionID, a, 0, "v1")
	s, _ := hub.Registry().Lookup(joined.SessionID)

	done := make(chan struct{})
	go func() {
		_, _ = hub.Save(context.Background(), joined.SessionID, a.ID())
		close(done)
	}()
	<-started
	mustEdit(t, hub, joined.SessionID, a, 1, "v2")
	mustEdit(t, hub, joined.SessionID, a, 2, "v3")
	s.mu.Lock()
	s.lastSavedVersion = 3
	s.mu.Unlock()
	close(release)
	<-done

	if got := s.Snapshot().LastSavedVersion; got != 3 {
		t.Fatalf("expected lastSavedVersion to stay at 3, got %d", got)
	}
}

func TestSaveWithoutChangesSkipsCommit(t *testing.T) {
	repo := newFakeRepo(map[string]string{"repo-1:main.go": "same"})
	hub := newTestHub(t, repo, newTestClock(), nil)
	a := newFakeConn("conn-a")
	joined := mustJoin(t, hub, a, "repo-1", "main.go", "ana")

	result, err := hub.Save(context.Background(), joined.SessionID, a.ID())
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !result.Skipped || result.Version != 0 {
		t.Fatalf("expected skipped save at version 0, got %+v", result)
	}
	if _, stages, commits := repo.counts(); stages != 0 || commits != 0 {
		t.Fatalf("expected no repository calls, got %d stages and %d commits", stages, commits)
	}
}

func TestSaveRetriesTransientFailures(t *testing.T) {
	repo := newFakeRepo(nil)
	var calls int
	repo.commitFn = func(context.Context, string, string) (CommitResult, error) {
		calls++
		if calls < 3 {
			return CommitResult{}, errors.New("index.lock exists")
		}
		return CommitResult{Hash: "abc1234", CommittedAt: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)}, nil
	}
	hub := newTestHub(t, repo, newTestClock(), func(opts *Options) {
		opts.SaveAttempts = 3
	})
	a := newFakeConn("conn-a")
	joined := mustJoin(t, hub, a, "repo-1", "main.go", "ana")
	mustEdit(t, hub, joined.SessionID, a, 0, "content")

	result, err := hub.Save(context.Background(), joined.SessionID, a.ID())
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if result.Attempts != 3 || result.Commit != "abc1234" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := a.ofKind(protocol.KindSaveFailed); len(got) != 0 {
		t.Fatalf("transient failures must not be broadcast, got %d", len(got))
	}
}

func TestPersistentSaveFailureIsBroadcast(t *testing.T) {
	repo := newFakeRepo(nil)
	repo.commitFn = func(context.Context, string, string) (CommitResult, error) {
		return CommitResult{}, errors.New("disk full")
	}
	hub := newTestHub(t, repo, newTestClock(), func(opts *Options) {
		opts.SaveAttempts = 3
	})
	a, b := newFakeConn("conn-a"), newFakeConn("conn-b")
	joined := mustJoin(t, hub, a, "repo-1", "main.go", "ana")
	mustJoin(t, hub, b, "repo-1", "main.go", "ben")
	mustEdit(t, hub, joined.SessionID, a, 0, "content")

	_, err := hub.Save(context.Background(), joined.SessionID, a.ID())
	if !IsCode(err, CodeSaveFailed) {
		t.Fatalf("expected SAVE_FAILED, got %v", err)
	}
	if _, stages, _ := repo.counts(); stages != 3 {
		t.Fatalf("expected 3 attempts, got %d", stages)
	}
	for _, conn := range []*fakeConn{a, b} {
		failures := conn.ofKind(protocol.KindSaveFailed)
		if len(failures) != 1 {
			t.Fatalf("%s: expected one save-failed, got %d", conn.ID(), len(failures))
		}
		failure := failures[0].(protocol.SaveFailed)
		if !failure.Persistent || !strings.Contains(failure.Reason, "disk full") {
			t.Fatalf("%s: unexpected failure %+v", conn.ID(), failure)
		}
	}
	state := hub.Registry().Sessions()[0].Snapshot()
	if state.LastSavedVersion != 0 || state.Version != 1 {
		t.Fatalf("failed save must not change versions, got %+v", state)
	}
	if n := hub.saver.repositoryLocks.Len(); n != 0 {
		t.Fatalf("expected repository locks released, got %d", n)
	}
}

func TestSaveTimesOutHungRepository(t *testing.T) {
	repo := newFakeRepo(nil)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	repo.stageFn = func(context.Context, string, string, string) error {
		<-release
		return nil
	}
	hub := newTestHub(t, repo, newTestClock(), func(opts *Options) {
		opts.SaveTimeout = 20 * time.Millisecond
	})
	a := newFakeConn("conn-a")
	joined := mustJoin(t, hub, a, "repo-1", "main.go", "ana")
	mustEdit(t, hub, joined.SessionID, a, 0, "content")

	_, err := hub.Save(context.Background(), joined.SessionID, a.ID())
	if !IsCode(err, CodeSaveFailed) {
		t.Fatalf("expected SAVE_FAILED, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in error chain, got %v", err)
	}
	if s := hub.Registry().Sessions()[0]; s.Snapshot().SaveInFlight {
		t.Fatalf("save should have settled")
	}
}

func TestSaveRequiresParticipant(t *testing.T) {
	hub := newTestHub(t, newFakeRepo(nil), newTestClock(), nil)
	joined := mustJoin(t, hub, newFakeConn("conn-a"), "repo-1", "main.go", "ana")

	if _, err := hub.Save(context.Background(), joined.SessionID, "conn-ghost"); !IsCode(err, CodeNotAParticipant) {
		t.Fatalf("expected NOT_A_PARTICIPANT, got %v", err)
	}
}

func TestSuccessfulSaveIsRecordedAndPublished(t *testing.T) {
	sink := &recordingSink{recordErr: errors.New("database down")}
	repo := newFakeRepo(nil)
	hub := newTestHub(t, repo, newTestClock(), func(opts *Options) {
		opts.Recorder = sink
		opts.Notifier = sink
	})
	a := newFakeConn("conn-a")
	joined := mustJoin(t, hub, a, "repo-1", "main.go", "ana")
	mustEdit(t, hub, joined.SessionID, a, 0, "content")

	// A failing recorder does not fail the save.
	if _, err := hub.Save(context.Background(), joined.SessionID, a.ID()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recorded) != 1 || len(sink.published) != 1 {
		t.Fatalf("expected one record and one publish, got %d and %d", len(sink.recorded), len(sink.published))
	}
	record := sink.published[0]
	if record.RepositoryID != "repo-1" || record.FilePath != "main.go" || record.Version != 1 || record.RequestedBy != "ana" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestPeerSaveIsAdoptedBySameFileSession(t *testing.T) {
	hub := newTestHub(t, newFakeRepo(nil), newTestClock(), nil)
	a, b := newFakeConn("conn-a"), newFakeConn("conn-b")
	joined := mustJoin(t, hub, a, "repo-1", "main.go", "ana")
	mustJoin(t, hub, b, "repo-1", "main.go", "ben")
	mustEdit(t, hub, joined.SessionID, a, 0, "local draft")
	a.reset()
	b.reset()

	committedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	peer := SaveRecord{
		SessionID:    "ses_elsewhere",
		RepositoryID: "repo-1",
		FilePath:     "./main.go",
		Version:      7,
		Commit:       "feed123",
		RequestedBy:  "cam",
		CommittedAt:  committedAt,
	}
	if !hub.ObservePeerSave(peer) {
		t.Fatal("ObservePeerSave() = false for an open file saved elsewhere")
	}
	for _, conn := range []*fakeConn{a, b} {
		updates := conn.ofKind(protocol.KindRepositoryUpdated)
		if len(updates) != 1 {
			t.Fatalf("%s: expected one repository-updated, got %d", conn.ID(), len(updates))
		}
		update := updates[0].(protocol.RepositoryUpdated)
		if !update.External || update.Commit != "feed123" || update.Version != 0 || !update.CommittedAt.Equal(committedAt) {
			t.Fatalf("%s: unexpected update %+v", conn.ID(), update)
		}
	}
	state := hub.Registry().Sessions()[0].Snapshot()
	if state.LastCommit != "feed123" || state.Version != 1 || state.Content != "local draft" {
		t.Fatalf("peer save must only move the last commit, got %+v", state)
	}

	// Replays of the same commit are dropped.
	if hub.ObservePeerSave(peer) {
		t.Fatal("ObservePeerSave() accepted a repeated commit")
	}

	own := peer
	own.SessionID = joined.SessionID
	own.Commit = "own4567"
	if hub.ObservePeerSave(own) {
		t.Fatal("ObservePeerSave() accepted a save of the local session")
	}
	elsewhere := peer
	elsewhere.FilePath = "other.go"
	elsewhere.Commit = "other89"
	if hub.ObservePeerSave(elsewhere) {
		t.Fatal("ObservePeerSave() accepted a file that is not open here")
	}
	if got := a.ofKind(protocol.KindRepositoryUpdated); len(got) != 1 {
		t.Fatalf("ignored saves must not be broadcast, got %d updates", len(got))
	}
}

func TestAutosaveSavesQuietDirtySessions(t *testing.T) {
	clock := newTestClock()
	repo := newFakeRepo(nil)
	hub := newTestHub(t, repo, clock, nil)
	a := newFakeConn("conn-a")
	joined := mustJoin(t, hub, a, "repo-1", "main.go", "ana")
	mustJoin(t, hub, a, "repo-1", "clean.go", "ana")
	mustEdit(t, hub, joined.SessionID, a, 0, "typed")

	sessions := hub.Registry().Sessions()
	if saved := hub.saver.autosave(context.Background(), sessions, 30*time.Second); saved != 0 {
		t.Fatalf("expected no autosave before the delay, got %d", saved)
	}
	clock.Advance(31 * time.Second)
	if saved := hub.saver.autosave(context.Background(), sessions, 30*time.Second); saved != 1 {
		t.Fatalf("expected one autosave, got %d", saved)
	}
	if got := repo.file("repo-1:main.go"); got != "typed" {
		t.Fatalf("expected autosaved content, got %q", got)
	}
}
