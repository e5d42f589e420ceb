package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"livecode/api/internal/protocol"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	msgs []protocol.Message
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeConn) ofKind(kind protocol.Kind) []protocol.Message {
	var out []protocol.Message
	for _, msg := range c.messages() {
		if msg.Kind() == kind {
			out = append(out, msg)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

type fakeRepo struct {
	mu          sync.Mutex
	files       map[string]string
	loadFn      func(context.Context, string, string) (string, error)
	stageFn     func(context.Context, string, string, string) error
	commitFn    func(context.Context, string, string) (CommitResult, error)
	loadCalls   int
	stageCalls  int
	commitCalls int
	staged      map[string]string
}

func newFakeRepo(files map[string]string) *fakeRepo {
	if files == nil {
		files = map[string]string{}
	}
	return &fakeRepo{files: files, staged: map[string]string{}}
}

func (f *fakeRepo) LoadInitialContent(ctx context.Context, repositoryID, filePath string) (string, error) {
	f.mu.Lock()
	f.loadCalls++
	fn := f.loadFn
	content := f.files[repositoryID+":"+filePath]
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, repositoryID, filePath)
	}
	return content, nil
}

func (f *fakeRepo) Stage(ctx context.Context, repositoryID, filePath, content string) error {
	f.mu.Lock()
	f.stageCalls++
	fn := f.stageFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, repositoryID, filePath, content); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.staged[repositoryID+":"+filePath] = content
	f.mu.Unlock()
	return nil
}

func (f *fakeRepo) Commit(ctx context.Context, repositoryID, message string) (CommitResult, error) {
	f.mu.Lock()
	f.commitCalls++
	calls := f.commitCalls
	fn := f.commitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, repositoryID, message)
	}
	f.mu.Lock()
	for key, content := range f.staged {
		f.files[key] = content
	}
	f.mu.Unlock()
	return CommitResult{Hash: fmt.Sprintf("c%06d", calls), CommittedAt: time.Date(2026, 1, 1, 12, 0, calls, 0, time.UTC)}, nil
}

func (f *fakeRepo) counts() (loads, stages, commits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadCalls, f.stageCalls, f.commitCalls
}

func (f *fakeRepo) file(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[key]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryDrafts struct {
	mu     sync.Mutex
	drafts map[string]Draft
}

func newMemoryDrafts() *memoryDrafts {
	return &memoryDrafts{drafts: map[string]Draft{}}
}

func (m *memoryDrafts) SaveDraft(_ context.Context, key string, draft Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[key] = draft
	return nil
}

func (m *memoryDrafts) LoadDraft(_ context.Context, key string) (Draft, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	draft, ok := m.drafts[key]
	return draft, ok, nil
}

func (m *memoryDrafts) DeleteDraft(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, key)
	return nil
}

func newTestHub(t *testing.T, repo *fakeRepo, clock *testClock, mutate func(*Options)) *Hub {
	t.Helper()
	opts := Options{
		HeartbeatTimeout: 90 * time.Second,
		ReconnectGrace:   time.Minute,
		IdleThreshold:    time.Hour,
		SaveTimeout:      time.Second,
		SaveAttempts:     1,
		SaveBackoff:      time.Millisecond,
		SaveMaxBackoff:   2 * time.Millisecond,
		Now:              clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewHub(repo, opts)
}

func mustJoin(t *testing.T, hub *Hub, conn *fakeConn, repositoryID, filePath, userID string) protocol.Joined {
	t.Helper()
	joined, err := hub.Join(context.Background(), conn, protocol.Join{
		RepositoryID: repositoryID,
		FilePath:     filePath,
		UserID:       userID,
		DisplayName:  userID,
	})
	if err != nil {
		t.Fatalf("Join(%s) error = %v", userID, err)
	}
	return joined
}

func mustEdit(t *testing.T, hub *Hub, sessionID string, conn *fakeConn, base uint64, content string) EditResult {
	t.Helper()
	result, err := hub.Edit(sessionID, conn.ID(), protocol.Edit{SessionID: sessionID, BaseVersion: base, Content: &content})
	if err != nil {
		t.Fatalf("Edit(%s) error = %v", conn.ID(), err)
	}
	return result
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func strPtr(value string) *string {
	return &value
}
