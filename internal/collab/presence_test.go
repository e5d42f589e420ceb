package collab

import (
	"sync"
	"testing"
	"time"

	"livecode/api/internal/protocol"
)

func lastRoster(t *testing.T, conn *fakeConn) []protocol.ParticipantInfo {
	t.Helper()
	updates := conn.ofKind(protocol.KindPresenceUpdate)
	if len(updates) == 0 {
		t.Fatalf("%s received no presence update", conn.ID())
	}
	return updates[len(updates)-1].(protocol.PresenceUpdate).Participants
}

func TestJoinSendsJoinedThenRosterToEveryone(t *testing.T) {
	clock := newTestClock()
	hub := newTestHub(t, newFakeRepo(nil), clock, nil)
	a, b := newFakeConn("conn-a"), newFakeConn("conn-b")

	mustJoin(t, hub, a, "repo-1", "main.go", "ana")
	clock.Advance(time.Second)
	joined := mustJoin(t, hub, b, "repo-1", "main.go", "ben")

	msgs := b.messages()
	if len(msgs) < 2 || msgs[0].Kind() != protocol.KindJoined || msgs[1].Kind() != protocol.KindPresenceUpdate {
		t.Fatalf("expected joined then presence-update, got %v", kinds(msgs))
	}
	if len(joined.Participants) != 2 {
		t.Fatalf("expected roster of 2 in joined, got %d", len(joined.Participants))
	}

	for _, conn := range []*fakeConn{a, b} {
		roster := lastRoster(t, conn)
		if len(roster) != 2 || roster[0].UserID != "ana" || roster[1].UserID != "ben" {
			t.Fatalf("%s: unexpected roster %+v", conn.ID(), roster)
		}
	}
}

func TestLeaveUpdatesRosterAndReportsEmpty(t *testing.T) {
	var (
		mu      sync.Mutex
		emptied []*Session
	)
	presence := NewPresence(PresenceOptions{
		OnEmpty: func(s *Session) {
			mu.Lock()
			emptied = append(emptied, s)
			mu.Unlock()
		},
	})
	s := newSession("ses_1", Key{RepositoryID: "repo-1", FilePath: "main.go"}, "", time.Now())
	a, b := newFakeConn("conn-a"), newFakeConn("conn-b")
	if err := presence.Join(s, &Participant{ConnectionID: a.ID(), UserID: "ana", conn: a}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := presence.Join(s, &Participant{ConnectionID: b.ID(), UserID: "ben", conn: b}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	if err := presence.Leave(s, a.ID()); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if roster := lastRoster(t, b); len(roster) != 1 || roster[0].UserID != "ben" {
		t.Fatalf("unexpected roster after leave: %+v", roster)
	}
	if err := presence.Leave(s, a.ID()); !IsCode(err, CodeNotAParticipant) {
		t.Fatalf("expected NOT_A_PARTICIPANT on second leave, got %v", err)
	}

	if err := presence.Leave(s, b.ID()); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(emptied) != 1 || emptied[0] != s {
		t.Fatalf("expected one empty notification, got %d", len(emptied))
	}
}

func TestHeartbeatFromUnknownConnection(t *testing.T) {
	hub := newTestHub(t, newFakeRepo(nil), newTestClock(), nil)
	joined := mustJoin(t, hub, newFakeConn("conn-a"), "repo-1", "main.go", "ana")

	if err := hub.Heartbeat(joined.SessionID, "conn-ghost"); !IsCode(err, CodeNotAParticipant) {
		t.Fatalf("expected NOT_A_PARTICIPANT, got %v", err)
	}
	if err := hub.Heartbeat("ses_missing", "conn-a"); !IsCode(err, CodeSessionNotFound) {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

func TestSweepEvictsParticipantsWithoutHeartbeat(t *testing.T) {
	clock := newTestClock()
	var emptied int
	presence := NewPresence(PresenceOptions{
		HeartbeatTimeout: 90 * time.Second,
		OnEmpty:          func(*Session) { emptied++ },
		Now:              clock.Now,
	})
	s := newSession("ses_1", Key{RepositoryID: "repo-1", FilePath: "main.go"}, "", clock.Now())
	a, b := newFakeConn("conn-a"), newFakeConn("conn-b")
	_ = presence.Join(s, &Participant{ConnectionID: a.ID(), UserID: "ana", conn: a})
	_ = presence.Join(s, &Participant{ConnectionID: b.ID(), UserID: "ben", conn: b})

	clock.Advance(60 * time.Second)
	if err := presence.Heartbeat(s, b.ID()); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	clock.Advance(45 * time.Second)

	if evicted := presence.Sweep([]*Session{s}); evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	timeouts := a.ofKind(protocol.KindError)
	if len(timeouts) != 1 || timeouts[0].(protocol.Error).Code != string(CodeTimeout) {
		t.Fatalf("expected TIMEOUT error for evicted participant, got %+v", timeouts)
	}
	if roster := lastRoster(t, b); len(roster) != 1 || roster[0].UserID != "ben" {
		t.Fatalf("unexpected roster after eviction: %+v", roster)
	}
	if emptied != 0 {
		t.Fatalf("session is not empty yet")
	}

	clock.Advance(2 * time.Minute)
	if evicted := presence.Sweep([]*Session{s}); evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if emptied != 1 {
		t.Fatalf("expected empty notification, got %d", emptied)
	}
	if state := s.Snapshot(); len(state.Participants) != 0 {
		t.Fatalf("expected no participants, got %+v", state.Participants)
	}
}

func TestDisconnectOfUnknownConnectionIsIgnored(t *testing.T) {
	hub := newTestHub(t, newFakeRepo(nil), newTestClock(), nil)
	joined := mustJoin(t, hub, newFakeConn("conn-a"), "repo-1", "main.go", "ana")

	hub.Disconnect(joined.SessionID, "conn-ghost")
	hub.Disconnect("ses_missing", "conn-a")
	if state := hub.Registry().Sessions()[0].Snapshot(); len(state.Participants) != 1 {
		t.Fatalf("expected roster untouched, got %+v", state.Participants)
	}
}

func kinds(msgs []protocol.Message) []protocol.Kind {
	out := make([]protocol.Kind, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Kind())
	}
	return out
}
