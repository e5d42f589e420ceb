package collab

import (
	"log"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"livecode/api/internal/protocol"
)

// Key identifies the single live session allowed for a file in a repository.
type Key struct {
	RepositoryID string
	FilePath     string
}

func NewKey(repositoryID, filePath string) (Key, error) {
	repositoryID = strings.TrimSpace(repositoryID)
	filePath = strings.TrimSpace(filePath)
	if repositoryID == "" || filePath == "" {
		return Key{}, newError(CodeInvalidMessage, "repositoryId and filePath are required", nil)
	}
	cleaned := path.Clean("/" + filePath)[1:]
	if cleaned == "" || cleaned == "." {
		return Key{}, newError(CodeInvalidMessage, "filePath must name a file", nil)
	}
	return Key{RepositoryID: repositoryID, FilePath: cleaned}, nil
}

func (k Key) String() string {
	return k.RepositoryID + ":" + k.FilePath
}

// Conn is the outbound side of one participant connection. Send must not block;
// it reports false when the message could not be queued.
type Conn interface {
	ID() string
	Send(msg protocol.Message) bool
}

type Participant struct {
	ConnectionID    string
	UserID          string
	DisplayName     string
	JoinedAt        time.Time
	LastHeartbeatAt time.Time
	KnownVersion    uint64
	DepartedAt      time.Time

	conn Conn
}

// Session is the live shared-editing state for one Key. Every field below mu is
// guarded by it; mu is the serialization point for all session mutations.
type Session struct {
	ID        string
	Key       Key
	CreatedAt time.Time

	mu               sync.Mutex
	content          string
	version          uint64
	lastSavedVersion uint64
	lastSavedAt      time.Time
	lastCommit       string
	lastActivityAt   time.Time
	participants     map[string]*Participant
	departed         map[string]*Participant
	save             *saveCall
	closed           bool
}

func newSession(id string, key Key, content string, now time.Time) *Session {
	return &Session{
		ID:             id,
		Key:            key,
		CreatedAt:      now,
		content:        content,
		lastActivityAt: now,
		participants:   make(map[string]*Participant),
		departed:       make(map[string]*Participant),
	}
}

// State is a point-in-time copy of a session.
type State struct {
	ID               string
	Key              Key
	Content          string
	Version          uint64
	LastSavedVersion uint64
	LastSavedAt      time.Time
	LastCommit       string
	Participants     []protocol.ParticipantInfo
	CreatedAt        time.Time
	LastActivityAt   time.Time
	SaveInFlight     bool
	Closed           bool
}

func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		ID:               s.ID,
		Key:              s.Key,
		Content:          s.content,
		Version:          s.version,
		LastSavedVersion: s.lastSavedVersion,
		LastSavedAt:      s.lastSavedAt,
		LastCommit:       s.lastCommit,
		Participants:     s.rosterLocked(),
		CreatedAt:        s.CreatedAt,
		LastActivityAt:   s.lastActivityAt,
		SaveInFlight:     s.save != nil,
		Closed:           s.closed,
	}
}

// Participant returns a copy of the participant registered under connectionID.
func (s *Session) Participant(connectionID string) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[connectionID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

func (s *Session) dirtyLocked() bool {
	return s.version > s.lastSavedVersion
}

func (s *Session) touchLocked(now time.Time) {
	if now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
}

// participantLocked resolves a connection to its participant entry.
func (s *Session) participantLocked(connectionID string) (*Participant, error) {
	if s.closed {
		return nil, newError(CodeSessionClosed, "session is closed", nil)
	}
	p, ok := s.participants[connectionID]
	if !ok {
		return nil, newError(CodeNotAParticipant, "connection has not joined this session", nil)
	}
	return p, nil
}

// rosterLocked orders participants by join time so the roster stays stable
// across presence updates.
func (s *Session) rosterLocked() []protocol.ParticipantInfo {
	items := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		items = append(items, p)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].JoinedAt.Equal(items[j].JoinedAt) {
			return items[i].ConnectionID < items[j].ConnectionID
		}
		return items[i].JoinedAt.Before(items[j].JoinedAt)
	})
	roster := make([]protocol.ParticipantInfo, 0, len(items))
	for _, p := range items {
		roster = append(roster, protocol.ParticipantInfo{UserID: p.UserID, DisplayName: p.DisplayName})
	}
	return roster
}

func (s *Session) sendLocked(p *Participant, msg protocol.Message) {
	if p.conn == nil {
		return
	}
	if !p.conn.Send(msg) {
		log.Printf("collab: session %s dropped %s for connection %s", s.ID, msg.Kind(), p.ConnectionID)
	}
}

// broadcastLocked sends msg to every participant except the connection named by skip.
func (s *Session) broadcastLocked(msg protocol.Message, skip string) {
	for id, p := range s.participants {
		if id == skip {
			continue
		}
		s.sendLocked(p, msg)
	}
}

// forgetDepartedLocked drops departed entries whose reconnect window has passed.
func (s *Session) forgetDepartedLocked(now time.Time, grace time.Duration) {
	for id, p := range s.departed {
		if now.Sub(p.DepartedAt) > grace {
			delete(s.departed, id)
		}
	}
}
