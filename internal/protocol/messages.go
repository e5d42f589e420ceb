// Package protocol defines the closed set of messages exchanged with participants
// over the session channel.
package protocol

import "time"

// Kind tags a message on the wire.
type Kind string

const (
	KindJoin              Kind = "join"
	KindJoined            Kind = "joined"
	KindLeave             Kind = "leave"
	KindHeartbeat         Kind = "heartbeat"
	KindEdit              Kind = "edit"
	KindEditAck           Kind = "edit-ack"
	KindContentUpdated    Kind = "content-updated"
	KindPresenceUpdate    Kind = "presence-update"
	KindSaveRequest       Kind = "save-request"
	KindRepositoryUpdated Kind = "repository-updated"
	KindSaveFailed        Kind = "save-failed"
	KindResyncRequest     Kind = "resync-request"
	KindResync            Kind = "resync"
	KindError             Kind = "error"
	KindSessionClosed     Kind = "session-closed"
)

// Message is implemented by every payload type in this package and nothing else.
type Message interface {
	Kind() Kind
}

// Outcome reports how an accepted edit related to the session version.
type Outcome string

const (
	OutcomeAccepted           Outcome = "accepted"
	OutcomeAppliedOnStaleBase Outcome = "appliedOnStaleBase"
)

// ParticipantInfo is the roster entry other participants see.
type ParticipantInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Delta replaces Delete runes starting at Offset with Insert.
type Delta struct {
	Offset int    `json:"offset"`
	Delete int    `json:"delete"`
	Insert string `json:"insert"`
}

type Join struct {
	RepositoryID string `json:"repositoryId"`
	FilePath     string `json:"filePath"`
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
	// ResumeConnectionID is the connectionId from an earlier joined reply.
	ResumeConnectionID string `json:"resumeConnectionId,omitempty"`
}

type Joined struct {
	SessionID    string            `json:"sessionId"`
	ConnectionID string            `json:"connectionId"`
	Content      string            `json:"content"`
	Version      uint64            `json:"version"`
	Participants []ParticipantInfo `json:"participants"`
	Resumed      bool              `json:"resumed,omitempty"`
}

type Leave struct {
	SessionID string `json:"sessionId"`
}

type Heartbeat struct {
	SessionID string `json:"sessionId"`
}

// Edit carries either full Content or a Delta against the current content.
type Edit struct {
	SessionID   string  `json:"sessionId"`
	BaseVersion uint64  `json:"baseVersion"`
	Content     *string `json:"content,omitempty"`
	Delta       *Delta  `json:"delta,omitempty"`
}

type EditAck struct {
	SessionID string  `json:"sessionId"`
	Version   uint64  `json:"version"`
	Outcome   Outcome `json:"outcome"`
}

type ContentUpdated struct {
	SessionID  string `json:"sessionId"`
	Content    string `json:"content"`
	Version    uint64 `json:"version"`
	FromUserID string `json:"fromUserId"`
}

type PresenceUpdate struct {
	SessionID    string            `json:"sessionId"`
	Participants []ParticipantInfo `json:"participants"`
}

type SaveRequest struct {
	SessionID string `json:"sessionId"`
}

type RepositoryUpdated struct {
	SessionID   string    `json:"sessionId"`
	Version     uint64    `json:"version"`
	CommittedAt time.Time `json:"committedAt"`
	Commit      string    `json:"commit,omitempty"`
	// External marks a commit made for the same file by another coordinator.
	// Version is then this session's last saved version.
	External bool `json:"external,omitempty"`
}

type SaveFailed struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	// Persistent is set once retries are exhausted and the warning is broadcast.
	Persistent bool `json:"persistent,omitempty"`
}

type ResyncRequest struct {
	SessionID string `json:"sessionId"`
}

type Resync struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Version   uint64 `json:"version"`
}

type Error struct {
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type SessionClosed struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

func (Join) Kind() Kind              { return KindJoin }
func (Joined) Kind() Kind            { return KindJoined }
func (Leave) Kind() Kind             { return KindLeave }
func (Heartbeat) Kind() Kind         { return KindHeartbeat }
func (Edit) Kind() Kind              { return KindEdit }
func (EditAck) Kind() Kind           { return KindEditAck }
func (ContentUpdated) Kind() Kind    { return KindContentUpdated }
func (PresenceUpdate) Kind() Kind    { return KindPresenceUpdate }
func (SaveRequest) Kind() Kind       { return KindSaveRequest }
func (RepositoryUpdated) Kind() Kind { return KindRepositoryUpdated }
func (SaveFailed) Kind() Kind        { return KindSaveFailed }
func (ResyncRequest) Kind() Kind     { return KindResyncRequest }
func (Resync) Kind() Kind            { return KindResync }
func (Error) Kind() Kind             { return KindError }
func (SessionClosed) Kind() Kind     { return KindSessionClosed }
