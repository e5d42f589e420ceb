package collab

import (
	"fmt"
	"time"

	"livecode/api/internal/protocol"
)

// EditProposal is one inbound edit. Exactly one of Content and Delta is set.
type EditProposal struct {
	ConnectionID string
	BaseVersion  uint64
	Content      *string
	Delta        *protocol.Delta
	Timestamp    time.Time
}

type EditResult struct {
	Version uint64
	Outcome protocol.Outcome
}

// StalePolicy decides what happens to an edit whose base version is behind
// the session. Returning an error leaves the session untouched.
type StalePolicy interface {
	Resolve(baseVersion, current uint64) (protocol.Outcome, error)
}

// LatestAcceptedWins applies stale edits and reports them as such.
type LatestAcceptedWins struct{}

func (LatestAcceptedWins) Resolve(uint64, uint64) (protocol.Outcome, error) {
	return protocol.OutcomeAppliedOnStaleBase, nil
}

// RejectStale refuses stale edits; the sender is expected to resync.
type RejectStale struct{}

func (RejectStale) Resolve(baseVersion, current uint64) (protocol.Outcome, error) {
	return "", newError(CodeStaleEdit, fmt.Sprintf("base version %d is behind %d", baseVersion, current), nil)
}

// PolicyByName maps a configuration value to a policy.
func PolicyByName(name string) StalePolicy {
	switch name {
	case "reject", "reject-stale":
		return RejectStale{}
	default:
		return LatestAcceptedWins{}
	}
}

// Broadcaster stamps accepted edits and fans them out.
type Broadcaster struct {
	policy StalePolicy
	now    func() time.Time
}

func NewBroadcaster(policy StalePolicy, now func() time.Time) *Broadcaster {
	if policy == nil {
		policy = LatestAcceptedWins{}
	}
	if now == nil {
		now = time.Now
	}
	return &Broadcaster{policy: policy, now: now}
}

// Apply validates and applies proposal. The sender gets an edit-ack and every
// other participant exactly one content-updated, all while the session is
// locked so recipients observe increasing versions.
func (b *Broadcaster) Apply(s *Session, proposal EditProposal) (EditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, err := s.participantLocked(proposal.ConnectionID)
	if err != nil {
		return EditResult{}, err
	}
	if proposal.BaseVersion > s.version {
		return EditResult{}, newError(CodeInvalidEdit, fmt.Sprintf("base version %d is ahead of %d", proposal.BaseVersion, s.version), nil)
	}

	outcome := protocol.OutcomeAccepted
	if proposal.BaseVersion < s.version {
		outcome, err = b.policy.Resolve(proposal.BaseVersion, s.version)
		if err != nil {
			return EditResult{}, err
		}
	}

	next, err := nextContent(s.content, proposal)
	if err != nil {
		return EditResult{}, err
	}

	now := b.now()
	s.content = next
	s.version++
	s.touchLocked(now)
	sender.KnownVersion = s.version
	sender.LastHeartbeatAt = now

	s.sendLocked(sender, protocol.EditAck{SessionID: s.ID, Version: s.version, Outcome: outcome})
	s.broadcastLocked(protocol.ContentUpdated{
		SessionID:  s.ID,
		Content:    s.content,
		Version:    s.version,
		FromUserID: sender.UserID,
	}, sender.ConnectionID)

	return EditResult{Version: s.version, Outcome: outcome}, nil
}

func nextContent(current string, proposal EditProposal) (string, error) {
	switch {
	case proposal.Content != nil && proposal.Delta != nil:
		return "", newError(CodeInvalidEdit, "edit must carry content or delta, not both", nil)
	case proposal.Content != nil:
		return *proposal.Content, nil
	case proposal.Delta != nil:
		return applyDelta(current, *proposal.Delta)
	default:
		return "", newError(CodeInvalidEdit, "edit carries no content", nil)
	}
}

// applyDelta splices runes so offsets are independent of the UTF-8 encoding.
func applyDelta(current string, delta protocol.Delta) (string, error) {
	runes := []rune(current)
	if delta.Offset < 0 || delta.Delete < 0 || delta.Offset > len(runes) || delta.Delete > len(runes)-delta.Offset {
		return "", newError(CodeInvalidEdit, fmt.Sprintf("delta [%d,+%d) outside content of length %d", delta.Offset, delta.Delete, len(runes)), nil)
	}
	out := make([]rune, 0, len(runes)-delta.Delete+len(delta.Insert))
	out = append(out, runes[:delta.Offset]...)
	out = append(out, []rune(delta.Insert)...)
	out = append(out, runes[delta.Offset+delta.Delete:]...)
	return string(out), nil
}
