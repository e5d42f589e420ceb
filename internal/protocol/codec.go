package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownKind = errors.New("unknown message kind")

type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.Kind(), err)
	}
	data, err := json.Marshal(envelope{Type: msg.Kind(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msg.Kind(), err)
	}
	return data, nil
}

func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case KindJoin:
		return decodePayload[Join](env)
	case KindJoined:
		return decodePayload[Joined](env)
	case KindLeave:
		return decodePayload[Leave](env)
	case KindHeartbeat:
		return decodePayload[Heartbeat](env)
	case KindEdit:
		return decodePayload[Edit](env)
	case KindEditAck:
		return decodePayload[EditAck](env)
	case KindContentUpdated:
		return decodePayload[ContentUpdated](env)
	case KindPresenceUpdate:
		return decodePayload[PresenceUpdate](env)
	case KindSaveRequest:
		return decodePayload[SaveRequest](env)
	case KindRepositoryUpdated:
		return decodePayload[RepositoryUpdated](env)
	case KindSaveFailed:
		return decodePayload[SaveFailed](env)
	case KindResyncRequest:
		return decodePayload[ResyncRequest](env)
	case KindResync:
		return decodePayload[Resync](env)
	case KindError:
		return decodePayload[Error](env)
	case KindSessionClosed:
		return decodePayload[SessionClosed](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

func decodePayload[T Message](env envelope) (Message, error) {
	var msg T
	if len(env.Payload) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return msg, nil
}
