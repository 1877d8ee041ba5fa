package domain

import (
	"encoding/json"
	"fmt"
)

// Envelope is the frame carried on both room buses. Delivery is always broadcast;
// To is a hint that lets receivers drop frames meant for another session.
type Envelope struct {
	Type string          `json:"type" msgpack:"type"`
	From ParticipantID   `json:"fromUserId,omitempty" msgpack:"from,omitempty"`
	To   ParticipantID   `json:"toUserId,omitempty" msgpack:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
}

// Editing channel message types.
const (
	MsgUserJoined    = "user-joined"
	MsgPresenceQuery = "presence-query"
	MsgJoinRequest   = "join-request"
	MsgJoinResponse  = "join-response"
	MsgContentUpdate = "content-update"
	MsgUserLeft      = "user-left"
)

// Voice channel message types. user-joined and user-left are shared with the editing channel.
const (
	MsgVoiceReady        = "voice-ready"
	MsgVoiceDisconnected = "voice-disconnected"
	MsgOffer             = "offer"
	MsgAnswer            = "answer"
	MsgICECandidate      = "ice-candidate"
)

type UserJoinedData struct {
	UserID   ParticipantID `json:"userId"`
	UserName string        `json:"userName"`
	Color    string        `json:"color"`
}

type PresenceQueryData struct {
	UserID ParticipantID `json:"userId"`
}

type JoinRequestData struct {
	UserName string `json:"userName"`
	Key      string `json:"key,omitempty"`
}

type JoinResponseData struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

type ContentUpdateData struct {
	HTML     string `json:"html"`
	UserName string `json:"userName"`
}

type UserLeftData struct {
	UserID ParticipantID `json:"userId,omitempty"`
}

type VoiceUserData struct {
	UserName string `json:"userName"`
}

func NewEnvelope(msgType string, from, to ParticipantID, data any) (Envelope, error) {
	env := Envelope{Type: msgType, From: from, To: to}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msgType, err)
	}
	env.Data = raw
	return env, nil
}

// AddressedTo reports whether a frame should reach the business logic of session self.
func (e Envelope) AddressedTo(self ParticipantID) bool {
	if e.From != "" && e.From == self {
		return false
	}
	return e.To == "" || e.To == self
}

// Decode unmarshals the envelope data into T. Missing data is a malformed message.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("%s without data: %w", env.Type, ErrMalformedMessage)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("%s: %v: %w", env.Type, err, ErrMalformedMessage)
	}
	return v, nil
}
