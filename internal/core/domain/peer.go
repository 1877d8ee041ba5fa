package domain

import (
	"encoding/json"
	"time"
)

type PeerState string

const (
	PeerIdle       PeerState = "idle"
	PeerSignalSent PeerState = "signal-sent"
	PeerConnected  PeerState = "connected"
	PeerClosed     PeerState = "closed"
)

// PeerConnection is a snapshot of one voice link as seen by the local session.
type PeerConnection struct {
	RemoteID    ParticipantID `json:"remoteId"`
	DisplayName string        `json:"displayName"`
	IsInitiator bool          `json:"isInitiator"`
	State       PeerState     `json:"state"`
	IsMuted     bool          `json:"isMuted"`
	OpenedAt    time.Time     `json:"openedAt"`
	ConnectedAt time.Time     `json:"connectedAt,omitempty"`
}

// VoicePeer is a remote session announced on the voice bus.
type VoicePeer struct {
	ID          ParticipantID
	DisplayName string
	Ready       bool
}

// SignalPayload is an opaque connection description relayed between two sessions.
// Offers and answers carry a complete SDP; candidate payloads carry one ICE candidate.
type SignalPayload struct {
	Type      string          `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)
