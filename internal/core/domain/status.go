package domain

type PresenceState string

const (
	StateConnecting   PresenceState = "connecting"
	StateAuthorized   PresenceState = "authorized"
	StateUnauthorized PresenceState = "unauthorized"
	StateDisconnected PresenceState = "disconnected"
)

// ConnectionStatus is reported to the editing UI whenever the presence state changes.
// Reason is set for unauthorized and failed connections.
type ConnectionStatus struct {
	State  PresenceState `json:"state"`
	Reason string        `json:"reason,omitempty"`
}

type VoiceState string

const (
	VoiceIdle  VoiceState = "idle"
	VoiceReady VoiceState = "ready"
)
