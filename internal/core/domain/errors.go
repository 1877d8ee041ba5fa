package domain

import "errors"

var (
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrBusUnavailable      = errors.New("room bus unavailable")
	ErrBusClosed           = errors.New("room bus handle closed")
	ErrMediaAcquisition    = errors.New("media acquisition failed")
	ErrPeerTransport       = errors.New("peer transport error")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrJoinTimeout         = errors.New("join request timed out")
	ErrNotAuthorized       = errors.New("session is not authorized")
	ErrVoiceNotReady       = errors.New("voice session is not ready")
	ErrSessionClosed       = errors.New("session closed")
	ErrPeerNotFound        = errors.New("peer not found")
)

// DenialError carries the reason an admin gave for rejecting a join request.
type DenialError struct {
	Reason string
}

func (e *DenialError) Error() string {
	if e.Reason == "" {
		return ErrAuthorizationDenied.Error()
	}
	return ErrAuthorizationDenied.Error() + ": " + e.Reason
}

func (e *DenialError) Unwrap() error {
	return ErrAuthorizationDenied
}
