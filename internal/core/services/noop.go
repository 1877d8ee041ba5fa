package services

import (
	"time"

	"docroom/internal/core/domain"
)

type NopMetrics struct{}

func (NopMetrics) MessagePublished(string, string)                     {}
func (NopMetrics) MessageReceived(string, string)                      {}
func (NopMetrics) MessageDropped(string, string)                       {}
func (NopMetrics) JoinDecision(bool)                                   {}
func (NopMetrics) ParticipantsChanged(int)                             {}
func (NopMetrics) PeerStateChanged(domain.PeerState, domain.PeerState) {}
func (NopMetrics) PeerSetupCompleted(time.Duration)                    {}
func (NopMetrics) PeerTransportError()                                 {}

type NopPresenceObserver struct{}

func (NopPresenceObserver) OnPresenceChange([]domain.ParticipantView)        {}
func (NopPresenceObserver) OnContentChange(string)                           {}
func (NopPresenceObserver) OnConnectionStatusChange(domain.ConnectionStatus) {}

type NopVoiceObserver struct{}

func (NopVoiceObserver) OnVoiceParticipantsChange([]domain.ParticipantView) {}
func (NopVoiceObserver) OnVoiceStateChange(domain.VoiceState)               {}
