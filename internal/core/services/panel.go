package services

import (
	"sync"

	"docroom/internal/core/domain"
	"docroom/internal/core/ports"
)

// Panel joins the editing roster with voice presence and hands the merged list to
// the collaborator. It observes both managers.
type Panel struct {
	collaborator ports.Collaborator

	mu        sync.Mutex
	editing   []domain.ParticipantView
	voice     []domain.ParticipantView
	selfVoice bool
	status    domain.ConnectionStatus
	users     []domain.ParticipantView
}

func NewPanel(collaborator ports.Collaborator) *Panel {
	return &Panel{collaborator: collaborator}
}

// MergeParticipants marks each editing participant with its voice flag. Both
// managers share the session id, so voice entries match by id only.
func MergeParticipants(editing, voice []domain.ParticipantView, selfVoice bool) []domain.ParticipantView {
	connected := make(map[domain.ParticipantID]bool, len(voice))
	for _, v := range voice {
		connected[v.ID] = v.IsVoiceConnected
	}

	merged := make([]domain.ParticipantView, 0, len(editing))
	for _, e := range editing {
		if e.IsSelf {
			e.IsVoiceConnected = selfVoice
		} else {
			e.IsVoiceConnected = connected[e.ID]
		}
		merged = append(merged, e)
	}
	return merged
}

func (p *Panel) OnPresenceChange(users []domain.ParticipantView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.editing = users
	p.publishLocked()
}

func (p *Panel) OnVoiceParticipantsChange(users []domain.ParticipantView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voice = users
	p.publishLocked()
}

func (p *Panel) OnVoiceStateChange(state domain.VoiceState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selfVoice = state == domain.VoiceReady
	p.publishLocked()
}

func (p *Panel) OnContentChange(html string) {
	if p.collaborator != nil {
		p.collaborator.OnContentChange(html)
	}
}

func (p *Panel) OnConnectionStatusChange(status domain.ConnectionStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	if p.collaborator != nil {
		p.collaborator.OnConnectionStatusChange(status)
	}
}

func (p *Panel) Users() []domain.ParticipantView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ParticipantView(nil), p.users...)
}

func (p *Panel) Status() domain.ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Panel) publishLocked() {
	merged := MergeParticipants(p.editing, p.voice, p.selfVoice)
	if viewsEqual(merged, p.users) {
		return
	}
	p.users = merged
	if p.collaborator != nil {
		p.collaborator.OnUsersChange(append([]domain.ParticipantView(nil), merged...))
	}
}

func viewsEqual(a, b []domain.ParticipantView) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
