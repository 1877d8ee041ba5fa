package domain

type Participant struct {
	ID               ParticipantID
	DisplayName      string
	Color            string
	IsVoiceConnected bool
}

// ParticipantView is what the editing UI renders for one entry of the user list.
type ParticipantView struct {
	ID               ParticipantID `json:"id"`
	Name             string        `json:"name"`
	Color            string        `json:"color"`
	IsVoiceConnected bool          `json:"isVoiceConnected"`
	IsSelf           bool          `json:"isSelf,omitempty"`
}

func (p Participant) View() ParticipantView {
	return ParticipantView{
		ID:               p.ID,
		Name:             p.DisplayName,
		Color:            p.Color,
		IsVoiceConnected: p.IsVoiceConnected,
	}
}
