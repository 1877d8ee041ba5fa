package domain

import (
	"hash/fnv"

	"github.com/google/uuid"
)

type RoomID string
type ParticipantID string

// Bus channels derived from a room id. The editing and voice buses never share a channel.
const (
	EditChannelPrefix  = "collab-"
	VoiceChannelPrefix = "voice-"
)

func EditChannel(room RoomID) string {
	return EditChannelPrefix + string(room)
}

func VoiceChannel(room RoomID) string {
	return VoiceChannelPrefix + string(room)
}

// NewParticipantID returns a random opaque identifier for one session.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

var palette = []string{
	"#e57373", "#f06292", "#ba68c8", "#9575cd",
	"#7986cb", "#64b5f6", "#4fc3f7", "#4dd0e1",
	"#4db6ac", "#81c784", "#aed581", "#ffb74d",
}

// ColorFor picks a stable display color for a participant.
func ColorFor(id ParticipantID) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}
