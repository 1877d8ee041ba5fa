package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_AddressedTo(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want bool
	}{
		{"broadcast from other", Envelope{From: "b"}, true},
		{"own broadcast", Envelope{From: "a"}, false},
		{"to self", Envelope{From: "b", To: "a"}, true},
		{"to someone else", Envelope{From: "b", To: "c"}, false},
		{"anonymous broadcast", Envelope{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.env.AddressedTo("a"))
		})
	}
}

func TestNewEnvelopeAndDecode(t *testing.T) {
	env, err := NewEnvelope(MsgJoinRequest, "b", "", JoinRequestData{UserName: "Bob", Key: "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"userName":"Bob","key":"abc"}`, string(env.Data))

	req, err := Decode[JoinRequestData](env)
	require.NoError(t, err)
	assert.Equal(t, "Bob", req.UserName)
	assert.Equal(t, "abc", req.Key)

	query, err := NewEnvelope(MsgPresenceQuery, "b", "", nil)
	require.NoError(t, err)
	assert.Nil(t, query.Data)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode[JoinResponseData](Envelope{Type: MsgJoinResponse})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Decode[JoinResponseData](Envelope{Type: MsgJoinResponse, Data: []byte(`{"approved":"yes"}`)})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestChannelsAndColors(t *testing.T) {
	assert.Equal(t, "collab-r1", EditChannel("r1"))
	assert.Equal(t, "voice-r1", VoiceChannel("r1"))
	assert.NotEqual(t, EditChannel("r1"), VoiceChannel("r1"))

	id := NewParticipantID()
	assert.NotEqual(t, id, NewParticipantID())
	assert.Equal(t, ColorFor(id), ColorFor(id))
	assert.Contains(t, palette, ColorFor(id))
}
