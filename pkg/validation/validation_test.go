package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"simple", "design-review", false},
		{"dotted", "team.alpha_1", false},
		{"empty", "", true},
		{"space", "design review", true},
		{"colon", "docroom:bus", true},
		{"too long", strings.Repeat("r", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.roomID)
			assert.Equal(t, tt.wantErr, err != nil, "ValidateRoomID(%q) = %v", tt.roomID, err)
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name        string
		displayName string
		wantErr     bool
	}{
		{"ascii", "Ann", false},
		{"with space", "Ann Lee", false},
		{"unicode", "Zoë", false},
		{"blank", "   ", true},
		{"control", "Ann\x00", true},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDisplayName(tt.displayName)
			assert.Equal(t, tt.wantErr, err != nil, "ValidateDisplayName(%q) = %v", tt.displayName, err)
		})
	}
}

func TestValidateAllowList(t *testing.T) {
	assert.NoError(t, ValidateAllowList(nil))
	assert.NoError(t, ValidateAllowList([]string{"Bob", "Cat"}))
	assert.Error(t, ValidateAllowList([]string{"Bob", "bad\tname"}))
}

func TestValidateParticipantID(t *testing.T) {
	assert.NoError(t, ValidateParticipantID("4b9c2f4e-0c1d-4c8e-9a61-1f7d3a0e2b55"))
	assert.Error(t, ValidateParticipantID(""))
	assert.Error(t, ValidateParticipantID("a b"))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("http://localhost:14268/api/traces"))
	assert.NoError(t, ValidateURL("wss://example.com/ws"))
	assert.Error(t, ValidateURL("ftp://example.com"))
	assert.Error(t, ValidateURL("http://"))
	assert.Error(t, ValidateURL(""))
}
