package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"docroom/internal/core/domain"
	"docroom/internal/infrastructure/bus/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPresence(t *testing.T, bus *memory.RoomBus, id domain.ParticipantID, settings Settings) (PresenceService, *presenceRecorder) {
	t.Helper()
	rec := &presenceRecorder{}
	svc := NewPresenceService(id, bus, rec, nil, nil)
	stopOnCleanup(t, svc.Stop)
	require.NoError(t, svc.Start(context.Background(), settings))
	return svc, rec
}

func rosterIDs(svc PresenceService) []domain.ParticipantID {
	var ids []domain.ParticipantID
	for _, p := range svc.Participants() {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestPresence_AdminIsAuthorizedImmediately(t *testing.T) {
	bus := memory.NewRoomBus(nil)
	admin, rec := startPresence(t, bus, "admin", Settings{RoomID: "r1", DisplayName: "Ann", IsAdmin: true, Passcode: "abc"})

	assert.Equal(t, domain.StateAuthorized, admin.Status().State)
	require.NoError(t, admin.AwaitDecision(context.Background()))
	assert.Equal(t, []domain.ConnectionStatus{{State: domain.StateAuthorized}}, rec.Statuses())
}

func TestPresence_PasscodeDecidesAdmission(t *testing.T) {
	bus := memory.NewRoomBus(nil)
	startPresence(t, bus, "admin", Settings{RoomID: "r1", DisplayName: "Ann", IsAdmin: true, Passcode: "abc"})

	good, _ := startPresence(t, bus, "good", Settings{RoomID: "r1", DisplayName: "Bob", Passcode: "abc"})
	bad, badRec := startPresence(t, bus, "bad", Settings{RoomID: "r1", DisplayName: "Eve", Passcode: "xyz"})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, good.AwaitDecision(ctx))
	assert.Equal(t, domain.StateAuthorized, good.Status().State)

	err := bad.AwaitDecision(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)
	var denial *domain.DenialError
	require.True(t, errors.As(err, &denial))
	assert.Equal(t, "Invalid passcode or not allowed", denial.Reason)

	assert.Equal(t, domain.ConnectionStatus{State: domain.StateUnauthorized, Reason: domain.DenialReason}, bad.Status())
	assert.Equal(t, domain.StateUnauthorized, badRec.Statuses()[len(badRec.Statuses())-1].State)
}

func TestPresence_AllowListRejectsUnknownNames(t *testing.T) {
	bus := memory.NewRoomBus(nil)
	startPresence(t, bus, "admin", Settings{RoomID: "r1", DisplayName: "Ann", IsAdmin: true, AllowList: []string{"Bob"}})

	bob, _ := startPresence(t, bus, "bob", Settings{RoomID: "r1", DisplayName: "Bob"})
	eve, _ := startPresence(t, bus, "eve", Settings{RoomID: "r1", DisplayName: "Eve"})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	assert.NoError(t, bob.AwaitDecision(ctx))
	assert.ErrorIs(t, eve.AwaitDecision(ctx), domain.ErrAuthorizationDenied)
}

func TestPresence_AuthorizedSessionsSeeEachOther(t *testing.T) {
	bus := memory.NewRoomBus(nil)
	admin, _ := startPresence(t, bus, "a", Settings{RoomID: "r1", DisplayName: "Ann", IsAdmin: true})
	guest, _ := startPresence(t, bus, "b", Settings{RoomID: "r1", DisplayName: "Bob"})

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]domain.ParticipantID{"b"}, rosterIDs(admin)) &&
			assert.ObjectsAreEqual([]domain.ParticipantID{"a"}, rosterIDs(guest))
	}, waitFor, tick)

	roster := guest.Roster()
	require.Len(t, roster, 2)
	assert.True(t, roster[0].IsSelf)
	assert.Equal(t, "Bob", roster[0].Name)
	assert.Equal(t, "Ann", roster[1].Name)
	assert.Equal(t, domain.ColorFor("a"), roster[1].Color)
}

func TestPresence_OtherRoomsStayInvisible(t *testing.T) {
	bus := memory.NewRoomBus(nil)
	one, _ := startPresence(t, bus, "a", Settings{RoomID: "r1", DisplayName: "Ann", IsAdmin: true})
	two, _ := startPresence(t, bus, "b", Settings{RoomID: "r2", DisplayName: "Bob", IsAdmin: true})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, one.Participants())
	assert.Empty(t, two.Participants())
}

func TestPresence_ContentIsForwarded(t *testing.T) {
	bus := memory.NewRoomBus(nil)
	_, adminRec := startPresence(t, bus, "a", Settings{RoomID: "r1", DisplayName: "Ann", IsAdmin: true})
	guest, _ := startPresence(t, bus, "b", Settings{RoomID: "r1", DisplayName: "Bob"})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, guest.AwaitDecision(ctx))

	require.NoError(t, guest.PublishContent(ctx, "<p>hello</p>"))
	require.Eventually(t, func() bool {
		return len(adminRec.Content()) == 1
	}, waitFor, tick)
	assert.Equal(t, "<p>hello</p>", adminRec.Content()[0])
}

func TestPresence_PublishContentRequiresAuthorization(t *testing.T) {
	bus := memory.NewRoomBus(nil)
	waiting, _ := startPresence(t, bus, "b", Settings{RoomID: "r1", DisplayName: "Bob"})

	assert.Equal(t, domain.StateConnecting, waiting.Status().State)
	assert.ErrorIs(t, waiting.PublishContent(context.Background(), "x"), domain.ErrNotAuthorized)
}

func TestPresence_JoinTimeout(t *testing.T) {
	bus := memory.NewRoomBus(nil)
	waiting, _ := startPresence(t, bus, "b", Settings{RoomID: "r1", DisplayName: "Bob", JoinTimeout: 30 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	assert.ErrorIs(t, waiting.AwaitDecision(ctx), domain.ErrJoinTimeout)
	assert.Equal(t, domain.StateUnauthorized, waiting.Status().State)
}

func TestPresence_NoAdminWaitsForever(t *testing.T) {
	bus := memory.NewRoomBus(nil)
	waiting, _ := startPresence(t, bus, "b", Settings{RoomID: "r1", DisplayName: "Bob"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, waiting.AwaitDecision(ctx), context.DeadlineExceeded)
	assert.Equal(t, domain.StateConnecting, waiting.Status().State)
}

func TestPresence_BusFailureDisconnects(t *testing.T) {
	rec := &presenceRecorder{}
	svc := NewPresenceService("a", failingBus{}, rec, nil, nil)
	stopOnCleanup(t, svc.Stop)

	err := svc.Start(context.Background(), Settings{RoomID: "r1", DisplayName: "Ann", IsAdmin: true})
	assert.ErrorIs(t, err, domain.ErrBusUnavailable)
	assert.Equal(t, domain.StateDisconnected, svc.Status().State)
	assert.Equal(t, "Connection failed", svc.Status().Reason)
}

func TestPresence_StopRemovesParticipantElsewhere(t *testing.T) {
	bus := memory.NewRoomBus(nil)
	admin, _ := startPresence(t, bus, "a", Settings{RoomID: "r1", DisplayName: "Ann", IsAdmin: true})
	guest, _ := startPresence(t, bus, "b", Settings{RoomID: "r1", DisplayName: "Bob"})

	require.Eventually(t, func() bool { return len(admin.Participants()) == 1 }, waitFor, tick)

	require.NoError(t, guest.Stop())
	assert.Equal(t, domain.StateDisconnected, guest.Status().State)
	require.Eventually(t, func() bool { return len(admin.Participants()) == 0 }, waitFor, tick)

	assert.ErrorIs(t, guest.PublishContent(context.Background(), "x"), domain.ErrSessionClosed)
	assert.NoError(t, guest.Stop())
}

func TestPresence_PolicyChangeKeepsSubscription(t *testing.T) {
	bus := newCountingBus()
	svc := NewPresenceService("a", bus, nil, nil, nil)
	stopOnCleanup(t, svc.Stop)

	ctx := context.Background()
	base := Settings{RoomID: "r1", DisplayName: "Ann", IsAdmin: true, Passcode: "abc"}
	require.NoError(t, svc.Start(ctx, base))

	updated := base
	updated.AllowList = []string{"Bob"}
	updated.ApprovalRequired = true
	require.NoError(t, svc.ApplySettings(ctx, updated))
	assert.EqualValues(t, 1, bus.opens.Load())
	assert.Equal(t, []string{"Bob"}, svc.Settings().AllowList)
	assert.True(t, svc.Settings().ApprovalRequired)

	renamed := updated
	renamed.DisplayName = "Anna"
	require.NoError(t, svc.ApplySettings(ctx, renamed))
	assert.EqualValues(t, 2, bus.opens.Load())
	assert.Equal(t, "Anna", svc.Self().DisplayName)
	assert.Equal(t, domain.StateAuthorized, svc.Status().State)
}

func TestPresence_RestartRejoinsUnderNewPasscode(t *testing.T) {
	bus := memory.NewRoomBus(nil)
	startPresence(t, bus, "admin", Settings{RoomID: "r1", DisplayName: "Ann", IsAdmin: true, Passcode: "abc"})
	guest, _ := startPresence(t, bus, "b", Settings{RoomID: "r1", DisplayName: "Bob", Passcode: "xyz"})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.ErrorIs(t, guest.AwaitDecision(ctx), domain.ErrAuthorizationDenied)

	require.NoError(t, guest.ApplySettings(ctx, Settings{RoomID: "r1", DisplayName: "Bob", Passcode: "abc"}))
	require.NoError(t, guest.AwaitDecision(ctx))
	assert.Equal(t, domain.StateAuthorized, guest.Status().State)
}

func TestPresence_ReannouncementUpdatesParticipant(t *testing.T) {
	tests := []struct {
		name      string
		announces []domain.UserJoinedData
		wantName  string
		wantColor string
	}{
		{
			name: "repeat",
			announces: []domain.UserJoinedData{
				{UserID: "c", UserName: "Cat", Color: "#112233"},
				{UserID: "c", UserName: "Cat", Color: "#112233"},
			},
			wantName:  "Cat",
			wantColor: "#112233",
		},
		{
			name: "new name and color",
			announces: []domain.UserJoinedData{
				{UserID: "c", UserName: "Cat", Color: "#112233"},
				{UserID: "c", UserName: "Catherine", Color: "#445566"},
			},
			wantName:  "Catherine",
			wantColor: "#445566",
		},
		{
			name: "color falls back to id hash",
			announces: []domain.UserJoinedData{
				{UserID: "c", UserName: "Cat", Color: "#112233"},
				{UserName: "Cathy"},
			},
			wantName:  "Cathy",
			wantColor: domain.ColorFor("c"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := memory.NewRoomBus(nil)
			ctx := context.Background()
			admin, _ := startPresence(t, bus, "a", Settings{RoomID: "r1", DisplayName: "Ann", IsAdmin: true})

			h, err := bus.Open(ctx, domain.EditChannel("r1"))
			require.NoError(t, err)
			defer h.Close()

			for _, data := range tt.announces {
				env, err := domain.NewEnvelope(domain.MsgUserJoined, "c", "", data)
				require.NoError(t, err)
				require.NoError(t, h.Publish(ctx, env))
			}

			require.Eventually(t, func() bool {
				ps := admin.Participants()
				return len(ps) == 1 && ps[0].DisplayName == tt.wantName
			}, waitFor, tick)

			ps := admin.Participants()
			require.Len(t, ps, 1)
			assert.Equal(t, domain.ParticipantID("c"), ps[0].ID)
			assert.Equal(t, tt.wantColor, ps[0].Color)
		})
	}
}
