package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"docroom/internal/core/domain"
	"docroom/internal/core/services"
	"docroom/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	settings   services.Settings
	status     domain.ConnectionStatus
	applied    []services.Settings
	content    []string
	muted      bool
	joinErr    error
	peers      []domain.PeerConnection
	voiceState domain.VoiceState
}

func (f *fakeSession) Snapshot() services.SessionSnapshot {
	return services.SessionSnapshot{
		RoomID:      f.settings.RoomID,
		DisplayName: f.settings.DisplayName,
		Status:      f.status,
		Voice:       services.VoiceSnapshot{State: f.voiceState, Muted: f.muted, Peers: f.peers},
	}
}

func (f *fakeSession) Settings() services.Settings { return f.settings }

func (f *fakeSession) ApplySettings(ctx context.Context, s services.Settings) error {
	f.applied = append(f.applied, s)
	f.settings = s
	return nil
}

func (f *fakeSession) PublishContent(ctx context.Context, html string) error {
	if f.status.State != domain.StateAuthorized {
		return domain.ErrNotAuthorized
	}
	f.content = append(f.content, html)
	return nil
}

func (f *fakeSession) JoinVoice(ctx context.Context) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.voiceState = domain.VoiceReady
	return nil
}

func (f *fakeSession) LeaveVoice(ctx context.Context) error {
	f.voiceState = domain.VoiceIdle
	return nil
}

func (f *fakeSession) SetMuted(ctx context.Context, muted bool) error {
	f.muted = muted
	return nil
}

func (f *fakeSession) SetDeafened(ctx context.Context, deafened bool) error { return nil }

func (f *fakeSession) Peers() []domain.PeerConnection { return f.peers }

func newRouter(session SessionController) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger), middleware.ErrorHandlerMiddleware(logger))
	NewSessionHandler(session).SetupRoutes(router.Group("/api/v1"))
	return router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func authorizedSession() *fakeSession {
	return &fakeSession{
		settings: services.Settings{RoomID: "r1", DisplayName: "Ann", IsAdmin: true, Passcode: "abc"},
		status:   domain.ConnectionStatus{State: domain.StateAuthorized},
	}
}

func TestGetSettings_HidesPasscode(t *testing.T) {
	router := newRouter(authorizedSession())

	w := do(router, http.MethodGet, "/api/v1/session/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"roomId": "r1",
		"displayName": "Ann",
		"isAdmin": true,
		"hasPasscode": true,
		"allowList": [],
		"approvalRequired": false,
		"joinTimeoutSeconds": 0
	}`, w.Body.String())
}

func TestUpdateSettings_MergesPartialUpdate(t *testing.T) {
	session := authorizedSession()
	router := newRouter(session)

	w := do(router, http.MethodPut, "/api/v1/session/settings",
		`{"allowList": "Bob\nCat, Bob", "joinTimeoutSeconds": 30}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Len(t, session.applied, 1)
	applied := session.applied[0]
	assert.Equal(t, domain.RoomID("r1"), applied.RoomID)
	assert.Equal(t, "abc", applied.Passcode)
	assert.Equal(t, []string{"Bob", "Cat"}, applied.AllowList)
	assert.Equal(t, 30*time.Second, applied.JoinTimeout)
}

func TestUpdateSettings_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad room", `{"roomId": "room with spaces"}`},
		{"blank name", `{"displayName": "   "}`},
		{"negative timeout", `{"joinTimeoutSeconds": -1}`},
		{"not json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := authorizedSession()
			w := do(newRouter(session), http.MethodPut, "/api/v1/session/settings", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "INVALID_INPUT")
			assert.Empty(t, session.applied)
		})
	}
}

func TestPublishContent(t *testing.T) {
	session := authorizedSession()
	router := newRouter(session)

	w := do(router, http.MethodPost, "/api/v1/session/content", `{"html": "<p>hi</p>"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"<p>hi</p>"}, session.content)

	w = do(router, http.MethodPost, "/api/v1/session/content", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	session.status = domain.ConnectionStatus{State: domain.StateUnauthorized, Reason: domain.DenialReason}
	w = do(router, http.MethodPost, "/api/v1/session/content", `{"html": "<p>late</p>"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestVoiceRoutes(t *testing.T) {
	session := authorizedSession()
	session.peers = []domain.PeerConnection{{RemoteID: "p2", DisplayName: "Bob", State: domain.PeerConnected}}
	router := newRouter(session)

	w := do(router, http.MethodPost, "/api/v1/voice/join", "")
	require.Equal(t, http.StatusOK, w.Code)
	var voice services.VoiceSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &voice))
	assert.Equal(t, domain.VoiceReady, voice.State)

	w = do(router, http.MethodPost, "/api/v1/voice/mute", `{"enabled": true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, session.muted)

	w = do(router, http.MethodPost, "/api/v1/voice/mute", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodGet, "/api/v1/voice/peers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), `"remoteId":"p2"`)

	session.joinErr = domain.ErrMediaAcquisition
	w = do(router, http.MethodPost, "/api/v1/voice/join", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "MEDIA_UNAVAILABLE")
}
