package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"docroom/internal/core/domain"
	"docroom/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event types pushed to the editing UI.
const (
	EventUsers   = "users"
	EventContent = "content"
	EventStatus  = "status"
	EventError   = "error"
)

// Command types accepted from the editing UI.
const (
	CommandContent    = "content"
	CommandVoiceJoin  = "voice.join"
	CommandVoiceLeave = "voice.leave"
	CommandMute       = "voice.mute"
	CommandDeafen     = "voice.deafen"
)

// Message is one WebSocket frame in either direction.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ContentPayload struct {
	HTML string `json:"html"`
}

type TogglePayload struct {
	Enabled bool `json:"enabled"`
}

// Commands is the part of the collaboration session the UI may drive.
type Commands interface {
	PublishContent(ctx context.Context, html string) error
	JoinVoice(ctx context.Context) error
	LeaveVoice(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SetDeafened(ctx context.Context, deafened bool) error
}

type Options struct {
	AllowedOrigins []string
	MaxMessageSize int64
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	CommandTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		AllowedOrigins: []string{"*"},
		MaxMessageSize: 64 * 1024,
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBufferSize: 32,
		CommandTimeout: 30 * time.Second,
	}
}

// Hub fans session notifications out to every connected editor UI and feeds
// their commands back into the session. It implements ports.Collaborator.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	commands Commands
	clients  map[string]*client
	// last event of each type, replayed to new clients
	latest map[string][]byte
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func NewHub(opts Options, logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	defaults := DefaultOptions()
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = defaults.SendBufferSize
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaults.CommandTimeout
	}

	h := &Hub{
		opts:    opts,
		logger:  logger.With("component", "ws-hub"),
		clients: make(map[string]*client),
		latest:  make(map[string][]byte),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// Bind connects the hub to the session it controls. Commands received before
// Bind are answered with an error event.
func (h *Hub) Bind(commands Commands) {
	h.mu.Lock()
	h.commands = commands
	h.mu.Unlock()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) OnUsersChange(users []domain.ParticipantView) {
	if users == nil {
		users = []domain.ParticipantView{}
	}
	h.broadcast(EventUsers, users)
}

func (h *Hub) OnContentChange(html string) {
	h.broadcast(EventContent, ContentPayload{HTML: html})
}

func (h *Hub) OnConnectionStatusChange(status domain.ConnectionStatus) {
	h.broadcast(EventStatus, status)
}

func encode(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: eventType, Payload: raw})
}

// broadcast never blocks the session: a client whose buffer is full is disconnected.
func (h *Hub) broadcast(eventType string, payload interface{}) {
	frame, err := encode(eventType, payload)
	if err != nil {
		h.logger.Errorw("failed to encode event", "type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	h.latest[eventType] = frame
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.enqueue(c, frame)
	}
}

func (h *Hub) enqueue(c *client, frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		h.logger.Warnw("client too slow, disconnecting", "client_id", c.id)
		c.close()
	}
}

// HandleWebSocket upgrades the request and serves one editor UI until it disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.opts.SendBufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	replay := make([][]byte, 0, len(h.latest))
	for _, eventType := range []string{EventStatus, EventUsers, EventContent} {
		if frame, ok := h.latest[eventType]; ok {
			replay = append(replay, frame)
		}
	}
	h.mu.Unlock()

	for _, frame := range replay {
		h.enqueue(c, frame)
	}

	h.logger.Infow("editor connected", "client_id", c.id, "remote_addr", r.RemoteAddr)

	conn.SetReadLimit(h.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		return nil
	})

	go h.readLoop(c)
	h.writeLoop(c)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	h.logger.Infow("editor disconnected", "client_id", c.id)
}

func (h *Hub) writeLoop(c *client) {
	pingTicker := time.NewTicker(h.opts.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Infow("error writing event", "client_id", c.id, "error", err)
				c.close()
				return
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Infow("error sending ping", "client_id", c.id, "error", err)
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *Hub) readLoop(c *client) {
	defer c.close()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("error reading message", "client_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		if err := h.handleMessage(c, msg); err != nil {
			h.logger.Infow("command failed", "client_id", c.id, "type", msg.Type, "error", err)
			if frame, encErr := encode(EventError, map[string]string{"type": msg.Type, "message": err.Error()}); encErr == nil {
				h.enqueue(c, frame)
			}
		}
	}
}

func (h *Hub) handleMessage(c *client, msg Message) error {
	ctx, span := tracing.TraceWebSocketMessage(context.Background(), msg.Type, c.id)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, h.opts.CommandTimeout)
	defer cancel()

	h.mu.RLock()
	commands := h.commands
	h.mu.RUnlock()
	if commands == nil {
		return fmt.Errorf("session not ready")
	}

	var err error
	switch msg.Type {
	case CommandContent:
		var p ContentPayload
		if err = json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("invalid content payload: %w", err)
		}
		err = commands.PublishContent(ctx, p.HTML)
	case CommandVoiceJoin:
		err = commands.JoinVoice(ctx)
	case CommandVoiceLeave:
		err = commands.LeaveVoice(ctx)
	case CommandMute, CommandDeafen:
		var p TogglePayload
		if err = json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", msg.Type, err)
		}
		if msg.Type == CommandMute {
			err = commands.SetMuted(ctx, p.Enabled)
		} else {
			err = commands.SetDeafened(ctx, p.Enabled)
		}
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
