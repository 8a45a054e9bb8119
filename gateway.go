/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"
)

// Messages coming from clients
type ClientEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Messages sent to clients
type MemberInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type RoomSummary struct {
	ID          string `json:"roomId"`
	Name        string `json:"name"`
	Members     int    `json:"members"`
	Capacity    int    `json:"capacity"`
	HasPassword bool   `json:"hasPassword"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RateLimitedMessage struct {
	Type  string `json:"type"` // "rate-limit-exceeded"
	Event string `json:"event"`
}

type ValidationErrorMessage struct {
	Type       string   `json:"type"` // "validation-error"
	Event      string   `json:"event"`
	Violations []string `json:"violations"`
}

type RoomCreatedMessage struct {
	Type    string       `json:"type"` // "room-created"
	RoomID  string       `json:"roomId"`
	Members []MemberInfo `json:"members"`
}

type RoomJoinedMessage struct {
	Type     string        `json:"type"` // "room-joined"
	RoomID   string        `json:"roomId"`
	Members  []MemberInfo  `json:"members"`
	ChatTail []ChatMessage `json:"chatTail"`
}

type PlayerJoinedMessage struct {
	Type   string     `json:"type"` // "player-joined"
	RoomID string     `json:"roomId"`
	Player MemberInfo `json:"player"`
}

type PlayerLeftMessage struct {
	Type     string `json:"type"` // "player-left"
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

type GameStateMessage struct {
	Type          string       `json:"type"` // "game-state-update"
	RoomID        string       `json:"roomId"`
	Board         [3][3]string `json:"board"`
	CurrentPlayer string       `json:"currentPlayer"`
	Status        string       `json:"status"`
	Winner        string       `json:"winner,omitempty"`
}

type ChatBroadcastMessage struct {
	Type      string    `json:"type"` // "chat-message"
	RoomID    string    `json:"roomId"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type RoomListMessage struct {
	Type  string        `json:"type"` // "room-list"
	Rooms []RoomSummary `json:"rooms"`
}

type SpectatingMessage struct {
	Type           string       `json:"type"` // "spectating-started"
	RoomID         string       `json:"roomId"`
	Players        []MemberInfo `json:"players"`
	SpectatorCount int          `json:"spectatorCount"`
}

func gameStateMessage(state *GameState) GameStateMessage {
	return GameStateMessage{
		Type:          "game-state-update",
		RoomID:        state.RoomID,
		Board:         state.Board,
		CurrentPlayer: state.CurrentPlayer,
		Status:        state.Status,
		Winner:        state.Winner,
	}
}

type Client struct {
	conn   *websocket.Conn
	send   chan any
	connID string
	player *Player

	mu     sync.Mutex
	closed bool
}

// trySend delivers without blocking; a full buffer drops the message
// so one slow consumer never stalls delivery to unrelated rooms.
func (c *Client) trySend(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// closeSend shuts the outbound channel exactly once, after which
// pending broadcasts from other goroutines become no-ops.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Gateway is the per-connection admission gate: each inbound event
// passes an explicit ordered list of named stages before its controller
// runs. A rejected stage replies to the sender and drops the event.
type Gateway struct {
	cfg      *Config
	limiter  *RateLimiter
	mgr      *SessionManager
	engine   *GameEngine
	handlers map[string]handlerFunc
	stages   []stage
}

type handlerFunc func(c *Client, payload any)

type stageResult struct {
	ok      bool
	payload any
	reply   any
}

type stage struct {
	name string
	run  func(c *Client, event string, raw json.RawMessage) stageResult
}

func newGateway(cfg *Config, limiter *RateLimiter, mgr *SessionManager, engine *GameEngine) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		limiter: limiter,
		mgr:     mgr,
		engine:  engine,
	}

	g.stages = []stage{
		{name: "rate-limit", run: g.rateLimitStage},
		{name: "resolve", run: g.resolveStage},
		{name: "validate", run: g.validateStage},
	}

	g.handlers = map[string]handlerFunc{
		"create-room":   g.handleCreateRoom,
		"join-room":     g.handleJoinRoom,
		"leave-room":    g.handleLeaveRoom,
		"make-move":     g.handleMakeMove,
		"chat-message":  g.handleChatMessage,
		"get-room-list": g.handleRoomList,
		"spectate-game": g.handleSpectateGame,
	}

	return g
}

func (g *Gateway) rateLimitStage(c *Client, event string, _ json.RawMessage) stageResult {
	if g.limiter.Allow(c.connID, event, time.Now()) {
		return stageResult{ok: true}
	}

	return stageResult{
		reply: RateLimitedMessage{
			Type:  "rate-limit-exceeded",
			Event: event,
		},
	}
}

// resolveStage rejects unknown event names. It runs after the rate
// limiter so spamming made-up events is throttled like any other event.
func (g *Gateway) resolveStage(c *Client, event string, _ json.RawMessage) stageResult {
	if _, known := g.handlers[event]; !known {
		logSecurity(event, c.connID, "unknown event name rejected")
		return stageResult{
			reply: ErrorMessage{
				Type:    "error",
				Code:    "unknown-event",
				Message: "unknown event",
			},
		}
	}

	return stageResult{ok: true}
}

func (g *Gateway) validateStage(_ *Client, event string, raw json.RawMessage) stageResult {
	payload, violations := validatePayload(event, raw)
	if violations != nil {
		return stageResult{
			reply: ValidationErrorMessage{
				Type:       "validation-error",
				Event:      event,
				Violations: violations,
			},
		}
	}

	return stageResult{ok: true, payload: payload}
}

// dispatch runs one inbound event through the admission stages and its
// controller. A panicking handler is reported generically to the client
// and never takes down the connection or the process.
func (g *Gateway) dispatch(c *Client, env ClientEnvelope) {
	var payload any
	for _, st := range g.stages {
		result := st.run(c, env.Type, env.Data)
		if !result.ok {
			c.trySend(result.reply)
			return
		}
		if result.payload != nil {
			payload = result.payload
		}
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("event", env.Type).
				Str("connection", c.connID).
				Any("panic", r).
				Msg("event handler panicked")
			c.trySend(ErrorMessage{
				Type:    "error",
				Code:    "internal-error",
				Message: "an internal error occurred",
			})
		}
	}()

	g.handlers[env.Type](c, payload)
}

func (g *Gateway) sendDomainError(c *Client, err error) {
	c.trySend(ErrorMessage{
		Type:    "error",
		Code:    errorCode(err),
		Message: err.Error(),
	})
}

func (g *Gateway) handleCreateRoom(c *Client, payload any) {
	p := payload.(CreateRoomPayload)

	room, err := g.mgr.CreateRoom(c.player, p.Name, p.Visibility, p.Password, p.Capacity)
	if err != nil {
		logError("GATEWAY: create room", err)
		g.sendDomainError(c, err)
		return
	}

	c.trySend(RoomCreatedMessage{
		Type:    "room-created",
		RoomID:  room.ID,
		Members: room.MemberInfos(),
	})
}

func (g *Gateway) handleJoinRoom(c *Client, payload any) {
	p := payload.(JoinRoomPayload)

	c.player.DisplayName = p.DisplayName

	room, started, err := g.mgr.JoinRoom(c.player, p.RoomID, p.Password)
	if err != nil {
		g.sendDomainError(c, err)
		return
	}

	c.trySend(RoomJoinedMessage{
		Type:     "room-joined",
		RoomID:   room.ID,
		Members:  room.MemberInfos(),
		ChatTail: room.ChatTail(),
	})

	if started != nil {
		room.mu.Lock()
		room.broadcastLocked(gameStateMessage(started))
		room.mu.Unlock()
	}
}

func (g *Gateway) handleLeaveRoom(c *Client, payload any) {
	p := payload.(LeaveRoomPayload)
	g.mgr.LeaveRoom(c.player, p.RoomID)
}

func (g *Gateway) handleMakeMove(c *Client, payload any) {
	p := payload.(MovePayload)

	state, err := g.engine.ApplyMove(p.RoomID, c.player.ID, p.X, p.Y)
	if err != nil {
		g.sendDomainError(c, err)
		return
	}

	g.mgr.BroadcastGameState(p.RoomID, state)
}

func (g *Gateway) handleChatMessage(c *Client, payload any) {
	p := payload.(ChatPayload)

	if _, err := g.mgr.Chat(c, p.RoomID, p.Text); err != nil {
		g.sendDomainError(c, err)
	}
}

func (g *Gateway) handleRoomList(c *Client, _ any) {
	c.trySend(RoomListMessage{
		Type:  "room-list",
		Rooms: g.mgr.RoomList(),
	})
}

func (g *Gateway) handleSpectateGame(c *Client, payload any) {
	p := payload.(SpectatePayload)

	_, players, count, err := g.mgr.Spectate(c, p.RoomID)
	if err != nil {
		g.sendDomainError(c, err)
		return
	}

	c.trySend(SpectatingMessage{
		Type:           "spectating-started",
		RoomID:         p.RoomID,
		Players:        players,
		SpectatorCount: count,
	})

	if state, ok := g.engine.Snapshot(p.RoomID); ok {
		c.trySend(gameStateMessage(state))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "gridlock_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}

	id := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// upgradeLimiter throttles websocket upgrade attempts per source host so
// a reconnect storm from one host cannot exhaust the server.
type upgradeLimiter struct {
	mu      sync.Mutex
	entries map[string]*upgradeEntry
}

type upgradeEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUpgradeLimiter() *upgradeLimiter {
	return &upgradeLimiter{
		entries: make(map[string]*upgradeEntry),
	}
}

// upgradeHost reduces a remote address to its host so every connection
// from one address shares a limiter regardless of source port.
func upgradeHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

func (ul *upgradeLimiter) allow(addr string) bool {
	host := upgradeHost(addr)

	ul.mu.Lock()
	defer ul.mu.Unlock()

	entry, ok := ul.entries[host]
	if !ok {
		entry = &upgradeEntry{
			limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		}
		ul.entries[host] = entry
	}
	entry.lastSeen = time.Now()

	return entry.limiter.Allow()
}

// sweep evicts hosts unseen for idleEviction to bound the map.
func (ul *upgradeLimiter) sweep(now time.Time) int {
	cutoff := now.Add(-idleEviction)
	evicted := 0

	ul.mu.Lock()
	defer ul.mu.Unlock()

	for host, entry := range ul.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(ul.entries, host)
			evicted++
		}
	}

	return evicted
}

func (ul *upgradeLimiter) sweepLoop(cfg *Config, stop <-chan struct{}) {
	ticker := time.NewTicker(cfg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if evicted := ul.sweep(now); evicted > 0 {
				logf(cfg, "SWEEP: Evicted %d idle upgrade-limiter entries", evicted)
			}
		}
	}
}

// serveWS upgrades a connection and runs its pumps until disconnect.
func serveWS(cfg *Config, g *Gateway, ul *upgradeLimiter) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if !ul.allow(realIP(r)) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}

		playerID := getOrSetPlayerID(w, r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logError("GATEWAY: upgrade", err)
			return
		}

		client := &Client{
			conn:   conn,
			send:   make(chan any, 16),
			connID: uuid.NewString(),
		}
		client.player = &Player{
			ID:          playerID,
			DisplayName: "player-" + playerID[:8],
			Rating:      defaultRating,
			client:      client,
		}

		logf(cfg, "GATEWAY: Connection %s opened for player %s from %s", client.connID, playerID, realIP(r))

		go client.writePump()
		client.readPump(g)
	}
}

func (c *Client) readPump(g *Gateway) {
	defer func() {
		g.mgr.Disconnect(c)
		g.limiter.Forget(c.connID)
		c.closeSend()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)

	for {
		var env ClientEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}

		g.dispatch(c, env)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
