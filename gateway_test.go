package main

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGateway(t *testing.T) *Gateway {
	t.Helper()

	store := NewMemoryStore()
	cfg := testConfig()
	persister := newPersister(cfg, store)
	t.Cleanup(persister.Close)

	engine := newGameEngine(cfg, persister)
	mgr := newSessionManager(cfg, engine, store, persister, plainHasher{})

	return newGateway(cfg, newRateLimiter(), mgr, engine)
}

func envelope(event, data string) ClientEnvelope {
	env := ClientEnvelope{Type: event}
	if data != "" {
		env.Data = json.RawMessage(data)
	}
	return env
}

// createdRoomID digs the assigned room ID out of a client's replies.
func createdRoomID(t *testing.T, c *Client) string {
	t.Helper()

	for _, msg := range drain(c) {
		if created, ok := msg.(RoomCreatedMessage); ok {
			return created.RoomID
		}
	}

	t.Fatal("no room-created reply received")
	return ""
}

func TestDispatchUnknownEvent(t *testing.T) {
	g := testGateway(t)
	c := newTestClient()

	g.dispatch(c, envelope("admin-reset", `{}`))

	msgs := drain(c)
	require.Len(t, msgs, 1)
	reply, ok := msgs[0].(ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "unknown-event", reply.Code)
}

func TestDispatchValidationError(t *testing.T) {
	g := testGateway(t)
	c := newTestClient()

	g.dispatch(c, envelope("join-room", `{"roomId":"nope"}`))

	msgs := drain(c)
	require.Len(t, msgs, 1)
	reply, ok := msgs[0].(ValidationErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "join-room", reply.Event)
	assert.Contains(t, reply.Violations, "roomId: malformed token")
	assert.Contains(t, reply.Violations, "displayName: required")
}

func TestDispatchRateLimited(t *testing.T) {
	g := testGateway(t)
	c := newTestClient()

	limit := limitFor("create-room")
	for i := 0; i < limit.perBurst; i++ {
		g.dispatch(c, envelope("create-room", `{"name":"Test room"}`))
	}
	drain(c)

	g.dispatch(c, envelope("create-room", `{"name":"One too many"}`))

	msgs := drain(c)
	require.Len(t, msgs, 1)
	reply, ok := msgs[0].(RateLimitedMessage)
	require.True(t, ok)
	assert.Equal(t, "create-room", reply.Event)
}

// Unknown event names sit behind the rate limiter like any other event,
// so spamming made-up names cannot flood the security log.
func TestDispatchUnknownEventRateLimited(t *testing.T) {
	g := testGateway(t)
	c := newTestClient()

	for i := 0; i < defaultLimit.perBurst; i++ {
		g.dispatch(c, envelope("no-such-event", `{}`))
	}

	msgs := drain(c)
	assert.Equal(t, defaultLimit.perBurst, countType[ErrorMessage](msgs))

	g.dispatch(c, envelope("no-such-event", `{}`))

	msgs = drain(c)
	require.Len(t, msgs, 1)
	_, rateLimited := msgs[0].(RateLimitedMessage)
	assert.True(t, rateLimited)
	assert.Equal(t, 1, g.limiter.Warnings(c.connID))
}

// Rejected events never reach validation or a handler.
func TestDispatchStageOrder(t *testing.T) {
	g := testGateway(t)
	c := newTestClient()

	limit := limitFor("create-room")
	for i := 0; i < limit.perBurst; i++ {
		g.dispatch(c, envelope("create-room", `{"name":"Test room"}`))
	}
	drain(c)

	// Malformed payload, but the rate limit fires first.
	g.dispatch(c, envelope("create-room", `{"capacity":99}`))

	msgs := drain(c)
	require.Len(t, msgs, 1)
	_, rateLimited := msgs[0].(RateLimitedMessage)
	assert.True(t, rateLimited, "rate limit must precede validation")
}

func TestDispatchCreateAndJoinFlow(t *testing.T) {
	g := testGateway(t)
	host := newTestClient()
	guest := newTestClient()

	g.dispatch(host, envelope("create-room", `{"name":"Test room"}`))
	roomID := createdRoomID(t, host)

	g.dispatch(guest, envelope("join-room", `{"roomId":"`+roomID+`","displayName":"guest"}`))

	var joined RoomJoinedMessage
	found := false
	for _, msg := range drain(guest) {
		if m, ok := msg.(RoomJoinedMessage); ok {
			joined = m
			found = true
		}
	}
	require.True(t, found)
	assert.Equal(t, roomID, joined.RoomID)
	assert.Len(t, joined.Members, 2)

	// Reaching two members pushed the opening game state to the host.
	hostMsgs := drain(host)
	assert.Equal(t, 1, countType[PlayerJoinedMessage](hostMsgs))
	assert.Equal(t, 1, countType[GameStateMessage](hostMsgs))
}

func TestDispatchMakeMove(t *testing.T) {
	g := testGateway(t)
	host := newTestClient()
	guest := newTestClient()

	g.dispatch(host, envelope("create-room", `{"name":"Test room"}`))
	roomID := createdRoomID(t, host)
	g.dispatch(guest, envelope("join-room", `{"roomId":"`+roomID+`","displayName":"guest"}`))
	drain(host)
	drain(guest)

	// Guest tries to move out of turn; only the guest hears about it.
	g.dispatch(guest, envelope("make-move", `{"roomId":"`+roomID+`","x":0,"y":0}`))

	guestMsgs := drain(guest)
	require.Len(t, guestMsgs, 1)
	reply, ok := guestMsgs[0].(ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "not-your-turn", reply.Code)
	assert.Empty(t, drain(host))

	// Host moves; both sides get the updated board.
	g.dispatch(host, envelope("make-move", `{"roomId":"`+roomID+`","x":1,"y":1}`))

	assert.Equal(t, 1, countType[GameStateMessage](drain(host)))
	assert.Equal(t, 1, countType[GameStateMessage](drain(guest)))
}

func TestDispatchRoomList(t *testing.T) {
	g := testGateway(t)
	host := newTestClient()
	browser := newTestClient()

	g.dispatch(host, envelope("create-room", `{"name":"Test room"}`))
	roomID := createdRoomID(t, host)

	g.dispatch(browser, envelope("get-room-list", ""))

	msgs := drain(browser)
	require.Len(t, msgs, 1)
	reply, ok := msgs[0].(RoomListMessage)
	require.True(t, ok)
	require.Len(t, reply.Rooms, 1)
	assert.Equal(t, roomID, reply.Rooms[0].ID)
}

func TestDispatchSpectate(t *testing.T) {
	g := testGateway(t)
	host := newTestClient()
	guest := newTestClient()
	watcher := newTestClient()

	g.dispatch(host, envelope("create-room", `{"name":"Test room"}`))
	roomID := createdRoomID(t, host)
	g.dispatch(guest, envelope("join-room", `{"roomId":"`+roomID+`","displayName":"guest"}`))

	g.dispatch(watcher, envelope("spectate-game", `{"roomId":"`+roomID+`"}`))

	msgs := drain(watcher)
	require.Equal(t, 1, countType[SpectatingMessage](msgs))
	// An in-flight game is replayed to the new spectator immediately.
	require.Equal(t, 1, countType[GameStateMessage](msgs))

	for _, msg := range msgs {
		if m, ok := msg.(SpectatingMessage); ok {
			assert.Equal(t, roomID, m.RoomID)
			assert.Len(t, m.Players, 2)
			assert.Equal(t, 1, m.SpectatorCount)
		}
	}
}

func TestDispatchDomainErrorCode(t *testing.T) {
	g := testGateway(t)
	c := newTestClient()

	g.dispatch(c, envelope("join-room", `{"roomId":"zzzzzzzz","displayName":"alice"}`))

	msgs := drain(c)
	require.Len(t, msgs, 1)
	reply, ok := msgs[0].(ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "room-not-found", reply.Code)
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	g := testGateway(t)
	c := newTestClient()

	g.handlers["get-room-list"] = func(*Client, any) {
		panic("handler exploded")
	}

	assert.NotPanics(t, func() {
		g.dispatch(c, envelope("get-room-list", ""))
	})

	msgs := drain(c)
	require.Len(t, msgs, 1)
	reply, ok := msgs[0].(ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "internal-error", reply.Code)
}

func TestTrySendAfterClose(t *testing.T) {
	c := newTestClient()

	c.closeSend()

	assert.NotPanics(t, func() {
		c.trySend(ErrorMessage{Type: "error"})
		c.closeSend() // idempotent
	})
}

// One host gets one limiter no matter how many source ports it burns
// through, so the upgrade throttle actually fires on reconnect storms.
func TestUpgradeLimiterKeysByHost(t *testing.T) {
	ul := newUpgradeLimiter()

	admitted := 0
	for port := 10000; port < 10100; port++ {
		if ul.allow(fmt.Sprintf("203.0.113.7:%d", port)) {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)

	// A different host is unaffected.
	assert.True(t, ul.allow("203.0.113.8:10000"))

	ul.mu.Lock()
	entries := len(ul.entries)
	ul.mu.Unlock()
	assert.Equal(t, 2, entries)
}

func TestUpgradeHost(t *testing.T) {
	tests := []struct {
		addr     string
		expected string
	}{
		{"203.0.113.7:443", "203.0.113.7"},
		{"203.0.113.7", "203.0.113.7"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"[2001:db8::1]", "2001:db8::1"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, upgradeHost(tt.addr), tt.addr)
	}
}

func TestUpgradeLimiterSweep(t *testing.T) {
	ul := newUpgradeLimiter()

	ul.allow("203.0.113.7:443")

	assert.Zero(t, ul.sweep(time.Now()))
	assert.Equal(t, 1, ul.sweep(time.Now().Add(idleEviction+time.Second)))

	ul.mu.Lock()
	entries := len(ul.entries)
	ul.mu.Unlock()
	assert.Zero(t, entries)
}

func TestTrySendDropsWhenFull(t *testing.T) {
	c := &Client{send: make(chan any, 1)}

	c.trySend("first")
	assert.NotPanics(t, func() {
		c.trySend("dropped")
	})

	assert.Equal(t, "first", <-c.send)
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message %v", msg)
	default:
	}
}
