package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"pairchat-backend/internal/fanout"
	"pairchat-backend/internal/models"
	"pairchat-backend/internal/services"
	"pairchat-backend/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records every frame written to it.
type fakeConn struct {
	mu     sync.Mutex
	msgs   []models.WSMessage
	closed bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, v.(models.WSMessage))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.Event)
	}
	return out
}

// last returns the data of the most recent frame with event, decoded into v.
func (f *fakeConn) last(t *testing.T, event string, v interface{}) bool {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Event == event {
			require.NoError(t, json.Unmarshal(f.msgs[i].Data, v))
			return true
		}
	}
	return false
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
}

type testGateway struct {
	*Gateway
	svc *services.Services
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	svc := services.New(store.NewMemoryStore(), store.NewPartitioner(8))
	bus := fanout.NewLocalBus()
	g := NewGateway("test", svc, NewHub(), bus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, g.Start(ctx))
	return &testGateway{Gateway: g, svc: svc}
}

// newSharedGateways returns two instances over one store and one bus.
func newSharedGateways(t *testing.T) (*testGateway, *testGateway) {
	t.Helper()
	svc := services.New(store.NewMemoryStore(), store.NewPartitioner(8))
	bus := fanout.NewLocalBus()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a := NewGateway("a", svc, NewHub(), bus)
	b := NewGateway("b", svc, NewHub(), bus)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	return &testGateway{Gateway: a, svc: svc}, &testGateway{Gateway: b, svc: svc}
}

func (g *testGateway) connect(claimed string) (*Client, *fakeConn) {
	conn := &fakeConn{}
	c := NewClient(conn, claimed)
	g.hub.Register(c)
	return c, conn
}

func (g *testGateway) send(t *testing.T, c *Client, event string, data interface{}) {
	t.Helper()
	msg, err := models.NewWSMessage(event, data)
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	g.HandleMessage(c, raw)
}

// join connects a socket and joins the lobby as username.
func (g *testGateway) join(t *testing.T, username string) (*Client, *fakeConn) {
	t.Helper()
	c, conn := g.connect("")
	g.send(t, c, models.EventJoinLobby, models.JoinLobbyPayload{Username: username})
	return c, conn
}

// pair runs request and accept between requester and responder and returns the room id.
func (g *testGateway) pair(t *testing.T, requester, responder *Client, from, to string) string {
	t.Helper()
	g.send(t, requester, models.EventChatRequest, models.ChatRequestPayload{FromUser: from, ToUser: to})
	g.send(t, responder, models.EventChatResponse, models.ChatResponsePayload{FromUser: from, ToUser: to, Accepted: true})

	user, err := g.svc.Presence.GetUser(context.Background(), from)
	require.NoError(t, err)
	require.True(t, user.InRoom)
	return user.RoomID
}

func TestJoinLobbyBroadcastsUserList(t *testing.T) {
	g := newTestGateway(t)

	_, alice := g.join(t, "alice")
	var list []string
	require.True(t, alice.last(t, models.EventUpdateUserList, &list))
	assert.Equal(t, []string{"alice"}, list)

	_, bob := g.join(t, "bob")
	for _, conn := range []*fakeConn{alice, bob} {
		require.True(t, conn.last(t, models.EventUpdateUserList, &list))
		assert.Equal(t, []string{"alice", "bob"}, list)
	}
}

func TestJoinLobbyRejectsInvalidUsername(t *testing.T) {
	g := newTestGateway(t)
	c, conn := g.connect("")
	g.send(t, c, models.EventJoinLobby, models.JoinLobbyPayload{Username: "bad\x00name"})

	assert.Equal(t, []string{models.EventError}, conn.events())
	ok, err := g.svc.Presence.UsernameAvailable(context.Background(), "bad\x00name")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChatRequestAccepted(t *testing.T) {
	g := newTestGateway(t)
	a, alice := g.join(t, "alice")
	b, bob := g.join(t, "bob")

	g.send(t, a, models.EventChatRequest, models.ChatRequestPayload{FromUser: "alice", ToUser: "bob"})
	var req models.ChatRequestNotice
	require.True(t, bob.last(t, models.EventChatRequest, &req))
	assert.Equal(t, "alice", req.FromUser)
	assert.NotContains(t, alice.events(), models.EventChatRequest)

	g.send(t, b, models.EventChatResponse, models.ChatResponsePayload{FromUser: "alice", ToUser: "bob", Accepted: true})

	var toAlice, toBob models.ChatResponseNotice
	require.True(t, alice.last(t, models.EventChatResponse, &toAlice))
	require.True(t, bob.last(t, models.EventChatResponse, &toBob))
	assert.True(t, toAlice.Accepted)
	assert.True(t, toBob.Accepted)
	assert.Equal(t, "bob", toAlice.OtherUser)
	assert.Equal(t, "alice", toBob.OtherUser)
	assert.NotEmpty(t, toAlice.RoomID)
	assert.Equal(t, toAlice.RoomID, toBob.RoomID)

	var list []string
	require.True(t, alice.last(t, models.EventUpdateUserList, &list))
	assert.Empty(t, list)
}

func TestAcceptWithdrawsRequestsAimedAtPair(t *testing.T) {
	g := newTestGateway(t)
	a, _ := g.join(t, "alice")
	b, bob := g.join(t, "bob")
	c, carol := g.join(t, "carol")
	d, dave := g.join(t, "dave")

	g.send(t, c, models.EventChatRequest, models.ChatRequestPayload{FromUser: "carol", ToUser: "bob"})
	g.send(t, d, models.EventChatRequest, models.ChatRequestPayload{FromUser: "dave", ToUser: "alice"})
	g.send(t, a, models.EventChatRequest, models.ChatRequestPayload{FromUser: "alice", ToUser: "bob"})
	bob.reset()

	g.send(t, b, models.EventChatResponse, models.ChatResponsePayload{FromUser: "alice", ToUser: "bob", Accepted: true})

	for _, conn := range []*fakeConn{carol, dave} {
		var resp models.ChatResponseNotice
		require.True(t, conn.last(t, models.EventChatResponse, &resp))
		assert.False(t, resp.Accepted)
		assert.Equal(t, models.MsgUserNotAvailable, resp.Message)
	}
	var canceled models.ChatRequestNotice
	require.True(t, bob.last(t, models.EventRequestCanceled, &canceled))
	assert.Equal(t, "carol", canceled.FromUser)

	// carol's slot is free again.
	dave.reset()
	g.send(t, c, models.EventChatRequest, models.ChatRequestPayload{FromUser: "carol", ToUser: "dave"})
	var req models.ChatRequestNotice
	require.True(t, dave.last(t, models.EventChatRequest, &req))
	assert.Equal(t, "carol", req.FromUser)
}

func TestChatRequestDenials(t *testing.T) {
	g := newTestGateway(t)
	a, alice := g.join(t, "alice")
	b, _ := g.join(t, "bob")
	c, carol := g.join(t, "carol")
	d, _ := g.join(t, "dave")

	g.send(t, a, models.EventChatRequest, models.ChatRequestPayload{FromUser: "alice", ToUser: "bob"})
	g.send(t, a, models.EventChatRequest, models.ChatRequestPayload{FromUser: "alice", ToUser: "carol"})

	var resp models.ChatResponseNotice
	require.True(t, alice.last(t, models.EventChatResponse, &resp))
	assert.False(t, resp.Accepted)
	assert.Equal(t, models.MsgPendingExists, resp.Message)
	assert.NotContains(t, carol.events(), models.EventChatRequest)

	g.pair(t, d, b, "dave", "bob")

	carol.reset()
	g.send(t, c, models.EventChatRequest, models.ChatRequestPayload{FromUser: "carol", ToUser: "bob"})
	require.True(t, carol.last(t, models.EventChatResponse, &resp))
	assert.False(t, resp.Accepted)
	assert.Equal(t, models.MsgUserNotAvailable, resp.Message)
}

func TestChatRequestUnknownUsersIgnored(t *testing.T) {
	g := newTestGateway(t)
	a, alice := g.join(t, "alice")
	alice.reset()

	g.send(t, a, models.EventChatRequest, models.ChatRequestPayload{FromUser: "alice", ToUser: "ghost"})
	assert.Empty(t, alice.events())
}

func TestChatResponseDeclined(t *testing.T) {
	g := newTestGateway(t)
	a, alice := g.join(t, "alice")
	b, bob := g.join(t, "bob")

	g.send(t, a, models.EventChatRequest, models.ChatRequestPayload{FromUser: "alice", ToUser: "bob"})
	bob.reset()
	g.send(t, b, models.EventChatResponse, models.ChatResponsePayload{FromUser: "alice", ToUser: "bob", Accepted: false})

	var resp models.ChatResponseNotice
	require.True(t, alice.last(t, models.EventChatResponse, &resp))
	assert.False(t, resp.Accepted)
	assert.Equal(t, models.MsgRequestDeclined, resp.Message)
	assert.NotContains(t, bob.events(), models.EventChatResponse)
}

func TestChatResponseWithoutRequest(t *testing.T) {
	g := newTestGateway(t)
	_, alice := g.join(t, "alice")
	b, bob := g.join(t, "bob")
	alice.reset()

	g.send(t, b, models.EventChatResponse, models.ChatResponsePayload{FromUser: "alice", ToUser: "bob", Accepted: true})

	var resp models.ChatResponseNotice
	require.True(t, bob.last(t, models.EventChatResponse, &resp))
	assert.Equal(t, models.MsgNoPendingRequest, resp.Message)
	assert.Empty(t, alice.events())
}

func TestJoinRoom(t *testing.T) {
	g := newTestGateway(t)
	a, _ := g.join(t, "alice")
	b, _ := g.join(t, "bob")
	_, _ = g.join(t, "carol")
	roomID := g.pair(t, a, b, "alice", "bob")

	roomSock, roomConn := g.connect("")
	g.send(t, roomSock, models.EventJoinRoom, models.RoomPayload{Username: "alice", RoomID: roomID})
	var status models.StatusNotice
	require.True(t, roomConn.last(t, models.EventJoinRoomSuccess, &status))
	assert.Equal(t, models.MsgJoinedRoom, status.Message)
	assert.True(t, g.hub.InRoom(roomID, roomSock.ID))

	intruder, intruderConn := g.connect("")
	g.send(t, intruder, models.EventJoinRoom, models.RoomPayload{Username: "carol", RoomID: roomID})
	require.True(t, intruderConn.last(t, models.EventJoinRoomFailure, &status))
	assert.Equal(t, models.MsgUnauthorized, status.Message)
	assert.False(t, g.hub.InRoom(roomID, intruder.ID))
}

// enterRoom pairs alice and bob, closes their lobby sockets and opens a room
// socket for each, the way a browser moves from the lobby page to the room page.
func enterRoom(t *testing.T, g *testGateway) (roomID string, alice, bob *Client, aliceConn, bobConn *fakeConn) {
	t.Helper()
	a, _ := g.join(t, "alice")
	b, _ := g.join(t, "bob")
	roomID = g.pair(t, a, b, "alice", "bob")
	g.Disconnect(a)
	g.Disconnect(b)

	alice, aliceConn = g.connect("")
	bob, bobConn = g.connect("")
	g.send(t, alice, models.EventJoinRoom, models.RoomPayload{Username: "alice", RoomID: roomID})
	g.send(t, bob, models.EventJoinRoom, models.RoomPayload{Username: "bob", RoomID: roomID})
	aliceConn.reset()
	bobConn.reset()
	return roomID, alice, bob, aliceConn, bobConn
}

func TestSendMessageRelaysToOthers(t *testing.T) {
	g := newTestGateway(t)
	roomID, alice, _, aliceConn, bobConn := enterRoom(t, g)

	g.send(t, alice, models.EventSendMessage, models.SendMessagePayload{
		RoomID: roomID, Username: "alice", Message: "ciphertext", AESKey: "k", IV: "iv",
	})

	var got models.ReceiveMessage
	require.True(t, bobConn.last(t, models.EventReceiveMessage, &got))
	assert.Equal(t, models.ReceiveMessage{
		Message: "ciphertext", Username: "alice", Type: models.MessageTypeUser, AESKey: "k", IV: "iv",
	}, got)
	assert.Empty(t, aliceConn.events(), "sender does not get its own message")
}

func TestSendMessageUnauthorized(t *testing.T) {
	g := newTestGateway(t)
	roomID, _, _, _, bobConn := enterRoom(t, g)
	c, carol := g.join(t, "carol")

	g.send(t, c, models.EventSendMessage, models.SendMessagePayload{RoomID: roomID, Username: "carol", Message: "hi"})

	var status models.StatusNotice
	require.True(t, carol.last(t, models.EventError, &status))
	assert.Equal(t, models.MsgUnauthorizedShort, status.Message)
	assert.NotContains(t, bobConn.events(), models.EventReceiveMessage)
}

func TestSharePublicKey(t *testing.T) {
	g := newTestGateway(t)
	roomID, alice, _, aliceConn, bobConn := enterRoom(t, g)

	g.send(t, alice, models.EventSharePublicKey, models.SharePublicKeyPayload{RoomID: roomID, Username: "alice", PublicKey: "pk"})

	var got models.ReceivePublicKey
	require.True(t, bobConn.last(t, models.EventReceivePubKey, &got))
	assert.Equal(t, models.ReceivePublicKey{PublicKey: "pk", Username: "alice"}, got)
	assert.Empty(t, aliceConn.events())

	outsider, _ := g.connect("")
	bobConn.reset()
	g.send(t, outsider, models.EventSharePublicKey, models.SharePublicKeyPayload{RoomID: roomID, Username: "mallory", PublicKey: "evil"})
	assert.Empty(t, bobConn.events())
}

func TestLeaveRoomNotifiesPartner(t *testing.T) {
	g := newTestGateway(t)
	roomID, alice, _, aliceConn, bobConn := enterRoom(t, g)

	g.send(t, alice, models.EventLeaveRoom, models.RoomPayload{Username: "alice", RoomID: roomID})

	var got models.ReceiveMessage
	require.True(t, bobConn.last(t, models.EventReceiveMessage, &got))
	assert.Equal(t, models.ReceiveMessage{Message: models.MsgLeftChat, Username: "alice", Type: models.MessageTypeSystem}, got)
	assert.NotContains(t, aliceConn.events(), models.EventReceiveMessage)

	var list []string
	require.True(t, bobConn.last(t, models.EventUpdateUserList, &list))
	assert.Equal(t, []string{"alice"}, list)
	assert.False(t, g.hub.InRoom(roomID, alice.ID))
}

func TestLeaveServerCancelsRequests(t *testing.T) {
	g := newTestGateway(t)
	a, _ := g.join(t, "alice")
	_, bob := g.join(t, "bob")
	c, carol := g.join(t, "carol")

	g.send(t, a, models.EventChatRequest, models.ChatRequestPayload{FromUser: "alice", ToUser: "bob"})
	g.send(t, c, models.EventChatRequest, models.ChatRequestPayload{FromUser: "carol", ToUser: "alice"})

	g.send(t, a, models.EventLeaveServer, models.LeaveServerPayload{Username: "alice"})

	var canceled models.ChatRequestNotice
	require.True(t, bob.last(t, models.EventRequestCanceled, &canceled))
	assert.Equal(t, "alice", canceled.FromUser)

	var resp models.ChatResponseNotice
	require.True(t, carol.last(t, models.EventChatResponse, &resp))
	assert.Equal(t, models.MsgUserNotAvailable, resp.Message)

	var list []string
	require.True(t, bob.last(t, models.EventUpdateUserList, &list))
	assert.Equal(t, []string{"bob", "carol"}, list)
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("lobby user is removed", func(t *testing.T) {
		g := newTestGateway(t)
		a, _ := g.join(t, "alice")
		_, bob := g.join(t, "bob")

		g.Disconnect(a)

		_, err := g.svc.Presence.GetUser(ctx, "alice")
		assert.ErrorIs(t, err, services.ErrNotFound)
		var list []string
		require.True(t, bob.last(t, models.EventUpdateUserList, &list))
		assert.Equal(t, []string{"bob"}, list)
	})

	t.Run("second socket keeps user", func(t *testing.T) {
		g := newTestGateway(t)
		first, _ := g.join(t, "alice")
		_, _ = g.join(t, "alice")

		g.Disconnect(first)
		_, err := g.svc.Presence.GetUser(ctx, "alice")
		assert.NoError(t, err)
	})

	t.Run("lobby socket closing on the way to the room", func(t *testing.T) {
		g := newTestGateway(t)
		a, _ := g.join(t, "alice")
		b, _ := g.join(t, "bob")
		roomID := g.pair(t, a, b, "alice", "bob")

		g.Disconnect(a)

		user, err := g.svc.Presence.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, roomID, user.RoomID)
	})

	t.Run("room socket closing tears down", func(t *testing.T) {
		g := newTestGateway(t)
		roomID, alice, _, _, bobConn := enterRoom(t, g)

		g.Disconnect(alice)

		_, err := g.svc.Presence.GetUser(ctx, "alice")
		assert.ErrorIs(t, err, services.ErrNotFound)
		room, err := g.svc.Rooms.GetRoom(ctx, roomID)
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, room.Users)

		var got models.ReceiveMessage
		require.True(t, bobConn.last(t, models.EventReceiveMessage, &got))
		assert.Equal(t, models.MsgLeftChat, got.Message)
	})

	t.Run("room socket closing after leave_room keeps user", func(t *testing.T) {
		g1, g2 := newSharedGateways(t)
		roomID, alice, _, _, bobConn := enterRoom(t, g1)

		g1.send(t, alice, models.EventLeaveRoom, models.RoomPayload{Username: "alice", RoomID: roomID})
		_, lobbyConn := g2.join(t, "alice")
		g1.Disconnect(alice)

		user, err := g1.svc.Presence.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, user.InRoom)
		lobby, err := g1.svc.Presence.ListLobbyUsers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, lobby)

		// alice is still reachable from the lobby socket on the other instance.
		lobbyConn.reset()
		carol, _ := g2.join(t, "carol")
		g2.send(t, carol, models.EventChatRequest, models.ChatRequestPayload{FromUser: "carol", ToUser: "alice"})
		var req models.ChatRequestNotice
		require.True(t, lobbyConn.last(t, models.EventChatRequest, &req))
		assert.Equal(t, "carol", req.FromUser)
		assert.NotContains(t, bobConn.events(), models.EventChatRequest)
	})

	t.Run("room socket closing after leave_room before the lobby opens", func(t *testing.T) {
		g := newTestGateway(t)
		roomID, alice, _, _, _ := enterRoom(t, g)

		g.send(t, alice, models.EventLeaveRoom, models.RoomPayload{Username: "alice", RoomID: roomID})
		g.Disconnect(alice)

		user, err := g.svc.Presence.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, user.InRoom)
	})

	t.Run("anonymous socket", func(t *testing.T) {
		g := newTestGateway(t)
		c, _ := g.connect("")
		g.Disconnect(c)
		assert.Zero(t, g.hub.Count())
	})
}

func TestClaimedSocketCannotImpersonate(t *testing.T) {
	g := newTestGateway(t)
	_, bob := g.join(t, "bob")
	c, conn := g.connect("alice")

	g.send(t, c, models.EventJoinLobby, models.JoinLobbyPayload{Username: "mallory"})
	var status models.StatusNotice
	require.True(t, conn.last(t, models.EventError, &status))
	assert.Equal(t, models.MsgUnauthorizedShort, status.Message)

	ok, err := g.svc.Presence.UsernameAvailable(context.Background(), "mallory")
	require.NoError(t, err)
	assert.True(t, ok)

	g.send(t, c, models.EventJoinLobby, models.JoinLobbyPayload{Username: "alice"})
	var list []string
	require.True(t, bob.last(t, models.EventUpdateUserList, &list))
	assert.Equal(t, []string{"alice", "bob"}, list)
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	g := newTestGateway(t)
	c, conn := g.connect("")

	g.HandleMessage(c, []byte("not json"))
	g.HandleMessage(c, []byte(`{"event":"join_lobby"}`))
	g.HandleMessage(c, []byte(`{"event":"join_lobby","data":{}}`))
	g.HandleMessage(c, []byte(`{"event":"no_such_event","data":{}}`))

	assert.Empty(t, conn.events())
	assert.Zero(t, g.hub.Connections(""))
}
