package chattest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/chatsync/chatsync"
	"github.com/vovakirdan/chatsync/chatsync/rest"
)

var alice = chatsync.Identity{UserID: "u1", UserName: "Alice"}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("k")
	tok, err := IssueToken(secret, alice, time.Minute)
	require.NoError(t, err)

	id, err := ValidateToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, alice, id)

	_, err = ValidateToken([]byte("other"), tok)
	assert.Error(t, err)

	expired, err := IssueToken(secret, alice, -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(secret, expired)
	assert.Error(t, err)
}

func TestMeEndpoint(t *testing.T) {
	secret := []byte("k")
	hs := httptest.NewServer(New(Options{Secret: secret}))
	defer hs.Close()

	tok, err := IssueToken(secret, alice, time.Minute)
	require.NoError(t, err)

	c := rest.NewClient(hs.URL + "/api")
	c.SetToken(tok)
	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &rest.UserInfo{UserID: "u1", UserName: "Alice"}, me)

	c.SetToken("bad")
	_, err = c.Me(context.Background())
	var apiErr *rest.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.Status)
}

func TestAssistUnavailable(t *testing.T) {
	hs := httptest.NewServer(New(Options{}))
	defer hs.Close()

	_, err := rest.NewClient(hs.URL+"/api").Complete(context.Background(), rest.CompletionRequest{Prompt: "hi"})
	var apiErr *rest.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 503, apiErr.Status)
}

// rawClient speaks the wire protocol directly, without the chatsync client.
func rawClient(t *testing.T, url string, id chatsync.Identity) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	data, _ := chatsync.MarshalData(chatsync.HelloPayload{Protocol: chatsync.ProtocolVersion, UserID: id.UserID, UserName: id.UserName})
	require.NoError(t, conn.WriteJSON(chatsync.Inbound{Type: chatsync.TypeHello, Data: data}))

	var welcome chatsync.Outbound
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, chatsync.TypeWelcome, welcome.Type)
	return conn
}

func TestSendAckAndBroadcast(t *testing.T) {
	srv := New(Options{})
	hs := httptest.NewServer(srv)
	defer hs.Close()
	conn := rawClient(t, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", alice)

	data, _ := chatsync.MarshalData(chatsync.SendMessagePayload{Content: "hi", ClientID: "n1"})
	require.NoError(t, conn.WriteJSON(chatsync.Inbound{Type: chatsync.TypeSendMessage, ID: 7, Data: data}))

	var ack, echo chatsync.Outbound
	require.NoError(t, conn.ReadJSON(&ack))
	require.NoError(t, conn.ReadJSON(&echo))

	assert.Equal(t, chatsync.TypeAck, ack.Type)
	assert.Equal(t, uint64(7), ack.ID)
	var m chatsync.Message
	require.NoError(t, chatsync.UnmarshalData(ack.Data, &m))
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "n1", m.ClientID)
	assert.Equal(t, "u1", m.SenderID)

	assert.Equal(t, chatsync.TypeEvent, echo.Type)
	assert.Equal(t, chatsync.EventMessage, echo.Event)
	assert.Len(t, srv.Received(), 1)
}

func TestRejectMode(t *testing.T) {
	srv := New(Options{})
	srv.SetAckMode(AckReject, "rate_limited")
	hs := httptest.NewServer(srv)
	defer hs.Close()
	conn := rawClient(t, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", alice)

	data, _ := chatsync.MarshalData(chatsync.SendMessagePayload{Content: "hi"})
	require.NoError(t, conn.WriteJSON(chatsync.Inbound{Type: chatsync.TypeSendMessage, ID: 1, Data: data}))

	var ack chatsync.Outbound
	require.NoError(t, conn.ReadJSON(&ack))
	require.NotNil(t, ack.Error)
	assert.Equal(t, "rate_limited", ack.Error.Code)
	assert.Empty(t, srv.Received())
}
