package chat

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"ourhour.org/internal/auth"
)

type chatClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialChat(t *testing.T, srv *httptest.Server) *chatClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return &chatClient{t: t, ws: ws}
}

func (c *chatClient) send(f Frame) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		c.t.Fatalf("write %s: %v", f.Command, err)
	}
}

func (c *chatClient) read() Frame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f Frame
	if err := wsjson.Read(ctx, c.ws, &f); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return f
}

// expect reads frames until one with the given command arrives.
func (c *chatClient) expect(command string) Frame {
	c.t.Helper()
	for i := 0; i < 8; i++ {
		if f := c.read(); f.Command == command {
			return f
		}
	}
	c.t.Fatalf("no %s frame received", command)
	return Frame{}
}

func newChatServer(t *testing.T) (*httptest.Server, *auth.Codec, *Hub) {
	t.Helper()
	codec, err := auth.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	hub := NewHub()
	srv := httptest.NewServer(NewServer(NewBridge(codec), hub))
	t.Cleanup(srv.Close)
	return srv, codec, hub
}

func bearer(t *testing.T, codec *auth.Codec, p auth.Principal) map[string]string {
	t.Helper()
	token, _, err := codec.IssueAccessToken(p)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestServerRoomRoundTrip(t *testing.T) {
	srv, codec, _ := newChatServer(t)
	c := dialChat(t, srv)

	c.send(Frame{Command: CommandConnect, Headers: bearer(t, codec, userU)})
	connected := c.expect(CommandConnected)
	if connected.Headers["user-id"] != "42" {
		t.Fatalf("unexpected CONNECTED headers %v", connected.Headers)
	}

	c.send(Frame{Command: CommandSubscribe, Headers: map[string]string{"destination": "/sub/orgs/100/rooms/5", "id": "sub-1", "receipt": "r1"}})
	if r := c.expect(CommandReceipt); r.Headers["receipt-id"] != "r1" {
		t.Fatalf("unexpected receipt %v", r.Headers)
	}

	c.send(Frame{Command: CommandSend, Headers: map[string]string{"destination": "/pub/orgs/100/rooms/5"}, Body: json.RawMessage(`{"text":"hi"}`)})
	msgFrame := c.expect(CommandMessage)
	if msgFrame.Headers["subscription"] != "sub-1" {
		t.Fatalf("unexpected MESSAGE headers %v", msgFrame.Headers)
	}
	var msg Message
	if err := json.Unmarshal(msgFrame.Body, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.SenderID != 42 || msg.MemberID != 7 || string(msg.Body) != `{"text":"hi"}` {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestServerRejectsFramesBeforeConnect(t *testing.T) {
	srv, _, hub := newChatServer(t)
	c := dialChat(t, srv)

	c.send(Frame{Command: CommandSubscribe, Headers: map[string]string{"destination": "/sub/orgs/100/rooms/5"}})
	errFrame := c.expect(CommandError)
	if errFrame.Headers["message"] != "unauthenticated" {
		t.Fatalf("unexpected ERROR frame %v", errFrame.Headers)
	}
	if hub.Subscribers("/sub/orgs/100/rooms/5") != 0 {
		t.Fatalf("subscription registered for unauthenticated connection")
	}
}

func TestServerRejectsInvalidConnectToken(t *testing.T) {
	srv, _, _ := newChatServer(t)
	c := dialChat(t, srv)

	c.send(Frame{Command: CommandConnect, Headers: map[string]string{"Authorization": "Bearer forged.token.value"}})
	if f := c.expect(CommandError); f.Headers["message"] != "unauthenticated" {
		t.Fatalf("unexpected ERROR frame %v", f.Headers)
	}
}

func TestServerGuardsRoomsAndNotifications(t *testing.T) {
	srv, codec, hub := newChatServer(t)
	c := dialChat(t, srv)
	c.send(Frame{Command: CommandConnect, Headers: bearer(t, codec, userU)})
	c.expect(CommandConnected)

	c.send(Frame{Command: CommandSend, Headers: map[string]string{"destination": "/pub/orgs/200/rooms/5"}, Body: json.RawMessage(`{}`)})
	if f := c.expect(CommandError); f.Headers["message"] != "forbidden" {
		t.Fatalf("expected uniform forbidden, got %v", f.Headers)
	}

	c.send(Frame{Command: CommandSubscribe, Headers: map[string]string{"destination": NotificationTopic(43)}})
	if f := c.expect(CommandError); f.Headers["message"] != "forbidden" {
		t.Fatalf("expected forbidden for foreign notifications, got %v", f.Headers)
	}

	c.send(Frame{Command: CommandSubscribe, Headers: map[string]string{"destination": NotificationTopic(42), "receipt": "n"}})
	c.expect(CommandReceipt)
	if hub.Subscribers(NotificationTopic(42)) != 1 {
		t.Fatalf("own notification subscription missing")
	}

	c.send(Frame{Command: "BOGUS"})
	if f := c.expect(CommandError); f.Headers["message"] != "bad request" {
		t.Fatalf("unexpected ERROR frame %v", f.Headers)
	}
}

func TestParseDestinations(t *testing.T) {
	if org, room, ok := parseRoomDestination(sendPrefix, "/pub/orgs/100/rooms/5"); !ok || org != 100 || room != 5 {
		t.Fatalf("unexpected parse %d %d %v", org, room, ok)
	}
	for _, dest := range []string{"/pub/orgs/100/rooms", "/pub/orgs/x/rooms/5", "/pub/orgs/100/halls/5", "/sub/orgs/100/rooms/5"} {
		if _, _, ok := parseRoomDestination(sendPrefix, dest); ok {
			t.Fatalf("%q should not parse", dest)
		}
	}
	if uid, ok := parseNotificationDestination("/sub/users/42/notifications"); !ok || uid != 42 {
		t.Fatalf("unexpected notification parse %d %v", uid, ok)
	}
}
