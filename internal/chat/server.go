package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"

	"ourhour.org/internal/audit"
	"ourhour.org/internal/auth"
	"ourhour.org/internal/ids"
	"ourhour.org/internal/obs"
)

// Frame commands.
const (
	CommandConnect     = "CONNECT"
	CommandConnected   = "CONNECTED"
	CommandSend        = "SEND"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandDisconnect  = "DISCONNECT"
	CommandMessage     = "MESSAGE"
	CommandReceipt     = "RECEIPT"
	CommandError       = "ERROR"
)

const (
	sendPrefix = "/pub/orgs/"
	subPrefix  = "/sub/orgs/"

	writeTimeout = 5 * time.Second
)

// Frame is the JSON envelope exchanged over the chat WebSocket.
type Frame struct {
	Command string            `json:"command"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

func (f Frame) header(name string) string {
	return strings.TrimSpace(f.Headers[name])
}

var errBadFrame = errors.New("chat: bad frame")

// RoomMessage is the request behind a SEND frame.
type RoomMessage struct {
	OrgID  int64
	RoomID int64
	Body   json.RawMessage
}

// Server is the WebSocket endpoint of the chat transport.
type Server struct {
	bridge         *Bridge
	hub            *Hub
	log            *logrus.Logger
	originPatterns []string
	send           auth.Operation[RoomMessage, Message]
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithOriginPatterns restricts which browser origins may open a connection.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(s *Server) { s.originPatterns = append(s.originPatterns, patterns...) }
}

func NewServer(bridge *Bridge, hub *Hub, opts ...ServerOption) *Server {
	s := &Server{bridge: bridge, hub: hub, log: obs.Logger()}
	s.send = auth.Protect(auth.DefaultRequiredRole, func(m RoomMessage) int64 { return m.OrgID }, s.publishRoomMessage)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish sends a room message on behalf of the principal in ctx. It is
// the guarded operation behind SEND frames.
func (s *Server) Publish(ctx context.Context, msg RoomMessage) (Message, error) {
	return s.send(ctx, msg)
}

func (s *Server) publishRoomMessage(ctx context.Context, m RoomMessage) (Message, error) {
	principal, _ := auth.PrincipalFromContext(ctx)
	memberID, _ := principal.MemberIDFor(m.OrgID)
	topic := RoomTopic(m.OrgID, m.RoomID)
	msg := Message{
		ID:          ids.New(),
		Destination: topic,
		SenderID:    principal.UserID,
		MemberID:    memberID,
		Body:        m.Body,
		SentAt:      time.Now().UTC(),
	}
	s.hub.Publish(topic, msg)
	return msg, nil
}

type connection struct {
	id   string
	ws   *websocket.Conn
	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.log.WithError(err).Warn("websocket accept failed")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{id: s.bridge.Open(), ws: ws, subs: make(map[string]context.CancelFunc)}
	defer s.bridge.Close(c.id)
	entry := s.log.WithField("conn_id", c.id)
	entry.Debug("chat connection opened")

	for {
		var f Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			var ce websocket.CloseError
			if !errors.As(err, &ce) && !errors.Is(err, context.Canceled) {
				entry.WithError(err).Debug("chat read ended")
			}
			_ = ws.Close(websocket.StatusNormalClosure, "closed")
			return
		}
		if f.Command == CommandDisconnect {
			s.bridge.Close(c.id)
			_ = ws.Close(websocket.StatusNormalClosure, "disconnect")
			return
		}
		if err := s.handle(ctx, c, f); err != nil {
			s.reject(ctx, c, f, err)
			continue
		}
		if receipt := f.header("receipt"); receipt != "" {
			_ = s.write(ctx, c, Frame{Command: CommandReceipt, Headers: map[string]string{"receipt-id": receipt}})
		}
	}
}

func (s *Server) handle(ctx context.Context, c *connection, f Frame) error {
	switch f.Command {
	case CommandConnect:
		sess, err := s.bridge.Establish(c.id, f.Headers)
		if err != nil {
			return err
		}
		return s.write(ctx, c, Frame{Command: CommandConnected, Headers: map[string]string{
			"version": "1.2",
			"user-id": strconv.FormatInt(sess.Principal.UserID, 10),
		}})
	case CommandSend:
		return s.bridge.Dispatch(ctx, c.id, func(ctx context.Context) error {
			orgID, roomID, ok := parseRoomDestination(sendPrefix, f.header("destination"))
			if !ok {
				return errBadFrame
			}
			_, err := s.Publish(ctx, RoomMessage{OrgID: orgID, RoomID: roomID, Body: f.Body})
			return err
		})
	case CommandSubscribe:
		return s.bridge.Dispatch(ctx, c.id, func(frameCtx context.Context) error {
			return s.subscribe(frameCtx, ctx, c, f)
		})
	case CommandUnsubscribe:
		return s.bridge.Dispatch(ctx, c.id, func(context.Context) error {
			c.mu.Lock()
			stop, ok := c.subs[f.header("id")]
			delete(c.subs, f.header("id"))
			c.mu.Unlock()
			if ok {
				stop()
			}
			return nil
		})
	default:
		return errBadFrame
	}
}

// subscribe authorizes the destination inside the frame's identity unit.
// Delivery is bound to the connection context, not the frame's.
func (s *Server) subscribe(frameCtx, connCtx context.Context, c *connection, f Frame) error {
	dest := f.header("destination")
	if err := authorizeDestination(frameCtx, dest); err != nil {
		return err
	}
	subID := f.header("id")
	if subID == "" {
		subID = ids.New()
	}

	subCtx, stop := context.WithCancel(connCtx)
	c.mu.Lock()
	if prev, ok := c.subs[subID]; ok {
		prev()
	}
	c.subs[subID] = stop
	c.mu.Unlock()

	ch := s.hub.Subscribe(subCtx, dest)
	go func() {
		for msg := range ch {
			body, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_ = s.write(subCtx, c, Frame{
				Command: CommandMessage,
				Headers: map[string]string{"destination": dest, "subscription": subID, "message-id": msg.ID},
				Body:    body,
			})
		}
	}()
	return nil
}

func authorizeDestination(ctx context.Context, dest string) error {
	if orgID, _, ok := parseRoomDestination(subPrefix, dest); ok {
		_, err := auth.Authorize(ctx, orgID, auth.DefaultRequiredRole)
		return err
	}
	if userID, ok := parseNotificationDestination(dest); ok {
		principal, _ := auth.PrincipalFromContext(ctx)
		if principal.UserID != userID {
			return &auth.Error{Kind: auth.KindForbidden, Reason: "foreign notification topic"}
		}
		return nil
	}
	return errBadFrame
}

func (s *Server) reject(ctx context.Context, c *connection, f Frame, err error) {
	entry := s.log.WithFields(logrus.Fields{"conn_id": c.id, "command": f.Command})
	message := "bad request"
	var authErr *auth.Error
	switch {
	case errors.As(err, &authErr):
		message = authErr.Kind.PublicMessage()
		if authErr.Kind == auth.KindForbidden {
			obs.GuardDenied(authErr.Reason)
			_ = audit.LogEvent(ctx, "auth.guard.denied", map[string]any{
				"conn_id": c.id, "reason": authErr.Reason, "destination": f.header("destination"),
			})
		}
		entry.WithField("reason", authErr.Reason).Info("chat frame rejected")
	case errors.Is(err, ErrConnectionClosed):
		entry.Info("chat frame on closed connection dropped")
		return
	default:
		entry.WithError(err).Info("chat frame rejected")
	}
	_ = s.write(ctx, c, Frame{Command: CommandError, Headers: map[string]string{"message": message}})
}

func (s *Server) write(ctx context.Context, c *connection, f Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, c.ws, f)
}

// parseRoomDestination parses "<prefix>{orgId}/rooms/{roomId}".
func parseRoomDestination(prefix, dest string) (orgID, roomID int64, ok bool) {
	rest, found := strings.CutPrefix(dest, prefix)
	if !found {
		return 0, 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "rooms" {
		return 0, 0, false
	}
	orgID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	roomID, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil || roomID <= 0 {
		return 0, 0, false
	}
	return orgID, roomID, true
}

func parseNotificationDestination(dest string) (int64, bool) {
	rest, found := strings.CutPrefix(dest, "/sub/users/")
	if !found {
		return 0, false
	}
	idPart, found := strings.CutSuffix(rest, "/notifications")
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
