package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ourhour.org/internal/auth"
	"ourhour.org/internal/ids"
	"ourhour.org/internal/obs"
)

// ErrConnectionClosed is returned for frames that arrive on a connection
// the bridge no longer tracks.
var ErrConnectionClosed = errors.New("chat: connection closed")

// Verifier decodes access tokens presented at connection establishment.
type Verifier interface {
	VerifyAndDecode(token string) (auth.AccessClaims, error)
}

// State is the authentication state of one connection.
type State int

const (
	StateClosed State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// Session is the identity captured when a connection authenticated. It is
// never modified after creation; re-authentication stores a new value.
type Session struct {
	ConnID        string
	Principal     auth.Principal
	EstablishedAt time.Time
	ExpiresAt     time.Time
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithExpiryEnforcement makes the bridge reject frames once the access
// token presented at establishment has expired. Off by default: the
// established principal is trusted until the connection closes.
func WithExpiryEnforcement() BridgeOption {
	return func(b *Bridge) { b.enforceExpiry = true }
}

// WithBridgeClock overrides the time source.
func WithBridgeClock(fn func() time.Time) BridgeOption {
	return func(b *Bridge) {
		if fn != nil {
			b.now = fn
		}
	}
}

// WithBridgeLogger sets the logger used for dropped frames.
func WithBridgeLogger(l *logrus.Logger) BridgeOption {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// Bridge carries the identity established on the first frame of a
// persistent connection over to every later frame on it.
type Bridge struct {
	verifier      Verifier
	enforceExpiry bool
	now           func() time.Time
	log           *logrus.Logger

	mu    sync.RWMutex
	conns map[string]*Session // nil value: open but unauthenticated
}

func NewBridge(v Verifier, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		verifier: v,
		now:      time.Now,
		log:      obs.Logger(),
		conns:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open registers a freshly accepted connection and returns its id.
func (b *Bridge) Open() string {
	id := ids.New()
	b.mu.Lock()
	b.conns[id] = nil
	b.mu.Unlock()
	return id
}

// Establish verifies the bearer token carried in the headers of an
// establishment frame. On failure the connection stays unauthenticated.
func (b *Bridge) Establish(connID string, headers map[string]string) (Session, error) {
	entry := b.log.WithField("conn_id", connID)

	b.mu.RLock()
	_, open := b.conns[connID]
	b.mu.RUnlock()
	if !open {
		entry.Warn("establishment frame on closed connection dropped")
		return Session{}, ErrConnectionClosed
	}

	token, ok := BearerFromHeaders(headers)
	if !ok {
		entry.Warn("establishment frame without bearer token")
		return Session{}, &auth.Error{Kind: auth.KindUnauthenticated, Reason: "bearer token missing"}
	}
	claims, err := b.verifier.VerifyAndDecode(token)
	if err != nil {
		kind, _ := auth.KindOf(err)
		obs.VerifyFailure(kind.String())
		entry.WithError(err).Warn("establishment token rejected")
		return Session{}, err
	}

	sess := &Session{
		ConnID:        connID,
		Principal:     claims.Principal,
		EstablishedAt: b.now(),
		ExpiresAt:     claims.ExpiresAt,
	}

	b.mu.Lock()
	prev, open := b.conns[connID]
	if !open {
		b.mu.Unlock()
		return Session{}, ErrConnectionClosed
	}
	b.conns[connID] = sess
	b.mu.Unlock()

	if prev == nil {
		obs.ChatSessionOpened()
	}
	entry.WithField("user_id", sess.Principal.UserID).Debug("connection authenticated")
	return *sess, nil
}

// Dispatch runs fn for one data frame inside a fresh identity unit that
// holds the connection's principal. The unit is cleared when fn returns.
// Frames on unauthenticated or closed connections never reach fn.
func (b *Bridge) Dispatch(ctx context.Context, connID string, fn func(ctx context.Context) error) error {
	entry := b.log.WithField("conn_id", connID)

	b.mu.RLock()
	sess, open := b.conns[connID]
	b.mu.RUnlock()

	switch {
	case !open:
		entry.Warn("frame on closed connection dropped")
		return ErrConnectionClosed
	case sess == nil:
		entry.Warn("frame on unauthenticated connection dropped")
		return &auth.Error{Kind: auth.KindUnauthenticated, Reason: "connection not authenticated"}
	case b.enforceExpiry && b.now().After(sess.ExpiresAt):
		entry.WithField("user_id", sess.Principal.UserID).Info("frame after token expiry dropped")
		return &auth.Error{Kind: auth.KindExpired, Reason: "connection token expired"}
	}
	return auth.RunUnit(ctx, sess.Principal, fn)
}

// Session returns the stored session of an authenticated connection.
func (b *Bridge) Session(connID string) (Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess := b.conns[connID]
	if sess == nil {
		return Session{}, false
	}
	return *sess, true
}

// State reports the connection's state.
func (b *Bridge) State(connID string) State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess, open := b.conns[connID]
	switch {
	case !open:
		return StateClosed
	case sess == nil:
		return StateUnauthenticated
	default:
		return StateAuthenticated
	}
}

// Close discards the connection together with its principal.
func (b *Bridge) Close(connID string) {
	b.mu.Lock()
	sess, open := b.conns[connID]
	delete(b.conns, connID)
	b.mu.Unlock()
	if open && sess != nil {
		obs.ChatSessionClosed()
	}
}

// Active reports how many connections are currently tracked.
func (b *Bridge) Active() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// BearerFromHeaders extracts the token of an "Authorization: Bearer"
// header. Header names match case-insensitively.
func BearerFromHeaders(headers map[string]string) (string, bool) {
	for k, v := range headers {
		if !strings.EqualFold(k, "Authorization") {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) < len("Bearer ") || !strings.EqualFold(v[:len("Bearer ")], "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(v[len("Bearer "):])
		return token, token != ""
	}
	return "", false
}
