package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ourhour.org/internal/auth"
)

var testSecret = []byte(strings.Repeat("c", auth.MinSecretLength))

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newCodec(t *testing.T, clock *fakeClock) *auth.Codec {
	t.Helper()
	codec, err := auth.NewCodec(testSecret, auth.WithClock(clock.Now), auth.WithAccessTTL(15*time.Minute))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func issue(t *testing.T, codec *auth.Codec, p auth.Principal) string {
	t.Helper()
	token, _, err := codec.IssueAccessToken(p)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	return token
}

var userU = auth.Principal{
	UserID:         42,
	Email:          "u@x.io",
	OrgAuthorities: []auth.OrgAuthority{{OrgID: 100, MemberID: 7, Role: auth.RoleMember}},
}

func TestBridgeReattachesPrincipalPerFrame(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := newCodec(t, clock)
	bridge := NewBridge(codec)

	connID := bridge.Open()
	if bridge.State(connID) != StateUnauthenticated {
		t.Fatalf("new connection should be unauthenticated")
	}
	sess, err := bridge.Establish(connID, map[string]string{"Authorization": "Bearer " + issue(t, codec, userU)})
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if sess.Principal.UserID != 42 || bridge.State(connID) != StateAuthenticated {
		t.Fatalf("unexpected session %+v", sess)
	}

	var units []*auth.Unit
	for i := 0; i < 3; i++ {
		err := bridge.Dispatch(context.Background(), connID, func(ctx context.Context) error {
			uid, ok := auth.UserIDFromContext(ctx)
			if !ok || uid != 42 {
				return errors.New("principal not attached")
			}
			u, _ := auth.UnitFromContext(ctx)
			units = append(units, u)
			return nil
		})
		if err != nil {
			t.Fatalf("frame %d: %v", i+1, err)
		}
	}
	for i, u := range units {
		if _, ok := u.Get(); ok {
			t.Fatalf("frame %d identity unit not cleared", i+1)
		}
	}

	bridge.Close(connID)
	ran := false
	err = bridge.Dispatch(context.Background(), connID, func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, ErrConnectionClosed) || ran {
		t.Fatalf("frame after close must be rejected, err=%v ran=%v", err, ran)
	}
	if _, ok := bridge.Session(connID); ok {
		t.Fatalf("session survived close")
	}
}

func TestBridgeRejectsUnauthenticatedFrames(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	codec := newCodec(t, clock)
	bridge := NewBridge(codec)
	connID := bridge.Open()

	for _, headers := range []map[string]string{
		nil,
		{"Authorization": "Basic abc"},
		{"Authorization": "Bearer not-a-token"},
	} {
		if _, err := bridge.Establish(connID, headers); !errors.Is(err, auth.ErrUnauthenticated) && !errors.Is(err, auth.ErrMalformed) {
			t.Fatalf("headers %v: expected auth failure, got %v", headers, err)
		}
		if bridge.State(connID) != StateUnauthenticated {
			t.Fatalf("failed establishment changed state")
		}
	}

	ran := false
	err := bridge.Dispatch(context.Background(), connID, func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, auth.ErrUnauthenticated) || ran {
		t.Fatalf("unauthenticated frame must be dropped, err=%v ran=%v", err, ran)
	}
}

func TestBridgeTrustsPrincipalUntilDisconnect(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := newCodec(t, clock)
	bridge := NewBridge(codec, WithBridgeClock(clock.Now))
	connID := bridge.Open()
	if _, err := bridge.Establish(connID, map[string]string{"authorization": "bearer " + issue(t, codec, userU)}); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	clock.Advance(time.Hour)
	if err := bridge.Dispatch(context.Background(), connID, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("baseline bridge must not re-check expiry: %v", err)
	}
}

func TestBridgeExpiryEnforcement(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := newCodec(t, clock)
	bridge := NewBridge(codec, WithBridgeClock(clock.Now), WithExpiryEnforcement())
	connID := bridge.Open()
	if _, err := bridge.Establish(connID, map[string]string{"Authorization": "Bearer " + issue(t, codec, userU)}); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if err := bridge.Dispatch(context.Background(), connID, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("fresh session rejected: %v", err)
	}
	clock.Advance(16 * time.Minute)
	if err := bridge.Dispatch(context.Background(), connID, func(context.Context) error { return nil }); !errors.Is(err, auth.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestBridgeReauthenticationReplacesSession(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	codec := newCodec(t, clock)
	bridge := NewBridge(codec)
	connID := bridge.Open()
	if _, err := bridge.Establish(connID, map[string]string{"Authorization": "Bearer " + issue(t, codec, userU)}); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	first, _ := bridge.Session(connID)

	other := auth.Principal{UserID: 43, Email: "o@x.io", OrgAuthorities: []auth.OrgAuthority{}}
	if _, err := bridge.Establish(connID, map[string]string{"Authorization": "Bearer " + issue(t, codec, other)}); err != nil {
		t.Fatalf("re-Establish: %v", err)
	}
	second, _ := bridge.Session(connID)
	if first.Principal.UserID != 42 || second.Principal.UserID != 43 {
		t.Fatalf("session not replaced: %+v -> %+v", first.Principal, second.Principal)
	}
}

func TestBridgeConcurrentFramesAcrossConnections(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	codec := newCodec(t, clock)
	bridge := NewBridge(codec)

	conns := make(map[int64]string)
	for uid := int64(1); uid <= 16; uid++ {
		connID := bridge.Open()
		p := auth.Principal{UserID: uid, Email: "p@x.io"}
		if _, err := bridge.Establish(connID, map[string]string{"Authorization": "Bearer " + issue(t, codec, p)}); err != nil {
			t.Fatalf("Establish: %v", err)
		}
		conns[uid] = connID
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16*20)
	for uid, connID := range conns {
		for n := 0; n < 20; n++ {
			wg.Add(1)
			go func(uid int64, connID string) {
				defer wg.Done()
				errs <- bridge.Dispatch(context.Background(), connID, func(ctx context.Context) error {
					got, _ := auth.UserIDFromContext(ctx)
					if got != uid {
						return errors.New("identity leaked between connections")
					}
					return nil
				})
			}(uid, connID)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestBearerFromHeaders(t *testing.T) {
	cases := []struct {
		headers map[string]string
		token   string
		ok      bool
	}{
		{map[string]string{"Authorization": "Bearer abc"}, "abc", true},
		{map[string]string{"AUTHORIZATION": "bearer  abc "}, "abc", true},
		{map[string]string{"Authorization": "Bearer "}, "", false},
		{map[string]string{"Authorization": "Token abc"}, "", false},
		{map[string]string{"X-Other": "Bearer abc"}, "", false},
	}
	for _, tc := range cases {
		token, ok := BearerFromHeaders(tc.headers)
		if token != tc.token || ok != tc.ok {
			t.Fatalf("%v: got %q %v", tc.headers, token, ok)
		}
	}
}
