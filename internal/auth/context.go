package auth

import (
	"context"
	"sync"
)

type unitContextKey struct{}
type tokenContextKey struct{}

// Unit holds the principal of one unit of work: one inbound request or
// one processed stream frame. A Unit is reachable only through the
// context it was created with, so concurrent units never share one.
type Unit struct {
	mu        sync.RWMutex
	principal *Principal
}

// Set replaces the principal held by the unit.
func (u *Unit) Set(p Principal) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.principal = &p
}

// Get returns the held principal, if any.
func (u *Unit) Get() (Principal, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.principal == nil {
		return Principal{}, false
	}
	return *u.principal, true
}

// Clear drops the held principal.
func (u *Unit) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.principal = nil
}

// BeginUnit opens a fresh identity unit bound to the returned context.
// The caller must call the returned release func when the unit ends.
func BeginUnit(ctx context.Context) (context.Context, *Unit, func()) {
	u := &Unit{}
	var once sync.Once
	release := func() { once.Do(u.Clear) }
	return context.WithValue(ctx, unitContextKey{}, u), u, release
}

// RunUnit runs fn inside a new identity unit holding p and clears the
// unit on every exit path, including a panic in fn.
func RunUnit(ctx context.Context, p Principal, fn func(ctx context.Context) error) error {
	ctx, u, release := BeginUnit(ctx)
	defer release()
	u.Set(p)
	return fn(ctx)
}

// UnitFromContext returns the identity unit of the current unit of work.
func UnitFromContext(ctx context.Context) (*Unit, bool) {
	if ctx == nil {
		return nil, false
	}
	u, ok := ctx.Value(unitContextKey{}).(*Unit)
	if !ok || u == nil {
		return nil, false
	}
	return u, true
}

// ContextWithPrincipal attaches the authenticated principal to the
// context, reusing the current unit when there is one.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	if u, ok := UnitFromContext(ctx); ok {
		u.Set(p)
		return ctx
	}
	ctx, u, _ := BeginUnit(ctx)
	u.Set(p)
	return ctx
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	u, ok := UnitFromContext(ctx)
	if !ok {
		return Principal{}, false
	}
	return u.Get()
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// UserIDFromContext returns the id of the authenticated user.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return 0, false
	}
	return p.UserID, true
}
