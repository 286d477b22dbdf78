// Package grpcauth carries bearer authentication onto gRPC: the same
// access tokens and identity units the HTTP layer uses.
package grpcauth

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"ourhour.org/internal/auth"
	"ourhour.org/internal/obs"
)

const authorizationKey = "authorization"

// Verifier decodes access tokens.
type Verifier interface {
	VerifyAndDecode(token string) (auth.AccessClaims, error)
}

// Option configures the interceptors.
type Option func(*config)

type config struct {
	public map[string]bool
}

// WithPublicMethods lists full method names callable without a token,
// e.g. "/grpc.health.v1.Health/Check".
func WithPublicMethods(methods ...string) Option {
	return func(c *config) {
		for _, m := range methods {
			c.public[m] = true
		}
	}
}

func newConfig(opts []Option) *config {
	c := &config{public: make(map[string]bool)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UnaryServerInterceptor authenticates each unary call inside its own
// identity unit, released when the handler returns.
func UnaryServerInterceptor(v Verifier, opts ...Option) grpc.UnaryServerInterceptor {
	cfg := newConfig(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, release, err := authenticate(ctx, v, cfg, info.FullMethod)
		if err != nil {
			return nil, err
		}
		defer release()
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart; the unit lives as
// long as the stream handler.
func StreamServerInterceptor(v Verifier, opts ...Option) grpc.StreamServerInterceptor {
	cfg := newConfig(opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, release, err := authenticate(ss.Context(), v, cfg, info.FullMethod)
		if err != nil {
			return err
		}
		defer release()
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticate(ctx context.Context, v Verifier, cfg *config, method string) (context.Context, func(), error) {
	ctx, unit, release := auth.BeginUnit(ctx)

	token, ok := tokenFromMetadata(ctx)
	if !ok {
		if cfg.public[method] {
			return ctx, release, nil
		}
		release()
		return nil, nil, StatusFor(auth.ErrUnauthenticated)
	}
	claims, err := v.VerifyAndDecode(token)
	if err != nil {
		release()
		kind, _ := auth.KindOf(err)
		obs.VerifyFailure(kind.String())
		obs.Logger().WithFields(logrus.Fields{
			"method": method,
			"kind":   kind.String(),
		}).Debug("grpc token rejected")
		return nil, nil, StatusFor(err)
	}
	unit.Set(claims.Principal)
	return auth.ContextWithToken(ctx, token), release, nil
}

func tokenFromMetadata(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	for _, v := range md.Get(authorizationKey) {
		v = strings.TrimSpace(v)
		if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			if tok := strings.TrimSpace(v[7:]); tok != "" {
				return tok, true
			}
		}
	}
	return "", false
}

// StatusFor maps auth failures onto gRPC status codes with the same
// public messages the HTTP layer uses.
func StatusFor(err error) error {
	kind, ok := auth.KindOf(err)
	if !ok {
		return status.Error(codes.Internal, "internal error")
	}
	if kind == auth.KindForbidden {
		return status.Error(codes.PermissionDenied, kind.PublicMessage())
	}
	return status.Error(codes.Unauthenticated, kind.PublicMessage())
}

// OutgoingWithToken attaches a bearer token to an outgoing client call.
func OutgoingWithToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+token)
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }
