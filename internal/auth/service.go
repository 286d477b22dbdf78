package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service ties the codec to the session store and the membership
// directory: it signs users in, renews and revokes their sessions.
type Service struct {
	codec     *Codec
	sessions  SessionStore
	directory Directory
	now       func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source used for renewal row expiry.
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(codec *Codec, sessions SessionStore, directory Directory, opts ...ServiceOption) (*Service, error) {
	if codec == nil {
		return nil, errors.New("auth: codec is required")
	}
	if sessions == nil || directory == nil {
		return nil, errors.New("auth: session store and directory are required")
	}
	svc := &Service{codec: codec, sessions: sessions, directory: directory, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Codec exposes the token codec used by the service.
func (s *Service) Codec() *Codec { return s.codec }

// SignIn checks primary credentials and issues a fresh token pair. The
// renewal token replaces whatever the user held before.
func (s *Service) SignIn(ctx context.Context, email, password string) (TokenPair, Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	user, err := s.directory.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = VerifyPassword("", password)
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, Principal{}, err
	}
	if user.Deleted {
		return TokenPair{}, Principal{}, ErrAccountDisabled
	}
	principal, err := s.principalFor(ctx, user)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair, err := s.mintTokens(ctx, principal)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// Renew exchanges a renewal token for a new access token and rotates the
// renewal token. Organization authorities are re-read from the directory;
// nothing but the user id is taken from the presented token.
func (s *Service) Renew(ctx context.Context, renewalToken string) (TokenPair, Principal, error) {
	if strings.TrimSpace(renewalToken) == "" {
		return TokenPair{}, Principal{}, newError(KindUnauthenticated, "renewal token missing", nil)
	}
	userID, err := s.codec.DecodeRenewalToken(renewalToken)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	record, err := s.sessions.FindByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, newError(KindUnauthenticated, "renewal token not on record", nil)
		}
		return TokenPair{}, Principal{}, fmt.Errorf("load renewal token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(record.Token), []byte(renewalToken)) != 1 {
		return TokenPair{}, Principal{}, newError(KindUnauthenticated, "renewal token superseded", nil)
	}
	if s.now().After(record.ExpiresAt) {
		return TokenPair{}, Principal{}, newError(KindExpired, "renewal record expired", nil)
	}
	user, err := s.directory.FindUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, newError(KindUnauthenticated, "user no longer exists", nil)
		}
		return TokenPair{}, Principal{}, err
	}
	if user.Deleted {
		return TokenPair{}, Principal{}, newError(KindUnauthenticated, "user deleted", nil)
	}
	principal, err := s.principalFor(ctx, user)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair, err := s.mintTokens(ctx, principal)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// SignOut drops the renewal token of the user in the current unit of
// work. Access tokens already issued stay valid until they expire.
func (s *Service) SignOut(ctx context.Context) error {
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		return newError(KindUnauthenticated, ReasonNoPrincipal, nil)
	}
	return s.sessions.DeleteByUser(ctx, userID)
}

// IssueStreamToken mints a notification stream token for the current user.
func (s *Service) IssueStreamToken(ctx context.Context) (string, time.Time, error) {
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		return "", time.Time{}, newError(KindUnauthenticated, ReasonNoPrincipal, nil)
	}
	return s.codec.IssueStreamToken(userID)
}

// PrincipalFor builds the current principal of userID from the directory.
func (s *Service) PrincipalFor(ctx context.Context, userID int64) (Principal, error) {
	user, err := s.directory.FindUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	return s.principalFor(ctx, user)
}

func (s *Service) principalFor(ctx context.Context, user User) (Principal, error) {
	memberships, err := s.directory.Memberships(ctx, user.ID)
	if err != nil {
		return Principal{}, fmt.Errorf("load memberships: %w", err)
	}
	if memberships == nil {
		memberships = []OrgAuthority{}
	}
	return Principal{UserID: user.ID, Email: user.Email, OrgAuthorities: memberships}, nil
}

func (s *Service) mintTokens(ctx context.Context, principal Principal) (TokenPair, error) {
	access, claims, err := s.codec.IssueAccessToken(principal)
	if err != nil {
		return TokenPair{}, err
	}
	renewal, err := s.codec.IssueRenewalToken(principal.UserID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.sessions.Replace(ctx, renewal); err != nil {
		return TokenPair{}, fmt.Errorf("store renewal token: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     renewal.Token,
		AccessExpiresAt:  claims.ExpiresAt,
		RefreshExpiresAt: renewal.ExpiresAt,
	}, nil
}
