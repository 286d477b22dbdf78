package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ourhour.org/internal/ids"
)

const (
	// MinSecretLength is the shortest HS512 key the codec accepts.
	MinSecretLength = 64

	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
	defaultStreamTTL  = 5 * time.Minute

	streamTokenType = "SSE"
)

var signingMethod = jwt.SigningMethodHS512

type accessClaims struct {
	UserID           *int64         `json:"userId,omitempty"`
	Email            string         `json:"email,omitempty"`
	OrgAuthorityList []OrgAuthority `json:"orgAuthorityList"`
	TokenType        string         `json:"tokenType,omitempty"`
	jwt.RegisteredClaims
}

type renewalClaims struct {
	TokenType string `json:"tokenType,omitempty"`
	jwt.RegisteredClaims
}

type streamClaims struct {
	UserID    int64  `json:"userId"`
	TokenType string `json:"tokenType"`
	jwt.RegisteredClaims
}

// Codec issues and verifies HS512-signed identity tokens. It holds no
// mutable state and is safe for concurrent use.
type Codec struct {
	secret     []byte
	now        func() time.Time
	leeway     time.Duration
	accessTTL  time.Duration
	refreshTTL time.Duration
	streamTTL  time.Duration
}

// CodecOption configures a Codec.
type CodecOption func(*Codec) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: access ttl must be positive", ErrInvalidInput)
		}
		c.accessTTL = ttl
		return nil
	}
}

// WithRefreshTTL configures renewal token lifetime.
func WithRefreshTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: refresh ttl must be positive", ErrInvalidInput)
		}
		c.refreshTTL = ttl
		return nil
	}
}

// WithStreamTTL configures the lifetime of notification stream tokens.
func WithStreamTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: stream ttl must be positive", ErrInvalidInput)
		}
		c.streamTTL = ttl
		return nil
	}
}

// WithLeeway sets the clock skew tolerated when checking expiry.
func WithLeeway(d time.Duration) CodecOption {
	return func(c *Codec) error {
		if d < 0 {
			return fmt.Errorf("%w: leeway must not be negative", ErrInvalidInput)
		}
		c.leeway = d
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) CodecOption {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// NewCodec builds a codec around a symmetric secret of at least
// MinSecretLength bytes.
func NewCodec(secret []byte, opts ...CodecOption) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: secret must be at least %d bytes, got %d", ErrInvalidInput, MinSecretLength, len(secret))
	}
	c := &Codec{
		secret:     append([]byte(nil), secret...),
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		streamTTL:  defaultStreamTTL,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AccessTTL reports the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL reports the configured renewal token lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// StreamTTL reports the configured stream token lifetime.
func (c *Codec) StreamTTL() time.Duration { return c.streamTTL }

// IssueAccessToken signs a token embedding the full principal.
func (c *Codec) IssueAccessToken(p Principal) (string, AccessClaims, error) {
	if err := validatePrincipal(p); err != nil {
		return "", AccessClaims{}, err
	}
	iat, exp := c.window(c.accessTTL)
	userID := p.UserID
	orgs := make([]OrgAuthority, len(p.OrgAuthorities))
	copy(orgs, p.OrgAuthorities)
	claims := accessClaims{
		UserID:           &userID,
		Email:            p.Email,
		OrgAuthorityList: orgs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.UserID, 10),
			IssuedAt:  iat,
			ExpiresAt: exp,
		},
	}
	signed, err := c.sign(claims)
	if err != nil {
		return "", AccessClaims{}, err
	}
	return signed, AccessClaims{
		Principal: Principal{UserID: p.UserID, Email: p.Email, OrgAuthorities: orgs},
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}, nil
}

// IssueRenewalToken signs a long-lived token that carries only the user
// id. Each token gets a unique jti so two renewals within the same second
// still differ. The returned record is what the session store persists.
func (c *Codec) IssueRenewalToken(userID int64) (RenewalRecord, error) {
	if userID <= 0 {
		return RenewalRecord{}, fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}
	iat, exp := c.window(c.refreshTTL)
	signed, err := c.sign(renewalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.NewAt(iat.Time),
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  iat,
			ExpiresAt: exp,
		},
	})
	if err != nil {
		return RenewalRecord{}, err
	}
	return RenewalRecord{UserID: userID, Token: signed, IssuedAt: iat.Time, ExpiresAt: exp.Time}, nil
}

// IssueStreamToken signs a short-lived token for the notification event
// stream. It carries no organization authorities.
func (c *Codec) IssueStreamToken(userID int64) (string, time.Time, error) {
	if userID <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}
	iat, exp := c.window(c.streamTTL)
	signed, err := c.sign(streamClaims{
		UserID:    userID,
		TokenType: streamTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  iat,
			ExpiresAt: exp,
		},
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp.Time, nil
}

// VerifyAndDecode checks signature, algorithm and expiry of an access
// token and returns its claims. Failures are *Error with kind
// InvalidSignature, Expired or Malformed.
func (c *Codec) VerifyAndDecode(token string) (AccessClaims, error) {
	var claims accessClaims
	if err := c.parse(token, &claims); err != nil {
		return AccessClaims{}, err
	}
	if claims.TokenType != "" {
		return AccessClaims{}, newError(KindMalformed, "not an access token", nil)
	}
	if claims.UserID == nil || *claims.UserID <= 0 {
		return AccessClaims{}, newError(KindMalformed, "userId claim missing", nil)
	}
	if strings.TrimSpace(claims.Email) == "" {
		return AccessClaims{}, newError(KindMalformed, "email claim missing", nil)
	}
	if claims.Subject != strconv.FormatInt(*claims.UserID, 10) {
		return AccessClaims{}, newError(KindMalformed, "subject does not match userId", nil)
	}
	if claims.IssuedAt == nil {
		return AccessClaims{}, newError(KindMalformed, "iat claim missing", nil)
	}
	orgs := claims.OrgAuthorityList
	if orgs == nil {
		orgs = []OrgAuthority{}
	}
	p := Principal{UserID: *claims.UserID, Email: claims.Email, OrgAuthorities: orgs}
	if err := validateAuthorities(p.OrgAuthorities); err != nil {
		return AccessClaims{}, newError(KindMalformed, "invalid orgAuthorityList", err)
	}
	return AccessClaims{Principal: p, IssuedAt: claims.IssuedAt.Time, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// DecodeRenewalToken verifies a renewal token and extracts only the user
// id. Any other claim the token might carry is ignored.
func (c *Codec) DecodeRenewalToken(token string) (int64, error) {
	var claims renewalClaims
	if err := c.parse(token, &claims); err != nil {
		return 0, err
	}
	if claims.TokenType != "" {
		return 0, newError(KindMalformed, "not a renewal token", nil)
	}
	return subjectUserID(claims.Subject)
}

// DecodeStreamToken verifies a notification stream token and returns the
// minimal principal it stands for.
func (c *Codec) DecodeStreamToken(token string) (Principal, error) {
	var claims streamClaims
	if err := c.parse(token, &claims); err != nil {
		return Principal{}, err
	}
	if claims.TokenType != streamTokenType {
		return Principal{}, newError(KindMalformed, "not a stream token", nil)
	}
	userID, err := subjectUserID(claims.Subject)
	if err != nil {
		return Principal{}, err
	}
	if claims.UserID != userID {
		return Principal{}, newError(KindMalformed, "subject does not match userId", nil)
	}
	return Principal{UserID: userID, OrgAuthorities: []OrgAuthority{}}, nil
}

// IsValid reports whether token is a currently valid access token. It
// never fails.
func (c *Codec) IsValid(token string) bool {
	_, err := c.VerifyAndDecode(token)
	return err == nil
}

func (c *Codec) window(ttl time.Duration) (*jwt.NumericDate, *jwt.NumericDate) {
	now := c.now().UTC()
	return jwt.NewNumericDate(now), jwt.NewNumericDate(now.Add(ttl))
}

func (c *Codec) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// parse verifies the signature and expiry of token into claims. Segments
// must be canonical base64url, so a token has exactly one encoding. A
// token is expired only once now is strictly after exp plus leeway.
func (c *Codec) parse(token string, claims jwt.Claims) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return newError(KindMalformed, "empty token", nil)
	}
	if dot := strings.LastIndexByte(token, '.'); strings.Count(token, ".") == 2 {
		if _, err := base64.RawURLEncoding.Strict().DecodeString(token[dot+1:]); err != nil {
			return newError(KindInvalidSignature, "signature segment not canonical", err)
		}
	}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != signingMethod {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return classify(err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return newError(KindMalformed, "exp claim unreadable", err)
	}
	if exp == nil {
		return newError(KindMalformed, "exp claim missing", nil)
	}
	if c.now().After(exp.Time.Add(c.leeway)) {
		return newError(KindExpired, "token expired", jwt.ErrTokenExpired)
	}
	return nil
}

func classify(err error) *Error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return newError(KindExpired, "token expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return newError(KindInvalidSignature, "signature rejected", err)
	default:
		return newError(KindMalformed, "token rejected", err)
	}
}

func subjectUserID(sub string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(sub), 10, 64)
	if err != nil || id <= 0 {
		return 0, newError(KindMalformed, "subject is not a user id", err)
	}
	return id, nil
}

func validatePrincipal(p Principal) error {
	if p.UserID <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	return validateAuthorities(p.OrgAuthorities)
}

func validateAuthorities(list []OrgAuthority) error {
	seen := make(map[int64]struct{}, len(list))
	for _, a := range list {
		if a.OrgID <= 0 {
			return fmt.Errorf("%w: org id must be positive", ErrInvalidInput)
		}
		if !a.Role.Valid() {
			return fmt.Errorf("%w: org %d has invalid role", ErrInvalidInput, a.OrgID)
		}
		if _, dup := seen[a.OrgID]; dup {
			return fmt.Errorf("%w: duplicate authority for org %d", ErrInvalidInput, a.OrgID)
		}
		seen[a.OrgID] = struct{}{}
	}
	return nil
}
