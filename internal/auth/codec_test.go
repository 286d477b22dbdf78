package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte(strings.Repeat("k", MinSecretLength))

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestCodec(t *testing.T, clock *fakeClock, opts ...CodecOption) *Codec {
	t.Helper()
	opts = append([]CodecOption{WithClock(clock.Now)}, opts...)
	codec, err := NewCodec(testSecret, opts...)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func samplePrincipal() Principal {
	return Principal{
		UserID: 42,
		Email:  "a@x.io",
		OrgAuthorities: []OrgAuthority{
			{OrgID: 7, MemberID: 700, Role: RoleAdmin},
			{OrgID: 9, MemberID: 901, Role: RoleGuest},
		},
	}
}

func TestNewCodecRejectsShortSecret(t *testing.T) {
	if _, err := NewCodec([]byte("short")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := NewCodec(testSecret, WithAccessTTL(0)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero ttl, got %v", err)
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	clock := newClock()
	codec := newTestCodec(t, clock)
	p := samplePrincipal()

	token, issued, err := codec.IssueAccessToken(p)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if got := issued.ExpiresAt.Sub(issued.IssuedAt); got != 30*time.Minute {
		t.Fatalf("unexpected validity window %v", got)
	}

	claims, err := codec.VerifyAndDecode(token)
	if err != nil {
		t.Fatalf("VerifyAndDecode: %v", err)
	}
	if claims.Principal.UserID != p.UserID || claims.Principal.Email != p.Email {
		t.Fatalf("identity mismatch: %+v", claims.Principal)
	}
	if !slices.Equal(claims.Principal.OrgAuthorities, p.OrgAuthorities) {
		t.Fatalf("authorities mismatch: %+v", claims.Principal.OrgAuthorities)
	}
	if !claims.IssuedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected iat %v", claims.IssuedAt)
	}
}

func TestAccessTokenWireShape(t *testing.T) {
	codec := newTestCodec(t, newClock())
	token, _, err := codec.IssueAccessToken(Principal{UserID: 42, Email: "a@x.io", OrgAuthorities: []OrgAuthority{{OrgID: 7, MemberID: 700, Role: RoleAdmin}}})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected three segments, got %d", len(parts))
	}
	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if !strings.Contains(string(header), `"alg":"HS512"`) {
		t.Fatalf("unexpected header %s", header)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if raw["sub"] != "42" || raw["email"] != "a@x.io" {
		t.Fatalf("unexpected payload %v", raw)
	}
	orgs, ok := raw["orgAuthorityList"].([]any)
	if !ok || len(orgs) != 1 {
		t.Fatalf("unexpected orgAuthorityList %v", raw["orgAuthorityList"])
	}
	entry := orgs[0].(map[string]any)
	if entry["role"] != "ADMIN" || entry["orgId"] != float64(7) || entry["memberId"] != float64(700) {
		t.Fatalf("unexpected authority entry %v", entry)
	}
}

func TestEmptyAuthoritiesStayEmpty(t *testing.T) {
	codec := newTestCodec(t, newClock())
	token, _, err := codec.IssueAccessToken(Principal{UserID: 3, Email: "solo@x.io"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	claims, err := codec.VerifyAndDecode(token)
	if err != nil {
		t.Fatalf("VerifyAndDecode: %v", err)
	}
	if claims.Principal.OrgAuthorities == nil || len(claims.Principal.OrgAuthorities) != 0 {
		t.Fatalf("expected empty non-nil authorities, got %#v", claims.Principal.OrgAuthorities)
	}
}

func TestIssueAccessTokenValidatesPrincipal(t *testing.T) {
	codec := newTestCodec(t, newClock())
	cases := map[string]Principal{
		"zero user":     {UserID: 0, Email: "a@x.io"},
		"missing email": {UserID: 1},
		"bad role":      {UserID: 1, Email: "a@x.io", OrgAuthorities: []OrgAuthority{{OrgID: 1, Role: Role(17)}}},
		"duplicate org": {UserID: 1, Email: "a@x.io", OrgAuthorities: []OrgAuthority{{OrgID: 1}, {OrgID: 1}}},
		"zero org":      {UserID: 1, Email: "a@x.io", OrgAuthorities: []OrgAuthority{{OrgID: 0}}},
	}
	for name, p := range cases {
		if _, _, err := codec.IssueAccessToken(p); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestTamperedSignatureRejected(t *testing.T) {
	codec := newTestCodec(t, newClock())
	token, _, err := codec.IssueAccessToken(samplePrincipal())
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	dot := strings.LastIndex(token, ".")
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	for i := range sig {
		mutated := append([]byte(nil), sig...)
		mutated[i] ^= 0x01
		forged := token[:dot+1] + base64.RawURLEncoding.EncodeToString(mutated)
		_, err := codec.VerifyAndDecode(forged)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("byte %d: expected ErrInvalidSignature, got %v", i, err)
		}
		if codec.IsValid(forged) {
			t.Fatalf("byte %d: forged token reported valid", i)
		}
	}
}

func TestSignatureHasSingleEncoding(t *testing.T) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	codec := newTestCodec(t, newClock())
	token, _, err := codec.IssueAccessToken(samplePrincipal())
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	dot := strings.LastIndex(token, ".")
	for i := dot + 1; i < len(token); i++ {
		for _, r := range alphabet {
			if byte(r) == token[i] {
				continue
			}
			forged := token[:i] + string(r) + token[i+1:]
			if _, err := codec.VerifyAndDecode(forged); !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("position %d replaced by %q: expected ErrInvalidSignature, got %v", i-dot-1, r, err)
			}
		}
	}
}

func TestTamperedPayloadRejected(t *testing.T) {
	codec := newTestCodec(t, newClock())
	token, _, err := codec.IssueAccessToken(samplePrincipal())
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	parts := strings.Split(token, ".")
	payload, _ := base64.RawURLEncoding.DecodeString(parts[1])
	elevated := strings.Replace(string(payload), `"GUEST"`, `"ROOT_ADMIN"`, 1)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(elevated))
	if _, err := codec.VerifyAndDecode(strings.Join(parts, ".")); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestOtherSecretRejected(t *testing.T) {
	clock := newClock()
	codec := newTestCodec(t, clock)
	other, err := NewCodec([]byte(strings.Repeat("z", MinSecretLength)), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	token, _, err := other.IssueAccessToken(samplePrincipal())
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := codec.VerifyAndDecode(token); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestAccessTokenExpiry(t *testing.T) {
	clock := newClock()
	codec := newTestCodec(t, clock, WithAccessTTL(900*time.Second))
	token, _, err := codec.IssueAccessToken(samplePrincipal())
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	clock.Advance(899 * time.Second)
	if !codec.IsValid(token) {
		t.Fatalf("token should still be valid at t+899s")
	}

	clock.Advance(time.Second)
	if _, err := codec.VerifyAndDecode(token); err != nil {
		t.Fatalf("token must still verify at exactly t+900s, got %v", err)
	}

	clock.Advance(time.Second)
	_, err = codec.VerifyAndDecode(token)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired at t+901s, got %v", err)
	}
	if kind, _ := KindOf(err); kind.Status() != 401 {
		t.Fatalf("expired token must map to 401, got %d", kind.Status())
	}
}

func TestLeewayToleratesSkew(t *testing.T) {
	clock := newClock()
	codec := newTestCodec(t, clock, WithAccessTTL(time.Minute), WithLeeway(10*time.Second))
	token, _, err := codec.IssueAccessToken(samplePrincipal())
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	clock.Advance(65 * time.Second)
	if !codec.IsValid(token) {
		t.Fatalf("token within leeway should verify")
	}
	clock.Advance(10 * time.Second)
	if codec.IsValid(token) {
		t.Fatalf("token past leeway should not verify")
	}
}

func TestAlgorithmConfusionRejected(t *testing.T) {
	clock := newClock()
	codec := newTestCodec(t, clock)
	exp := jwt.NewNumericDate(clock.Now().Add(time.Hour))
	uid := int64(42)
	claims := accessClaims{
		UserID:           &uid,
		Email:            "a@x.io",
		OrgAuthorityList: []OrgAuthority{},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "42", IssuedAt: jwt.NewNumericDate(clock.Now()), ExpiresAt: exp},
	}

	hs256, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign HS256: %v", err)
	}
	if _, err := codec.VerifyAndDecode(hs256); err == nil {
		t.Fatalf("HS256 token must be rejected")
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := codec.VerifyAndDecode(none); err == nil {
		t.Fatalf("unsigned token must be rejected")
	}
}

func TestMalformedTokens(t *testing.T) {
	codec := newTestCodec(t, newClock())
	for _, token := range []string{"", "   ", "abc", "a.b", "a.b.c", "!!!.???.***"} {
		_, err := codec.VerifyAndDecode(token)
		if err == nil {
			t.Fatalf("%q: expected error", token)
		}
		kind, ok := KindOf(err)
		if !ok {
			t.Fatalf("%q: expected *Error, got %T", token, err)
		}
		if kind != KindMalformed && kind != KindInvalidSignature {
			t.Fatalf("%q: unexpected kind %v", token, kind)
		}
		if codec.IsValid(token) {
			t.Fatalf("%q: reported valid", token)
		}
	}
}

func TestMissingClaimsRejected(t *testing.T) {
	clock := newClock()
	codec := newTestCodec(t, clock)
	iat := jwt.NewNumericDate(clock.Now())
	exp := jwt.NewNumericDate(clock.Now().Add(time.Hour))
	uid := int64(42)

	cases := map[string]jwt.Claims{
		"no userId": accessClaims{Email: "a@x.io", RegisteredClaims: jwt.RegisteredClaims{Subject: "42", IssuedAt: iat, ExpiresAt: exp}},
		"no email":  accessClaims{UserID: &uid, RegisteredClaims: jwt.RegisteredClaims{Subject: "42", IssuedAt: iat, ExpiresAt: exp}},
		"no exp":    accessClaims{UserID: &uid, Email: "a@x.io", RegisteredClaims: jwt.RegisteredClaims{Subject: "42", IssuedAt: iat}},
		"bad sub":   accessClaims{UserID: &uid, Email: "a@x.io", RegisteredClaims: jwt.RegisteredClaims{Subject: "43", IssuedAt: iat, ExpiresAt: exp}},
		"no iat":    accessClaims{UserID: &uid, Email: "a@x.io", RegisteredClaims: jwt.RegisteredClaims{Subject: "42", ExpiresAt: exp}},
	}
	for name, claims := range cases {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
		if err != nil {
			t.Fatalf("%s: sign: %v", name, err)
		}
		if _, err := codec.VerifyAndDecode(token); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestTokenTypesAreNotInterchangeable(t *testing.T) {
	codec := newTestCodec(t, newClock())

	renewal, err := codec.IssueRenewalToken(42)
	if err != nil {
		t.Fatalf("IssueRenewalToken: %v", err)
	}
	if codec.IsValid(renewal.Token) {
		t.Fatalf("renewal token must not pass as access token")
	}

	stream, _, err := codec.IssueStreamToken(42)
	if err != nil {
		t.Fatalf("IssueStreamToken: %v", err)
	}
	if codec.IsValid(stream) {
		t.Fatalf("stream token must not pass as access token")
	}
	if _, err := codec.DecodeRenewalToken(stream); err == nil {
		t.Fatalf("stream token must not pass as renewal token")
	}

	access, _, err := codec.IssueAccessToken(samplePrincipal())
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := codec.DecodeStreamToken(access); err == nil {
		t.Fatalf("access token must not pass as stream token")
	}
}

func TestRenewalTokenCarriesOnlyUserID(t *testing.T) {
	clock := newClock()
	codec := newTestCodec(t, clock)
	rec, err := codec.IssueRenewalToken(42)
	if err != nil {
		t.Fatalf("IssueRenewalToken: %v", err)
	}
	if rec.UserID != 42 || rec.ExpiresAt.Sub(rec.IssuedAt) != codec.RefreshTTL() {
		t.Fatalf("unexpected record %+v", rec)
	}
	userID, err := codec.DecodeRenewalToken(rec.Token)
	if err != nil {
		t.Fatalf("DecodeRenewalToken: %v", err)
	}
	if userID != 42 {
		t.Fatalf("unexpected user id %d", userID)
	}

	again, err := codec.IssueRenewalToken(42)
	if err != nil {
		t.Fatalf("IssueRenewalToken: %v", err)
	}
	if again.Token == rec.Token {
		t.Fatalf("renewal tokens issued in the same second must differ")
	}

	clock.Advance(codec.RefreshTTL() + time.Second)
	if _, err := codec.DecodeRenewalToken(rec.Token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestStreamTokenRoundTrip(t *testing.T) {
	clock := newClock()
	codec := newTestCodec(t, clock)
	token, exp, err := codec.IssueStreamToken(42)
	if err != nil {
		t.Fatalf("IssueStreamToken: %v", err)
	}
	if exp.Sub(clock.Now()) != 5*time.Minute {
		t.Fatalf("unexpected stream expiry %v", exp)
	}
	p, err := codec.DecodeStreamToken(token)
	if err != nil {
		t.Fatalf("DecodeStreamToken: %v", err)
	}
	if p.UserID != 42 || len(p.OrgAuthorities) != 0 {
		t.Fatalf("unexpected principal %+v", p)
	}
	clock.Advance(5*time.Minute + time.Second)
	if _, err := codec.DecodeStreamToken(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestSubjectUserID(t *testing.T) {
	if id, err := subjectUserID(strconv.FormatInt(9, 10)); err != nil || id != 9 {
		t.Fatalf("unexpected %d %v", id, err)
	}
	for _, sub := range []string{"", "0", "-1", "abc"} {
		if _, err := subjectUserID(sub); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: expected ErrMalformed, got %v", sub, err)
		}
	}
}
