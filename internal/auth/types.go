package auth

import "time"

// OrgAuthority is a user's standing within one organization. MemberID is
// the membership identifier inside that organization, not the user id.
type OrgAuthority struct {
	OrgID    int64 `json:"orgId"`
	MemberID int64 `json:"memberId"`
	Role     Role  `json:"role"`
}

// Principal is the verified identity carried by an access token. It is
// built at sign-in or renewal time and never mutated afterwards.
type Principal struct {
	UserID         int64          `json:"userId"`
	Email          string         `json:"email"`
	OrgAuthorities []OrgAuthority `json:"orgAuthorityList"`
}

// Authority returns the entry for orgID, if the principal belongs to it.
func (p Principal) Authority(orgID int64) (OrgAuthority, bool) {
	for _, a := range p.OrgAuthorities {
		if a.OrgID == orgID {
			return a, true
		}
	}
	return OrgAuthority{}, false
}

// MemberIDFor returns the membership id the principal holds in orgID.
func (p Principal) MemberIDFor(orgID int64) (int64, bool) {
	a, ok := p.Authority(orgID)
	return a.MemberID, ok
}

// RoleFor returns the principal's role in orgID.
func (p Principal) RoleFor(orgID int64) (Role, bool) {
	a, ok := p.Authority(orgID)
	return a.Role, ok
}

// User is the slice of an account the auth core reads. Accounts are
// owned by the user-management subsystem.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Deleted      bool
	CreatedAt    time.Time
}

// RenewalRecord is the persisted renewal token of one user.
type RenewalRecord struct {
	UserID    int64
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenPair is what sign-in and renewal hand back to the caller.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AccessClaims is a decoded access token: the principal plus its
// validity window.
type AccessClaims struct {
	Principal Principal
	IssuedAt  time.Time
	ExpiresAt time.Time
}
