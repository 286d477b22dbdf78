package auth

import "context"

// SessionStore persists at most one renewal token per user.
type SessionStore interface {
	// Replace atomically removes any existing record for rec.UserID and
	// stores rec in its place.
	Replace(ctx context.Context, rec RenewalRecord) error
	// FindByUser returns ErrNotFound when the user holds no renewal token.
	FindByUser(ctx context.Context, userID int64) (RenewalRecord, error)
	// DeleteByUser removes the user's record; deleting nothing is not an error.
	DeleteByUser(ctx context.Context, userID int64) error
}

// Directory is the read side of user accounts and organization
// memberships. The source of truth lives in the membership subsystem;
// the auth core only re-reads it when minting tokens.
type Directory interface {
	FindUser(ctx context.Context, userID int64) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	Memberships(ctx context.Context, userID int64) ([]OrgAuthority, error)
}
