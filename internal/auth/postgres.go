package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	_ SessionStore = (*PGStore)(nil)
	_ Directory    = (*PGStore)(nil)
)

// PGStore implements SessionStore and Directory on PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Session store ------------------------------------------------------------

// Replace runs delete-then-insert in one transaction. The upsert covers two
// renewals racing on an empty table: the later commit wins and the unique
// user_id keeps a single row.
func (s *PGStore) Replace(ctx context.Context, rec RenewalRecord) error {
	if rec.UserID <= 0 || rec.Token == "" {
		return fmt.Errorf("%w: renewal record requires user id and token", ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from refresh_tokens where user_id=$1`, rec.UserID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`insert into refresh_tokens(user_id, token, issued_at, expires_at) values($1,$2,$3,$4)
		 on conflict (user_id) do update
		 set token = excluded.token, issued_at = excluded.issued_at, expires_at = excluded.expires_at`,
		rec.UserID, rec.Token, rec.IssuedAt.UTC(), rec.ExpiresAt.UTC(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) FindByUser(ctx context.Context, userID int64) (RenewalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select user_id, token, issued_at, expires_at from refresh_tokens where user_id=$1`, userID)
	var rec RenewalRecord
	if err := row.Scan(&rec.UserID, &rec.Token, &rec.IssuedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RenewalRecord{}, ErrNotFound
		}
		return RenewalRecord{}, err
	}
	return rec, nil
}

func (s *PGStore) DeleteByUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `delete from refresh_tokens where user_id=$1`, userID)
	return err
}

// Directory ----------------------------------------------------------------

func (s *PGStore) FindUser(ctx context.Context, userID int64) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, deleted, created_at from users where id=$1`, userID)
	return scanUser(row)
}

func (s *PGStore) FindByEmail(ctx context.Context, email string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, deleted, created_at from users where lower(email)=$1`, email)
	return scanUser(row)
}

func (s *PGStore) Memberships(ctx context.Context, userID int64) ([]OrgAuthority, error) {
	rows, err := s.db.QueryContext(ctx,
		`select org_id, id, role from org_members where user_id=$1 order by org_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []OrgAuthority{}
	for rows.Next() {
		var (
			a    OrgAuthority
			role string
		)
		if err := rows.Scan(&a.OrgID, &a.MemberID, &role); err != nil {
			return nil, err
		}
		if a.Role, err = ParseRole(role); err != nil {
			return nil, fmt.Errorf("membership of user %d in org %d: %w", userID, a.OrgID, err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Deleted, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}
