package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ResetUserPasswordSQL sets a new hash and clears the reset token and
// lockout state in one statement.
var ResetUserPasswordSQL = `UPDATE "users"
SET
	"password_hash" = ?,
	"password_reset_token" = NULL,
	"password_reset_expires_at" = NULL,
	"failed_login_attempts" = 0,
	"lockout_end" = NULL,
	"updated_at" = ?
WHERE
	"id" = ?
AND
	"is_deleted" = FALSE
RETURNING *;`

// RecordFailedLoginSQL counts a wrong password against the stored value. A
// lockout that has already elapsed is cleared and the count restarts.
var RecordFailedLoginSQL = `UPDATE "users"
SET
	"failed_login_attempts" = CASE
		WHEN "lockout_end" IS NOT NULL AND "lockout_end" <= ? THEN 1
		ELSE "failed_login_attempts" + 1
	END,
	"lockout_end" = CASE
		WHEN "lockout_end" IS NOT NULL AND "lockout_end" <= ? THEN NULL
		ELSE "lockout_end"
	END,
	"updated_at" = ?
WHERE
	"id" = ?
AND
	"is_deleted" = FALSE
RETURNING *;`

// LockOutUserSQL starts a lockout unless one is already running.
var LockOutUserSQL = `UPDATE "users"
SET
	"lockout_end" = ?,
	"updated_at" = ?
WHERE
	"id" = ?
AND
	("lockout_end" IS NULL OR "lockout_end" <= ?)
RETURNING *;`

// RecordLoginSuccessSQL resets the failure count of a user that is still
// allowed to authenticate.
var RecordLoginSuccessSQL = `UPDATE "users"
SET
	"failed_login_attempts" = 0,
	"last_login_at" = ?,
	"updated_at" = ?
WHERE
	"id" = ?
AND
	"is_deleted" = FALSE
AND
	"is_active" = TRUE
AND
	("lockout_end" IS NULL OR "lockout_end" <= ?)
RETURNING *;`

// Users is the credential store for identity records. Every method takes
// the bun.IDB it runs on so it can join the request transaction.
type Users interface {
	GetByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error)
	GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error)
	GetByUsernameTx(ctx context.Context, tx bun.IDB, username string) (*User, error)
	GetByRefreshTokenTx(ctx context.Context, tx bun.IDB, digest string) (*User, error)
	GetByVerificationTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error)
	GetByResetTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error)

	CreateTx(ctx context.Context, tx bun.IDB, user *User) (*User, error)
	RecordFailedLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (*User, error)
	LockOutTx(ctx context.Context, tx bun.IDB, id uuid.UUID, until, at time.Time) (bool, error)
	RecordLoginSuccessTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (*User, error)
	UpdateColumnsTx(ctx context.Context, tx bun.IDB, user *User, columns ...string) error
	SoftDeleteTx(ctx context.Context, tx bun.IDB, user *User) (bool, error)
	ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string, at time.Time) error
}

type users struct {
	repo repository.Repository[*User]
}

var _ Users = (*users)(nil)

// NewUsersRepository returns the bun backed Users store.
func NewUsersRepository(db *bun.DB) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
	})

	return &users{repo: repo}
}

func (a *users) GetByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error) {
	return a.getOneTx(ctx, tx, "id", id)
}

func (a *users) GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error) {
	return a.getOneTx(ctx, tx, "email", normalizeEmail(email))
}

func (a *users) GetByUsernameTx(ctx context.Context, tx bun.IDB, username string) (*User, error) {
	return a.getOneTx(ctx, tx, "username", strings.TrimSpace(username))
}

func (a *users) GetByVerificationTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error) {
	return a.getOneTx(ctx, tx, "email_verification_token", token)
}

func (a *users) GetByResetTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error) {
	return a.getOneTx(ctx, tx, "password_reset_token", token)
}

// GetByRefreshTokenTx finds the owner of a refresh token by its digest.
func (a *users) GetByRefreshTokenTx(ctx context.Context, tx bun.IDB, digest string) (*User, error) {
	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Join(`JOIN "refresh_tokens" AS "rt" ON "rt"."user_id" = "usr"."id"`).
		Where(`"rt"."token" = ?`, digest).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"refresh_token": "unknown",
				})
		}
		return nil, err
	}
	return record, nil
}

func (a *users) getOneTx(ctx context.Context, tx bun.IDB, column string, value any) (*User, error) {
	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Where(fmt.Sprintf("?TableAlias.%s = ?", column), value).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if isNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"column": column,
				})
		}
		return nil, err
	}

	return record, nil
}

func (a *users) CreateTx(ctx context.Context, tx bun.IDB, user *User) (*User, error) {
	prepareUserDefaults(user)
	return a.repo.CreateTx(ctx, tx, user)
}

// RecordFailedLoginTx increments the stored failure count and returns the
// updated row. Concurrent failures each count once.
func (a *users) RecordFailedLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (*User, error) {
	res, err := a.repo.RawTx(ctx, tx, RecordFailedLoginSQL, at, at, at, id.String())
	if err != nil {
		return nil, err
	}

	if len(res) == 0 {
		return nil, repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return res[0], nil
}

// LockOutTx sets the lockout end. It reports false when another attempt
// already locked the account.
func (a *users) LockOutTx(ctx context.Context, tx bun.IDB, id uuid.UUID, until, at time.Time) (bool, error) {
	res, err := a.repo.RawTx(ctx, tx, LockOutUserSQL, until, at, id.String(), at)
	if err != nil {
		return false, err
	}
	return len(res) == 1, nil
}

// RecordLoginSuccessTx clears the failure count and stamps the login. It
// returns nil when the account was locked or disabled after it was read.
func (a *users) RecordLoginSuccessTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (*User, error) {
	res, err := a.repo.RawTx(ctx, tx, RecordLoginSuccessSQL, at, at, id.String(), at)
	if err != nil {
		return nil, err
	}

	if len(res) == 0 {
		return nil, nil
	}

	return res[0], nil
}

func (a *users) UpdateColumnsTx(ctx context.Context, tx bun.IDB, user *User, columns ...string) error {
	res, err := tx.NewUpdate().
		Model(user).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectAffected(res, user.ID)
}

// SoftDeleteTx marks the user deleted and clears pending verification and
// reset tokens. It reports false when the row was already deleted.
func (a *users) SoftDeleteTx(ctx context.Context, tx bun.IDB, user *User) (bool, error) {
	res, err := tx.NewUpdate().
		Model(user).
		Column(
			"is_deleted",
			"deleted_at",
			"email_verification_token",
			"email_verification_expires_at",
			"password_reset_token",
			"password_reset_expires_at",
			"updated_at",
		).
		WherePK().
		Where("is_deleted = ?", false).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (a *users) ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string, at time.Time) error {
	res, err := a.repo.RawTx(ctx, tx, ResetUserPasswordSQL, passwordHash, at, id.String())
	if err != nil {
		return err
	}

	if len(res) == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return nil
}

func prepareUserDefaults(user *User) {
	if user == nil {
		return
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Role == "" {
		user.Role = RoleMember
	}
	user.Email = normalizeEmail(user.Email)
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err)
}

func expectAffected(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}
	return nil
}
