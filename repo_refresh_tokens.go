package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RefreshTokens stores refresh token records. Rows are only ever revoked.
type RefreshTokens interface {
	CreateTx(ctx context.Context, tx bun.IDB, record *RefreshToken) (*RefreshToken, error)
	// FindTx returns nil, nil when no record matches the digest.
	FindTx(ctx context.Context, tx bun.IDB, digest string) (*RefreshToken, error)
	// RevokeTx revokes an active token and reports whether this call did
	// it. Revoking an already revoked token is a no-op returning false.
	RevokeTx(ctx context.Context, tx bun.IDB, digest, byIP string, replacedBy *string, at time.Time) (bool, error)
	RevokeAllForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, byIP string, at time.Time) (int64, error)
	ListForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]*RefreshToken, error)
}

type refreshTokens struct {
	repo repository.Repository[*RefreshToken]
}

var _ RefreshTokens = (*refreshTokens)(nil)

// NewRefreshTokensRepository returns the bun backed RefreshTokens store.
func NewRefreshTokensRepository(db *bun.DB) RefreshTokens {
	handlers := repository.ModelHandlers[*RefreshToken]{
		NewRecord: func() *RefreshToken {
			return &RefreshToken{}
		},
		GetID: func(record *RefreshToken) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *RefreshToken, id uuid.UUID) {
			record.ID = id
		},
	}
	return &refreshTokens{repo: repository.NewRepository(db, handlers)}
}

func (r *refreshTokens) CreateTx(ctx context.Context, tx bun.IDB, record *RefreshToken) (*RefreshToken, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	return r.repo.CreateTx(ctx, tx, record)
}

func (r *refreshTokens) FindTx(ctx context.Context, tx bun.IDB, digest string) (*RefreshToken, error) {
	record := &RefreshToken{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.token = ?", digest).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func (r *refreshTokens) RevokeTx(ctx context.Context, tx bun.IDB, digest, byIP string, replacedBy *string, at time.Time) (bool, error) {
	q := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("is_revoked = ?", true).
		Set("revoked_at = ?", at).
		Set("revoked_by_ip = ?", byIP)

	if replacedBy != nil {
		q = q.Set("replaced_by_token = ?", *replacedBy)
	}

	res, err := q.
		Where("token = ?", digest).
		Where("is_revoked = ?", false).
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

func (r *refreshTokens) RevokeAllForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, byIP string, at time.Time) (int64, error) {
	res, err := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("is_revoked = ?", true).
		Set("revoked_at = ?", at).
		Set("revoked_by_ip = ?", byIP).
		Where("user_id = ?", userID).
		Where("is_revoked = ?", false).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *refreshTokens) ListForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]*RefreshToken, error) {
	var records []*RefreshToken
	err := tx.NewSelect().
		Model(&records).
		Where("?TableAlias.user_id = ?", userID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}
