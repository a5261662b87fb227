package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/uptrace/bun"
)

// Blacklist stores revoked access token ids until they would have expired.
type Blacklist interface {
	BlacklistChecker
	// AddTx inserts entry. A duplicate token id is treated as already
	// blacklisted and is not an error.
	AddTx(ctx context.Context, tx bun.IDB, entry *BlacklistedToken) error
	// Remember caches a committed entry so lookups skip the database.
	Remember(entry *BlacklistedToken)
	PruneExpired(ctx context.Context) (int64, error)
}

type blacklist struct {
	db    *bun.DB
	cache *cache.Cache
	clock Clock
}

var _ Blacklist = (*blacklist)(nil)

// NewBlacklistRepository returns the bun backed Blacklist. Only positive
// hits are cached, a miss always goes to the database.
func NewBlacklistRepository(db *bun.DB, clock Clock) Blacklist {
	return &blacklist{
		db:    db,
		cache: cache.New(10*time.Minute, 30*time.Minute),
		clock: clock,
	}
}

func (b *blacklist) AddTx(ctx context.Context, tx bun.IDB, entry *BlacklistedToken) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.BlacklistedAt.IsZero() {
		entry.BlacklistedAt = b.clock.now()
	}

	_, err := tx.NewInsert().
		Model(entry).
		On("CONFLICT (token_id) DO NOTHING").
		Exec(ctx)
	return err
}

// IsBlacklisted only reads committed rows, so a hit is safe to cache.
func (b *blacklist) IsBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}

	now := b.clock.now()

	if v, ok := b.cache.Get(tokenID); ok {
		if exp, ok := v.(time.Time); ok && now.Before(exp) {
			return true, nil
		}
		b.cache.Delete(tokenID)
	}

	entry := &BlacklistedToken{}
	err := b.db.NewSelect().
		Model(entry).
		Where("?TableAlias.token_id = ?", tokenID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if entry.IsExpired(now) {
		return false, nil
	}

	b.remember(entry, now)
	return true, nil
}

func (b *blacklist) Remember(entry *BlacklistedToken) {
	if entry == nil {
		return
	}
	b.remember(entry, b.clock.now())
}

func (b *blacklist) remember(entry *BlacklistedToken, now time.Time) {
	ttl := entry.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	b.cache.Set(entry.TokenID, entry.ExpiresAt, ttl)
}

// PruneExpired deletes rows whose access token has expired.
func (b *blacklist) PruneExpired(ctx context.Context) (int64, error) {
	res, err := b.db.NewDelete().
		Model((*BlacklistedToken)(nil)).
		Where("expires_at <= ?", b.clock.now()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
