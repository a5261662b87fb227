package auth

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories and the transaction boundary.
type RepositoryManager interface {
	Validate() error
	MustValidate()
	// RunInTx runs f in a transaction. It fails with ErrNestedTransaction
	// when ctx already carries one, and rolls back when f fails or ctx is
	// cancelled before commit.
	RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error
	Users() Users
	RefreshTokens() RefreshTokens
	Blacklist() Blacklist
}

type txMarker struct{}

// InTransaction reports whether ctx belongs to a running RunInTx callback.
func InTransaction(ctx context.Context) bool {
	return ctx.Value(txMarker{}) != nil
}

// RepositoryOption configures the repository manager.
type RepositoryOption func(*mngr)

// WithRepositoryClock sets the clock used for blacklist expiry checks.
func WithRepositoryClock(clock Clock) RepositoryOption {
	return func(m *mngr) {
		m.clock = clock
	}
}

type mngr struct {
	db            *bun.DB
	clock         Clock
	users         Users
	refreshTokens RefreshTokens
	blacklist     Blacklist
}

func NewRepositoryManager(db *bun.DB, opts ...RepositoryOption) RepositoryManager {
	m := &mngr{db: db}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.users = NewUsersRepository(db)
	m.refreshTokens = NewRefreshTokensRepository(db)
	m.blacklist = NewBlacklistRepository(db, m.clock)
	return m
}

func (m *mngr) Validate() error {
	if m.db == nil {
		return errors.New("repository manager requires a database")
	}

	if m.users == nil {
		return errors.New("repository users should be initialized")
	}

	if m.refreshTokens == nil {
		return errors.New("repository refreshTokens should be initialized")
	}

	if m.blacklist == nil {
		return errors.New("repository blacklist should be initialized")
	}

	return nil
}

func (m *mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m *mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	if InTransaction(ctx) {
		return ErrNestedTransaction
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return m.db.RunInTx(ctx, opts, func(ctx context.Context, tx bun.Tx) error {
		ctx = context.WithValue(ctx, txMarker{}, true)
		if err := f(ctx, tx); err != nil {
			return err
		}
		// do not commit work for a request that was cancelled meanwhile
		return ctx.Err()
	})
}

func (m *mngr) Users() Users {
	return m.users
}

func (m *mngr) RefreshTokens() RefreshTokens {
	return m.refreshTokens
}

func (m *mngr) Blacklist() Blacklist {
	return m.blacklist
}
