package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-auth-tokens"
)

// interleavedRepo lets a test replace the stores the lifecycle manager
// sees, to replay the interleavings of concurrent requests on a single
// connection.
type interleavedRepo struct {
	auth.RepositoryManager
	users         auth.Users
	refreshTokens auth.RefreshTokens
}

func (r *interleavedRepo) Users() auth.Users {
	if r.users != nil {
		return r.users
	}
	return r.RepositoryManager.Users()
}

func (r *interleavedRepo) RefreshTokens() auth.RefreshTokens {
	if r.refreshTokens != nil {
		return r.refreshTokens
	}
	return r.RepositoryManager.RefreshTokens()
}

// staleUsers answers email lookups with a snapshot taken before any
// attempt ran, the view of requests that all read the row together.
type staleUsers struct {
	auth.Users
	snapshot auth.User
}

func (u *staleUsers) GetByEmailTx(context.Context, bun.IDB, string) (*auth.User, error) {
	user := u.snapshot
	return &user, nil
}

// revokedAfterFind revokes the token once it has been read, as a request
// that won the race and committed in between would.
type revokedAfterFind struct {
	auth.RefreshTokens
	at time.Time
}

func (r *revokedAfterFind) FindTx(ctx context.Context, tx bun.IDB, digest string) (*auth.RefreshToken, error) {
	record, err := r.RefreshTokens.FindTx(ctx, tx, digest)
	if err != nil || record == nil {
		return record, err
	}
	if _, err := r.RefreshTokens.RevokeTx(ctx, tx, digest, "10.0.0.99", nil, r.at); err != nil {
		return nil, err
	}
	return record, nil
}

func (f *fixture) managerWith(repo auth.RepositoryManager) *auth.LifecycleManager {
	return auth.NewLifecycleManager(repo, f.signer, f.cfg,
		auth.WithLifecycleClock(f.clock.Now),
		auth.WithPasswordHasher(f.hasher),
		auth.WithNotifier(f.notifier),
		auth.WithActivitySink(f.sink),
	)
}

func TestLoginFailuresCountAgainstStoredRow(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	manager := f.managerWith(&interleavedRepo{
		RepositoryManager: f.repo,
		users:             &staleUsers{Users: f.repo.Users(), snapshot: *user},
	})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: "wrong-password"})
		requireKind(t, err, auth.KindInvalidCredentials)
		assert.Equal(t, i, f.user(user.ID).FailedLoginAttempts, "attempt %d", i)
	}

	stored := f.user(user.ID)
	require.NotNil(t, stored.LockoutEnd)
	assert.True(t, stored.LockoutEnd.Equal(f.clock.Now().Add(15*time.Minute)))
	assert.Len(t, f.sink.ofType(auth.ActivityEventAccountLocked), 1)

	// a sixth request that read the row before the lockout still fails
	_, err := manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: "wrong-password"})
	requireKind(t, err, auth.KindInvalidCredentials)
	stored = f.user(user.ID)
	assert.Equal(t, 6, stored.FailedLoginAttempts)
	assert.True(t, stored.LockoutEnd.Equal(f.clock.Now().Add(15*time.Minute)), "lockout must not be extended")
	assert.Len(t, f.sink.ofType(auth.ActivityEventAccountLocked), 1)
}

func TestLoginSuccessRechecksLockoutOnStoredRow(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	manager := f.managerWith(&interleavedRepo{
		RepositoryManager: f.repo,
		users:             &staleUsers{Users: f.repo.Users(), snapshot: *user},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: "wrong-password"})
	}
	require.NotNil(t, f.user(user.ID).LockoutEnd)

	_, err := manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: testPassword})
	requireKind(t, err, auth.KindAccountLockedOut)

	stored := f.user(user.ID)
	assert.Equal(t, 5, stored.FailedLoginAttempts)
	assert.Nil(t, stored.LastLoginAt)
	assert.Empty(t, f.refreshRecords(user.ID))
}

func TestRefreshLosingRotationRaceRollsBack(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	session := f.login(user.Email)
	manager := f.managerWith(&interleavedRepo{
		RepositoryManager: f.repo,
		refreshTokens:     &revokedAfterFind{RefreshTokens: f.repo.RefreshTokens(), at: f.clock.Now()},
	})

	_, err := manager.Refresh(context.Background(), session.RefreshToken, "10.0.0.2")
	requireKind(t, err, auth.KindInvalidRefreshToken)
	assert.Equal(t, "concurrent_rotation", reasonOf(err))

	records := f.refreshRecords(user.ID)
	require.Len(t, records, 1, "the successor must not survive")
	assert.False(t, records[0].IsRevoked)
	assert.Nil(t, records[0].ReplacedByToken)

	assert.Empty(t, f.sink.ofType(auth.ActivityEventTokenRefreshed))
}

func TestLogoutLosingRevocationRaceRollsBack(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	session := f.login(user.Email)
	manager := f.managerWith(&interleavedRepo{
		RepositoryManager: f.repo,
		refreshTokens:     &revokedAfterFind{RefreshTokens: f.repo.RefreshTokens(), at: f.clock.Now()},
	})
	ctx := context.Background()

	err := manager.Logout(ctx, auth.LogoutRequest{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
	})
	requireKind(t, err, auth.KindInvalidRefreshToken)
	assert.Equal(t, "concurrent_revocation", reasonOf(err))

	count, err := f.db.NewSelect().Model((*auth.BlacklistedToken)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.False(t, f.refreshRecord(session.RefreshToken).IsRevoked)
	_, err = f.manager.ValidateAccessToken(ctx, session.AccessToken)
	require.NoError(t, err)
	assert.Empty(t, f.sink.ofType(auth.ActivityEventLogout))
}
