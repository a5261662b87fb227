package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-auth-tokens"
)

func TestLoginIssuesTokenPair(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")

	res, err := f.manager.Login(context.Background(), auth.LoginRequest{
		Email:    "  ADA@example.com ",
		Password: testPassword,
		IP:       "10.0.0.1",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer", res.TokenType)
	assert.Equal(t, user.ID.String(), res.User.ID)
	assert.True(t, res.AccessExpiresAt.Equal(f.clock.Now().Add(f.cfg.accessTTL)))
	assert.True(t, res.RefreshExpiresAt.Equal(f.clock.Now().Add(f.cfg.refreshTTL)))

	claims, err := f.manager.ValidateAccessToken(context.Background(), res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.UserID())
	assert.Equal(t, []string{"member"}, claims.Roles)

	record := f.refreshRecord(res.RefreshToken)
	assert.NotEqual(t, res.RefreshToken, record.Token, "refresh token must be stored as a digest")
	assert.Equal(t, user.ID, record.UserID)
	assert.Equal(t, "10.0.0.1", record.CreatedByIP)
	assert.False(t, record.IsRevoked)

	stored := f.user(user.ID)
	assert.Equal(t, 0, stored.FailedLoginAttempts)
	require.NotNil(t, stored.LastLoginAt)
	assert.True(t, stored.LastLoginAt.Equal(f.clock.Now()))

	assert.Len(t, f.sink.ofType(auth.ActivityEventLoginSuccess), 1)
}

func TestLoginUnknownEmailIsInvalidCredentials(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Login(context.Background(), auth.LoginRequest{
		Email:    "nobody@example.com",
		Password: testPassword,
	})
	requireKind(t, err, auth.KindInvalidCredentials)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestLoginWrongPasswordCountsAttempt(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")

	_, err := f.manager.Login(context.Background(), auth.LoginRequest{
		Email:    "ada@example.com",
		Password: "not-the-password",
	})
	requireKind(t, err, auth.KindInvalidCredentials)

	stored := f.user(user.ID)
	assert.Equal(t, 1, stored.FailedLoginAttempts)
	assert.Nil(t, stored.LockoutEnd)
	assert.Empty(t, f.refreshRecords(user.ID))

	failures := f.sink.ofType(auth.ActivityEventLoginFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "INVALID_CREDENTIALS", failures[0].Metadata["reason"])
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := f.manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: "wrong-password"})
		requireKind(t, err, auth.KindInvalidCredentials)
		assert.Equal(t, i, f.user(user.ID).FailedLoginAttempts)
	}

	lockoutEnd := f.clock.Now().Add(15 * time.Minute)

	_, err := f.manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: testPassword})
	requireKind(t, err, auth.KindAccountLockedOut)
	until, ok := auth.LockedUntil(err)
	require.True(t, ok)
	assert.True(t, until.Equal(lockoutEnd), "locked until %s, want %s", until, lockoutEnd)

	assert.Len(t, f.sink.ofType(auth.ActivityEventAccountLocked), 1)
	require.Eventually(t, func() bool {
		_, sent := f.notifier.lockoutUntil(user.Email)
		return sent
	}, time.Second, 10*time.Millisecond)

	f.clock.Advance(10 * time.Minute)
	_, err = f.manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: testPassword})
	requireKind(t, err, auth.KindAccountLockedOut)

	f.clock.Advance(5*time.Minute + time.Second)
	res, err := f.manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: testPassword})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, 0, f.user(user.ID).FailedLoginAttempts)
}

func TestLoginFailureAfterElapsedLockoutStartsNewCount(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: "wrong-password"})
	}
	require.NotNil(t, f.user(user.ID).LockoutEnd)

	f.clock.Advance(16 * time.Minute)

	_, err := f.manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: "wrong-password"})
	requireKind(t, err, auth.KindInvalidCredentials)

	stored := f.user(user.ID)
	assert.Equal(t, 1, stored.FailedLoginAttempts)
	assert.Nil(t, stored.LockoutEnd)
}

func TestLoginRejectsIneligibleAccounts(t *testing.T) {
	tests := []struct {
		name    string
		relax   bool
		mutate  func(*auth.User)
		want    auth.ErrorKind
		succeed bool
	}{
		{
			name:   "unverified email",
			mutate: func(u *auth.User) { u.IsEmailVerified = false },
			want:   auth.KindEmailNotVerified,
		},
		{
			name:    "unverified email allowed by config",
			relax:   true,
			mutate:  func(u *auth.User) { u.IsEmailVerified = false },
			succeed: true,
		},
		{
			name:   "inactive account",
			mutate: func(u *auth.User) { u.IsActive = false },
			want:   auth.KindAccountInactive,
		},
		{
			name: "deleted account",
			mutate: func(u *auth.User) {
				u.IsDeleted = true
			},
			want: auth.KindAccountInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *testConfig) {
				c.requireVerified = !tt.relax
			})
			user := f.createUser("ada@example.com", tt.mutate)

			_, err := f.manager.Login(context.Background(), auth.LoginRequest{
				Email:    user.Email,
				Password: testPassword,
			})
			if tt.succeed {
				require.NoError(t, err)
				return
			}
			requireKind(t, err, tt.want)
			assert.Equal(t, 0, f.user(user.ID).FailedLoginAttempts)
		})
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	session := f.login(user.Email)

	f.clock.Advance(time.Minute)

	pair, err := f.manager.Refresh(context.Background(), session.RefreshToken, "10.0.0.2")
	require.NoError(t, err)
	assert.NotEqual(t, session.RefreshToken, pair.RefreshToken)
	assert.NotEqual(t, session.AccessToken, pair.AccessToken)

	old := f.refreshRecord(session.RefreshToken)
	assert.True(t, old.IsRevoked)
	require.NotNil(t, old.ReplacedByToken)
	assert.Equal(t, auth.HashRefreshToken(pair.RefreshToken), *old.ReplacedByToken)
	require.NotNil(t, old.RevokedByIP)
	assert.Equal(t, "10.0.0.2", *old.RevokedByIP)

	next := f.refreshRecord(pair.RefreshToken)
	assert.True(t, next.IsActive(f.clock.Now()))

	_, err = f.manager.ValidateAccessToken(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Len(t, f.sink.ofType(auth.ActivityEventTokenRefreshed), 1)
}

func TestRefreshRejectsReusedToken(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	session := f.login(user.Email)

	_, err := f.manager.Refresh(context.Background(), session.RefreshToken, "")
	require.NoError(t, err)

	_, err = f.manager.Refresh(context.Background(), session.RefreshToken, "")
	requireKind(t, err, auth.KindInvalidRefreshToken)
	assert.Equal(t, "rotated", reasonOf(err))
	assert.Len(t, f.sink.ofType(auth.ActivityEventRefreshReuseDetected), 1)
}

func TestRefreshRejectsUnusableTokens(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	ctx := context.Background()

	_, err := f.manager.Refresh(ctx, "", "")
	requireKind(t, err, auth.KindInvalidRefreshToken)

	_, err = f.manager.Refresh(ctx, "not-a-real-token", "")
	requireKind(t, err, auth.KindInvalidRefreshToken)
	assert.Equal(t, "unknown", reasonOf(err))

	session := f.login(user.Email)
	f.clock.Advance(f.cfg.refreshTTL + time.Second)

	_, err = f.manager.Refresh(ctx, session.RefreshToken, "")
	requireKind(t, err, auth.KindInvalidRefreshToken)
	assert.Equal(t, "expired", reasonOf(err))
	assert.False(t, f.refreshRecord(session.RefreshToken).IsRevoked)
}

func TestRefreshRotationRaceHasSingleWinner(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	session := f.login(user.Email)

	const workers = 8

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]*auth.TokenPair, workers)
		errs    = make([]error, workers)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.manager.Refresh(context.Background(), session.RefreshToken, "")
		}(i)
	}
	close(start)
	wg.Wait()

	var winner *auth.TokenPair
	for i := 0; i < workers; i++ {
		if errs[i] == nil {
			require.Nil(t, winner, "more than one refresh succeeded")
			winner = results[i]
			continue
		}
		requireKind(t, errs[i], auth.KindInvalidRefreshToken)
	}
	require.NotNil(t, winner, "no refresh succeeded")

	old := f.refreshRecord(session.RefreshToken)
	assert.True(t, old.IsRevoked)
	require.NotNil(t, old.ReplacedByToken)
	assert.Equal(t, auth.HashRefreshToken(winner.RefreshToken), *old.ReplacedByToken)

	active := 0
	for _, r := range f.refreshRecords(user.ID) {
		if r.IsActive(f.clock.Now()) {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestRefreshRejectsDeactivatedOwner(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	session := f.login(user.Email)

	err := f.repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		user.IsActive = false
		return f.repo.Users().UpdateColumnsTx(ctx, tx, user, "is_active")
	})
	require.NoError(t, err)

	_, err = f.manager.Refresh(context.Background(), session.RefreshToken, "")
	requireKind(t, err, auth.KindAccountInactive)
	assert.False(t, f.refreshRecord(session.RefreshToken).IsRevoked)
}

func TestLogoutRevokesAndBlacklists(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	session := f.login(user.Email)
	ctx := context.Background()

	claims, err := f.signer.Verify(session.AccessToken)
	require.NoError(t, err)

	err = f.manager.Logout(ctx, auth.LogoutRequest{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		IP:           "10.0.0.3",
	})
	require.NoError(t, err)

	record := f.refreshRecord(session.RefreshToken)
	assert.True(t, record.IsRevoked)
	assert.Nil(t, record.ReplacedByToken)

	// signature and expiry are still fine, only the blacklist rejects it
	_, err = f.signer.Verify(session.AccessToken)
	require.NoError(t, err)

	_, err = f.manager.ValidateAccessToken(ctx, session.AccessToken)
	requireKind(t, err, auth.KindInvalidToken)

	var entry auth.BlacklistedToken
	err = f.db.NewSelect().Model(&entry).Where("token_id = ?", claims.ID).Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, auth.BlacklistReasonLogout, entry.Reason)
	assert.Equal(t, user.ID, entry.UserID)
	assert.True(t, entry.ExpiresAt.Equal(claims.Expiry()))

	_, err = f.manager.Refresh(ctx, session.RefreshToken, "")
	requireKind(t, err, auth.KindInvalidRefreshToken)

	err = f.manager.Logout(ctx, auth.LogoutRequest{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
	})
	requireKind(t, err, auth.KindInvalidRefreshToken)

	assert.Len(t, f.sink.ofType(auth.ActivityEventLogout), 1)
}

func TestLogoutBlacklistSurvivesCacheMiss(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	session := f.login(user.Email)
	ctx := context.Background()

	require.NoError(t, f.manager.Logout(ctx, auth.LogoutRequest{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
	}))

	// a fresh repository has an empty cache and must hit the table
	fresh := auth.NewRepositoryManager(f.db, auth.WithRepositoryClock(f.clock.Now))
	validator := auth.NewTokenValidator(f.signer, fresh.Blacklist())

	_, err := validator.Validate(ctx, session.AccessToken)
	requireKind(t, err, auth.KindInvalidToken)
}

func TestLogoutAcceptsExpiredAccessToken(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	session := f.login(user.Email)

	f.clock.Advance(f.cfg.accessTTL + time.Minute)

	err := f.manager.Logout(context.Background(), auth.LogoutRequest{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
	})
	require.NoError(t, err)
	assert.True(t, f.refreshRecord(session.RefreshToken).IsRevoked)
}

func TestLogoutIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ada := f.createUser("ada@example.com")
	bob := f.createUser("bob@example.com")
	adaSession := f.login(ada.Email)
	bobSession := f.login(bob.Email)
	ctx := context.Background()

	t.Run("access token of another user", func(t *testing.T) {
		err := f.manager.Logout(ctx, auth.LogoutRequest{
			AccessToken:  bobSession.AccessToken,
			RefreshToken: adaSession.RefreshToken,
		})
		requireKind(t, err, auth.KindInvalidToken)

		assert.False(t, f.refreshRecord(adaSession.RefreshToken).IsRevoked)
		_, err = f.manager.ValidateAccessToken(ctx, bobSession.AccessToken)
		require.NoError(t, err)
	})

	t.Run("malformed access token", func(t *testing.T) {
		err := f.manager.Logout(ctx, auth.LogoutRequest{
			AccessToken:  "garbage",
			RefreshToken: adaSession.RefreshToken,
		})
		requireKind(t, err, auth.KindInvalidToken)
		assert.False(t, f.refreshRecord(adaSession.RefreshToken).IsRevoked)
	})

	t.Run("unknown refresh token", func(t *testing.T) {
		err := f.manager.Logout(ctx, auth.LogoutRequest{
			AccessToken:  adaSession.AccessToken,
			RefreshToken: "unknown",
		})
		requireKind(t, err, auth.KindInvalidRefreshToken)
		_, err = f.manager.ValidateAccessToken(ctx, adaSession.AccessToken)
		require.NoError(t, err)
	})
}

func TestSoftDeleteUserCascades(t *testing.T) {
	f := newFixture(t)
	verification := auth.HashToken("verify-me")
	reset := auth.HashToken("reset-me")
	user := f.createUser("ada@example.com", func(u *auth.User) {
		u.EmailVerificationToken = &verification
		u.PasswordResetToken = &reset
	})
	ctx := context.Background()

	sessions := []*auth.LoginResult{f.login(user.Email), f.login(user.Email), f.login(user.Email)}

	res, err := f.manager.SoftDeleteUser(ctx, auth.SoftDeleteRequest{
		UserID: user.ID.String(),
		Actor:  auth.ActorRef{ID: "admin-1", Type: "user"},
	})
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), res.UserID)
	assert.EqualValues(t, 3, res.RevokedTokens)

	for _, r := range f.refreshRecords(user.ID) {
		assert.True(t, r.IsRevoked)
	}

	stored := f.user(user.ID)
	assert.True(t, stored.IsDeleted)
	require.NotNil(t, stored.DeletedAt)
	assert.Nil(t, stored.EmailVerificationToken)
	assert.Nil(t, stored.PasswordResetToken)

	_, err = f.manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: testPassword})
	requireKind(t, err, auth.KindAccountInactive)

	for _, s := range sessions {
		_, err = f.manager.Refresh(ctx, s.RefreshToken, "")
		requireKind(t, err, auth.KindInvalidRefreshToken)
	}

	_, err = f.manager.SoftDeleteUser(ctx, auth.SoftDeleteRequest{UserID: user.ID.String()})
	requireKind(t, err, auth.KindAccountInactive)

	events := f.sink.ofType(auth.ActivityEventUserSoftDeleted)
	require.Len(t, events, 1)
	assert.Equal(t, "admin-1", events[0].Actor.ID)
}

func TestSoftDeleteUserLookup(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	ctx := context.Background()

	_, err := f.manager.SoftDeleteUser(ctx, auth.SoftDeleteRequest{})
	requireKind(t, err, auth.KindInvalidRequest)

	_, err = f.manager.SoftDeleteUser(ctx, auth.SoftDeleteRequest{UserID: "not-a-uuid"})
	requireKind(t, err, auth.KindInvalidRequest)

	_, err = f.manager.SoftDeleteUser(ctx, auth.SoftDeleteRequest{Email: "nobody@example.com"})
	requireKind(t, err, auth.KindUserNotFound)

	res, err := f.manager.SoftDeleteUser(ctx, auth.SoftDeleteRequest{Email: "ADA@example.com"})
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), res.UserID)
	assert.EqualValues(t, 0, res.RevokedTokens)
}

func TestRevokeAccessToken(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")
	session := f.login(user.Email)
	ctx := context.Background()

	actor := auth.ActorRef{ID: "ops", Type: "cli"}
	require.NoError(t, f.manager.RevokeAccessToken(ctx, session.AccessToken, "", actor))
	require.NoError(t, f.manager.RevokeAccessToken(ctx, session.AccessToken, "", actor))

	_, err := f.manager.ValidateAccessToken(ctx, session.AccessToken)
	requireKind(t, err, auth.KindInvalidToken)

	count, err := f.db.NewSelect().Model((*auth.BlacklistedToken)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = f.manager.RevokeAccessToken(ctx, "garbage", "", actor)
	requireKind(t, err, auth.KindInvalidToken)
}

func TestLifecycleRejectsNestedTransaction(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")

	err := f.repo.RunInTx(context.Background(), nil, func(ctx context.Context, _ bun.Tx) error {
		_, err := f.manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: testPassword})
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, auth.ErrNestedTransaction))
	assert.Equal(t, auth.KindInfrastructure, auth.KindOf(err))
	assert.Empty(t, f.refreshRecords(user.ID))
}

func TestLifecycleHonorsCancelledContext(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.manager.Login(ctx, auth.LoginRequest{Email: user.Email, Password: testPassword})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, auth.IsInfrastructure(err))
	assert.Empty(t, f.refreshRecords(user.ID))
}

func TestLoginFailureEventCarriesUser(t *testing.T) {
	f := newFixture(t)
	user := f.createUser("ada@example.com")

	_, err := f.manager.Login(context.Background(), auth.LoginRequest{Email: user.Email, Password: "nope-nope"})
	requireKind(t, err, auth.KindInvalidCredentials)

	failures := f.sink.ofType(auth.ActivityEventLoginFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, user.ID.String(), failures[0].UserID)
	assert.True(t, failures[0].OccurredAt.Equal(f.clock.Now()))
}
