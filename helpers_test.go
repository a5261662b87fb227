package auth_test

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-persistence-bun"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/crypto/bcrypt"

	auth "github.com/goliatone/go-auth-tokens"
	"github.com/goliatone/go-auth-tokens/config"
)

const testPassword = "correct-horse-battery"

type testConfig struct {
	issuer          string
	audience        string
	keyID           string
	accessTTL       time.Duration
	refreshTTL      time.Duration
	maxAttempts     int
	lockout         time.Duration
	requireVerified bool
	verificationTTL time.Duration
	resetTTL        time.Duration
}

func defaultTestConfig() testConfig {
	return testConfig{
		issuer:          "auth-test",
		audience:        "auth-test-clients",
		accessTTL:       15 * time.Minute,
		refreshTTL:      7 * 24 * time.Hour,
		maxAttempts:     5,
		lockout:         15 * time.Minute,
		requireVerified: true,
		verificationTTL: 24 * time.Hour,
		resetTTL:        time.Hour,
	}
}

func (c testConfig) GetIssuer() string                      { return c.issuer }
func (c testConfig) GetAudience() string                    { return c.audience }
func (c testConfig) GetSigningKeyID() string                { return c.keyID }
func (c testConfig) GetAccessTokenTTL() time.Duration       { return c.accessTTL }
func (c testConfig) GetRefreshTokenTTL() time.Duration      { return c.refreshTTL }
func (c testConfig) GetMaxFailedAttempts() int              { return c.maxAttempts }
func (c testConfig) GetLockoutDuration() time.Duration      { return c.lockout }
func (c testConfig) GetRequireVerifiedEmail() bool          { return c.requireVerified }
func (c testConfig) GetEmailVerificationTTL() time.Duration { return c.verificationTTL }
func (c testConfig) GetPasswordResetTTL() time.Duration     { return c.resetTTL }

// fakeClock only moves when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	keyOnce sync.Once
	keyVal  *rsa.PrivateKey
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := auth.GenerateRSAKeyPair(2048)
		if err != nil {
			panic(err)
		}
		keyVal = k
	})
	return keyVal
}

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	// a file survives the driver dropping a connection after a cancelled tx
	sqldb, err := sql.Open(sqliteshim.ShimName, filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	auth.RegisterModels()
	client, err := persistence.New(config.Database{Driver: "sqlite"}, sqldb, sqlitedialect.New())
	require.NoError(t, err)

	db := client.DB()
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)

	require.NoError(t, auth.Migrate(context.Background(), client))

	return db
}

type recordingNotifier struct {
	mu           sync.Mutex
	verification map[string]string
	resets       map[string]string
	lockouts     map[string]time.Time
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		verification: map[string]string{},
		resets:       map[string]string{},
		lockouts:     map[string]time.Time{},
	}
}

func (n *recordingNotifier) SendEmailVerification(_ context.Context, user *auth.User, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verification[user.Email] = token
	return nil
}

func (n *recordingNotifier) SendPasswordReset(_ context.Context, user *auth.User, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets[user.Email] = token
	return nil
}

func (n *recordingNotifier) SendLockoutNotice(_ context.Context, user *auth.User, until time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lockouts[user.Email] = until
	return nil
}

func (n *recordingNotifier) verificationToken(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.verification[email]
}

func (n *recordingNotifier) resetToken(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.resets[email]
}

func (n *recordingNotifier) lockoutUntil(email string) (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	until, ok := n.lockouts[email]
	return until, ok
}

type recordingSink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (s *recordingSink) Record(_ context.Context, event auth.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) ofType(eventType auth.ActivityEventType) []auth.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.ActivityEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	t        *testing.T
	db       *bun.DB
	cfg      testConfig
	clock    *fakeClock
	repo     auth.RepositoryManager
	signer   *auth.TokenSigner
	hasher   auth.PasswordHasher
	notifier *recordingNotifier
	sink     *recordingSink
	manager  *auth.LifecycleManager
}

func newFixture(t *testing.T, mutate ...func(*testConfig)) *fixture {
	t.Helper()

	cfg := defaultTestConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	clock := newFakeClock()
	db := newTestDB(t)

	signer, err := auth.NewTokenSigner(testKey(t), cfg, auth.WithTokenClock(clock.Now))
	require.NoError(t, err)

	f := &fixture{
		t:        t,
		db:       db,
		cfg:      cfg,
		clock:    clock,
		repo:     auth.NewRepositoryManager(db, auth.WithRepositoryClock(clock.Now)),
		signer:   signer,
		hasher:   auth.NewBcryptHasher(bcrypt.MinCost),
		notifier: newRecordingNotifier(),
		sink:     &recordingSink{},
	}

	f.manager = auth.NewLifecycleManager(f.repo, f.signer, cfg,
		auth.WithLifecycleClock(clock.Now),
		auth.WithPasswordHasher(f.hasher),
		auth.WithNotifier(f.notifier),
		auth.WithActivitySink(f.sink),
	)

	return f
}

func (f *fixture) commandOptions() []auth.CommandOption {
	return []auth.CommandOption{
		auth.WithCommandConfig(f.cfg),
		auth.WithCommandClock(f.clock.Now),
		auth.WithCommandHasher(f.hasher),
		auth.WithCommandNotifier(f.notifier),
		auth.WithCommandActivitySink(f.sink),
	}
}

// createUser stores an active user with a verified email and testPassword.
func (f *fixture) createUser(email string, mutate ...func(*auth.User)) *auth.User {
	f.t.Helper()

	hash, err := f.hasher.Hash(testPassword)
	require.NoError(f.t, err)

	now := f.clock.Now()
	user := &auth.User{
		Email:           email,
		Username:        strings.Split(email, "@")[0],
		Role:            auth.RoleMember,
		PasswordHash:    hash,
		IsEmailVerified: true,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, fn := range mutate {
		fn(user)
	}

	err = f.repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		created, err := f.repo.Users().CreateTx(ctx, tx, user)
		if err != nil {
			return err
		}
		user = created
		return nil
	})
	require.NoError(f.t, err)
	return user
}

func (f *fixture) user(id uuid.UUID) *auth.User {
	f.t.Helper()

	var user *auth.User
	err := f.repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = f.repo.Users().GetByIDTx(ctx, tx, id)
		return err
	})
	require.NoError(f.t, err)
	return user
}

func (f *fixture) refreshRecord(plain string) *auth.RefreshToken {
	f.t.Helper()

	var record *auth.RefreshToken
	err := f.repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		record, err = f.repo.RefreshTokens().FindTx(ctx, tx, auth.HashRefreshToken(plain))
		return err
	})
	require.NoError(f.t, err)
	require.NotNil(f.t, record, "refresh token record not found")
	return record
}

func (f *fixture) refreshRecords(userID uuid.UUID) []*auth.RefreshToken {
	f.t.Helper()

	var records []*auth.RefreshToken
	err := f.repo.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		records, err = f.repo.RefreshTokens().ListForUserTx(ctx, tx, userID)
		return err
	})
	require.NoError(f.t, err)
	return records
}

func (f *fixture) login(email string) *auth.LoginResult {
	f.t.Helper()

	res, err := f.manager.Login(context.Background(), auth.LoginRequest{
		Email:    email,
		Password: testPassword,
		IP:       "10.0.0.1",
	})
	require.NoError(f.t, err)
	return res
}

func requireKind(t *testing.T, err error, kind auth.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind.String(), auth.KindOf(err).String(), "unexpected error: %v", err)
}

func reasonOf(err error) string {
	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		return ""
	}
	r, _ := authErr.Metadata["reason"].(string)
	return r
}
