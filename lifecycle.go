package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	// DefaultRefreshTokenTTL is used when the config leaves it unset.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	// DefaultTransactionTimeout bounds every lifecycle transaction.
	DefaultTransactionTimeout = 10 * time.Second
)

// LoginRequest carries the credentials of a login attempt.
type LoginRequest struct {
	Email    string
	Password string
	IP       string
}

// TokenPair is what login and refresh hand to the client.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// LoginResult is a token pair plus the user profile.
type LoginResult struct {
	TokenPair
	User UserProfile `json:"user"`
}

// LogoutRequest carries both tokens of the session being closed.
type LogoutRequest struct {
	AccessToken  string
	RefreshToken string
	IP           string
}

// SoftDeleteRequest locates the user by id, or by email when id is empty.
type SoftDeleteRequest struct {
	UserID string
	Email  string
	Actor  ActorRef
	IP     string
}

// SoftDeleteResult reports what the cascade touched.
type SoftDeleteResult struct {
	UserID        string `json:"user_id"`
	RevokedTokens int64  `json:"revoked_tokens"`
}

// LifecycleManager orchestrates login, refresh, logout and forced
// deactivation. Each call runs in exactly one transaction.
type LifecycleManager struct {
	repo       RepositoryManager
	signer     *TokenSigner
	validator  *TokenValidator
	guard      *AccountGuard
	policy     LockoutPolicy
	hasher     PasswordHasher
	roles      RoleProvider
	notifier   Notifier
	activity   ActivitySink
	logger     Logger
	clock      Clock
	refreshTTL time.Duration
	timeout    time.Duration

	dummyOnce sync.Once
	dummyHash string
}

// LifecycleOption configures a LifecycleManager.
type LifecycleOption func(*LifecycleManager)

// WithLifecycleClock sets the clock for token expiry and lockout windows.
func WithLifecycleClock(clock Clock) LifecycleOption {
	return func(m *LifecycleManager) {
		m.clock = clock
	}
}

// WithPasswordHasher overrides the bcrypt hasher.
func WithPasswordHasher(h PasswordHasher) LifecycleOption {
	return func(m *LifecycleManager) {
		if h != nil {
			m.hasher = h
		}
	}
}

// WithRoleProvider overrides how roles are resolved for access tokens.
func WithRoleProvider(p RoleProvider) LifecycleOption {
	return func(m *LifecycleManager) {
		if p != nil {
			m.roles = p
		}
	}
}

// WithNotifier sets the notifier used for lockout notices.
func WithNotifier(n Notifier) LifecycleOption {
	return func(m *LifecycleManager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithActivitySink sets the sink receiving lifecycle events.
func WithActivitySink(sink ActivitySink) LifecycleOption {
	return func(m *LifecycleManager) {
		m.activity = normalizeActivitySink(sink)
	}
}

// WithLogger overrides the logger.
func WithLogger(logger Logger) LifecycleOption {
	return func(m *LifecycleManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTransactionTimeout bounds each lifecycle transaction.
func WithTransactionTimeout(d time.Duration) LifecycleOption {
	return func(m *LifecycleManager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewLifecycleManager wires the lifecycle around repo and signer.
func NewLifecycleManager(repo RepositoryManager, signer *TokenSigner, cfg Config, opts ...LifecycleOption) *LifecycleManager {
	m := &LifecycleManager{
		repo:       repo,
		signer:     signer,
		policy:     LockoutPolicyFromConfig(cfg),
		hasher:     NewBcryptHasher(0),
		roles:      UserRoleProvider,
		notifier:   LogNotifier{},
		activity:   noopActivitySink{},
		logger:     defLogger,
		refreshTTL: DefaultRefreshTokenTTL,
		timeout:    DefaultTransactionTimeout,
	}

	if cfg != nil && cfg.GetRefreshTokenTTL() > 0 {
		m.refreshTTL = cfg.GetRefreshTokenTTL()
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.guard = NewAccountGuard(m.policy, WithGuardClock(m.clock))
	m.validator = NewTokenValidator(signer, repo.Blacklist())
	return m
}

// Guard returns the account guard used by the manager.
func (m *LifecycleManager) Guard() *AccountGuard {
	return m.guard
}

// Validator returns the blacklist aware token validator.
func (m *LifecycleManager) Validator() *TokenValidator {
	return m.validator
}

// Login authenticates email and password and opens a session.
func (m *LifecycleManager) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, newError(KindInvalidCredentials, ErrInvalidCredentials.Message)
	}

	var (
		user        *User
		result      *LoginResult
		rejected    error
		lockedUntil time.Time
	)

	err := m.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, err = m.repo.Users().GetByEmailTx(ctx, tx, email)
		if err != nil {
			user = nil
			if isNotFound(err) {
				m.burnPasswordCheck(req.Password)
				return newError(KindInvalidCredentials, ErrInvalidCredentials.Message)
			}
			return infrastructure(err, "failed to load user")
		}

		if err := m.guard.CheckEligible(user); err != nil {
			return err
		}

		if err := m.hasher.Compare(req.Password, user.PasswordHash); err != nil {
			if !errors.Is(err, ErrPasswordMismatch) {
				return infrastructure(err, "failed to verify password")
			}

			// count against the stored row, user may be stale by now
			user, err = m.repo.Users().RecordFailedLoginTx(ctx, tx, user.ID, m.clock.now())
			if err != nil {
				return infrastructure(err, "failed to record failed login attempt")
			}

			if until, due := m.guard.LockoutDue(user); due {
				locked, err := m.repo.Users().LockOutTx(ctx, tx, user.ID, until, m.clock.now())
				if err != nil {
					return infrastructure(err, "failed to lock account")
				}
				if locked {
					user.LockoutEnd = &until
					lockedUntil = until
				}
			}

			// the attempt counter must be committed
			rejected = newError(KindInvalidCredentials, ErrInvalidCredentials.Message)
			return nil
		}

		stored, err := m.repo.Users().RecordLoginSuccessTx(ctx, tx, user.ID, m.clock.now())
		if err != nil {
			return infrastructure(err, "failed to record successful login")
		}
		if stored == nil {
			// locked or disabled by a concurrent request
			current, err := m.repo.Users().GetByIDTx(ctx, tx, user.ID)
			if err != nil {
				return infrastructure(err, "failed to reload user")
			}
			if err := m.guard.CheckEligible(current); err != nil {
				return err
			}
			return newError(KindAccountInactive, ErrAccountInactive.Message)
		}
		user = stored

		pair, err := m.openSessionTx(ctx, tx, user, req.IP)
		if err != nil {
			return err
		}

		result = &LoginResult{TokenPair: *pair, User: user.Profile()}
		return nil
	})

	if err == nil && rejected != nil {
		err = rejected
	}

	if err != nil {
		m.logRejection("login rejected", err, "email", email, "ip", req.IP)
		m.emit(ctx, ActivityEventLoginFailure, user, userActor(user), map[string]any{
			"reason": KindOf(err).String(),
			"ip":     req.IP,
		})

		if !lockedUntil.IsZero() {
			m.logger.Warn("account locked after failed logins", "user_id", user.ID.String(), "until", lockedUntil)
			m.emit(ctx, ActivityEventAccountLocked, user, systemActor, map[string]any{
				"locked_until": lockedUntil,
				"ip":           req.IP,
			})
			locked := *user
			dispatchNotification(ctx, m.logger, "lockout", func(ctx context.Context) error {
				return m.notifier.SendLockoutNotice(ctx, &locked, lockedUntil)
			})
		}
		return nil, err
	}

	m.emit(ctx, ActivityEventLoginSuccess, user, userActor(user), map[string]any{"ip": req.IP})
	return result, nil
}

// Refresh exchanges a refresh token for a new pair and revokes the
// presented token, linking it to its successor.
func (m *LifecycleManager) Refresh(ctx context.Context, refreshToken, ip string) (*TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, newError(KindInvalidRefreshToken, ErrInvalidRefreshToken.Message)
	}

	digest := HashRefreshToken(refreshToken)

	var (
		user *User
		pair *TokenPair
	)

	err := m.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, _, err = m.activeRefreshTokenTx(ctx, tx, digest)
		if err != nil {
			return err
		}

		if !user.CanAuthenticate() {
			return newError(KindAccountInactive, ErrAccountInactive.Message)
		}

		roles, err := m.roles.FindRoles(ctx, user)
		if err != nil {
			return infrastructure(err, "failed to resolve roles")
		}

		now := m.clock.now()
		plain, next, err := m.newRefreshToken(user.ID, ip, now)
		if err != nil {
			return err
		}

		// the successor must exist before the old row can point at it
		if _, err := m.repo.RefreshTokens().CreateTx(ctx, tx, next); err != nil {
			return infrastructure(err, "failed to store refresh token")
		}

		revoked, err := m.repo.RefreshTokens().RevokeTx(ctx, tx, digest, ip, &next.Token, now)
		if err != nil {
			return infrastructure(err, "failed to revoke refresh token")
		}
		if !revoked {
			return &Error{
				Kind:     KindInvalidRefreshToken,
				Message:  ErrInvalidRefreshToken.Message,
				Metadata: map[string]any{"reason": "concurrent_rotation"},
			}
		}

		access, err := m.signer.IssueAccessToken(user, roles)
		if err != nil {
			return err
		}

		pair = newTokenPair(access, plain, next)
		return nil
	})

	if err != nil {
		m.logRejection("refresh rejected", err, "ip", ip)
		event := ActivityEventRefreshFailure
		if rejectionReason(err) == "rotated" {
			m.logger.Warn("rotated refresh token presented again, possible token theft",
				"user_id", userIDOf(user), "ip", ip)
			event = ActivityEventRefreshReuseDetected
		}
		m.emit(ctx, event, user, userActor(user), map[string]any{
			"reason": rejectionReasonOr(err),
			"ip":     ip,
		})
		return nil, err
	}

	m.emit(ctx, ActivityEventTokenRefreshed, user, userActor(user), map[string]any{"ip": ip})
	return pair, nil
}

// Logout revokes the refresh token and blacklists the access token in one
// transaction. Either both happen or neither does.
func (m *LifecycleManager) Logout(ctx context.Context, req LogoutRequest) error {
	if strings.TrimSpace(req.RefreshToken) == "" {
		return newError(KindInvalidRefreshToken, ErrInvalidRefreshToken.Message)
	}

	digest := HashRefreshToken(req.RefreshToken)

	var (
		user  *User
		entry *BlacklistedToken
	)

	err := m.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		user, _, err = m.activeRefreshTokenTx(ctx, tx, digest)
		if err != nil {
			return err
		}

		ident, err := m.signer.ExtractTokenID(req.AccessToken)
		if err != nil {
			return err
		}

		if ident.Subject != user.ID.String() {
			return newError(KindInvalidToken, "access token does not belong to this session")
		}

		now := m.clock.now()
		revoked, err := m.repo.RefreshTokens().RevokeTx(ctx, tx, digest, req.IP, nil, now)
		if err != nil {
			return infrastructure(err, "failed to revoke refresh token")
		}
		if !revoked {
			return &Error{
				Kind:     KindInvalidRefreshToken,
				Message:  ErrInvalidRefreshToken.Message,
				Metadata: map[string]any{"reason": "concurrent_revocation"},
			}
		}

		entry = &BlacklistedToken{
			TokenID:       ident.ID,
			UserID:        user.ID,
			ExpiresAt:     ident.ExpiresAt,
			BlacklistedAt: now,
			Reason:        BlacklistReasonLogout,
		}
		if err := m.repo.Blacklist().AddTx(ctx, tx, entry); err != nil {
			return infrastructure(err, "failed to blacklist access token")
		}

		return nil
	})

	if err != nil {
		m.logRejection("logout rejected", err, "ip", req.IP)
		return err
	}

	m.repo.Blacklist().Remember(entry)
	m.emit(ctx, ActivityEventLogout, user, userActor(user), map[string]any{
		"ip":       req.IP,
		"token_id": entry.TokenID,
	})
	return nil
}

// SoftDeleteUser deactivates an account and revokes every credential it
// owns. The cascade is atomic.
func (m *LifecycleManager) SoftDeleteUser(ctx context.Context, req SoftDeleteRequest) (*SoftDeleteResult, error) {
	var id uuid.UUID
	if req.UserID != "" {
		parsed, err := uuid.Parse(req.UserID)
		if err != nil {
			return nil, wrapKind(KindInvalidRequest, err, "invalid user id")
		}
		id = parsed
	}

	email := normalizeEmail(req.Email)
	if id == uuid.Nil && email == "" {
		return nil, newError(KindInvalidRequest, "user id or email is required")
	}

	var (
		user   *User
		result *SoftDeleteResult
	)

	err := m.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if id != uuid.Nil {
			user, err = m.repo.Users().GetByIDTx(ctx, tx, id)
		} else {
			user, err = m.repo.Users().GetByEmailTx(ctx, tx, email)
		}
		if err != nil {
			user = nil
			if isNotFound(err) {
				return newError(KindUserNotFound, ErrUserNotFound.Message)
			}
			return infrastructure(err, "failed to load user")
		}

		if user.IsDeleted || !user.IsActive {
			return newError(KindAccountInactive, "account is already inactive")
		}

		now := m.clock.now()
		user.IsDeleted = true
		user.DeletedAt = &now
		user.UpdatedAt = now
		user.EmailVerificationToken = nil
		user.EmailVerificationExpiresAt = nil
		user.PasswordResetToken = nil
		user.PasswordResetExpiresAt = nil

		deleted, err := m.repo.Users().SoftDeleteTx(ctx, tx, user)
		if err != nil {
			return infrastructure(err, "failed to soft delete user")
		}
		if !deleted {
			return newError(KindAccountInactive, "account is already inactive")
		}

		revoked, err := m.repo.RefreshTokens().RevokeAllForUserTx(ctx, tx, user.ID, req.IP, now)
		if err != nil {
			return infrastructure(err, "failed to revoke refresh tokens")
		}

		result = &SoftDeleteResult{UserID: user.ID.String(), RevokedTokens: revoked}
		return nil
	})

	if err != nil {
		m.logRejection("soft delete rejected", err, "user_id", req.UserID, "email", email)
		return nil, err
	}

	m.logger.Info("user soft deleted", "user_id", result.UserID, "revoked_tokens", result.RevokedTokens)
	m.emit(ctx, ActivityEventUserSoftDeleted, user, actorOr(req.Actor), map[string]any{
		"revoked_tokens": result.RevokedTokens,
		"ip":             req.IP,
	})
	return result, nil
}

// RevokeAccessToken blacklists an access token outside of a logout, for
// administrative revocation.
func (m *LifecycleManager) RevokeAccessToken(ctx context.Context, accessToken, reason string, actor ActorRef) error {
	ident, err := m.signer.ExtractTokenID(accessToken)
	if err != nil {
		return err
	}

	userID, err := uuid.Parse(ident.Subject)
	if err != nil {
		return wrapKind(KindInvalidToken, err, "token subject is not a user id")
	}

	if reason == "" {
		reason = BlacklistReasonAdmin
	}

	entry := &BlacklistedToken{
		TokenID:       ident.ID,
		UserID:        userID,
		ExpiresAt:     ident.ExpiresAt,
		BlacklistedAt: m.clock.now(),
		Reason:        reason,
	}

	err = m.runInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if err := m.repo.Blacklist().AddTx(ctx, tx, entry); err != nil {
			return infrastructure(err, "failed to blacklist access token")
		}
		return nil
	})
	if err != nil {
		m.logRejection("token revocation failed", err, "token_id", ident.ID)
		return err
	}

	m.repo.Blacklist().Remember(entry)
	m.emit(ctx, ActivityEventAccessTokenRevoked, nil, actorOr(actor), map[string]any{
		"token_id": ident.ID,
		"user_id":  ident.Subject,
		"reason":   reason,
	})
	return nil
}

// ValidateAccessToken verifies token and checks it against the blacklist.
func (m *LifecycleManager) ValidateAccessToken(ctx context.Context, token string) (*AccessClaims, error) {
	return m.validator.Validate(ctx, token)
}

// activeRefreshTokenTx loads the owner and the record of a refresh token
// and rejects tokens that cannot be exchanged. Expired, revoked and
// unknown tokens all yield InvalidRefreshToken; the reason only goes to
// the error metadata for logs.
func (m *LifecycleManager) activeRefreshTokenTx(ctx context.Context, tx bun.IDB, digest string) (*User, *RefreshToken, error) {
	user, err := m.repo.Users().GetByRefreshTokenTx(ctx, tx, digest)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, invalidRefreshToken("unknown", nil)
		}
		return nil, nil, infrastructure(err, "failed to load refresh token owner")
	}

	record, err := m.repo.RefreshTokens().FindTx(ctx, tx, digest)
	if err != nil {
		return nil, nil, infrastructure(err, "failed to load refresh token")
	}
	if record == nil {
		return nil, nil, invalidRefreshToken("unknown", user)
	}

	now := m.clock.now()
	if !record.IsValidForRefresh(now) {
		reason := "expired"
		switch {
		case record.WasRotated():
			reason = "rotated"
		case record.IsRevoked:
			reason = "revoked"
		}
		return user, nil, invalidRefreshToken(reason, user)
	}

	return user, record, nil
}

func invalidRefreshToken(reason string, user *User) *Error {
	meta := map[string]any{"reason": reason}
	if user != nil {
		meta["user_id"] = user.ID.String()
	}
	return &Error{
		Kind:     KindInvalidRefreshToken,
		Message:  ErrInvalidRefreshToken.Message,
		Metadata: meta,
	}
}

func (m *LifecycleManager) openSessionTx(ctx context.Context, tx bun.IDB, user *User, ip string) (*TokenPair, error) {
	roles, err := m.roles.FindRoles(ctx, user)
	if err != nil {
		return nil, infrastructure(err, "failed to resolve roles")
	}

	access, err := m.signer.IssueAccessToken(user, roles)
	if err != nil {
		return nil, err
	}

	plain, record, err := m.newRefreshToken(user.ID, ip, m.clock.now())
	if err != nil {
		return nil, err
	}

	if _, err := m.repo.RefreshTokens().CreateTx(ctx, tx, record); err != nil {
		return nil, infrastructure(err, "failed to store refresh token")
	}

	return newTokenPair(access, plain, record), nil
}

func (m *LifecycleManager) newRefreshToken(userID uuid.UUID, ip string, now time.Time) (string, *RefreshToken, error) {
	plain, err := GenerateRefreshToken()
	if err != nil {
		return "", nil, infrastructure(err, "failed to generate refresh token")
	}

	return plain, &RefreshToken{
		ID:          uuid.New(),
		Token:       HashRefreshToken(plain),
		UserID:      userID,
		ExpiresAt:   now.Add(m.refreshTTL),
		CreatedAt:   now,
		CreatedByIP: ip,
	}, nil
}

func newTokenPair(access *AccessToken, refresh string, record *RefreshToken) *TokenPair {
	return &TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: record.ExpiresAt,
	}
}

// runInTx bounds the transaction and maps any non lifecycle error to an
// infrastructure failure.
func (m *LifecycleManager) runInTx(ctx context.Context, f func(ctx context.Context, tx bun.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return classify(m.repo.RunInTx(ctx, nil, f), "transaction failed")
}

// burnPasswordCheck spends the same time as a real comparison so unknown
// emails are not distinguishable by latency.
func (m *LifecycleManager) burnPasswordCheck(password string) {
	m.dummyOnce.Do(func() {
		h, err := m.hasher.Hash(uuid.NewString())
		if err == nil {
			m.dummyHash = h
		}
	})
	if m.dummyHash != "" {
		_ = m.hasher.Compare(password, m.dummyHash)
	}
}

func (m *LifecycleManager) emit(ctx context.Context, eventType ActivityEventType, user *User, actor ActorRef, meta map[string]any) {
	recordActivity(ctx, m.activity, m.logger, ActivityEvent{
		EventType:  eventType,
		Actor:      actor,
		UserID:     userIDOf(user),
		Metadata:   meta,
		OccurredAt: m.clock.now(),
	})
}

func (m *LifecycleManager) logRejection(msg string, err error, args ...any) {
	args = append(args, "kind", KindOf(err).String(), "error", err)
	if reason := rejectionReason(err); reason != "" {
		args = append(args, "reason", reason)
	}
	if IsInfrastructure(err) {
		m.logger.Error(msg, args...)
		return
	}
	m.logger.Info(msg, args...)
}

func rejectionReason(err error) string {
	var authErr *Error
	if errors.As(err, &authErr) {
		if r, ok := authErr.Metadata["reason"].(string); ok {
			return r
		}
	}
	return ""
}

func rejectionReasonOr(err error) string {
	if r := rejectionReason(err); r != "" {
		return r
	}
	return KindOf(err).String()
}

func userIDOf(user *User) string {
	if user == nil {
		return ""
	}
	return user.ID.String()
}

func actorOr(actor ActorRef) ActorRef {
	if actor.ID == "" && actor.Type == "" {
		return systemActor
	}
	return actor
}
