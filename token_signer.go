package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultAccessTokenTTL is used when the config leaves the TTL unset.
const DefaultAccessTokenTTL = 15 * time.Minute

var signingMethod = jwt.SigningMethodRS256

// TokenOption configures signers and verifiers.
type TokenOption func(*tokenOptions)

type tokenOptions struct {
	clock  Clock
	leeway time.Duration
}

// WithTokenClock sets the clock used for iat/exp and for validation.
func WithTokenClock(clock Clock) TokenOption {
	return func(o *tokenOptions) {
		o.clock = clock
	}
}

// WithTokenLeeway allows for clock skew when validating exp/nbf/iat.
func WithTokenLeeway(d time.Duration) TokenOption {
	return func(o *tokenOptions) {
		o.leeway = d
	}
}

func applyTokenOptions(opts []TokenOption) tokenOptions {
	o := tokenOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// TokenIdentity is what ExtractTokenID reads from a token whose
// signature checks out, regardless of its expiry.
type TokenIdentity struct {
	ID        string
	Subject   string
	ExpiresAt time.Time
}

// TokenVerifier validates access tokens with public key material only.
type TokenVerifier struct {
	keyfunc  jwt.Keyfunc
	issuer   string
	audience string
	clock    Clock
	leeway   time.Duration
}

// NewTokenVerifier verifies tokens signed by the private half of pub.
// keyID must match the kid header the signer writes.
func NewTokenVerifier(pub *rsa.PublicKey, keyID string, cfg Config, opts ...TokenOption) *TokenVerifier {
	if keyID == "" {
		keyID = KeyID(pub)
	}
	given := map[string]keyfunc.GivenKey{
		keyID: keyfunc.NewGivenCustom(pub, keyfunc.GivenKeyOptions{
			Algorithm: signingMethod.Alg(),
		}),
	}
	return NewTokenVerifierWithKeyfunc(keyfunc.NewGiven(given).Keyfunc, cfg, opts...)
}

// NewTokenVerifierWithKeyfunc builds a verifier around any key source,
// for example a remote JWKS.
func NewTokenVerifierWithKeyfunc(kf jwt.Keyfunc, cfg Config, opts ...TokenOption) *TokenVerifier {
	o := applyTokenOptions(opts)
	return &TokenVerifier{
		keyfunc:  kf,
		issuer:   cfg.GetIssuer(),
		audience: cfg.GetAudience(),
		clock:    o.clock,
		leeway:   o.leeway,
	}
}

// NewRemoteTokenVerifier fetches the signing keys from a JWKS endpoint and
// keeps them refreshed in the background. Call the returned func to stop.
func NewRemoteTokenVerifier(jwksURL string, cfg Config, logger Logger, opts ...TokenOption) (*TokenVerifier, func(), error) {
	if logger == nil {
		logger = defLogger
	}
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshErrorHandler: func(err error) {
			logger.Warn("failed to refresh JWKS", "url", jwksURL, "error", err)
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load JWKS from %s: %w", jwksURL, err)
	}
	return NewTokenVerifierWithKeyfunc(jwks.Keyfunc, cfg, opts...), jwks.EndBackground, nil
}

// Verify checks signature, expiry, issuer and audience. It does not look
// at the blacklist, see TokenValidator for that.
func (v *TokenVerifier) Verify(raw string) (*AccessClaims, error) {
	if raw == "" {
		return nil, newError(KindInvalidToken, "missing token")
	}

	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyfunc, v.parserOptions(true)...)
	if err != nil {
		return nil, verificationError(err)
	}

	if !token.Valid {
		return nil, newError(KindInvalidToken, ErrInvalidToken.Message)
	}

	if claims.ID == "" || claims.Subject == "" {
		return nil, newError(KindInvalidToken, "token is missing required claims")
	}

	return claims, nil
}

// ExtractTokenID reads jti, sub and exp from a token with a valid
// signature, skipping time based validation. Logout needs this for tokens
// that are about to expire or just did.
func (v *TokenVerifier) ExtractTokenID(raw string) (*TokenIdentity, error) {
	if raw == "" {
		return nil, newError(KindInvalidToken, "missing token")
	}

	claims := &AccessClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, v.keyfunc, v.parserOptions(false)...); err != nil {
		return nil, wrapKind(KindInvalidToken, err, "malformed token")
	}

	if claims.ID == "" || claims.ExpiresAt == nil {
		return nil, newError(KindInvalidToken, "token is missing required claims")
	}

	return &TokenIdentity{
		ID:        claims.ID,
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

func (v *TokenVerifier) parserOptions(validateClaims bool) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
	}

	if !validateClaims {
		return append(opts, jwt.WithoutClaimsValidation())
	}

	opts = append(opts,
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.clock.now),
	)
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.leeway))
	}
	return opts
}

func verificationError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return wrapKind(KindTokenExpired, err, ErrTokenExpired.Message)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return wrapKind(KindInvalidToken, err, "malformed token")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return wrapKind(KindInvalidToken, err, "invalid token signature")
	default:
		return wrapKind(KindInvalidToken, err, ErrInvalidToken.Message)
	}
}

// AccessToken is a freshly signed token and the claims it carries.
type AccessToken struct {
	Token     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenSigner issues access tokens with the process wide private key.
// It embeds the matching verifier so a single value serves both roles.
type TokenSigner struct {
	*TokenVerifier
	key   *rsa.PrivateKey
	keyID string
	ttl   time.Duration
}

// NewTokenSigner creates a signer. The key is never mutated afterwards.
func NewTokenSigner(key *rsa.PrivateKey, cfg Config, opts ...TokenOption) (*TokenSigner, error) {
	if key == nil {
		return nil, errors.New("token signer requires a private key")
	}

	keyID := cfg.GetSigningKeyID()
	if keyID == "" {
		keyID = KeyID(&key.PublicKey)
	}

	ttl := cfg.GetAccessTokenTTL()
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	return &TokenSigner{
		TokenVerifier: NewTokenVerifier(&key.PublicKey, keyID, cfg, opts...),
		key:           key,
		keyID:         keyID,
		ttl:           ttl,
	}, nil
}

// IssueAccessToken signs a token for user carrying roles.
func (s *TokenSigner) IssueAccessToken(user *User, roles []string) (*AccessToken, error) {
	if user == nil {
		return nil, newError(KindInvalidRequest, "cannot issue a token without a user")
	}
	if !user.CanAuthenticate() {
		return nil, newError(KindAccountInactive, ErrAccountInactive.Message)
	}

	now := s.clock.now()
	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Roles:    append([]string{}, roles...),
		Username: user.Username,
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	ensureTokenID(&claims.RegisteredClaims)

	token := jwt.NewWithClaims(signingMethod, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return nil, infrastructure(err, "failed to sign access token")
	}

	return &AccessToken{
		Token:     signed,
		ID:        claims.ID,
		IssuedAt:  claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// TTL returns the access token lifetime.
func (s *TokenSigner) TTL() time.Duration {
	return s.ttl
}

// Verifier returns the public half, safe to hand to other components.
func (s *TokenSigner) Verifier() *TokenVerifier {
	return s.TokenVerifier
}

// PublicJWKS returns the JWK set downstream services use to verify tokens.
func (s *TokenSigner) PublicJWKS() JSONWebKeySet {
	pub := s.key.PublicKey
	return JSONWebKeySet{
		Keys: []JSONWebKey{{
			KeyType:   "RSA",
			Use:       "sig",
			Algorithm: signingMethod.Alg(),
			KeyID:     s.keyID,
			N:         base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:         base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
}

// JSONWebKey is the RSA public key in JWK form.
type JSONWebKey struct {
	KeyType   string `json:"kty"`
	Use       string `json:"use"`
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	N         string `json:"n"`
	E         string `json:"e"`
}

// JSONWebKeySet is served at the well known JWKS path.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}
