// Package auth issues, validates, rotates and revokes session credentials
// for a user identity service.
//
// Credentials:
//   - Access tokens are RS256 JWTs carrying sub, roles, jti, iat, nbf, exp,
//     iss and aud. TokenSigner issues them, TokenVerifier checks them with
//     the public key only.
//   - Refresh tokens are opaque random strings. Only their SHA-256 digest is
//     stored. Every refresh revokes the presented token and links it to its
//     successor through replaced_by_token.
//   - Logout and administrative revocation blacklist the access token jti
//     until the token would have expired. TokenValidator consults the
//     blacklist after signature checks.
//
// Account security:
//   - AccountGuard locks an account for 15 minutes after 5 consecutive
//     failed logins and gates logins on a verified email address.
//   - SoftDeleteUser deactivates an account, clears pending verification and
//     reset tokens and revokes every refresh token in one transaction.
//
// Transactions:
//   - RepositoryManager.RunInTx gives each lifecycle call exactly one
//     transaction. Starting a second one on the same context fails with
//     ErrNestedTransaction. A cancelled context rolls back.
//
// Errors returned by lifecycle operations are *Error values; use KindOf or
// errors.Is with the package sentinels to branch on them.
package auth
