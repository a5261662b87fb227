package auth

import (
	"errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// ErrorKind enumerates the failure variants of the token lifecycle.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidCredentials
	KindAccountLockedOut
	KindAccountInactive
	KindEmailNotVerified
	KindInvalidRefreshToken
	KindInvalidToken
	KindTokenExpired
	KindUserNotFound
	KindEmailAlreadyExists
	KindUsernameAlreadyExists
	KindInvalidRequest
	KindInfrastructure
)

var kindTextCodes = map[ErrorKind]string{
	KindUnknown:               "UNKNOWN",
	KindInvalidCredentials:    "INVALID_CREDENTIALS",
	KindAccountLockedOut:      "ACCOUNT_LOCKED_OUT",
	KindAccountInactive:       "ACCOUNT_INACTIVE",
	KindEmailNotVerified:      "EMAIL_NOT_VERIFIED",
	KindInvalidRefreshToken:   "INVALID_REFRESH_TOKEN",
	KindInvalidToken:          "INVALID_TOKEN",
	KindTokenExpired:          "TOKEN_EXPIRED",
	KindUserNotFound:          "USER_NOT_FOUND",
	KindEmailAlreadyExists:    "EMAIL_ALREADY_EXISTS",
	KindUsernameAlreadyExists: "USERNAME_ALREADY_EXISTS",
	KindInvalidRequest:        "INVALID_REQUEST",
	KindInfrastructure:        "INFRASTRUCTURE_FAILURE",
}

// String returns the text code for the kind.
func (k ErrorKind) String() string {
	if s, ok := kindTextCodes[k]; ok {
		return s
	}
	return kindTextCodes[KindUnknown]
}

// Error is the single error type returned by lifecycle operations.
// LockedUntil is only set for KindAccountLockedOut.
type Error struct {
	Kind        ErrorKind
	Message     string
	LockedUntil time.Time
	Metadata    map[string]any
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same kind, so the package sentinels
// work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// clientMetadata lists the kinds whose metadata is addressed to the
// caller. Other kinds keep metadata such as the rejection reason for logs
// and activity events only.
var clientMetadata = map[ErrorKind]bool{
	KindInvalidRequest: true,
}

// Rich converts the error into a go-errors value for transport. Rejection
// detail is left out so that, for instance, every refresh token failure
// renders the same body.
func (e *Error) Rich() *goerrors.Error {
	var rich *goerrors.Error
	switch e.Kind {
	case KindInvalidCredentials, KindInvalidRefreshToken, KindInvalidToken, KindTokenExpired:
		rich = goerrors.New(e.Message, goerrors.CategoryAuth).WithCode(goerrors.CodeUnauthorized)
	case KindAccountLockedOut, KindAccountInactive, KindEmailNotVerified:
		rich = goerrors.New(e.Message, goerrors.CategoryAuthz).WithCode(goerrors.CodeForbidden)
	case KindUserNotFound:
		rich = goerrors.New(e.Message, goerrors.CategoryNotFound).WithCode(goerrors.CodeNotFound)
	case KindEmailAlreadyExists, KindUsernameAlreadyExists:
		rich = goerrors.New(e.Message, goerrors.CategoryConflict).WithCode(goerrors.CodeConflict)
	case KindInvalidRequest:
		rich = goerrors.New(e.Message, goerrors.CategoryBadInput).WithCode(goerrors.CodeBadRequest)
	default:
		if e.Cause != nil {
			rich = goerrors.Wrap(e.Cause, goerrors.CategoryInternal, e.Message)
		} else {
			rich = goerrors.New(e.Message, goerrors.CategoryInternal)
		}
		rich = rich.WithCode(goerrors.CodeInternal)
	}

	rich = rich.WithTextCode(e.Kind.String())

	meta := make(map[string]any, len(e.Metadata)+1)
	if clientMetadata[e.Kind] {
		for k, v := range e.Metadata {
			meta[k] = v
		}
	}
	if !e.LockedUntil.IsZero() {
		meta["locked_until"] = e.LockedUntil.UTC().Format(time.RFC3339)
	}
	if len(meta) > 0 {
		rich = rich.WithMetadata(meta)
	}
	return rich
}

// Sentinels for errors.Is comparisons. Operations return fresh values.
var (
	ErrInvalidCredentials    = &Error{Kind: KindInvalidCredentials, Message: "invalid credentials"}
	ErrAccountLockedOut      = &Error{Kind: KindAccountLockedOut, Message: "account is locked out"}
	ErrAccountInactive       = &Error{Kind: KindAccountInactive, Message: "account is inactive"}
	ErrEmailNotVerified      = &Error{Kind: KindEmailNotVerified, Message: "email address is not verified"}
	ErrInvalidRefreshToken   = &Error{Kind: KindInvalidRefreshToken, Message: "invalid refresh token"}
	ErrInvalidToken          = &Error{Kind: KindInvalidToken, Message: "invalid token"}
	ErrTokenExpired          = &Error{Kind: KindTokenExpired, Message: "token has expired"}
	ErrUserNotFound          = &Error{Kind: KindUserNotFound, Message: "user not found"}
	ErrEmailAlreadyExists    = &Error{Kind: KindEmailAlreadyExists, Message: "email already registered"}
	ErrUsernameAlreadyExists = &Error{Kind: KindUsernameAlreadyExists, Message: "username already taken"}
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
	ErrInfrastructure        = &Error{Kind: KindInfrastructure, Message: "internal failure"}
)

// ErrNestedTransaction is returned when a transaction is started on a
// context that already carries one.
var ErrNestedTransaction = errors.New("transaction already active for this request")

// ErrPasswordMismatch is returned by PasswordHasher.Compare on a wrong password.
var ErrPasswordMismatch = errors.New("password does not match hash")

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func (e *Error) withMetadata(meta map[string]any) *Error {
	e.Metadata = meta
	return e
}

func wrapKind(kind ErrorKind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func accountLockedOut(until time.Time) *Error {
	return &Error{
		Kind:        KindAccountLockedOut,
		Message:     ErrAccountLockedOut.Message,
		LockedUntil: until,
	}
}

func infrastructure(cause error, msg string) *Error {
	return &Error{Kind: KindInfrastructure, Message: msg, Cause: cause}
}

// classify returns err unchanged when it already is an *Error and wraps
// anything else as an infrastructure failure.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}
	return infrastructure(err, msg)
}

// KindOf reports the kind of err, KindUnknown when err is not an *Error.
func KindOf(err error) ErrorKind {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindUnknown
}

// IsInfrastructure reports whether err is a fatal failure rather than a
// business rule rejection.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == KindInfrastructure || k == KindUnknown
}

// LockedUntil returns the lockout end carried by an AccountLockedOut error.
func LockedUntil(err error) (time.Time, bool) {
	var authErr *Error
	if errors.As(err, &authErr) && authErr.Kind == KindAccountLockedOut {
		return authErr.LockedUntil, true
	}
	return time.Time{}, false
}
