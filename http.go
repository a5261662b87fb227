package auth

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-auth-tokens/middleware/jwtware"
	goerrors "github.com/goliatone/go-errors"
)

var kindStatus = map[ErrorKind]int{
	KindInvalidCredentials:    http.StatusUnauthorized,
	KindInvalidRefreshToken:   http.StatusUnauthorized,
	KindInvalidToken:          http.StatusUnauthorized,
	KindTokenExpired:          http.StatusUnauthorized,
	KindAccountLockedOut:      http.StatusLocked,
	KindAccountInactive:       http.StatusForbidden,
	KindEmailNotVerified:      http.StatusForbidden,
	KindUserNotFound:          http.StatusNotFound,
	KindEmailAlreadyExists:    http.StatusConflict,
	KindUsernameAlreadyExists: http.StatusConflict,
	KindInvalidRequest:        http.StatusBadRequest,
}

// ErrorStatus maps err to an HTTP status. Anything that is not a
// business rule rejection is a 500.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, jwtware.ErrJWTMissingOrMalformed):
		return http.StatusUnauthorized
	case errors.Is(err, jwtware.ErrInsufficientRole):
		return http.StatusForbidden
	}

	if status, ok := kindStatus[KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// RichError converts err into the go-errors shape used in responses.
// Infrastructure failures lose their cause so internals never leak.
func RichError(err error) *goerrors.Error {
	switch {
	case errors.Is(err, jwtware.ErrJWTMissingOrMalformed):
		return goerrors.New(err.Error(), goerrors.CategoryAuth).
			WithCode(goerrors.CodeUnauthorized).
			WithTextCode("MISSING_TOKEN")
	case errors.Is(err, jwtware.ErrInsufficientRole):
		return goerrors.New("insufficient role", goerrors.CategoryAuthz).
			WithCode(goerrors.CodeForbidden).
			WithTextCode("FORBIDDEN")
	}

	var authErr *Error
	if errors.As(err, &authErr) && !IsInfrastructure(authErr) {
		return authErr.Rich()
	}

	return goerrors.New(ErrInfrastructure.Message, goerrors.CategoryInternal).
		WithCode(goerrors.CodeInternal).
		WithTextCode(KindInfrastructure.String())
}

// FiberErrorHandler renders auth errors as JSON. It fits both
// jwtware.Config.ErrorHandler and fiber.Config.ErrorHandler.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"error": fiber.Map{"code": http.StatusText(fe.Code), "message": fe.Message},
		})
	}

	rich := RichError(err)
	body := fiber.Map{
		"code":    rich.TextCode,
		"message": rich.Message,
	}
	if len(rich.Metadata) > 0 {
		body["metadata"] = rich.Metadata
	}
	return c.Status(ErrorStatus(err)).JSON(fiber.Map{"error": body})
}
