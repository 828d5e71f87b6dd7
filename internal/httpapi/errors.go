package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldapgw/internal/apierr"
)

// statusForKind maps an apierr.Kind to its HTTP status per spec.md §7.
func statusForKind(k apierr.Kind) int {
	switch k {
	case apierr.KindBadRequest:
		return fiber.StatusBadRequest
	case apierr.KindAuthFailed:
		return fiber.StatusUnauthorized
	case apierr.KindForbidden:
		return fiber.StatusForbidden
	case apierr.KindNotFound:
		return fiber.StatusNotFound
	case apierr.KindConflict:
		return fiber.StatusConflict
	case apierr.KindUnprocessable:
		return fiber.StatusUnprocessableEntity
	case apierr.KindTimeout:
		return fiber.StatusGatewayTimeout
	case apierr.KindServiceUnavailable:
		return fiber.StatusServiceUnavailable
	case apierr.KindPartialSuccess:
		return fiber.StatusOK
	default:
		return fiber.StatusInternalServerError
	}
}

// handleError is the Fiber error handler: the only place in this module
// that renders a core error's Kind as an HTTP status. Internal detail
// (wrapped cause, server strings) is logged but never returned to the
// caller, per spec.md §7.
func (a *App) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if ok := asFiberError(err, &fe); ok {
		return c.Status(fe.Code).JSON(fiber.Map{"kind": "bad_request", "error": fe.Message})
	}

	kind := apierr.KindOf(err)

	log.Error().
		Err(err).
		Str("path", c.Path()).
		Str("kind", kind.String()).
		Str("request_id", c.GetRespHeader(fiber.HeaderXRequestID)).
		Msg("request failed")

	return c.Status(statusForKind(kind)).JSON(fiber.Map{
		"kind":  kind.String(),
		"error": safeMessage(err),
	})
}

// safeMessage returns only the caller-safe part of err: an *apierr.Error's
// Message field, never its wrapped Cause (which may carry server-internal
// detail per spec.md §7).
func safeMessage(err error) string {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae.Message
	}

	return "internal error"
}

func asFiberError(err error, target **fiber.Error) bool {
	fe, ok := err.(*fiber.Error)
	if ok {
		*target = fe
	}

	return ok
}
