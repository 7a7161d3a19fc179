package middleware

import (
	"fmt"
	"net/http"

	"stripe-webhook-reconciler/internal/dto"

	"github.com/labstack/echo/v4"
)

// RequireHeader rejects requests without the named header before the body
// is read.
func RequireHeader(name string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get(name) == "" {
				return c.JSON(http.StatusBadRequest, dto.ErrorResponse{
					Error: fmt.Sprintf("Missing %s header", name),
				})
			}
			return next(c)
		}
	}
}
