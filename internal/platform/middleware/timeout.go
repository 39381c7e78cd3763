package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/caregaps/internal/platform/fhir"
)

// RequestTimeout puts a deadline on each request's context. A handler still
// running at the deadline is answered with 504 and an OperationOutcome; the
// cancelled context stops any pending interval evaluations.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
					return c.JSON(http.StatusGatewayTimeout,
						fhir.NewOperationOutcome("error", "timeout", "Request processing exceeded the allowed time limit"))
				}
				return ctx.Err()
			}
		}
	}
}
