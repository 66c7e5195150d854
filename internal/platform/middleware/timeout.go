package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on each request context. Handlers observe
// the deadline through ctx and return; the handler runs on the request
// goroutine so the echo context is never shared. If the handler returns after
// the deadline without writing a response or choosing a status through an
// *echo.HTTPError, a 504 is sent.
//
// The timeout has to stay above the lock wait ceiling or uploads that queue
// behind another ingestion are cut short before the lock can time out.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return err
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, map[string]string{
					"error": "request processing exceeded the allowed time limit",
				})
			}
			return err
		}
	}
}
