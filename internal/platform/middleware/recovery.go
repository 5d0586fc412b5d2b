package middleware

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// PanicReporter is told about every recovered panic. The Slack sender
// satisfies it; PanicReporterFunc adapts anything else.
type PanicReporter interface {
	Report(ctx context.Context, err error, fields map[string]string)
}

type PanicReporterFunc func(ctx context.Context, err error, fields map[string]string)

func (f PanicReporterFunc) Report(ctx context.Context, err error, fields map[string]string) {
	f(ctx, err, fields)
}

// Recovery turns a handler panic into a 500 that carries the request id so
// a caller can quote it. The stack is logged, never returned.
func Recovery(logger zerolog.Logger, reporters ...PanicReporter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)
				rid, _ := c.Get("request_id").(string)
				route := c.Path()

				logger.Error().
					Str("request_id", rid).
					Str("route", route).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n])).
					Msg("panic recovered")

				perr := fmt.Errorf("panic in %s %s: %v", c.Request().Method, route, r)
				fields := map[string]string{"request_id": rid, "route": route}
				for _, rep := range reporters {
					if rep != nil {
						rep.Report(context.WithoutCancel(c.Request().Context()), perr, fields)
					}
				}

				he := echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				if rid != "" {
					he.Message = map[string]string{"message": "internal server error", "request_id": rid}
				}
				err = he
			}()
			return next(c)
		}
	}
}
