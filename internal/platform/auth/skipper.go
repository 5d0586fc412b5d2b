package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are infrastructure endpoints called without credentials.
var publicPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// AuthSkipper is the Skipper for JWTMiddleware.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
