package server

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed assets
var assetsFS embed.FS

// registerStatic serves the favicon and the catalog icons browsers request
// alongside the feeds. Static files stay outside the auth wall so a login
// prompt never blocks a favicon fetch.
func registerStatic(e *echo.Echo) {
	e.GET("/favicon.ico", func(c echo.Context) error {
		data, err := assetsFS.ReadFile("assets/favicon.ico")
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return c.Blob(http.StatusOK, "image/x-icon", data)
	})

	icons, err := fs.Sub(assetsFS, "assets/icons")
	if err != nil {
		return
	}
	e.StaticFS("/icons", icons)
}
