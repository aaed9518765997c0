// Package server assembles the HTTP surface: the OPDS catalog under the
// configured root prefix, the download and cover routes the feeds link to,
// and the JSON admin API that replaces the desktop configuration UI.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/echo/v4/health"
	"github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/echo/v4/middleware/recovery"
	"github.com/tinyopds/tinyopds/pkg/binder"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/config"
	"github.com/tinyopds/tinyopds/pkg/covers"
	"github.com/tinyopds/tinyopds/pkg/downloads"
	"github.com/tinyopds/tinyopds/pkg/errcodes"
	"github.com/tinyopds/tinyopds/pkg/httpauth"
	"github.com/tinyopds/tinyopds/pkg/opds"
	"github.com/tinyopds/tinyopds/pkg/scanner"
	"github.com/tinyopds/tinyopds/pkg/stats"
)

// maxConnections caps the concurrent in-flight requests; connection number
// 101 gets a 503 instead of a growing queue.
const maxConnections = 100

// Deps are the services the HTTP layer routes into. Everything is built in
// the composition root; the server itself owns no state.
type Deps struct {
	Config    *config.Config
	Books     *books.Service
	Covers    *covers.Service
	Downloads *downloads.Service
	OPDS      *opds.Service
	Auth      *httpauth.Service
	Stats     *stats.Cache
	Scanner   *scanner.Scanner
	Converter Converter
}

func New(deps Deps) (*http.Server, error) {
	cfg := deps.Config
	e := echo.New()

	b, err := binder.New()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	e.Binder = b

	e.Use(logger.Middleware())
	e.Use(recovery.Middleware())
	e.Use(middleware.CORS())
	e.Use(httpauth.ConnectionLimit(maxConnections))

	authMw := httpauth.NewMiddleware(deps.Auth)
	e.Use(authMw.Track)

	health.RegisterRoutes(e)
	registerStatic(e)

	h := &handler{
		books:     deps.Books,
		covers:    deps.Covers,
		downloads: deps.Downloads,
		auth:      deps.Auth,
		converter: deps.Converter,
	}

	// The whole catalog, downloads and covers included, sits under the root
	// prefix and behind Basic auth when it is enabled. Feed hrefs are built
	// with the same prefix, so the two always agree.
	catalog := e.Group(prefixPath(cfg.RootPrefix))
	catalog.Use(authMw.Authenticate)
	opds.RegisterRoutes(catalog, deps.OPDS)
	catalog.GET("/download/:id/:format", h.download)
	catalog.GET("/cover/:file", h.cover(covers.KindCover))
	catalog.GET("/thumbnail/:file", h.cover(covers.KindThumbnail))

	admin := &adminHandler{
		cfg:       cfg,
		books:     deps.Books,
		scanner:   deps.Scanner,
		auth:      deps.Auth,
		stats:     deps.Stats,
		downloads: deps.Downloads,
	}
	api := e.Group("/api")
	api.Use(authMw.Authenticate)
	api.GET("/settings", admin.getSettings)
	api.PUT("/settings", admin.updateSettings)
	api.GET("/stats", admin.getStats)
	api.POST("/scanner/start", admin.startScanner)
	api.POST("/scanner/stop", admin.stopScanner)
	api.GET("/scanner/status", admin.scannerStatus)
	api.POST("/library/cleanup", admin.cleanupLibrary)

	echo.NotFoundHandler = notFoundHandler
	e.HTTPErrorHandler = errcodes.NewHandler().Handle

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:           e,
		ReadHeaderTimeout: 3 * time.Second,
	}

	return srv, nil
}

func prefixPath(rootPrefix string) string {
	if rootPrefix == "" {
		return ""
	}
	return "/" + rootPrefix
}

func notFoundHandler(c echo.Context) error {
	c.SetPath("/:path")
	return errcodes.NotFound("Page")
}
