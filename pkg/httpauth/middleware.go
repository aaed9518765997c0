package httpauth

import (
	"encoding/base64"
	"net"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/tinyopds/tinyopds/pkg/errcodes"
)

// Middleware wires the auth service into echo.
type Middleware struct {
	service *Service
}

func NewMiddleware(service *Service) *Middleware {
	return &Middleware{service: service}
}

// Track counts every request and records the client address. It runs on all
// routes, authenticated or not, so the statistics cover anonymous setups too.
func (m *Middleware) Track(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		m.service.TrackClient(clientAddr(c))
		defer m.service.CountRequest()
		return next(c)
	}
}

// Authenticate enforces Basic credentials on catalog routes. Banned clients
// get 403 before any credential check; remembered clients skip the check
// entirely.
func (m *Middleware) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !m.service.Enabled() {
			return next(c)
		}

		client := clientAddr(c)
		if m.service.IsBanned(client) {
			return errcodes.Forbidden("Client is banned.")
		}
		if m.service.IsRemembered(client) {
			return next(c)
		}

		user, pass, ok := basicCredentials(c)
		if !ok {
			return errcodes.Unauthorized("Authentication required.")
		}
		if !m.service.Authenticate(user, pass) {
			if m.service.RecordFailure(client) {
				return errcodes.Forbidden("Client is banned.")
			}
			return errcodes.Unauthorized("Invalid credentials.")
		}

		m.service.RecordSuccess(client)
		return next(c)
	}
}

// ConnectionLimit refuses requests past the concurrent cap with 503. The
// semaphore is per-process; OPDS readers retry politely on 503.
func ConnectionLimit(maxConcurrent int) echo.MiddlewareFunc {
	sem := make(chan struct{}, maxConcurrent)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				return next(c)
			default:
				return errcodes.ServiceUnavailable()
			}
		}
	}
}

func basicCredentials(c echo.Context) (user, pass string, ok bool) {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	const prefix = "basic "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	return user, pass, ok
}

// clientAddr identifies a client by bare IP, so bans survive ephemeral ports
// and keep-alive reconnects.
func clientAddr(c echo.Context) string {
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return c.Request().RemoteAddr
	}
	return host
}
