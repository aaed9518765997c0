package httpauth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyopds/tinyopds/pkg/config"
	"github.com/tinyopds/tinyopds/pkg/errcodes"
)

func callAuth(t *testing.T, m *Middleware, authHeader, remoteAddr string) error {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/opds", nil)
	req.RemoteAddr = remoteAddr
	if authHeader != "" {
		req.Header.Set(echo.HeaderAuthorization, authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := m.Authenticate(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	return handler(c)
}

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestAuthenticateMiddleware(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	m := NewMiddleware(svc)

	t.Run("missing credentials", func(tt *testing.T) {
		err := callAuth(tt, m, "", "10.1.0.1:4242")
		var e *errcodes.Error
		require.True(tt, errors.As(err, &e))
		assert.Equal(tt, http.StatusUnauthorized, e.HTTPCode)
	})

	t.Run("valid credentials", func(tt *testing.T) {
		err := callAuth(tt, m, basicHeader("reader", "secret"), "10.1.0.2:4242")
		assert.NoError(tt, err)
	})

	t.Run("remembered client skips the check", func(tt *testing.T) {
		require.NoError(tt, callAuth(tt, m, basicHeader("reader", "secret"), "10.1.0.3:4242"))
		assert.NoError(tt, callAuth(tt, m, "", "10.1.0.3:999"))
	})

	t.Run("repeated failures ban the client", func(tt *testing.T) {
		for i := 0; i < 3; i++ {
			err := callAuth(tt, m, basicHeader("reader", "nope"), "10.1.0.4:4242")
			require.Error(tt, err)
		}
		err := callAuth(tt, m, basicHeader("reader", "secret"), "10.1.0.4:4242")
		var e *errcodes.Error
		require.True(tt, errors.As(err, &e))
		assert.Equal(tt, http.StatusForbidden, e.HTTPCode)
	})

	t.Run("disabled auth passes everyone", func(tt *testing.T) {
		cfg := config.NewForTest()
		cfg.UseHTTPAuth = false
		open := NewMiddleware(NewService(cfg))
		assert.NoError(tt, callAuth(tt, open, "", "10.1.0.5:4242"))
	})
}

// callChain runs a request through Track and Authenticate in the order the
// server registers them: Track globally, Authenticate on the catalog group.
func callChain(t *testing.T, m *Middleware, authHeader, remoteAddr string) error {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/opds", nil)
	req.RemoteAddr = remoteAddr
	if authHeader != "" {
		req.Header.Set(echo.HeaderAuthorization, authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := m.Track(m.Authenticate(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}))
	return handler(c)
}

func TestTrackedClientStillNeedsCredentials(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)
	m := NewMiddleware(svc)

	// Track runs before Authenticate on every request, so being counted in
	// the statistics must not make a client remembered.
	err := callChain(t, m, "", "10.2.0.1:4242")
	var e *errcodes.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, http.StatusUnauthorized, e.HTTPCode)

	// A second anonymous request from the same address is no better off.
	err = callChain(t, m, "", "10.2.0.1:4243")
	require.True(t, errors.As(err, &e))
	assert.Equal(t, http.StatusUnauthorized, e.HTTPCode)

	// Only a good login remembers the client.
	require.NoError(t, callChain(t, m, basicHeader("reader", "secret"), "10.2.0.1:4244"))
	assert.NoError(t, callChain(t, m, "", "10.2.0.1:4245"))

	assert.Equal(t, 1, svc.Snapshot().UniqueClients)
}

func TestConnectionLimit(t *testing.T) {
	t.Parallel()

	e := echo.New()
	limit := ConnectionLimit(1)

	release := make(chan struct{})
	started := make(chan struct{})
	blocked := limit(func(c echo.Context) error {
		close(started)
		<-release
		return c.NoContent(http.StatusOK)
	})

	go func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		_ = blocked(c)
	}()
	<-started

	// The second request finds the semaphore full.
	fast := limit(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	err := fast(c)

	var ec *errcodes.Error
	require.True(t, errors.As(err, &ec))
	assert.Equal(t, http.StatusServiceUnavailable, ec.HTTPCode)

	close(release)
}
