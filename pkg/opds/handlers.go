package opds

import (
	"encoding/xml"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/tinyopds/tinyopds/pkg/errcodes"
)

type handler struct {
	service *Service
}

// renderFeed serializes a feed as OPDS catalog XML.
func renderFeed(c echo.Context, status int, f *Feed) error {
	out, err := xml.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	return c.Blob(status, MimeTypeCatalog, append([]byte(xml.Header), out...))
}

// respond renders the feed, mapping a NotFound from the store to a 404 with
// an empty feed body so OPDS clients show an empty shelf instead of choking
// on JSON.
func (h *handler) respond(c echo.Context, f *Feed, err error) error {
	if err != nil {
		var e *errcodes.Error
		if errors.As(err, &e) && e.HTTPCode == http.StatusNotFound {
			empty := h.service.newFeed("tag:not-found", h.service.opts.ServerName,
				c.Request().RequestURI)
			return renderFeed(c, http.StatusNotFound, empty)
		}
		return err
	}
	return renderFeed(c, http.StatusOK, f)
}

// pathParam returns a URL-decoded path parameter.
func pathParam(c echo.Context, name string) string {
	raw := c.Param(name)
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func (h *handler) root(c echo.Context) error {
	f, err := h.service.Root(c.Request().Context())
	return h.respond(c, f, err)
}

func (h *handler) openSearchDescription(c echo.Context) error {
	out, err := xml.MarshalIndent(h.service.Description(), "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	return c.Blob(http.StatusOK, MimeTypeOpenSearch, append([]byte(xml.Header), out...))
}

func (h *handler) newByDate(c echo.Context) error {
	params := pageParams{}
	if err := c.Bind(&params); err != nil {
		return err
	}
	f, err := h.service.NewByDate(c.Request().Context(), params.Page)
	return h.respond(c, f, err)
}

func (h *handler) newByTitle(c echo.Context) error {
	params := pageParams{}
	if err := c.Bind(&params); err != nil {
		return err
	}
	f, err := h.service.NewByTitle(c.Request().Context(), params.Page)
	return h.respond(c, f, err)
}

func (h *handler) authorsIndex(c echo.Context) error {
	f, err := h.service.AuthorsIndex(c.Request().Context(), pathParam(c, "prefix"))
	return h.respond(c, f, err)
}

func (h *handler) authorDetails(c echo.Context) error {
	f, redirect, err := h.service.AuthorDetails(c.Request().Context(), pathParam(c, "name"))
	if err == nil && redirect != "" {
		return c.Redirect(http.StatusFound, redirect)
	}
	return h.respond(c, f, err)
}

func (h *handler) authorSeries(c echo.Context) error {
	f, err := h.service.AuthorSeries(c.Request().Context(), pathParam(c, "name"))
	return h.respond(c, f, err)
}

func (h *handler) authorBooks(view AuthorView) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := pageParams{}
		if err := c.Bind(&params); err != nil {
			return err
		}
		f, err := h.service.AuthorBooks(c.Request().Context(), pathParam(c, "name"), view, params.Page)
		return h.respond(c, f, err)
	}
}

func (h *handler) authorSequence(c echo.Context) error {
	params := pageParams{}
	if err := c.Bind(&params); err != nil {
		return err
	}
	f, err := h.service.AuthorSequence(c.Request().Context(),
		pathParam(c, "name"), pathParam(c, "sequence"), params.Page)
	return h.respond(c, f, err)
}

func (h *handler) sequencesIndex(c echo.Context) error {
	f, err := h.service.SequencesIndex(c.Request().Context(), pathParam(c, "prefix"))
	return h.respond(c, f, err)
}

func (h *handler) sequence(c echo.Context) error {
	params := pageParams{}
	if err := c.Bind(&params); err != nil {
		return err
	}
	f, err := h.service.Sequence(c.Request().Context(), pathParam(c, "name"), params.Page)
	return h.respond(c, f, err)
}

func (h *handler) genres(c echo.Context) error {
	f, err := h.service.Genres(c.Request().Context(), pathParam(c, "main"))
	return h.respond(c, f, err)
}

func (h *handler) genre(c echo.Context) error {
	params := pageParams{}
	if err := c.Bind(&params); err != nil {
		return err
	}
	f, err := h.service.Genre(c.Request().Context(), pathParam(c, "tag"), params.Page)
	return h.respond(c, f, err)
}

func (h *handler) search(c echo.Context) error {
	params := searchParams{}
	if err := c.Bind(&params); err != nil {
		return err
	}
	f, err := h.service.Search(c.Request().Context(), params.SearchTerm, params.SearchType, params.Page)
	return h.respond(c, f, err)
}

func (h *handler) downstat(byDate bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := pageParams{}
		if err := c.Bind(&params); err != nil {
			return err
		}
		f, err := h.service.Downloaded(c.Request().Context(), byDate, params.Page)
		return h.respond(c, f, err)
	}
}
