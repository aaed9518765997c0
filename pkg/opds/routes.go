package opds

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers the catalog routes on a group. The group already
// carries the root prefix and the auth middleware; the service only needs the
// prefix to build hrefs.
func RegisterRoutes(g *echo.Group, service *Service) {
	h := &handler{service: service}

	g.GET("", h.root)
	g.GET("/", h.root)
	g.GET("/opensearch.xml", h.openSearchDescription)
	g.GET("/search", h.search)

	g.GET("/newdate", h.newByDate)
	g.GET("/newtitle", h.newByTitle)

	g.GET("/authorsindex", h.authorsIndex)
	g.GET("/authorsindex/:prefix", h.authorsIndex)
	g.GET("/author-details/:name", h.authorDetails)
	g.GET("/author-series/:name", h.authorSeries)
	g.GET("/author-no-series/:name", h.authorBooks(ViewNoSeries))
	g.GET("/author-alphabetic/:name", h.authorBooks(ViewAlphabetic))
	g.GET("/author-by-date/:name", h.authorBooks(ViewByDate))
	g.GET("/author-sequence/:name/:sequence", h.authorSequence)

	g.GET("/sequencesindex", h.sequencesIndex)
	g.GET("/sequencesindex/:prefix", h.sequencesIndex)
	g.GET("/sequence/:name", h.sequence)

	g.GET("/genres", h.genres)
	g.GET("/genres/:main", h.genres)
	g.GET("/genre/:tag", h.genre)

	g.GET("/downstat/date", h.downstat(true))
	g.GET("/downstat/alpha", h.downstat(false))
}
