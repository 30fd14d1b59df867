package api

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdcam-go/internal/datastore"
)

// search handles GET /api/search. Filters combine with AND.
func (s *Server) search(c echo.Context) error {
	page, perPage, err := parsePagination(c)
	if err != nil {
		return err
	}

	var f datastore.Filters
	if f.BirdOnly, err = boolParam(c, "bird_only"); err != nil {
		return err
	}
	if f.MinConfidence, err = confidenceParam(c, "min_confidence"); err != nil {
		return err
	}
	if f.Start, err = timeParam(c, "start_date", false); err != nil {
		return err
	}
	if f.End, err = timeParam(c, "end_date", true); err != nil {
		return err
	}
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return invalidParameter("end_date", "must not be before start_date")
	}
	f.Query = strings.TrimSpace(c.QueryParam("q"))
	f.Species = strings.TrimSpace(c.QueryParam("species"))

	return s.respondPage(c, f, page, perPage)
}
