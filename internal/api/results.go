package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdcam-go/internal/datastore"
	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/logger"
)

// ListResponse is one page of records
type ListResponse struct {
	Success bool `json:"success"`
	datastore.Page
}

// ResultResponse wraps a single record
type ResultResponse struct {
	Success bool              `json:"success"`
	Result  *detection.Record `json:"result"`
}

// RelabelRequest is the body of PATCH /api/results/:id. An empty species
// clears the label.
type RelabelRequest struct {
	Species *string `json:"species"`
}

// listResults handles GET /api/results
func (s *Server) listResults(c echo.Context) error {
	page, perPage, err := parsePagination(c)
	if err != nil {
		return err
	}
	birdOnly, err := boolParam(c, "bird_only")
	if err != nil {
		return err
	}

	filters := datastore.Filters{BirdOnly: birdOnly, Species: c.QueryParam("species")}
	return s.respondPage(c, filters, page, perPage)
}

func (s *Server) respondPage(c echo.Context, filters datastore.Filters, page, perPage int) error {
	result, err := s.store.List(c.Request().Context(), filters, page, perPage)
	if err != nil {
		return err
	}
	if result.Records == nil {
		result.Records = []*detection.Record{}
	}
	return c.JSON(http.StatusOK, ListResponse{Success: true, Page: result})
}

// getResult handles GET /api/results/:id
func (s *Server) getResult(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	rec, err := s.store.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ResultResponse{Success: true, Result: rec})
}

// relabelResult handles PATCH /api/results/:id
func (s *Server) relabelResult(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}

	var req RelabelRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return invalidParameter("body", "must be a JSON object")
	}
	if req.Species == nil {
		return invalidParameter("species", "is required")
	}

	ctx := c.Request().Context()
	if err := s.store.Relabel(ctx, id, *req.Species); err != nil {
		return err
	}
	s.statsCache.Delete(statsCacheKey)

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	GetLogger().WithContext(ctx).Info("record relabeled",
		logger.Uint64("id", id),
		logger.String("species", *req.Species))
	return c.JSON(http.StatusOK, ResultResponse{Success: true, Result: rec})
}
