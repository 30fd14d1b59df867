package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdcam-go/internal/datastore"
)

const statsCacheKey = "stats"

// StatsResponse wraps the store aggregates
type StatsResponse struct {
	Success bool            `json:"success"`
	Stats   datastore.Stats `json:"stats"`
}

// stats handles GET /api/stats. Results are cached for StatsTTL and
// concurrent misses share one store query.
func (s *Server) stats(c echo.Context) error {
	if v, ok := s.statsCache.Get(statsCacheKey); ok {
		if st, ok := v.(datastore.Stats); ok {
			return c.JSON(http.StatusOK, StatsResponse{Success: true, Stats: st})
		}
	}

	ctx := context.WithoutCancel(c.Request().Context())
	v, err, _ := s.statsGroup.Do(statsCacheKey, func() (any, error) {
		st, err := s.store.Stats(ctx)
		if err != nil {
			return nil, err
		}
		s.statsCache.SetDefault(statsCacheKey, st)
		return st, nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatsResponse{Success: true, Stats: v.(datastore.Stats)})
}
