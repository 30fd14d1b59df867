package api

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const dateLayout = "2006-01-02"

// parsePagination reads page and per_page, defaulting to 1 and DefaultPerPage
func parsePagination(c echo.Context) (page, perPage int, err error) {
	page, err = intParam(c, "page", 1, 1, math.MaxInt32)
	if err != nil {
		return 0, 0, err
	}
	perPage, err = intParam(c, "per_page", DefaultPerPage, 1, MaxPerPage)
	if err != nil {
		return 0, 0, err
	}
	return page, perPage, nil
}

func intParam(c echo.Context, name string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidParameter(name, "must be an integer")
	}
	if v < lo || v > hi {
		return 0, invalidParameter(name, "must be between "+strconv.Itoa(lo)+" and "+strconv.Itoa(hi))
	}
	return v, nil
}

func boolParam(c echo.Context, name string) (bool, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, invalidParameter(name, "must be a boolean")
	}
	return v, nil
}

func confidenceParam(c echo.Context, name string) (float64, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) {
		return 0, invalidParameter(name, "must be a number")
	}
	if v < 0 || v > 1 {
		return 0, invalidParameter(name, "must be between 0 and 1")
	}
	return v, nil
}

// timeParam accepts YYYY-MM-DD (UTC) or RFC 3339. A bare date used as an
// end bound covers the whole day.
func timeParam(c echo.Context, name string, endOfDay bool) (*time.Time, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation(dateLayout, raw, time.UTC)
	if err != nil {
		return nil, invalidParameter(name, "must be YYYY-MM-DD or RFC 3339")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func idParam(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, invalidParameter("id", "must be a positive integer")
	}
	return id, nil
}
