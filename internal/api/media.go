package api

import (
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdcam-go/internal/datastore"
)

// servedTrees are the output subdirectories reachable under /api/images/
var servedTrees = map[string]bool{
	datastore.ImagesDir:    true,
	datastore.AnnotatedDir: true,
}

// serveArtifact handles GET /api/images/*. The path is relative to the
// output directory, e.g. /api/images/images/2024-05-01/cardinal.jpg.
func (s *Server) serveArtifact(c echo.Context) error {
	rel := path.Clean("/" + c.Param("*"))
	top, _, _ := strings.Cut(strings.TrimPrefix(rel, "/"), "/")
	if !servedTrees[top] {
		return newAPIError(http.StatusNotFound, KindNotFound, "image not found", nil)
	}

	f, err := s.artifacts.Open(rel)
	if err != nil {
		return newAPIError(http.StatusNotFound, KindNotFound, "image not found", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return newAPIError(http.StatusNotFound, KindNotFound, "image not found", err)
	}

	c.Response().Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(c.Response(), c.Request(), info.Name(), info.ModTime(), f)
	return nil
}
