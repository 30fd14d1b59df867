package api

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/bytes"

	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/logger"
)

// UploadField is the multipart field carrying the image
const UploadField = "file"

var allowedUploadExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
}

// upload handles POST /api/upload
func (s *Server) upload(c echo.Context) error {
	if s.uploader == nil {
		return newAPIError(http.StatusServiceUnavailable, KindUnavailable, "uploads are disabled", nil)
	}

	rec, err := s.processUpload(c)
	s.httpMetrics().RecordUpload(err)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ResultResponse{Success: true, Result: rec})
}

func (s *Server) processUpload(c echo.Context) (*detection.Record, error) {
	fh, err := c.FormFile(UploadField)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, invalidParameter(UploadField, "multipart file field is required")
	}

	tooLarge := newAPIError(http.StatusRequestEntityTooLarge, KindPayloadTooLarge,
		"file exceeds "+bytes.Format(s.cfg.MaxUploadBytes), nil)
	if fh.Size > s.cfg.MaxUploadBytes {
		return nil, tooLarge
	}

	name := filepath.Base(strings.ReplaceAll(fh.Filename, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedUploadExtensions[ext] {
		return nil, newAPIError(http.StatusUnsupportedMediaType, KindUnsupportedMedia,
			"allowed file types are png, jpg, jpeg and gif", nil)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, invalidParameter(UploadField, "file could not be read")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, invalidParameter(UploadField, "file could not be read")
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return nil, tooLarge
	}
	if len(data) == 0 {
		return nil, invalidParameter(UploadField, "file is empty")
	}

	stored := uuid.NewString() + "_" + name
	meta := map[string]string{
		detection.MetaSource:           detection.SourceUpload,
		detection.MetaOriginalFilename: name,
		detection.MetaUserAgent:        c.Request().UserAgent(),
		detection.MetaRemoteAddr:       c.RealIP(),
	}

	ctx := c.Request().Context()
	rec, err := s.uploader.ProcessBytes(ctx, data, stored, meta)
	if err != nil {
		return nil, err
	}

	GetLogger().WithContext(ctx).Info("upload processed",
		logger.Uint64("id", rec.ID),
		logger.String("original_filename", name),
		logger.Int("size", len(data)),
		logger.Bool("bird_detected", rec.BirdDetected))
	return rec, nil
}
