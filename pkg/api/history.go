package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/mysti-ai/mysti/pkg/database"
)

func (s *Server) listHistoryHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	if q := c.QueryParam("q"); q != "" {
		limit := queryInt(c, "limit", 100)
		views, err := s.db.SearchGenerations(ctx, q, limit)
		if err != nil {
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, views)
	}

	filter := database.GenerationFilter{
		Limit:     queryInt(c, "limit", 100),
		Offset:    queryInt(c, "offset", 0),
		ModelID:   c.QueryParam("model_id"),
		MinRating: queryInt(c, "min_rating", 0),
	}
	if tags := c.QueryParam("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}

	views, err := s.db.ListGenerations(ctx, filter)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) deleteHistoryHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	uuid := c.Param("uuid")

	filePath, err := s.db.GetGenerationFilePath(ctx, uuid)
	if err != nil || filePath == "" {
		return jsonError(c, http.StatusNotFound, "generation not found")
	}

	if err := s.db.RemoveGeneration(ctx, uuid); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}

	if c.QueryParam("delete_file") == "true" {
		s.deleteImageFiles(filePath)
	}

	return jsonOK(c)
}

// deleteImageFiles removes the rendered image and any sidecar files
// sharing its base name (.json, legacy .txt).
func (s *Server) deleteImageFiles(fileURL string) {
	filename := filepath.Base(fileURL)
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	for _, ext := range []string{filepath.Ext(filename), ".json", ".txt"} {
		_ = os.Remove(filepath.Join(s.outputDir, base+ext))
	}
}

func (s *Server) listTagsHandler(c *echo.Context) error {
	tags, err := s.db.ListTags(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tags)
}

type tagRequest struct {
	UUID string `json:"uuid"`
	Tag  string `json:"tag"`
}

func (s *Server) addTagHandler(c *echo.Context) error {
	var req tagRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if err := s.db.AddTag(c.Request().Context(), req.UUID, req.Tag, "user"); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}

func (s *Server) removeTagHandler(c *echo.Context) error {
	var req tagRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if err := s.db.RemoveTag(c.Request().Context(), req.UUID, req.Tag); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}

func (s *Server) cleanupTagsHandler(c *echo.Context) error {
	if err := s.db.DeleteUnusedTags(c.Request().Context()); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}

type favoriteRequest struct {
	UUID     string `json:"uuid"`
	Favorite bool   `json:"favorite"`
}

func (s *Server) setFavoriteHandler(c *echo.Context) error {
	var req favoriteRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if err := s.db.SetFavorite(c.Request().Context(), req.UUID, req.Favorite); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}

type ratingRequest struct {
	UUID   string `json:"uuid"`
	Rating int    `json:"rating"`
}

func (s *Server) setRatingHandler(c *echo.Context) error {
	var req ratingRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if err := s.db.SetRating(c.Request().Context(), req.UUID, req.Rating); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}

func queryInt(c *echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
