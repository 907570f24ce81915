package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/mysti-ai/mysti/pkg/database"
)

func (s *Server) listLibraryHandler(c *echo.Context) error {
	items, err := s.db.ListLibraryItems(c.Request().Context(), c.QueryParam("category"))
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) addLibraryItemHandler(c *echo.Context) error {
	var item database.LibraryItem
	if err := c.Bind(&item); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if item.Label == "" || item.Content == "" {
		return jsonError(c, http.StatusBadRequest, "label and content are required")
	}
	if err := s.db.AddLibraryItem(c.Request().Context(), item); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}

func (s *Server) deleteLibraryItemHandler(c *echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid id")
	}
	if err := s.db.DeleteLibraryItem(c.Request().Context(), id); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}

func (s *Server) useLibraryItemHandler(c *echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid id")
	}
	if err := s.db.IncrementLibraryUsage(c.Request().Context(), id); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}
