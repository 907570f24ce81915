package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

func (s *Server) listModelMetadataHandler(c *echo.Context) error {
	items, err := s.db.ListModelMetadata(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) getModelMetadataHandler(c *echo.Context) error {
	modelID := c.Param("*")
	meta, err := s.db.GetModelMetadata(c.Request().Context(), modelID)
	if err != nil || len(meta) == 0 {
		return jsonError(c, http.StatusNotFound, "model metadata not found")
	}
	return c.JSON(http.StatusOK, meta)
}

type modelMetadataRequest struct {
	ModelID  string                 `json:"id"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (s *Server) saveModelMetadataHandler(c *echo.Context) error {
	var req modelMetadataRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if req.ModelID == "" {
		return jsonError(c, http.StatusBadRequest, "id is required")
	}
	if err := s.db.SaveModelMetadata(c.Request().Context(), req.ModelID, req.Metadata); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}
