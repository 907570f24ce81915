package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/mysti-ai/mysti/pkg/database"
)

func (s *Server) listImagePresetsHandler(c *echo.Context) error {
	presets, err := s.db.ListImagePresets(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, presets)
}

// saveImagePresetHandler estimates VRAM footprint from on-disk weight
// file sizes when the caller doesn't supply one.
func (s *Server) saveImagePresetHandler(c *echo.Context) error {
	var preset database.ImagePreset
	if err := c.Bind(&preset); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if preset.Name == "" {
		return jsonError(c, http.StatusBadRequest, "name is required")
	}

	if preset.VRAMWeightsMBEstimate <= 0 {
		var totalBytes int64
		for _, rel := range []string{preset.UnetPath, preset.VaePath, preset.ClipLPath, preset.ClipGPath, preset.T5xxlPath} {
			if rel == "" {
				continue
			}
			if info, err := os.Stat(filepath.Join(s.modelDir, rel)); err == nil {
				totalBytes += info.Size()
			}
		}
		if totalBytes > 0 {
			preset.VRAMWeightsMBEstimate = int(float64(totalBytes) * 1.05 / (1024 * 1024))
		}
	}

	if err := s.db.SaveImagePreset(c.Request().Context(), preset); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}

func (s *Server) deleteImagePresetHandler(c *echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid id")
	}
	if err := s.db.DeleteImagePreset(c.Request().Context(), id); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}

type loadImagePresetRequest struct {
	ID int64 `json:"id"`
}

// loadImagePresetHandler converts a saved preset into a model-load
// request, forwards it to the diffusion worker, and on success captures
// it for crash replay. The preset's own paths are sent as they are; model
// metadata is not merged in as it is for a direct /v1/models/load call.
func (s *Server) loadImagePresetHandler(c *echo.Context) error {
	var req loadImagePresetRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()

	presets, err := s.db.ListImagePresets(ctx)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}

	var selected *database.ImagePreset
	for i := range presets {
		if presets[i].ID == req.ID {
			selected = &presets[i]
			break
		}
	}
	if selected == nil {
		return jsonError(c, http.StatusNotFound, "preset not found")
	}

	loadReq := map[string]interface{}{"model_id": selected.UnetPath}
	if selected.VaePath != "" {
		loadReq["vae"] = selected.VaePath
	}
	if selected.ClipLPath != "" {
		loadReq["clip_l"] = selected.ClipLPath
	}
	if selected.ClipGPath != "" {
		loadReq["clip_g"] = selected.ClipGPath
	}
	if selected.T5xxlPath != "" {
		loadReq["t5xxl"] = selected.T5xxlPath
	}
	body, err := json.Marshal(loadReq)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}

	status, respBody, err := s.forwardJSON(ctx, s.sdURL("/v1/models/load"), body)
	if err != nil {
		return jsonError(c, http.StatusBadGateway, "failed to reach diffusion worker")
	}
	if status == http.StatusOK && s.sdState != nil {
		s.sdState.Capture(body)
	}
	return c.Blob(status, "application/json", respBody)
}

func (s *Server) listLlmPresetsHandler(c *echo.Context) error {
	presets, err := s.db.ListLlmPresets(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, presets)
}

func (s *Server) saveLlmPresetHandler(c *echo.Context) error {
	var preset database.LlmPreset
	if err := c.Bind(&preset); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if preset.Name == "" || preset.ModelPath == "" {
		return jsonError(c, http.StatusBadRequest, "name and model_path are required")
	}
	if preset.NCtx == 0 {
		preset.NCtx = 2048
	}
	if preset.Role == "" {
		preset.Role = "Assistant"
	}
	if err := s.db.SaveLlmPreset(c.Request().Context(), preset); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}

func (s *Server) deleteLlmPresetHandler(c *echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid id")
	}
	if err := s.db.DeleteLlmPreset(c.Request().Context(), id); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}
