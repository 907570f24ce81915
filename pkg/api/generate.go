package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mysti-ai/mysti/pkg/database"
	"github.com/mysti-ai/mysti/pkg/resource"
)

// loadSDModelHandler enriches a model-load request with saved vae/llm
// metadata for the requested model, forwards it to the diffusion worker,
// and on success captures the sent body so the health monitor can replay
// it after an unexpected restart.
func (s *Server) loadSDModelHandler(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "failed to read request body")
	}

	modifiedBody := s.enrichModelLoadBody(c.Request().Context(), body)

	status, respBody, err := s.forwardJSON(c.Request().Context(), s.sdURL("/v1/models/load"), modifiedBody)
	if err != nil {
		return jsonError(c, http.StatusBadGateway, "failed to reach diffusion worker")
	}
	if status == http.StatusOK {
		if s.sdState != nil {
			s.sdState.Capture(modifiedBody)
		}
		if s.healthS != nil {
			s.healthS.NotifyClientLoadSucceeded("sd")
		}
	}
	return c.Blob(status, "application/json", respBody)
}

func (s *Server) enrichModelLoadBody(ctx context.Context, body []byte) []byte {
	var req map[string]interface{}
	if err := json.Unmarshal(body, &req); err != nil {
		return body
	}
	modelID, _ := req["model_id"].(string)
	if modelID == "" {
		return body
	}
	meta, err := s.db.GetModelMetadata(ctx, modelID)
	if err != nil || len(meta) == 0 {
		return body
	}
	if vae, ok := meta["vae"].(string); ok && vae != "" {
		req["vae"] = vae
	}
	if llm, ok := meta["llm"].(string); ok && llm != "" {
		req["llm"] = llm
	}
	modified, err := json.Marshal(req)
	if err != nil {
		return body
	}
	return modified
}

// loadLLMModelHandler forwards the request to the LLM worker and, on
// success, captures the sent body for crash replay.
func (s *Server) loadLLMModelHandler(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "failed to read request body")
	}

	status, respBody, err := s.forwardJSON(c.Request().Context(), s.llmURL("/v1/llm/load"), body)
	if err != nil {
		return jsonError(c, http.StatusBadGateway, "failed to reach llm worker")
	}
	if status == http.StatusOK {
		if s.llmState != nil {
			s.llmState.Capture(body)
		}
		if s.healthS != nil {
			s.healthS.NotifyClientLoadSucceeded("llm")
		}
	}
	return c.Blob(status, "application/json", respBody)
}

// generateImageHandler is the hot path: it arbitrates VRAM with the LLM
// worker, enriches generation parameters from the active model's saved
// metadata, forwards to the diffusion worker, persists the result, and
// wakes the background tagger.
func (s *Server) generateImageHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "failed to read request body")
	}

	arbitration := s.res.PrepareForSDGeneration(ctx, 4.0, 0, "", 0, 0)
	if !arbitration.Admit {
		return jsonError(c, http.StatusServiceUnavailable, "insufficient vram for generation")
	}

	modifiedBody := s.enrichGenerationParams(ctx, body)
	modifiedBody = applyArbitrationHints(modifiedBody, arbitration)

	if s.tagger != nil {
		s.tagger.SetGenerationActive(true)
		defer s.tagger.SetGenerationActive(false)
	}

	status, respBody, err := s.forwardJSON(ctx, s.sdURL("/v1/images/generations"), modifiedBody)
	s.res.UncommitVRAM(arbitration.CommittedGB)
	if err != nil {
		return jsonError(c, http.StatusBadGateway, "failed to reach diffusion worker")
	}

	if status == http.StatusOK {
		s.recordGeneration(ctx, modifiedBody, respBody)
	}

	return c.Blob(status, "application/json", respBody)
}

func (s *Server) enrichGenerationParams(ctx context.Context, body []byte) []byte {
	var req map[string]interface{}
	if err := json.Unmarshal(body, &req); err != nil {
		return body
	}

	configResp, err := s.getSDConfig(ctx)
	if err != nil {
		return body
	}
	activeModelID, _ := configResp["model"].(string)
	if activeModelID == "" {
		return body
	}
	meta, err := s.db.GetModelMetadata(ctx, activeModelID)
	if err != nil || len(meta) == 0 {
		return body
	}

	if w, ok := req["width"]; !ok || w == float64(512) {
		if v, ok := meta["width"]; ok {
			req["width"] = v
		}
	}
	if h, ok := req["height"]; !ok || h == float64(512) {
		if v, ok := meta["height"]; ok {
			req["height"] = v
		}
	}

	currentSteps := 0
	if v, ok := req["sample_steps"].(float64); ok {
		currentSteps = int(v)
	} else if v, ok := req["steps"].(float64); ok {
		currentSteps = int(v)
	}
	if currentSteps == 0 || currentSteps == 20 || currentSteps == 15 {
		if v, ok := meta["sample_steps"]; ok {
			req["sample_steps"] = v
			req["steps"] = v
		}
	}

	if cfg, ok := req["cfg_scale"]; !ok || cfg == float64(7) {
		if v, ok := meta["cfg_scale"]; ok {
			req["cfg_scale"] = v
		}
	}

	modified, err := json.Marshal(req)
	if err != nil {
		return body
	}
	return modified
}

// applyArbitrationHints folds the resource manager's offload/tiling
// recommendations into the forwarded request body.
func applyArbitrationHints(body []byte, result resource.ArbitrationResult) []byte {
	if !result.RequestCLIPOffload && !result.RequestVAETiling {
		return body
	}
	var req map[string]interface{}
	if err := json.Unmarshal(body, &req); err != nil {
		return body
	}
	if result.RequestCLIPOffload {
		req["offload_clip"] = true
	}
	if result.RequestVAETiling {
		req["vae_tiling"] = true
	}
	modified, err := json.Marshal(req)
	if err != nil {
		return body
	}
	return modified
}

// recordGeneration parses the forwarded request/response pair and
// inserts a library row, attributing the model ID from the last
// successfully loaded SD model body.
func (s *Server) recordGeneration(ctx context.Context, reqBody, respBody []byte) {
	var reqJSON map[string]interface{}
	if err := json.Unmarshal(reqBody, &reqJSON); err != nil {
		return
	}
	var respJSON struct {
		ID   string `json:"id"`
		Data []struct {
			URL  string  `json:"url"`
			Seed int64   `json:"seed"`
		} `json:"data"`
		GenerationTime float64 `json:"generation_time"`
	}
	if err := json.Unmarshal(respBody, &respJSON); err != nil {
		return
	}

	uuid := respJSON.ID
	var filePath string
	seed := int64(-1)
	if s, ok := reqJSON["seed"].(float64); ok {
		seed = int64(s)
	}
	if len(respJSON.Data) > 0 {
		filePath = respJSON.Data[0].URL
		if seed == -1 {
			seed = respJSON.Data[0].Seed
		}
	}
	if uuid == "" && filePath != "" {
		uuid = filePath
		if idx := lastSlash(filePath); idx != -1 {
			uuid = filePath[idx+1:]
		}
	}
	if uuid == "" || filePath == "" {
		return
	}

	gen := database.Generation{
		UUID:           uuid,
		FilePath:       filePath,
		Prompt:         stringField(reqJSON, "prompt"),
		NegativePrompt: stringField(reqJSON, "negative_prompt"),
		Seed:           seed,
		Width:          intField(reqJSON, "width", 512),
		Height:         intField(reqJSON, "height", 512),
		Steps:          intFieldPreferring(reqJSON, "sample_steps", "steps", 20),
		CFGScale:       floatField(reqJSON, "cfg_scale", 7.0),
		GenerationTime: respJSON.GenerationTime,
		ParamsJSON:     string(reqBody),
	}

	if s.sdState != nil {
		if rawBody, ok := s.sdState.Peek(); ok {
			var lastLoad map[string]interface{}
			if json.Unmarshal(rawBody, &lastLoad) == nil {
				gen.ModelID = stringField(lastLoad, "model_id")
			}
		}
	}

	if _, err := s.db.InsertGeneration(ctx, gen); err != nil {
		s.log.Warn("generate: insert generation failed", "uuid", uuid, "error", err)
		return
	}
	if s.onGeneration != nil {
		s.onGeneration()
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func intField(m map[string]interface{}, key string, def int) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return def
}

func intFieldPreferring(m map[string]interface{}, first, second string, def int) int {
	if v, ok := m[first].(float64); ok {
		return int(v)
	}
	if v, ok := m[second].(float64); ok {
		return int(v)
	}
	return def
}

func floatField(m map[string]interface{}, key string, def float64) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return def
}

// forwardJSON sends body to url and returns the upstream status code and
// response body, used by handlers that need to inspect the response
// before relaying it (unlike the pure passthrough proxy routes).
func (s *Server) forwardJSON(ctx context.Context, url string, body []byte) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 300*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	s.setInternalAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}
