package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mysti-ai/mysti/pkg/database"
	"github.com/mysti-ai/mysti/pkg/tagging"
)

const styleExtractSystemPrompt = `You are an expert art style analyzer. Analyze the given image prompt and extract distinct art styles, artists, or aesthetic descriptors. Return a JSON object with a 'styles' key containing an array of objects. Each style object must have 'name' (concise style name), 'prompt' (keywords to append, MUST include '{prompt}' placeholder), and 'negative_prompt' (optional tags to avoid).`

func (s *Server) listStylesHandler(c *echo.Context) error {
	styles, err := s.db.ListStyles(c.Request().Context())
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, styles)
}

func (s *Server) saveStyleHandler(c *echo.Context) error {
	var style database.Style
	if err := c.Bind(&style); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}
	if style.Name == "" {
		return jsonError(c, http.StatusBadRequest, "name is required")
	}
	if err := s.db.SaveStyle(c.Request().Context(), style); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	go s.generateStylePreview(style)
	return jsonOK(c)
}

type deleteStyleRequest struct {
	Name string `json:"name"`
}

func (s *Server) deleteStyleHandler(c *echo.Context) error {
	var req deleteStyleRequest
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return jsonError(c, http.StatusBadRequest, "name is required")
	}
	if err := s.db.DeleteStyle(c.Request().Context(), req.Name); err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return jsonOK(c)
}

type extractStylesRequest struct {
	Prompt string `json:"prompt"`
}

type llmChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type extractedStyle struct {
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
}

// extractStylesHandler asks the LLM worker to decompose a prompt into
// reusable named styles, persists each one, and kicks off preview
// generation for the newly learned styles in the background.
func (s *Server) extractStylesHandler(c *echo.Context) error {
	var req extractStylesRequest
	if err := c.Bind(&req); err != nil || req.Prompt == "" {
		return jsonError(c, http.StatusBadRequest, "prompt is required")
	}
	ctx := c.Request().Context()

	chatReq := map[string]interface{}{
		"messages": []map[string]string{
			{"role": "system", "content": styleExtractSystemPrompt},
			{"role": "user", "content": req.Prompt},
		},
		"temperature":     0.2,
		"max_tokens":      1024,
		"response_format": map[string]string{"type": "json_object"},
	}
	body, _ := json.Marshal(chatReq)

	llmCtx, cancel := context.WithTimeout(ctx, 180*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(llmCtx, http.MethodPost, s.llmURL("/v1/chat/completions"), bytes.NewReader(body))
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	s.setInternalAuth(httpReq)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return jsonError(c, http.StatusBadGateway, "failed to reach llm worker")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jsonError(c, http.StatusInternalServerError, "failed to extract styles from llm")
	}

	var chatResp llmChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil || len(chatResp.Choices) == 0 {
		return jsonError(c, http.StatusInternalServerError, "failed to extract styles from llm")
	}

	jsonPart := tagging.ExtractJSONBlock(chatResp.Choices[0].Message.Content)
	if jsonPart == "" {
		return jsonError(c, http.StatusInternalServerError, "failed to extract styles from llm")
	}

	extracted := parseExtractedStyles(jsonPart)
	var saved []database.Style
	for _, es := range extracted {
		if es.Name == "" || es.Prompt == "" {
			continue
		}
		prompt := es.Prompt
		if !strings.Contains(prompt, "{prompt}") {
			prompt = "{prompt}, " + prompt
		}
		style := database.Style{Name: es.Name, Prompt: prompt, NegativePrompt: es.NegativePrompt}
		if err := s.db.SaveStyle(ctx, style); err != nil {
			s.log.Warn("extract styles: save failed", "name", style.Name, "error", err)
			continue
		}
		saved = append(saved, style)
	}

	if len(saved) > 0 {
		go func() {
			for _, style := range saved {
				s.generateStylePreview(style)
			}
		}()
	}

	styles, err := s.db.ListStyles(ctx)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, styles)
}

// parseExtractedStyles accepts either a bare array of style objects, an
// object with a "styles" array, or a single style object.
func parseExtractedStyles(jsonPart string) []extractedStyle {
	var asArray []extractedStyle
	if err := json.Unmarshal([]byte(jsonPart), &asArray); err == nil && len(asArray) > 0 {
		return asArray
	}

	var asObject map[string]interface{}
	if err := json.Unmarshal([]byte(jsonPart), &asObject); err != nil {
		return nil
	}
	if raw, ok := asObject["styles"]; ok {
		if encoded, err := json.Marshal(raw); err == nil {
			var styles []extractedStyle
			if err := json.Unmarshal(encoded, &styles); err == nil {
				return styles
			}
		}
		return nil
	}
	if _, ok := asObject["name"]; ok {
		if encoded, err := json.Marshal(asObject); err == nil {
			var single extractedStyle
			if err := json.Unmarshal(encoded, &single); err == nil {
				return []extractedStyle{single}
			}
		}
	}
	return nil
}

func (s *Server) fixStylePreviewsHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	styles, err := s.db.ListStyles(ctx)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}

	var missing []database.Style
	for _, style := range styles {
		if style.PreviewPath == "" {
			missing = append(missing, style)
		}
	}

	if len(missing) > 0 {
		go func() {
			for _, style := range missing {
				s.generateStylePreview(style)
			}
		}()
	}

	return c.JSON(http.StatusOK, map[string]int{"count": len(missing)})
}

// generateStylePreview renders a small sample image for style using a
// generic test subject and saves the result alongside the style row.
func (s *Server) generateStylePreview(style database.Style) {
	if style.Prompt == "" {
		return
	}

	subject := "a generic test subject"
	finalPrompt := style.Prompt
	if strings.Contains(finalPrompt, "{prompt}") {
		finalPrompt = strings.ReplaceAll(finalPrompt, "{prompt}", subject)
	} else {
		finalPrompt = subject + ", " + finalPrompt
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	previewSteps, previewCFG := 15, 7.0
	if configResp, err := s.getSDConfig(ctx); err == nil {
		if modelPath, _ := configResp["model"].(string); modelPath != "" {
			if meta, err := s.db.GetModelMetadata(ctx, modelPath); err == nil {
				if v, ok := meta["sample_steps"].(float64); ok {
					previewSteps = int(v)
				}
				if v, ok := meta["cfg_scale"].(float64); ok {
					previewCFG = v
				}
			}
		}
	}

	reqBody, _ := json.Marshal(map[string]interface{}{
		"prompt":          finalPrompt,
		"negative_prompt": style.NegativePrompt,
		"width":           512,
		"height":          512,
		"sample_steps":    previewSteps,
		"cfg_scale":       previewCFG,
		"n":               1,
		"save_image":      false,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.sdURL("/v1/images/generations"), bytes.NewReader(reqBody))
	if err != nil {
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	s.setInternalAuth(httpReq)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	defer resp.Body.Close()

	var result struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || len(result.Data) == 0 {
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(result.Data[0].B64JSON)
	if err != nil {
		return
	}

	previewDir := filepath.Join(s.outputDir, "previews")
	if err := os.MkdirAll(previewDir, 0o755); err != nil {
		s.log.Warn("style preview: create previews dir failed", "error", err)
		return
	}

	filename := "style_" + strings.ReplaceAll(style.Name, " ", "_") + ".png"
	if err := os.WriteFile(filepath.Join(previewDir, filename), decoded, 0o644); err != nil {
		s.log.Warn("style preview: write failed", "error", err)
		return
	}

	style.PreviewPath = "/outputs/previews/" + filename
	if err := s.db.SaveStyle(context.Background(), style); err != nil {
		s.log.Warn("style preview: save preview path failed", "error", err)
	}
}

func (s *Server) getSDConfig(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.sdURL("/v1/config"), nil)
	if err != nil {
		return nil, err
	}
	s.setInternalAuth(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
