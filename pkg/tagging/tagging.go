// Package tagging runs a background loop that auto-tags newly rendered
// images by asking the LLM worker to describe them, falling back to a
// text-only prompt when no vision projector is loaded.
package tagging

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mysti-ai/mysti/pkg/database"
)

const (
	pollInterval   = 10 * time.Second
	idleRetryDelay = 5 * time.Second
	loadCooldown   = 60 * time.Second
	batchSize      = 5

	healthTimeout = 2 * time.Second
	loadTimeout   = 600 * time.Second
	chatTimeout   = 120 * time.Second

	minTagLength = 2
)

const visionPrompt = "Analyze this image and provide descriptive tags (Subject, Style, Mood). Return JSON."

// ModelProvider returns the JSON body to POST to /v1/llm/load to bring the
// LLM up for tagging, or "" if no model is configured for auto-load.
type ModelProvider func() string

// Service is the background tagger. One Service per orchestrator process.
type Service struct {
	db            *database.Client
	llmPort       int
	token         string
	systemPrompt  string
	modelProvider ModelProvider
	client        *http.Client
	log           *slog.Logger

	generationActive atomic.Bool
	lastLoadFail     atomic.Int64 // unix seconds, 0 = never

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a tagging Service. systemPrompt is sent as the chat
// system message on every tagging request.
func New(db *database.Client, llmPort int, token, systemPrompt string, log *slog.Logger) *Service {
	return &Service{
		db:           db,
		llmPort:      llmPort,
		token:        token,
		systemPrompt: systemPrompt,
		client:       &http.Client{},
		log:          log,
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// SetModelProvider installs the callback used to auto-load the LLM worker
// when tagging finds it unloaded.
func (s *Service) SetModelProvider(p ModelProvider) { s.modelProvider = p }

// SetGenerationActive pauses tagging while true: the SD worker owns VRAM
// during an active render and tagging must not compete with it for the
// LLM's memory footprint.
func (s *Service) SetGenerationActive(active bool) { s.generationActive.Store(active) }

// IsGenerationActive reports whether a render is currently marked in
// progress, used by callers that need to confirm the pause took effect.
func (s *Service) IsGenerationActive() bool { return s.generationActive.Load() }

// NotifyNewGeneration wakes the loop immediately instead of waiting out
// the poll interval, mirroring the original's condition-variable notify.
func (s *Service) NotifyNewGeneration() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Start runs the tagging loop in a background goroutine.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context) {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pollInterval)

		delay := s.runOnce(ctx)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-time.After(delay):
			}
		}
	}
}

// runOnce processes one batch of untagged generations, returning a delay
// to sleep before the next attempt (0 means proceed on the normal poll
// cadence).
func (s *Service) runOnce(ctx context.Context) time.Duration {
	if s.generationActive.Load() {
		return 0
	}
	if s.db == nil {
		return 0
	}

	pending, err := s.db.GetUntaggedGenerations(ctx, batchSize)
	if err != nil {
		s.log.Warn("tagging: list untagged generations failed", "error", err)
		return 0
	}
	if len(pending) == 0 {
		return 0
	}
	s.log.Info("tagging: found images to tag", "count", len(pending))

	loaded, mmprojPath := s.probeLLMHealth(ctx)
	if !loaded {
		if d := s.tryAutoLoad(ctx); d > 0 {
			return d
		}
		loaded, mmprojPath = s.probeLLMHealth(ctx)
		if !loaded {
			return idleRetryDelay
		}
	}

	for _, item := range pending {
		if s.generationActive.Load() {
			break
		}
		s.tagOne(ctx, item, mmprojPath)
	}
	return 0
}

type healthProbe struct {
	Loaded     bool   `json:"loaded"`
	MmprojPath string `json:"mmproj_path"`
}

func (s *Service) probeLLMHealth(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.llmURL("/internal/health"), nil)
	if err != nil {
		return false, ""
	}
	s.setAuth(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return false, ""
	}
	defer resp.Body.Close()
	var probe healthProbe
	if err := json.NewDecoder(resp.Body).Decode(&probe); err != nil {
		return false, ""
	}
	return probe.Loaded, probe.MmprojPath
}

// tryAutoLoad attempts to bring the LLM worker up via modelProvider,
// respecting a cooldown after a recent failure so tagging doesn't hammer
// VRAM with repeated failed loads. Returns a non-zero delay when the
// caller should back off before retrying.
func (s *Service) tryAutoLoad(ctx context.Context) time.Duration {
	if last := s.lastLoadFail.Load(); last != 0 {
		elapsed := time.Since(time.Unix(last, 0))
		if elapsed < loadCooldown {
			return idleRetryDelay
		}
	}
	if s.modelProvider == nil {
		return idleRetryDelay
	}
	body := s.modelProvider()
	if body == "" {
		s.log.Debug("tagging: no LLM model configured for auto-load")
		return idleRetryDelay
	}

	s.log.Info("tagging: auto-loading LLM")
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.llmURL("/v1/llm/load"), bytes.NewReader([]byte(body)))
	if err != nil {
		s.lastLoadFail.Store(time.Now().Unix())
		return idleRetryDelay
	}
	req.Header.Set("Content-Type", "application/json")
	s.setAuth(req)
	resp, err := s.client.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		s.log.Warn("tagging: failed to load LLM")
		s.lastLoadFail.Store(time.Now().Unix())
		return idleRetryDelay
	}
	resp.Body.Close()
	return 0
}

func (s *Service) tagOne(ctx context.Context, item database.UntaggedGeneration, mmprojPath string) {
	filePath, err := s.db.GetGenerationFilePath(ctx, item.UUID)
	if err != nil || filePath == "" {
		s.log.Warn("tagging: could not resolve file path", "id", item.ID, "error", err)
		_ = s.db.MarkAsTagged(ctx, item.ID)
		return
	}

	data, err := os.ReadFile(filePath)
	if err != nil && strings.HasPrefix(filePath, "/") {
		altPath := "." + filePath
		if alt, altErr := os.ReadFile(altPath); altErr == nil {
			data, err = alt, nil
			filePath = altPath
		}
	}
	if err != nil {
		s.log.Warn("tagging: could not open image", "id", item.ID, "path", filePath, "error", err)
		_ = s.db.MarkAsTagged(ctx, item.ID)
		return
	}

	dataURI := fmt.Sprintf("data:%s;base64,%s", mimeTypeFor(filePath), base64.StdEncoding.EncodeToString(data))

	messages := []map[string]interface{}{
		{"role": "system", "content": s.systemPrompt},
	}
	if mmprojPath != "" {
		messages = append(messages, map[string]interface{}{
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "text", "text": visionPrompt},
				{"type": "image_url", "image_url": map[string]string{"url": dataURI}},
			},
		})
		s.log.Info("tagging: tagging image (vision)", "id", item.ID)
	} else {
		messages = append(messages, map[string]interface{}{"role": "user", "content": item.Prompt})
		s.log.Info("tagging: tagging image (text-only)", "id", item.ID)
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"messages":        messages,
		"temperature":     0.1,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		_ = s.db.MarkAsTagged(ctx, item.ID)
		return
	}

	chatCtx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(chatCtx, http.MethodPost, s.llmURL("/v1/chat/completions"), bytes.NewReader(reqBody))
	if err != nil {
		_ = s.db.MarkAsTagged(ctx, item.ID)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	s.setAuth(req)

	resp, err := s.client.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		s.log.Info("tagging: LLM request failed", "id", item.ID, "status", status)
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		_ = s.db.MarkAsTagged(ctx, item.ID)
		return
	}

	count := s.applyTags(ctx, item.ID, body)
	s.log.Info("tagging: saved tags", "id", item.ID, "count", count)
	_ = s.db.MarkAsTagged(ctx, item.ID)
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (s *Service) applyTags(ctx context.Context, id int64, body []byte) int {
	var resp chatCompletion
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
		return 0
	}
	content := resp.Choices[0].Message.Content
	jsonPart := extractJSONBlock(content)
	if jsonPart == "" {
		return 0
	}

	tags := extractTagStrings(jsonPart)
	count := 0
	for _, tag := range tags {
		if len(tag) < minTagLength {
			continue
		}
		if err := s.db.AddTagByID(ctx, id, tag, "llm_vision"); err != nil {
			s.log.Warn("tagging: add tag failed", "id", id, "tag", tag, "error", err)
			continue
		}
		count++
	}
	return count
}

// extractTagStrings pulls a flat []string out of a parsed JSON blob that
// may be a bare array, an object with a "tags" array, or an object whose
// first array-valued field holds the tags.
func extractTagStrings(jsonPart string) []string {
	var asArray []interface{}
	if err := json.Unmarshal([]byte(jsonPart), &asArray); err == nil {
		return stringsFromAny(asArray)
	}

	var asObject map[string]interface{}
	if err := json.Unmarshal([]byte(jsonPart), &asObject); err != nil {
		return nil
	}
	if tagsField, ok := asObject["tags"].([]interface{}); ok {
		return stringsFromAny(tagsField)
	}
	for _, v := range asObject {
		if arr, ok := v.([]interface{}); ok {
			return stringsFromAny(arr)
		}
	}
	return nil
}

func stringsFromAny(values []interface{}) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// ExtractJSONBlock finds the first top-level JSON object or array in
// content, tolerating markdown code fences and leading/trailing prose.
// Exported for reuse by other callers that parse free-form LLM replies
// (style extraction in pkg/api).
func ExtractJSONBlock(content string) string {
	return extractJSONBlock(content)
}

// extractJSONBlock finds the first top-level JSON object or array in
// content, tolerating markdown code fences and leading/trailing prose.
func extractJSONBlock(content string) string {
	content = strings.TrimSpace(content)
	if fence := strings.Index(content, "```"); fence != -1 {
		rest := content[fence+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if end := strings.Index(rest, "```"); end != -1 {
			content = strings.TrimSpace(rest[:end])
		}
	}

	start := -1
	var open, close byte
	for i := 0; i < len(content); i++ {
		if content[i] == '{' || content[i] == '[' {
			start = i
			open = content[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start == -1 {
		return ""
	}

	depth := 0
	for i := start; i < len(content); i++ {
		switch content[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}

func mimeTypeFor(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return "image/png"
	}
}

func (s *Service) llmURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.llmPort, path)
}

func (s *Service) setAuth(req *http.Request) {
	if s.token != "" {
		req.Header.Set("X-Internal-Token", s.token)
	}
}
