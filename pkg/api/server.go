// Package api is the public HTTP surface: a mix of thin reverse-proxy
// routes to the SD/LLM workers, intercepting-proxy routes that enrich a
// request or capture its body for crash replay, and DB-backed CRUD routes
// for the image library, styles, presets, and prompt snippets.
package api

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/mysti-ai/mysti/pkg/database"
	"github.com/mysti-ai/mysti/pkg/events"
	"github.com/mysti-ai/mysti/pkg/health"
	"github.com/mysti-ai/mysti/pkg/loadstate"
	"github.com/mysti-ai/mysti/pkg/proxy"
	"github.com/mysti-ai/mysti/pkg/resource"
	"github.com/mysti-ai/mysti/pkg/tagging"
)

// Server is the orchestrator's public HTTP server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	wsServer   *http.Server

	db      *database.Client
	res     *resource.Manager
	proxy   *proxy.Proxy
	ws      *events.Manager
	healthS *health.Service
	tagger  *tagging.Service
	log     *slog.Logger

	sdPort, llmPort   int
	outputDir         string
	modelDir          string
	token             string
	sdState, llmState *loadstate.State

	onGeneration func()
}

// Config collects the dependencies Server needs; all fields are required
// except StaticDir.
type Config struct {
	DB              *database.Client
	Resource        *resource.Manager
	Proxy           *proxy.Proxy
	Events          *events.Manager
	Health          *health.Service
	Tagger          *tagging.Service
	Log             *slog.Logger
	SDPort, LLMPort int
	OutputDir       string
	ModelDir        string
	StaticDir       string
	InternalToken   string
	SDLoadState     *loadstate.State
	LLMLoadState    *loadstate.State
	// OnGeneration is invoked after every successfully persisted
	// generation, used to wake the background tagger immediately.
	OnGeneration func()
}

// NewServer builds a Server and registers every route.
func NewServer(cfg Config) *Server {
	e := echo.New()
	e.Use(middleware.BodyLimit("10M"))
	e.Use(corsMiddleware)

	s := &Server{
		echo:         e,
		db:           cfg.DB,
		res:          cfg.Resource,
		proxy:        cfg.Proxy,
		ws:           cfg.Events,
		healthS:      cfg.Health,
		tagger:       cfg.Tagger,
		log:          cfg.Log,
		sdPort:       cfg.SDPort,
		llmPort:      cfg.LLMPort,
		outputDir:    cfg.OutputDir,
		modelDir:     cfg.ModelDir,
		token:        cfg.InternalToken,
		sdState:      cfg.SDLoadState,
		llmState:     cfg.LLMLoadState,
		onGeneration: cfg.OnGeneration,
	}

	s.registerRoutes()
	if cfg.StaticDir != "" {
		s.registerStaticRoutes(cfg.StaticDir)
	}
	return s
}

// corsMiddleware mirrors the original's permissive pre-routing handler:
// this orchestrator has no browser-facing origin policy to enforce, only
// the shared internal token gating worker traffic.
func corsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		c.Response().Header().Set("Access-Control-Allow-Origin", "*")
		c.Response().Header().Set("Access-Control-Allow-Methods", "*")
		c.Response().Header().Set("Access-Control-Allow-Headers", "*")
		if c.Request().Method == http.MethodOptions {
			return c.NoContent(http.StatusNoContent)
		}
		return next(c)
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.healthHandler)

	v1 := s.echo.Group("/v1")

	v1.POST("/models/load", s.loadSDModelHandler)
	v1.POST("/llm/load", s.loadLLMModelHandler)
	v1.POST("/images/generations", s.generateImageHandler)

	v1.GET("/models", s.proxySD)
	v1.GET("/config", s.proxySD)
	v1.POST("/config", s.proxySD)
	v1.POST("/upscale/load", s.proxySD)
	v1.POST("/images/upscale", s.proxySD)
	v1.POST("/images/edits", s.proxySD)
	v1.GET("/progress", s.proxySD)
	v1.GET("/stream/progress", s.proxySD)

	v1.GET("/llm/models", s.proxyLLM)
	v1.POST("/chat/completions", s.proxyLLM)
	v1.POST("/completions", s.proxyLLM)
	v1.POST("/embeddings", s.proxyLLM)
	v1.POST("/tokenize", s.proxyLLM)
	v1.POST("/detokenize", s.proxyLLM)
	v1.POST("/llm/unload", s.proxyLLM)

	v1.GET("/history/images", s.listHistoryHandler)
	v1.DELETE("/history/images/:uuid", s.deleteHistoryHandler)
	v1.GET("/history/tags", s.listTagsHandler)
	v1.POST("/history/tags", s.addTagHandler)
	v1.DELETE("/history/tags", s.removeTagHandler)
	v1.POST("/history/tags/cleanup", s.cleanupTagsHandler)
	v1.POST("/history/favorite", s.setFavoriteHandler)
	v1.POST("/history/rating", s.setRatingHandler)

	v1.GET("/models/metadata", s.listModelMetadataHandler)
	v1.GET("/models/metadata/*", s.getModelMetadataHandler)
	v1.POST("/models/metadata", s.saveModelMetadataHandler)

	v1.GET("/styles", s.listStylesHandler)
	v1.POST("/styles", s.saveStyleHandler)
	v1.DELETE("/styles", s.deleteStyleHandler)
	v1.POST("/styles/extract", s.extractStylesHandler)
	v1.POST("/styles/previews/fix", s.fixStylePreviewsHandler)

	v1.GET("/library", s.listLibraryHandler)
	v1.POST("/library", s.addLibraryItemHandler)
	v1.DELETE("/library/:id", s.deleteLibraryItemHandler)
	v1.POST("/library/:id/use", s.useLibraryItemHandler)

	v1.GET("/presets/image", s.listImagePresetsHandler)
	v1.POST("/presets/image", s.saveImagePresetHandler)
	v1.DELETE("/presets/image/:id", s.deleteImagePresetHandler)
	v1.POST("/presets/image/load", s.loadImagePresetHandler)
	v1.GET("/presets/llm", s.listLlmPresetsHandler)
	v1.POST("/presets/llm", s.saveLlmPresetHandler)
	v1.DELETE("/presets/llm/:id", s.deleteLlmPresetHandler)

	s.echo.GET("/outputs/previews/*", s.servePreviewHandler)
	s.echo.GET("/outputs/*", s.proxySD)
}

// registerStaticRoutes serves the web UI bundle from dir, with an SPA
// fallback for client-side routing, mirroring the teacher's
// setupDashboardRoutes (registered last so API routes win).
func (s *Server) registerStaticRoutes(dir string) {
	indexPath := filepath.Join(dir, "index.html")
	if _, err := os.Stat(indexPath); err != nil {
		s.log.Warn("static directory set but index.html not found, skipping static serving", "dir", dir)
		return
	}
	root := os.DirFS(dir)

	if assetsFS, err := fs.Sub(root, "assets"); err == nil {
		s.echo.GET("/assets/*", func(c *echo.Context) error {
			c.Response().Header().Set("Cache-Control", "public, max-age=31536000, immutable")
			return c.FileFS(c.Param("*"), assetsFS)
		})
	}

	s.echo.GET("/*", func(c *echo.Context) error {
		path := c.Request().URL.Path
		if strings.HasPrefix(path, "/v1/") || path == "/health" || path == "/ws" || strings.HasPrefix(path, "/outputs/") {
			return echo.NewHTTPError(http.StatusNotFound, "not found")
		}
		c.Response().Header().Set("Cache-Control", "no-cache")
		relPath := strings.TrimPrefix(path, "/")
		if relPath != "" {
			if info, err := fs.Stat(root, relPath); err == nil && !info.IsDir() {
				return c.FileFS(relPath, root)
			}
		}
		return c.FileFS("index.html", root)
	})
}

// Start serves on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener (blocking), used by
// tests to bind an OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// StartWebSocket serves the push-only event feed on its own listener,
// separate from the public API port.
func (s *Server) StartWebSocket(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.ws.HandleConnection(r.Context(), conn)
	})
	s.wsServer = &http.Server{Addr: addr, Handler: mux}
	return s.wsServer.ListenAndServe()
}

// ShutdownWebSocket gracefully stops the WebSocket listener.
func (s *Server) ShutdownWebSocket(ctx context.Context) error {
	if s.wsServer == nil {
		return nil
	}
	return s.wsServer.Shutdown(ctx)
}

type healthResponse struct {
	Status string             `json:"status"`
	VRAM   resource.VRAMStatus `json:"vram"`
}

func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", VRAM: s.res.Status(ctx)})
}

func (s *Server) proxySD(c *echo.Context) error {
	s.proxy.Forward(c.Response(), c.Request(), "127.0.0.1", s.sdPort, "")
	return nil
}

func (s *Server) proxyLLM(c *echo.Context) error {
	s.proxy.Forward(c.Response(), c.Request(), "127.0.0.1", s.llmPort, "")
	return nil
}

func (s *Server) sdURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.sdPort, path)
}

func (s *Server) llmURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.llmPort, path)
}

func (s *Server) setInternalAuth(req *http.Request) {
	if s.token != "" {
		req.Header.Set("X-Internal-Token", s.token)
	}
}

func jsonOK(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "success"})
}

func jsonError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}
