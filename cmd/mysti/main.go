// mysti is the orchestrator process: it spawns the diffusion and LLM
// worker binaries, arbitrates VRAM between them, proxies and enriches the
// public HTTP API, runs background image tagging, and persists the image
// library to SQLite.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mysti-ai/mysti/pkg/api"
	"github.com/mysti-ai/mysti/pkg/config"
	"github.com/mysti-ai/mysti/pkg/database"
	"github.com/mysti-ai/mysti/pkg/events"
	"github.com/mysti-ai/mysti/pkg/health"
	"github.com/mysti-ai/mysti/pkg/importer"
	"github.com/mysti-ai/mysti/pkg/loadstate"
	"github.com/mysti-ai/mysti/pkg/process"
	"github.com/mysti-ai/mysti/pkg/proxy"
	"github.com/mysti-ai/mysti/pkg/resource"
	"github.com/mysti-ai/mysti/pkg/tagging"
	"github.com/mysti-ai/mysti/pkg/version"
)

const taggingSystemPrompt = "You are an image tagging assistant. Analyze the given image or prompt and respond with a JSON object containing a 'tags' array of short, lowercase, comma-free descriptive tags covering subject, style, and mood."

func main() {
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, nil)
	if os.Getenv("MYSTI_LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	log := slog.New(handler)
	log.Info("starting", "version", version.Full())

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("fatal startup failure", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	db, err := database.NewClient(ctx, database.Config{Path: cfg.DBPath}, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	checked, imported, err := importer.ImportOrphans(ctx, db, cfg.OutputDir, log)
	if err != nil {
		log.Warn("orphan import failed", "error", err)
	} else {
		log.Info("orphan import complete", "checked", checked, "imported", imported)
	}

	sup := process.NewExecSupervisor()

	sdArgv := cfg.WorkerArgv(cfg.SDPort())
	llmArgv := cfg.WorkerArgv(cfg.LLMPort())

	sdLogPath := filepath.Join(cfg.OutputDir, "sd_worker.log")
	llmLogPath := filepath.Join(cfg.OutputDir, "llm_worker.log")

	sdHandle, err := sup.Spawn(cfg.SDExecutablePath(), sdArgv, sdLogPath)
	if err != nil {
		return fmt.Errorf("spawn diffusion worker: %w", err)
	}
	llmHandle, err := sup.Spawn(cfg.LLMExecutablePath(), llmArgv, llmLogPath)
	if err != nil {
		return fmt.Errorf("spawn llm worker: %w", err)
	}

	sdBaseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.SDPort())
	llmBaseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.LLMPort())

	resMgr := resource.New(sdBaseURL, llmBaseURL, cfg.InternalToken, resource.NvidiaSMISource{}, log)
	eventsMgr := events.NewManager(log)
	prox := proxy.New(cfg.InternalToken, log)

	sdState := &loadstate.State{}
	llmState := &loadstate.State{}

	healthSvc := health.New(sup, cfg.InternalToken, eventsMgr, log,
		health.Spec{
			Name:    health.SD,
			Handle:  sdHandle,
			Port:    cfg.SDPort(),
			Exe:     cfg.SDExecutablePath(),
			Argv:    sdArgv,
			LogPath: sdLogPath,
			MaxCrashes: 3,
			LoadPath: "/v1/models/load",
			State:    sdState,
		},
		health.Spec{
			Name:       health.LLM,
			Handle:     llmHandle,
			Port:       cfg.LLMPort(),
			Exe:        cfg.LLMExecutablePath(),
			Argv:       llmArgv,
			LogPath:    llmLogPath,
			LoadPath:   "/v1/llm/load",
			State:      llmState,
		},
	)

	taggingSvc := tagging.New(db, cfg.LLMPort(), cfg.InternalToken, taggingSystemPrompt, log)
	taggingSvc.SetModelProvider(func() string {
		if raw, ok := llmState.Peek(); ok {
			return string(raw)
		}
		if cfg.PreloadLLMModel == "" {
			return ""
		}
		body, err := json.Marshal(map[string]interface{}{
			"model_id":     cfg.PreloadLLMModel,
			"n_gpu_layers": -1,
		})
		if err != nil {
			return ""
		}
		return string(body)
	})

	apiServer := api.NewServer(api.Config{
		DB:            db,
		Resource:      resMgr,
		Proxy:         prox,
		Events:        eventsMgr,
		Health:        healthSvc,
		Tagger:        taggingSvc,
		Log:           log,
		SDPort:        cfg.SDPort(),
		LLMPort:       cfg.LLMPort(),
		OutputDir:     cfg.OutputDir,
		ModelDir:      cfg.ModelDir,
		StaticDir:     cfg.StaticDir,
		InternalToken: cfg.InternalToken,
		SDLoadState:   sdState,
		LLMLoadState:  llmState,
		OnGeneration:  taggingSvc.NotifyNewGeneration,
	})

	log.Info("waiting for diffusion worker to become healthy", "port", cfg.SDPort())
	if !process.WaitForHTTPHealth(ctx, healthProbe(cfg.InternalToken, cfg.SDPort()), time.Second, 30*time.Second) {
		log.Warn("diffusion worker did not become healthy within startup window, continuing anyway")
	}
	log.Info("waiting for llm worker to become healthy", "port", cfg.LLMPort())
	if !process.WaitForHTTPHealth(ctx, healthProbe(cfg.InternalToken, cfg.LLMPort()), time.Second, 30*time.Second) {
		log.Warn("llm worker did not become healthy within startup window, continuing anyway")
	}

	healthSvc.Start(ctx)
	taggingSvc.Start(ctx)

	wsAddr := fmt.Sprintf("127.0.0.1:%d", cfg.WebSocketPort())
	wsErrCh := make(chan error, 1)
	go func() {
		log.Info("starting websocket listener", "addr", wsAddr)
		if err := apiServer.StartWebSocket(wsAddr); err != nil {
			wsErrCh <- err
		}
	}()

	apiAddr := fmt.Sprintf("%s:%d", cfg.ListenIP, cfg.ListenPort)
	apiErrCh := make(chan error, 1)
	go func() {
		log.Info("starting public api listener", "addr", apiAddr)
		if err := apiServer.Start(apiAddr); err != nil {
			apiErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-apiErrCh:
		log.Error("api server exited", "error", err)
	case err := <-wsErrCh:
		log.Error("websocket server exited", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	taggingSvc.Stop()
	healthSvc.Stop()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = apiServer.ShutdownWebSocket(shutdownCtx)

	sup.Terminate(sdHandle, 5*time.Second)
	sup.Terminate(llmHandle, 5*time.Second)
	sup.Wait(sdHandle)
	sup.Wait(llmHandle)

	return nil
}

func healthProbe(token string, port int) func(context.Context) bool {
	client := &http.Client{Timeout: time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/internal/health", port)
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		if token != "" {
			req.Header.Set("X-Internal-Token", token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}
}
