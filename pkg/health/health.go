// Package health watches the SD and LLM worker processes, restarting them
// on crash or on repeated probe failure and replaying their last known
// model load so a crash is invisible to the user whenever possible.
package health

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mysti-ai/mysti/pkg/events"
	"github.com/mysti-ai/mysti/pkg/loadstate"
	"github.com/mysti-ai/mysti/pkg/process"
)

const (
	pollInterval = 2 * time.Second
	// maxFailures is the number of consecutive failed /internal/health
	// probes tolerated before a running-but-unresponsive worker is
	// considered crashed and restarted.
	maxFailures = 3

	healthProbeTimeout   = time.Second
	healthProbeInterval  = time.Second
	defaultWaitForHealth = 30 * time.Second

	terminateGrace = 5 * time.Second

	modelRestoreTimeout = 300 * time.Second

	sdLoadPath  = "/v1/models/load"
	llmLoadPath = "/v1/llm/load"
)

// Worker names, used in log fields and system alerts.
const (
	SD  = "sd"
	LLM = "llm"
)

// Spec describes one monitored worker: everything the health loop needs to
// probe it and, on crash, terminate and respawn it identically.
type Spec struct {
	Name    string
	Handle  *process.Handle
	Port    int
	Exe     string
	Argv    []string
	LogPath string
	// MaxCrashes gates model-restore attempts: once consecutive crashes
	// reach this count, the worker enters safe mode and restarts bare
	// (no restore attempt) until a client-initiated load succeeds. Zero
	// means never gate (the LLM worker always attempts restore).
	MaxCrashes int
	LoadPath   string
	State      *loadstate.State
}

type workerState struct {
	spec Spec

	mu          sync.Mutex
	handle      *process.Handle
	failCount   int
	crashCount  int
	inSafeMode  bool
}

// Service runs the periodic liveness loop and restart logic for both
// workers.
type Service struct {
	sup    process.Supervisor
	client *http.Client
	token  string
	events *events.Manager
	log    *slog.Logger

	sd  *workerState
	llm *workerState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Service. sdSpec and llmSpec describe the two workers to
// monitor; their Handle fields are updated in place as restarts occur.
func New(sup process.Supervisor, internalToken string, mgr *events.Manager, log *slog.Logger, sdSpec, llmSpec Spec) *Service {
	return &Service{
		sup:    sup,
		client: &http.Client{},
		token:  internalToken,
		events: mgr,
		log:    log,
		sd:     &workerState{spec: sdSpec, handle: sdSpec.Handle},
		llm:    &workerState{spec: llmSpec, handle: llmSpec.Handle},
		stopCh: make(chan struct{}),
	}
}

// Start runs the poll loop in a background goroutine until Stop is called
// or ctx is cancelled.
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
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkWorker(ctx, s.sd)
			s.checkWorker(ctx, s.llm)
		}
	}
}

func (s *Service) checkWorker(ctx context.Context, ws *workerState) {
	ws.mu.Lock()
	handle := ws.handle
	ws.mu.Unlock()

	if !s.sup.IsRunning(handle) {
		s.log.Warn("health: worker process is not running", "worker", ws.spec.Name)
		s.restart(ctx, ws)
		return
	}

	if s.probeHealth(ctx, ws.spec.Port) {
		ws.mu.Lock()
		ws.failCount = 0
		ws.mu.Unlock()
		return
	}

	ws.mu.Lock()
	ws.failCount++
	failures := ws.failCount
	ws.mu.Unlock()

	s.log.Warn("health: probe failed", "worker", ws.spec.Name, "consecutive_failures", failures)
	if failures >= maxFailures {
		s.restart(ctx, ws)
	}
}

func (s *Service) probeHealth(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	url := fmt.Sprintf("http://127.0.0.1:%d/internal/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	if s.token != "" {
		req.Header.Set("X-Internal-Token", s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// restart terminates and respawns ws's process, then attempts to restore
// its last known model load unless it has entered safe mode.
//
// The crash counter is incremented on every restart and is reset to zero
// only by NotifyClientLoadSucceeded, never by a successful replay here —
// a replayed load proves the worker came back up, not that the model the
// client actually wants is the one that was captured.
func (s *Service) restart(ctx context.Context, ws *workerState) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	s.broadcastAlert("warning", fmt.Sprintf("%s worker crashed! Restarting and attempting to restore model state...", ws.spec.Name))

	ws.crashCount++
	attemptRestore := ws.spec.MaxCrashes == 0 || ws.crashCount < ws.spec.MaxCrashes
	if !attemptRestore {
		ws.inSafeMode = true
		s.log.Error("health: worker entered safe mode after repeated crashes", "worker", ws.spec.Name, "crash_count", ws.crashCount)
	}

	var modelBody []byte
	if attemptRestore {
		if body, ok := ws.spec.State.Peek(); ok {
			modelBody = body
		}
	}

	s.sup.Terminate(ws.handle, terminateGrace)

	handle, err := s.sup.Spawn(ws.spec.Exe, ws.spec.Argv, ws.spec.LogPath)
	if err != nil {
		s.log.Error("health: respawn failed", "worker", ws.spec.Name, "error", err)
		return
	}
	ws.handle = handle
	ws.failCount = 0

	healthy := process.WaitForHTTPHealth(ctx, func(ctx context.Context) bool {
		return s.probeHealth(ctx, ws.spec.Port)
	}, healthProbeInterval, defaultWaitForHealth)

	if !healthy {
		s.log.Error("health: worker did not become healthy after restart", "worker", ws.spec.Name)
		return
	}

	s.broadcastAlert("success", fmt.Sprintf("%s worker recovered", ws.spec.Name))

	if len(modelBody) == 0 {
		return
	}
	if err := s.replayLoad(ctx, ws.spec.Port, ws.spec.LoadPath, modelBody); err != nil {
		s.log.Error("health: model restore failed", "worker", ws.spec.Name, "error", err)
	}
}

func (s *Service) replayLoad(ctx context.Context, port int, path string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, modelRestoreTimeout)
	defer cancel()
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("X-Internal-Token", s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("restore request returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) broadcastAlert(level, message string) {
	if s.events == nil {
		return
	}
	s.events.BroadcastSystemAlert(map[string]string{"level": level, "message": message})
}

// NotifyClientLoadSucceeded is called by the API layer after a genuine
// (non-replayed) client request to load a model on worker succeeds. It
// re-arms recovery: the crash counter resets and safe mode is lifted.
func (s *Service) NotifyClientLoadSucceeded(worker string) {
	ws := s.workerByName(worker)
	if ws == nil {
		return
	}
	ws.mu.Lock()
	ws.crashCount = 0
	ws.inSafeMode = false
	ws.mu.Unlock()
}

// IsSafeMode reports whether worker has latched into safe mode after
// exhausting its restore attempts.
func (s *Service) IsSafeMode(worker string) bool {
	ws := s.workerByName(worker)
	if ws == nil {
		return false
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.inSafeMode
}

// CrashCount returns the consecutive-crash count tracked for worker.
func (s *Service) CrashCount(worker string) int {
	ws := s.workerByName(worker)
	if ws == nil {
		return 0
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.crashCount
}

func (s *Service) workerByName(name string) *workerState {
	switch name {
	case SD:
		return s.sd
	case LLM:
		return s.llm
	default:
		return nil
	}
}

// Status is a JSON-serializable snapshot of a worker's recovery state.
type Status struct {
	Running    bool `json:"running"`
	CrashCount int  `json:"crash_count"`
	SafeMode   bool `json:"safe_mode"`
}

// Snapshot returns the current status of both workers, keyed by name.
func (s *Service) Snapshot() map[string]Status {
	snap := func(ws *workerState) Status {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		return Status{
			Running:    s.sup.IsRunning(ws.handle),
			CrashCount: ws.crashCount,
			SafeMode:   ws.inSafeMode,
		}
	}
	return map[string]Status{
		SD:  snap(s.sd),
		LLM: snap(s.llm),
	}
}
