// Package resource arbitrates scarce GPU VRAM between the diffusion worker
// and the LLM worker. It tracks observed per-worker footprints, learned
// per-model footprints, and a lock-free commitment counter for admissions
// that have been approved but not yet reflected in measured free memory.
package resource

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ArbitrationResult is the outcome of admitting an image-generation request.
type ArbitrationResult struct {
	Admit              bool
	RequestCLIPOffload bool
	RequestVAETiling   bool
	CommittedGB        float64
}

// Manager is the central VRAM arbiter (spec §4.C).
type Manager struct {
	sdBaseURL, llmBaseURL string
	token                 string
	vram                  VRAMSource
	httpClient            *http.Client
	log                   *slog.Logger

	mu               sync.Mutex
	lastSDVramGB     float64
	lastLLMVramGB    float64
	modelFootprints  map[string]float64
	committedVramGB  atomicFloat
}

// atomicFloat is a float64 guarded by CAS, bit-encoded via math.Float64bits
// so commit/uncommit can run lock-free as the original does with std::atomic<float>.
type atomicFloat struct {
	bits atomic.Uint64
}

func (a *atomicFloat) load() float64 {
	return math.Float64frombits(a.bits.Load())
}

func (a *atomicFloat) add(delta float64) {
	for {
		old := a.bits.Load()
		newVal := math.Float64frombits(old) + delta
		if a.bits.CompareAndSwap(old, math.Float64bits(newVal)) {
			return
		}
	}
}

// subFloored subtracts delta, flooring the result at zero to tolerate lost
// commit/uncommit pairs, exactly like the original's compare-exchange loop.
func (a *atomicFloat) subFloored(delta float64) {
	for {
		old := a.bits.Load()
		oldVal := math.Float64frombits(old)
		if oldVal < delta {
			// Not enough committed to subtract cleanly; floor at zero.
			if a.bits.CompareAndSwap(old, math.Float64bits(0)) {
				return
			}
			continue
		}
		newVal := oldVal - delta
		if a.bits.CompareAndSwap(old, math.Float64bits(newVal)) {
			return
		}
	}
}

// New constructs a Manager. sdBaseURL/llmBaseURL are the workers' internal
// base URLs (e.g. "http://127.0.0.1:8801").
func New(sdBaseURL, llmBaseURL, token string, vram VRAMSource, log *slog.Logger) *Manager {
	return &Manager{
		sdBaseURL:       sdBaseURL,
		llmBaseURL:      llmBaseURL,
		token:           token,
		vram:            vram,
		httpClient:      &http.Client{Timeout: 20 * time.Second},
		log:             log,
		modelFootprints: make(map[string]float64),
	}
}

func (m *Manager) post(ctx context.Context, baseURL, path string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		req.Header.Set("X-Internal-Token", m.token)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (m *Manager) effectiveFree(ctx context.Context) float64 {
	free := m.vram.FreeGB(ctx) - m.committedVramGB.load()
	if free < 0 {
		free = 0
	}
	return free
}

// PrepareForSDGeneration runs the multi-phase admission algorithm for an
// image-generation request (spec §4.C "Arbitration for an image generation
// request").
func (m *Manager) PrepareForSDGeneration(ctx context.Context, estimatedTotalNeededGB, megapixels float64, modelID string, baseGBOverride, clipSizeGB float64) ArbitrationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result ArbitrationResult

	freeVRAM := m.effectiveFree(ctx)

	baseGB := 2.5
	if baseGBOverride > 0.1 {
		baseGB = baseGBOverride
	} else if modelID != "" {
		if fp, ok := m.modelFootprints[modelID]; ok {
			baseGB = fp
		}
	}

	overhead := estimatedTotalNeededGB - baseGB
	if overhead < 0.5 {
		overhead = 0.5
	}
	overhead *= 1.15

	sdHasModel := m.lastSDVramGB > baseGB*0.7
	actuallyNeeded := overhead
	if !sdHasModel {
		actuallyNeeded = baseGB + overhead
	}

	m.log.Info("vram arbitration",
		"effective_free_gb", freeVRAM, "committed_gb", m.committedVramGB.load(),
		"sd_vram_gb", m.lastSDVramGB, "base_gb", baseGB, "additional_needed_gb", actuallyNeeded)

	llmSeemsLoaded := m.lastLLMVramGB > 0.1

	// Phase 1: soft swap LLM to CPU RAM.
	if freeVRAM < actuallyNeeded+0.5 && llmSeemsLoaded {
		if m.post(ctx, m.llmBaseURL, "/v1/llm/offload", 2*time.Second) {
			time.Sleep(500 * time.Millisecond)
			freeVRAM = m.effectiveFree(ctx)
		} else {
			m.log.Warn("failed to swap LLM to RAM")
		}
	}

	// Phase 2: hard unload LLM.
	if freeVRAM < actuallyNeeded+0.5 && llmSeemsLoaded {
		if m.post(ctx, m.llmBaseURL, "/v1/llm/unload", 5*time.Second) {
			time.Sleep(800 * time.Millisecond)
			freeVRAM = m.effectiveFree(ctx)
		}
	}

	// Phase 3: recommend CLIP offload.
	if freeVRAM < actuallyNeeded+0.5 || megapixels > 2.0 {
		result.RequestCLIPOffload = true
	}

	// Phase 4: recommend VAE tiling.
	if freeVRAM < actuallyNeeded+0.5 || megapixels > 2.5 {
		result.RequestVAETiling = true
	}

	checkedNeeded := actuallyNeeded
	if result.RequestCLIPOffload {
		savedGB := 1.5
		if clipSizeGB > 0.1 {
			savedGB = clipSizeGB
		}
		checkedNeeded -= savedGB
	}
	tilingFactor := 0.85
	if result.RequestVAETiling {
		tilingFactor = 0.4
	}
	checkedNeeded *= tilingFactor
	if checkedNeeded < 0.5 {
		checkedNeeded = 0.5
	}

	if freeVRAM < checkedNeeded {
		m.log.Error("insufficient vram", "free_gb", freeVRAM, "needed_gb", checkedNeeded)
		result.Admit = false
		return result
	}

	result.Admit = true
	result.CommittedGB = actuallyNeeded
	m.committedVramGB.add(actuallyNeeded)
	return result
}

// PrepareForLLMLoad runs the admission algorithm for an LLM load (spec
// §4.C "Arbitration for an LLM load"). The orchestrator enforces a
// single-LLM policy: any currently loaded LLM is unloaded first.
func (m *Manager) PrepareForLLMLoad(ctx context.Context, estimatedNeededGB float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastLLMVramGB > 0.1 {
		m.post(ctx, m.llmBaseURL, "/v1/llm/unload", 5*time.Second)
		time.Sleep(500 * time.Millisecond)
	}

	freeVRAM := m.effectiveFree(ctx)
	safetyNeeded := estimatedNeededGB*1.1 + 0.3

	canFit := freeVRAM >= safetyNeeded

	if !canFit && m.lastSDVramGB > 0.5 {
		if m.post(ctx, m.sdBaseURL, "/v1/models/offload", 5*time.Second) {
			time.Sleep(800 * time.Millisecond)
			freeVRAM = m.effectiveFree(ctx)
			canFit = freeVRAM >= safetyNeeded
		}
	}

	if !canFit && m.lastSDVramGB > 0.5 {
		m.post(ctx, m.sdBaseURL, "/v1/models/unload", 5*time.Second)
		time.Sleep(time.Second)
		freeVRAM = m.effectiveFree(ctx)
		canFit = freeVRAM >= safetyNeeded
	}

	if canFit {
		m.committedVramGB.add(safetyNeeded)
		return true
	}

	m.log.Error("insufficient vram for llm load", "needed_gb", safetyNeeded, "free_gb", freeVRAM)
	return false
}

// UncommitVRAM releases a previous commitment, flooring at zero.
func (m *Manager) UncommitVRAM(gb float64) {
	m.committedVramGB.subFloored(gb)
}

// UpdateWorkerUsage records the most recent observed per-worker VRAM
// footprints, as reported by the metrics loop.
func (m *Manager) UpdateWorkerUsage(sdGB, llmGB float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSDVramGB = sdGB
	m.lastLLMVramGB = llmGB
}

// UpdateModelFootprint learns the base VRAM footprint of a model.
func (m *Manager) UpdateModelFootprint(modelID string, vramGB float64) {
	if vramGB <= 0.05 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelFootprints[modelID] = vramGB
}

// VRAMStatus is the JSON shape returned by GET /health and the metrics
// broadcast.
type VRAMStatus struct {
	TotalGB         float64 `json:"total_gb"`
	FreeGB          float64 `json:"free_gb"`
	CommittedGB     float64 `json:"committed_gb"`
	EffectiveFreeGB float64 `json:"effective_free_gb"`
	SDWorkerGB      float64 `json:"sd_worker_gb"`
	LLMWorkerGB     float64 `json:"llm_worker_gb"`
}

// Status returns the current VRAM status snapshot.
func (m *Manager) Status(ctx context.Context) VRAMStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.vram.TotalGB(ctx)
	free := m.vram.FreeGB(ctx)
	committed := m.committedVramGB.load()
	effective := free - committed
	if effective < 0 {
		effective = 0
	}
	return VRAMStatus{
		TotalGB:         total,
		FreeGB:          free,
		CommittedGB:     committed,
		EffectiveFreeGB: effective,
		SDWorkerGB:      m.lastSDVramGB,
		LLMWorkerGB:     m.lastLLMVramGB,
	}
}
