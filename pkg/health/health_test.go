package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysti-ai/mysti/pkg/events"
	"github.com/mysti-ai/mysti/pkg/loadstate"
	"github.com/mysti-ai/mysti/pkg/process"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSupervisor never touches a real process. Spawn always succeeds and
// IsRunning reflects whatever the test last set via setRunning.
type fakeSupervisor struct {
	mu         sync.Mutex
	running    map[*process.Handle]bool
	spawnCount int32
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: make(map[*process.Handle]bool)}
}

func (f *fakeSupervisor) Spawn(executable string, argv []string, logSinkPath string) (*process.Handle, error) {
	atomic.AddInt32(&f.spawnCount, 1)
	h := &process.Handle{}
	f.mu.Lock()
	f.running[h] = true
	f.mu.Unlock()
	return h, nil
}

func (f *fakeSupervisor) IsRunning(h *process.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[h]
}

func (f *fakeSupervisor) Terminate(h *process.Handle, grace time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[h] = false
}

func (f *fakeSupervisor) Wait(h *process.Handle) {}

func (f *fakeSupervisor) setRunning(h *process.Handle, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[h] = v
}

func newHealthyWorkerUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/internal/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	var port int
	_, err := fmt.Sscanf(srv.URL, "http://127.0.0.1:%d", &port)
	require.NoError(t, err)
	return port
}

func TestCheckWorkerRestartsWhenProcessNotRunning(t *testing.T) {
	sup := newFakeSupervisor()
	upstream := newHealthyWorkerUpstream(t)
	defer upstream.Close()

	handle := &process.Handle{}
	sup.setRunning(handle, false)

	var state loadstate.State
	spec := Spec{
		Name:       SD,
		Handle:     handle,
		Port:       portOf(t, upstream),
		Exe:        "sd-worker",
		Argv:       []string{"--listen-port", "1"},
		LoadPath:   sdLoadPath,
		MaxCrashes: 2,
		State:      &state,
	}
	svc := New(sup, "tok", events.NewManager(discardLogger()), discardLogger(), spec, Spec{Name: LLM, Handle: &process.Handle{}, State: &loadstate.State{}})

	svc.checkWorker(context.Background(), svc.sd)

	assert.Equal(t, int32(1), atomic.LoadInt32(&sup.spawnCount))
	assert.Equal(t, 1, svc.CrashCount(SD))
}

func TestCheckWorkerRestartsAfterMaxFailures(t *testing.T) {
	sup := newFakeSupervisor()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	handle := &process.Handle{}
	sup.setRunning(handle, true)

	var state loadstate.State
	spec := Spec{
		Name:     SD,
		Handle:   handle,
		Port:     portOf(t, upstream),
		Exe:      "sd-worker",
		LoadPath: sdLoadPath,
		State:    &state,
	}
	svc := New(sup, "tok", events.NewManager(discardLogger()), discardLogger(), spec, Spec{Name: LLM, Handle: &process.Handle{}, State: &loadstate.State{}})

	for i := 0; i < maxFailures-1; i++ {
		svc.checkWorker(context.Background(), svc.sd)
		assert.Equal(t, int32(0), atomic.LoadInt32(&sup.spawnCount), "should not restart before reaching maxFailures")
	}
	svc.checkWorker(context.Background(), svc.sd)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sup.spawnCount))
}

func TestRestartReplaysCapturedModelBodyWhenNotInSafeMode(t *testing.T) {
	sup := newFakeSupervisor()

	var loadCalls int32
	var healthPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/health":
			healthPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		case sdLoadPath:
			atomic.AddInt32(&loadCalls, 1)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()
	_ = healthPath

	handle := &process.Handle{}
	sup.setRunning(handle, false)

	var state loadstate.State
	state.Capture([]byte(`{"model_id":"sd-model"}`))

	spec := Spec{
		Name:       SD,
		Handle:     handle,
		Port:       portOf(t, upstream),
		Exe:        "sd-worker",
		LoadPath:   sdLoadPath,
		MaxCrashes: 2,
		State:      &state,
	}
	svc := New(sup, "tok", events.NewManager(discardLogger()), discardLogger(), spec, Spec{Name: LLM, Handle: &process.Handle{}, State: &loadstate.State{}})

	svc.checkWorker(context.Background(), svc.sd)

	assert.Equal(t, int32(1), atomic.LoadInt32(&loadCalls))
}

func TestRestartEntersSafeModeAfterMaxCrashesAndSkipsReplay(t *testing.T) {
	sup := newFakeSupervisor()
	var loadCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/health":
			w.WriteHeader(http.StatusOK)
		case sdLoadPath:
			atomic.AddInt32(&loadCalls, 1)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer upstream.Close()

	var state loadstate.State
	state.Capture([]byte(`{"model_id":"sd-model"}`))

	spec := Spec{
		Name:       SD,
		Handle:     &process.Handle{},
		Port:       portOf(t, upstream),
		Exe:        "sd-worker",
		LoadPath:   sdLoadPath,
		MaxCrashes: 1,
		State:      &state,
	}
	sup.setRunning(spec.Handle, false)
	svc := New(sup, "tok", events.NewManager(discardLogger()), discardLogger(), spec, Spec{Name: LLM, Handle: &process.Handle{}, State: &loadstate.State{}})

	svc.checkWorker(context.Background(), svc.sd)

	assert.True(t, svc.IsSafeMode(SD))
	assert.Equal(t, int32(0), atomic.LoadInt32(&loadCalls), "safe mode must skip the restore POST")
}

func TestNotifyClientLoadSucceededResetsCrashCountAndSafeMode(t *testing.T) {
	sup := newFakeSupervisor()
	upstream := newHealthyWorkerUpstream(t)
	defer upstream.Close()

	var state loadstate.State
	spec := Spec{
		Name:       SD,
		Handle:     &process.Handle{},
		Port:       portOf(t, upstream),
		Exe:        "sd-worker",
		LoadPath:   sdLoadPath,
		MaxCrashes: 1,
		State:      &state,
	}
	sup.setRunning(spec.Handle, false)
	svc := New(sup, "tok", events.NewManager(discardLogger()), discardLogger(), spec, Spec{Name: LLM, Handle: &process.Handle{}, State: &loadstate.State{}})

	svc.checkWorker(context.Background(), svc.sd) // crash 1 -> safe mode (MaxCrashes=1)
	require.True(t, svc.IsSafeMode(SD))

	svc.NotifyClientLoadSucceeded(SD)

	assert.False(t, svc.IsSafeMode(SD))
	assert.Equal(t, 0, svc.CrashCount(SD))
}

func TestSnapshotReportsRunningState(t *testing.T) {
	sup := newFakeSupervisor()
	sdHandle := &process.Handle{}
	llmHandle := &process.Handle{}
	sup.setRunning(sdHandle, true)
	sup.setRunning(llmHandle, false)

	svc := New(sup, "tok", events.NewManager(discardLogger()), discardLogger(),
		Spec{Name: SD, Handle: sdHandle, State: &loadstate.State{}},
		Spec{Name: LLM, Handle: llmHandle, State: &loadstate.State{}},
	)

	snap := svc.Snapshot()
	assert.True(t, snap[SD].Running)
	assert.False(t, snap[LLM].Running)
}
