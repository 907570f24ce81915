package resource

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// VRAMSource reports total and free GPU memory in GB. Treated as an
// injectable capability: no grounded third-party NVML binding exists in
// the retrieved example pack, so the default implementation shells out to
// nvidia-smi the same way the process supervisor shells out to worker
// executables.
type VRAMSource interface {
	TotalGB(ctx context.Context) float64
	FreeGB(ctx context.Context) float64
}

// NvidiaSMISource queries GPU 0 via the nvidia-smi CLI.
type NvidiaSMISource struct{}

func (NvidiaSMISource) query(ctx context.Context, field string) float64 {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu="+field, "--format=csv,noheader,nounits", "--id=0")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0
	}
	mib, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0
	}
	return mib / 1024.0
}

// TotalGB returns total GPU memory in gigabytes, or 0 if unavailable.
func (s NvidiaSMISource) TotalGB(ctx context.Context) float64 {
	return s.query(ctx, "memory.total")
}

// FreeGB returns free GPU memory in gigabytes, or 0 if unavailable.
func (s NvidiaSMISource) FreeGB(ctx context.Context) float64 {
	return s.query(ctx, "memory.free")
}
