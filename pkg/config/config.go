// Package config resolves the orchestrator's flags, environment, and
// .env file into a single Config, and derives the worker listen ports
// and argv each spawned worker needs.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config holds everything the composition root needs to spawn workers
// and serve the public HTTP surface.
type Config struct {
	ListenIP   string
	ListenPort int

	// InternalToken authenticates orchestrator<->worker traffic via the
	// X-Internal-Token header. Generated at startup if not supplied.
	InternalToken string

	OutputDir string
	StaticDir string
	DBPath    string
	ModelDir  string

	PreloadLLMModel string

	// BinDir is the directory containing the worker executables,
	// derived from the orchestrator's own executable path.
	BinDir string

	// rawArgs is argv[1:] as received, used to build each worker's argv.
	rawArgs []string
}

// SDPort is the diffusion worker's listen port: ListenPort+1.
func (c Config) SDPort() int { return c.ListenPort + 1 }

// LLMPort is the LLM worker's listen port: ListenPort+2.
func (c Config) LLMPort() int { return c.ListenPort + 2 }

// WebSocketPort is the push-only event feed's listen port: ListenPort+3.
func (c Config) WebSocketPort() int { return c.ListenPort + 3 }

// SDExecutablePath is the expected path to the diffusion worker binary.
func (c Config) SDExecutablePath() string {
	return filepath.Join(c.BinDir, workerBinaryName("mysti_sd_worker"))
}

// LLMExecutablePath is the expected path to the LLM worker binary.
func (c Config) LLMExecutablePath() string {
	return filepath.Join(c.BinDir, workerBinaryName("mysti_llm_worker"))
}

func workerBinaryName(base string) string {
	if os.PathSeparator == '\\' {
		return base + ".exe"
	}
	return base
}

// WorkerArgv builds the argv for a worker: the orchestrator's own
// command line with --mode, -l/--listen-ip, --listen-port, and
// --internal-token (and their values) stripped, then the worker's own
// listen flags and the shared secret appended.
func (c Config) WorkerArgv(port int) []string {
	stripValue := map[string]bool{
		"--mode": true, "-l": true, "--listen-ip": true,
		"--listen-port": true, "--internal-token": true,
	}

	args := make([]string, 0, len(c.rawArgs))
	for i := 0; i < len(c.rawArgs); i++ {
		arg := c.rawArgs[i]
		if stripValue[arg] {
			i++ // skip its value too
			continue
		}
		args = append(args, arg)
	}

	args = append(args, "--listen-port", fmt.Sprintf("%d", port), "--listen-ip", "127.0.0.1")
	if c.InternalToken != "" {
		args = append(args, "--internal-token", c.InternalToken)
	}
	return args
}

// Load parses flags and environment (loading .env first, without
// overriding variables already set) into a Config.
func Load(args []string) (Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	fs := flag.NewFlagSet("mysti", flag.ContinueOnError)
	listenIP := fs.String("listen-ip", envOrDefault("MYSTI_LISTEN_IP", "0.0.0.0"), "public HTTP listen address")
	listenPort := fs.Int("listen-port", envIntOrDefault("MYSTI_LISTEN_PORT", 7860), "public HTTP listen port")
	internalToken := fs.String("internal-token", os.Getenv("MYSTI_INTERNAL_TOKEN"), "shared secret for worker traffic (generated if empty)")
	outputDir := fs.String("output-dir", envOrDefault("MYSTI_OUTPUT_DIR", "outputs"), "directory holding rendered images")
	staticDir := fs.String("static-dir", envOrDefault("MYSTI_STATIC_DIR", "static"), "directory holding the web UI bundle")
	dbPath := fs.String("db-path", envOrDefault("MYSTI_DB_PATH", "mysti.db"), "path to the SQLite image library")
	modelDir := fs.String("model-dir", envOrDefault("MYSTI_MODEL_DIR", "models"), "directory holding diffusion/LLM model weight files")
	preloadLLM := fs.String("llm-model", os.Getenv("MYSTI_PRELOAD_LLM_MODEL"), "LLM model to preload at startup")
	fs.String("mode", "", "unused by the orchestrator itself; present for flag-forwarding symmetry with workers")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	token := *internalToken
	if token == "" {
		generated, err := generateToken()
		if err != nil {
			return Config{}, fmt.Errorf("config: generate internal token: %w", err)
		}
		token = generated
	}

	exe, err := os.Executable()
	if err != nil {
		return Config{}, fmt.Errorf("config: resolve executable path: %w", err)
	}

	return Config{
		ListenIP:        *listenIP,
		ListenPort:      *listenPort,
		InternalToken:   token,
		OutputDir:       *outputDir,
		StaticDir:       *staticDir,
		DBPath:          *dbPath,
		ModelDir:        *modelDir,
		PreloadLLMModel: *preloadLLM,
		BinDir:          filepath.Dir(exe),
		rawArgs:         args,
	}, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var parsed int
	if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil {
		return def
	}
	return parsed
}
