// Package importer scans the output directory at startup for rendered
// images that were never recorded in the library (orphaned by a crash, or
// left over from a prior installation) and backfills a database row for
// each one from its sidecar metadata.
package importer

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mysti-ai/mysti/pkg/database"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

var legacyTimeRe = regexp.MustCompile(`Time:\s*([\d.]+)`)

// ImportOrphans scans outputDir for image files with no matching
// generations row and inserts one for each, reading parameters from a
// same-named .json sidecar when present, falling back to a best-effort
// scrape of a legacy .txt sidecar, or bare defaults when neither exists.
// Returns the number of files checked and the number newly imported.
func ImportOrphans(ctx context.Context, db *database.Client, outputDir string, log *slog.Logger) (checked, imported int, err error) {
	absDir, err := filepath.Abs(outputDir)
	if err != nil {
		return 0, 0, err
	}
	info, err := os.Stat(absDir)
	if err != nil || !info.IsDir() {
		log.Warn("importer: output directory does not exist, skipping import", "dir", absDir)
		return 0, 0, nil
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return 0, 0, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !imageExtensions[ext] {
			continue
		}
		checked++

		filename := entry.Name()
		fileURL := "/outputs/" + filename

		exists, err := db.GenerationExists(ctx, fileURL)
		if err != nil {
			log.Warn("importer: check existing generation failed", "file", filename, "error", err)
			continue
		}
		if exists {
			continue
		}

		params := readSidecar(absDir, filename, log)
		uuid := "legacy-" + filename

		if err := db.SaveGeneration(ctx, uuid, fileURL, params); err != nil {
			log.Warn("importer: save generation failed", "file", filename, "error", err)
			continue
		}
		imported++
	}

	log.Info("importer: orphan scan complete", "checked", checked, "imported", imported)
	return checked, imported, nil
}

func readSidecar(dir, filename string, log *slog.Logger) map[string]interface{} {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	params := map[string]interface{}{
		"prompt":          "",
		"negative_prompt": "",
		"seed":            int64(0),
		"width":           512,
		"height":          512,
		"steps":           20,
		"cfg_scale":       7.0,
		"generation_time": 0.0,
	}

	jsonPath := filepath.Join(dir, base+".json")
	if data, err := os.ReadFile(jsonPath); err == nil {
		var sidecar map[string]interface{}
		if err := json.Unmarshal(data, &sidecar); err == nil {
			for _, key := range []string{"prompt", "negative_prompt", "seed", "width", "height", "steps", "cfg_scale", "generation_time"} {
				if v, ok := sidecar[key]; ok {
					params[key] = v
				}
			}
		} else {
			log.Warn("importer: malformed json sidecar", "path", jsonPath, "error", err)
		}
		return params
	}

	txtPath := filepath.Join(dir, base+".txt")
	if data, err := os.ReadFile(txtPath); err == nil {
		content := string(data)
		if m := legacyTimeRe.FindStringSubmatch(content); m != nil {
			if t, err := strconv.ParseFloat(m[1], 64); err == nil {
				params["generation_time"] = t
			}
		}
		firstLine := content
		if idx := strings.IndexByte(content, '\n'); idx != -1 {
			firstLine = content[:idx]
		}
		firstLine = strings.TrimSpace(firstLine)
		if firstLine != "" && !strings.HasPrefix(firstLine, "Negative prompt:") {
			params["prompt"] = firstLine
		}
	}

	return params
}
