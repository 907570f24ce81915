package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// ModelMetadata is arbitrary descriptive data about a model checkpoint
// (trigger words, preferred sampler params, notes), keyed by model id.
type ModelMetadata struct {
	ID       string                 `json:"id"`
	Metadata map[string]interface{} `json:"metadata"`
}

// SaveModelMetadata upserts the metadata blob for modelID.
func (c *Client) SaveModelMetadata(ctx context.Context, modelID string, metadata map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("database: marshal metadata for %q: %w", modelID, err)
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO models (id, metadata, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
		modelID, string(raw))
	if err != nil {
		return fmt.Errorf("database: save model metadata %q: %w", modelID, err)
	}
	return nil
}

// GetModelMetadata looks up metadata by exact model id first. If no exact
// row matches, it falls back to a suffix match: worker-reported model ids
// are often full filesystem paths while presets may register just a
// relative suffix, so the longest stored id that the requested id ends
// with is treated as the same model. A stored id longer than the
// requested one never matches. Backslashes are normalized to forward
// slashes before comparing. Returns an empty map if nothing matches.
func (c *Client) GetModelMetadata(ctx context.Context, modelID string) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var raw string
	err := c.db.QueryRowContext(ctx, "SELECT metadata FROM models WHERE id = ?", modelID).Scan(&raw)
	if err == nil {
		var metadata map[string]interface{}
		if jsonErr := json.Unmarshal([]byte(raw), &metadata); jsonErr != nil {
			return nil, fmt.Errorf("database: parse model metadata %q: %w", modelID, jsonErr)
		}
		return metadata, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("database: get model metadata %q: %w", modelID, err)
	}

	rows, err := c.db.QueryContext(ctx, "SELECT id, metadata FROM models")
	if err != nil {
		return nil, fmt.Errorf("database: scan models for suffix match: %w", err)
	}
	defer rows.Close()

	normalizedID := strings.ReplaceAll(modelID, "\\", "/")
	bestLen, bestID, bestMetadata := -1, "", ""
	for rows.Next() {
		var storedID, storedMetadata string
		if err := rows.Scan(&storedID, &storedMetadata); err != nil {
			return nil, fmt.Errorf("database: scan model row: %w", err)
		}
		normalizedStored := strings.ReplaceAll(storedID, "\\", "/")
		if len(normalizedID) >= len(normalizedStored) &&
			strings.HasSuffix(normalizedID, normalizedStored) && len(normalizedStored) > bestLen {
			bestLen, bestID, bestMetadata = len(normalizedStored), storedID, storedMetadata
		}
	}
	if err := rows.Err(); err != nil || bestLen < 0 {
		return map[string]interface{}{}, err
	}
	var metadata map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(bestMetadata), &metadata); jsonErr != nil {
		return nil, fmt.Errorf("database: parse model metadata %q: %w", bestID, jsonErr)
	}
	return metadata, nil
}

// ListModelMetadata returns every registered model's metadata, ordered
// by id.
func (c *Client) ListModelMetadata(ctx context.Context) ([]ModelMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, "SELECT id, metadata FROM models ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("database: list model metadata: %w", err)
	}
	defer rows.Close()

	out := make([]ModelMetadata, 0)
	for rows.Next() {
		var m ModelMetadata
		var raw string
		if err := rows.Scan(&m.ID, &raw); err != nil {
			return nil, fmt.Errorf("database: scan model metadata row: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
			return nil, fmt.Errorf("database: parse model metadata %q: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
