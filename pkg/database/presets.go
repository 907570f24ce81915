package database

import (
	"context"
	"encoding/json"
	"fmt"
)

// SaveImagePreset upserts a diffusion-worker preset. A zero ID inserts a
// new row; a positive ID replaces the matching one.
func (c *Client) SaveImagePreset(ctx context.Context, p ImagePreset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	defaultParams, err := json.Marshal(p.DefaultParams)
	if err != nil {
		return fmt.Errorf("database: marshal default params for preset %q: %w", p.Name, err)
	}
	preferredParams, err := json.Marshal(p.PreferredParams)
	if err != nil {
		return fmt.Errorf("database: marshal preferred params for preset %q: %w", p.Name, err)
	}

	var id interface{}
	if p.ID > 0 {
		id = p.ID
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO image_presets (
			id, name, unet_path, vae_path, clip_l_path, clip_g_path, t5xxl_path,
			vram_weights_mb_estimate, vram_weights_mb_measured, default_params, preferred_params
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Name, p.UnetPath, p.VaePath, p.ClipLPath, p.ClipGPath, p.T5xxlPath,
		p.VRAMWeightsMBEstimate, p.VRAMWeightsMBMeasured, string(defaultParams), string(preferredParams))
	if err != nil {
		return fmt.Errorf("database: save image preset %q: %w", p.Name, err)
	}
	return nil
}

// ListImagePresets returns every saved diffusion-worker preset.
func (c *Client) ListImagePresets(ctx context.Context) ([]ImagePreset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, unet_path, vae_path, clip_l_path, clip_g_path, t5xxl_path,
		       vram_weights_mb_estimate, vram_weights_mb_measured, default_params, preferred_params
		FROM image_presets ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("database: list image presets: %w", err)
	}
	defer rows.Close()

	presets := make([]ImagePreset, 0)
	for rows.Next() {
		var p ImagePreset
		var defaultParams, preferredParams string
		if err := rows.Scan(&p.ID, &p.Name, &p.UnetPath, &p.VaePath, &p.ClipLPath, &p.ClipGPath,
			&p.T5xxlPath, &p.VRAMWeightsMBEstimate, &p.VRAMWeightsMBMeasured,
			&defaultParams, &preferredParams); err != nil {
			return nil, fmt.Errorf("database: scan image preset: %w", err)
		}
		_ = json.Unmarshal([]byte(defaultParams), &p.DefaultParams)
		_ = json.Unmarshal([]byte(preferredParams), &p.PreferredParams)
		presets = append(presets, p)
	}
	return presets, rows.Err()
}

// DeleteImagePreset removes a diffusion-worker preset by id.
func (c *Client) DeleteImagePreset(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, "DELETE FROM image_presets WHERE id = ?", id); err != nil {
		return fmt.Errorf("database: delete image preset %d: %w", id, err)
	}
	return nil
}

// SaveLlmPreset upserts an LLM-worker preset.
func (c *Client) SaveLlmPreset(ctx context.Context, p LlmPreset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	capabilities, err := json.Marshal(p.Capabilities)
	if err != nil {
		return fmt.Errorf("database: marshal capabilities for preset %q: %w", p.Name, err)
	}

	var id interface{}
	if p.ID > 0 {
		id = p.ID
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO llm_presets (
			id, name, model_path, mmproj_path, n_ctx, capabilities, role
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, p.Name, p.ModelPath, p.MmprojPath, p.NCtx, string(capabilities), p.Role)
	if err != nil {
		return fmt.Errorf("database: save llm preset %q: %w", p.Name, err)
	}
	return nil
}

// ListLlmPresets returns every saved LLM-worker preset.
func (c *Client) ListLlmPresets(ctx context.Context) ([]LlmPreset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx,
		"SELECT id, name, model_path, mmproj_path, n_ctx, capabilities, role FROM llm_presets ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("database: list llm presets: %w", err)
	}
	defer rows.Close()

	presets := make([]LlmPreset, 0)
	for rows.Next() {
		var p LlmPreset
		var capabilities string
		if err := rows.Scan(&p.ID, &p.Name, &p.ModelPath, &p.MmprojPath, &p.NCtx,
			&capabilities, &p.Role); err != nil {
			return nil, fmt.Errorf("database: scan llm preset: %w", err)
		}
		_ = json.Unmarshal([]byte(capabilities), &p.Capabilities)
		presets = append(presets, p)
	}
	return presets, rows.Err()
}

// DeleteLlmPreset removes an LLM-worker preset by id.
func (c *Client) DeleteLlmPreset(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, "DELETE FROM llm_presets WHERE id = ?", id); err != nil {
		return fmt.Errorf("database: delete llm preset %d: %w", id, err)
	}
	return nil
}
