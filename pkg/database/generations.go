package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// GenerationFilter narrows ListGenerations: zero values are "no filter".
type GenerationFilter struct {
	Limit     int
	Offset    int
	Tags      []string
	ModelID   string
	MinRating int
}

// SaveGeneration upserts a generation from a loosely-typed parameter map,
// mirroring the worker's raw completion payload. uuid and filePath are
// pulled out of data by the caller since they key the row.
func (c *Client) SaveGeneration(ctx context.Context, uuid, filePath string, data map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveGenerationLocked(ctx, uuid, filePath, data)
}

func (c *Client) saveGenerationLocked(ctx context.Context, uuid, filePath string, data map[string]interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("database: marshal generation params: %w", err)
	}

	var parentUUID sql.NullString
	if v, ok := data["parent_uuid"].(string); ok && v != "" {
		parentUUID = sql.NullString{String: v, Valid: true}
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO generations (
			uuid, file_path, prompt, negative_prompt, seed,
			width, height, steps, cfg_scale, model_hash,
			generation_time, parent_uuid, params_json, model_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid, filePath,
		stringField(data, "prompt", ""),
		stringField(data, "negative_prompt", ""),
		int64Field(data, "seed", -1),
		intField(data, "width", 512),
		intField(data, "height", 512),
		intField(data, "steps", 20),
		floatField(data, "cfg_scale", 7.0),
		stringField(data, "model_hash", ""),
		floatField(data, "generation_time", 0.0),
		parentUUID,
		string(raw),
		stringField(data, "model_id", ""),
	)
	if err != nil {
		return fmt.Errorf("database: save generation %s: %w", uuid, err)
	}
	return nil
}

// SetFavorite flips the favorite flag on a generation.
func (c *Client) SetFavorite(ctx context.Context, uuid string, favorite bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, "UPDATE generations SET is_favorite = ? WHERE uuid = ?", favorite, uuid)
	if err != nil {
		return fmt.Errorf("database: set favorite %s: %w", uuid, err)
	}
	return nil
}

// SetRating clamps rating to [0,5] and stores it against the generation.
func (c *Client) SetRating(ctx context.Context, uuid string, rating int) error {
	if rating < 0 {
		rating = 0
	}
	if rating > 5 {
		rating = 5
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, "UPDATE generations SET rating = ? WHERE uuid = ?", rating, uuid)
	if err != nil {
		return fmt.Errorf("database: set rating %s: %w", uuid, err)
	}
	return nil
}

// RemoveGeneration deletes a generation row and garbage-collects any tags
// that are now unreferenced.
func (c *Client) RemoveGeneration(ctx context.Context, uuid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, "DELETE FROM generations WHERE uuid = ?", uuid); err != nil {
		return fmt.Errorf("database: remove generation %s: %w", uuid, err)
	}
	return c.deleteUnusedTagsLocked(ctx)
}

// GetGenerationFilePath returns the stored file path for uuid, or "" if
// the generation does not exist.
func (c *Client) GetGenerationFilePath(ctx context.Context, uuid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var path string
	err := c.db.QueryRowContext(ctx, "SELECT file_path FROM generations WHERE uuid = ?", uuid).Scan(&path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("database: get generation file path %s: %w", uuid, err)
	}
	return path, nil
}

// GenerationExists reports whether a generation with the given file path
// has already been recorded, used to skip re-importing orphan outputs.
func (c *Client) GenerationExists(ctx context.Context, filePath string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var id int64
	err := c.db.QueryRowContext(ctx, "SELECT id FROM generations WHERE file_path = ?", filePath).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("database: generation exists %s: %w", filePath, err)
	}
	return true, nil
}

// InsertGeneration inserts a fully-populated generation row (the
// orchestrator's own write path, as opposed to SaveGeneration's worker
// payload path) and returns its row id.
func (c *Client) InsertGeneration(ctx context.Context, gen Generation) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertGenerationLocked(ctx, gen)
}

func (c *Client) insertGenerationLocked(ctx context.Context, gen Generation) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO generations (
			uuid, file_path, prompt, negative_prompt, seed, width, height, steps,
			cfg_scale, generation_time, model_hash, is_favorite, auto_tagged, rating,
			model_id, params_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.UUID, gen.FilePath, gen.Prompt, gen.NegativePrompt, gen.Seed,
		gen.Width, gen.Height, gen.Steps, gen.CFGScale, gen.GenerationTime,
		gen.ModelHash, gen.IsFavorite, gen.AutoTagged, gen.Rating, gen.ModelID, gen.ParamsJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("database: insert generation %s: %w", gen.UUID, err)
	}
	return res.LastInsertId()
}

// InsertGenerationWithTags inserts a generation and links the given tags
// to it in a single transaction, creating any tags that don't exist yet.
func (c *Client) InsertGenerationWithTags(ctx context.Context, gen Generation, tags []string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("database: begin insert with tags: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO generations (
			uuid, file_path, prompt, negative_prompt, seed, width, height, steps,
			cfg_scale, generation_time, model_hash, is_favorite, auto_tagged, rating,
			model_id, params_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.UUID, gen.FilePath, gen.Prompt, gen.NegativePrompt, gen.Seed,
		gen.Width, gen.Height, gen.Steps, gen.CFGScale, gen.GenerationTime,
		gen.ModelHash, gen.IsFavorite, gen.AutoTagged, gen.Rating, gen.ModelID, gen.ParamsJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("database: insert generation %s: %w", gen.UUID, err)
	}
	genID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("database: last insert id: %w", err)
	}

	for _, tag := range tags {
		if err := addTagByIDTx(ctx, tx, genID, tag, "user"); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("database: commit insert with tags: %w", err)
	}
	return genID, nil
}

// ListGenerations returns generations matching filter, newest first.
func (c *Client) ListGenerations(ctx context.Context, filter GenerationFilter) ([]GenerationView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var sb strings.Builder
	sb.WriteString("SELECT g.* FROM generations g WHERE 1=1 ")
	var args []interface{}

	if len(filter.Tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Tags)), ", ")
		sb.WriteString(fmt.Sprintf(
			"AND g.id IN (SELECT it.generation_id FROM image_tags it JOIN tags t ON it.tag_id = t.id WHERE t.name IN (%s) GROUP BY it.generation_id HAVING COUNT(DISTINCT t.id) = ?) ",
			placeholders,
		))
		for _, t := range filter.Tags {
			args = append(args, t)
		}
		args = append(args, len(filter.Tags))
	}
	if filter.ModelID != "" {
		sb.WriteString("AND g.model_id = ? ")
		args = append(args, filter.ModelID)
	}
	if filter.MinRating > 0 {
		sb.WriteString("AND g.rating >= ? ")
		args = append(args, filter.MinRating)
	}
	sb.WriteString("ORDER BY g.timestamp DESC LIMIT ? OFFSET ?")
	args = append(args, limit, filter.Offset)

	rows, err := c.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("database: list generations: %w", err)
	}
	defer rows.Close()
	return c.scanGenerationRowsLocked(ctx, rows)
}

// SearchGenerations runs a full-text search against prompt and
// negative_prompt, falling back to a LIKE scan if the FTS index is
// unavailable or the query isn't valid FTS5 syntax.
func (c *Client) SearchGenerations(ctx context.Context, query string, limit int) ([]GenerationView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT g.*
		FROM generations g
		WHERE g.id IN (SELECT rowid FROM generations_fts WHERE generations_fts MATCH ?)
		ORDER BY g.timestamp DESC LIMIT ?`, query, limit)
	if err == nil {
		defer rows.Close()
		views, scanErr := c.scanGenerationRowsLocked(ctx, rows)
		if scanErr == nil {
			return views, nil
		}
	}

	like := "%" + query + "%"
	rows, err = c.db.QueryContext(ctx,
		"SELECT * FROM generations WHERE prompt LIKE ? OR negative_prompt LIKE ? ORDER BY timestamp DESC LIMIT ?",
		like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("database: search generations fallback: %w", err)
	}
	defer rows.Close()
	return c.scanGenerationRowsLocked(ctx, rows)
}

// scanGenerationRowsLocked reads every row of a `generations.*` query and
// enriches each with its display name and attached tags. Caller must
// already hold c.mu.
func (c *Client) scanGenerationRowsLocked(ctx context.Context, rows *sql.Rows) ([]GenerationView, error) {
	views := make([]GenerationView, 0)
	for rows.Next() {
		var (
			id                                         int64
			uuid, filePath, timestamp                   string
			prompt, negativePrompt                      string
			seed                                        int64
			width, height, steps                        int
			cfgScale                                    float64
			modelHash                                   string
			isFavorite                                  bool
			parentUUID                                  sql.NullString
			generationTime                               float64
			autoTagged                                  bool
			modelID                                     string
			rating                                      int
			paramsJSON                                  sql.NullString
		)
		if err := rows.Scan(&id, &uuid, &filePath, &timestamp, &prompt, &negativePrompt, &seed,
			&width, &height, &steps, &cfgScale, &modelHash, &isFavorite, &parentUUID,
			&generationTime, &autoTagged, &modelID, &rating, &paramsJSON); err != nil {
			return nil, fmt.Errorf("database: scan generation row: %w", err)
		}

		params := map[string]interface{}{}
		if paramsJSON.Valid && paramsJSON.String != "" {
			_ = json.Unmarshal([]byte(paramsJSON.String), &params)
		}
		params["prompt"] = prompt
		params["negative_prompt"] = negativePrompt
		params["seed"] = seed
		params["width"] = width
		params["height"] = height
		params["steps"] = steps
		params["cfg_scale"] = cfgScale
		params["model_id"] = modelID

		tagRows, err := c.db.QueryContext(ctx,
			"SELECT t.name FROM tags t JOIN image_tags it ON t.id = it.tag_id WHERE it.generation_id = ?", id)
		if err != nil {
			return nil, fmt.Errorf("database: load tags for generation %d: %w", id, err)
		}
		tags := make([]string, 0)
		for tagRows.Next() {
			var name string
			if err := tagRows.Scan(&name); err != nil {
				tagRows.Close()
				return nil, fmt.Errorf("database: scan tag for generation %d: %w", id, err)
			}
			tags = append(tags, name)
		}
		tagRows.Close()

		views = append(views, GenerationView{
			ID:         uuid,
			Name:       filepath.Base(filePath),
			FilePath:   filePath,
			Timestamp:  timestamp,
			Params:     params,
			IsFavorite: isFavorite,
			Rating:     rating,
			Tags:       tags,
		})
	}
	return views, rows.Err()
}

func stringField(m map[string]interface{}, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func intField(m map[string]interface{}, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func int64Field(m map[string]interface{}, key string, def int64) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return def
}

func floatField(m map[string]interface{}, key string, def float64) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return def
}
