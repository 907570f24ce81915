package database

import (
	"context"
	"fmt"
)

// AddGenerationFile records an auxiliary file (preview, mask, sidecar)
// produced alongside a generation.
func (c *Client) AddGenerationFile(ctx context.Context, generationID int64, fileType, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO generation_files (generation_id, file_type, file_path) VALUES (?, ?, ?)",
		generationID, fileType, path)
	if err != nil {
		return fmt.Errorf("database: add generation file %d/%s: %w", generationID, fileType, err)
	}
	return nil
}

// GetGenerationFiles lists files for a generation, optionally filtered
// to one file_type, oldest first.
func (c *Client) GetGenerationFiles(ctx context.Context, generationID int64, fileType string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	query := "SELECT file_path FROM generation_files WHERE generation_id = ? "
	args := []interface{}{generationID}
	if fileType != "" {
		query += "AND file_type = ? "
		args = append(args, fileType)
	}
	query += "ORDER BY created_at ASC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database: get generation files %d: %w", generationID, err)
	}
	defer rows.Close()

	paths := make([]string, 0)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("database: scan generation file: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
