package database

import (
	"context"
	"fmt"
)

// AddLibraryItem inserts a new prompt library entry.
func (c *Client) AddLibraryItem(ctx context.Context, item LibraryItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO prompt_library (label, content, category, preview_path) VALUES (?, ?, ?, ?)",
		item.Label, item.Content, item.Category, item.PreviewPath)
	if err != nil {
		return fmt.Errorf("database: add library item %q: %w", item.Label, err)
	}
	return nil
}

// ListLibraryItems returns items, optionally filtered to a category.
func (c *Client) ListLibraryItems(ctx context.Context, category string) ([]LibraryItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	query := "SELECT id, label, content, category, preview_path, usage_count FROM prompt_library "
	var args []interface{}
	if category != "" {
		query += "WHERE category = ? "
		args = append(args, category)
	}
	query += "ORDER BY label ASC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database: list library items: %w", err)
	}
	defer rows.Close()

	items := make([]LibraryItem, 0)
	for rows.Next() {
		var item LibraryItem
		if err := rows.Scan(&item.ID, &item.Label, &item.Content, &item.Category,
			&item.PreviewPath, &item.UsageCount); err != nil {
			return nil, fmt.Errorf("database: scan library item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteLibraryItem removes a prompt library entry by id.
func (c *Client) DeleteLibraryItem(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, "DELETE FROM prompt_library WHERE id = ?", id); err != nil {
		return fmt.Errorf("database: delete library item %d: %w", id, err)
	}
	return nil
}

// IncrementLibraryUsage bumps the usage counter each time an item is
// applied to a generation request.
func (c *Client) IncrementLibraryUsage(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, "UPDATE prompt_library SET usage_count = usage_count + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("database: increment library usage %d: %w", id, err)
	}
	return nil
}
