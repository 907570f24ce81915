package database

import (
	"context"
	"fmt"
)

// SaveStyle upserts a named prompt style.
func (c *Client) SaveStyle(ctx context.Context, s Style) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO styles (name, prompt, negative_prompt, preview_path) VALUES (?, ?, ?, ?)",
		s.Name, s.Prompt, s.NegativePrompt, s.PreviewPath)
	if err != nil {
		return fmt.Errorf("database: save style %q: %w", s.Name, err)
	}
	return nil
}

// ListStyles returns every saved style, alphabetical by name.
func (c *Client) ListStyles(ctx context.Context) ([]Style, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx,
		"SELECT name, prompt, negative_prompt, preview_path FROM styles ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("database: list styles: %w", err)
	}
	defer rows.Close()

	styles := make([]Style, 0)
	for rows.Next() {
		var s Style
		if err := rows.Scan(&s.Name, &s.Prompt, &s.NegativePrompt, &s.PreviewPath); err != nil {
			return nil, fmt.Errorf("database: scan style: %w", err)
		}
		styles = append(styles, s)
	}
	return styles, rows.Err()
}

// DeleteStyle removes the named style.
func (c *Client) DeleteStyle(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, "DELETE FROM styles WHERE name = ?", name); err != nil {
		return fmt.Errorf("database: delete style %q: %w", name, err)
	}
	return nil
}
