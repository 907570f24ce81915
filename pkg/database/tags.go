package database

import (
	"context"
	"database/sql"
	"fmt"
)

// ListTags returns every tag with its usage count, most-used first.
func (c *Client) ListTags(ctx context.Context) ([]TagInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, `
		SELECT t.name, t.category, COUNT(it.tag_id) as count
		FROM tags t LEFT JOIN image_tags it ON t.id = it.tag_id
		GROUP BY t.id ORDER BY count DESC`)
	if err != nil {
		return nil, fmt.Errorf("database: list tags: %w", err)
	}
	defer rows.Close()

	tags := make([]TagInfo, 0)
	for rows.Next() {
		var t TagInfo
		if err := rows.Scan(&t.Name, &t.Category, &t.Count); err != nil {
			return nil, fmt.Errorf("database: scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// AddTag attaches tag to the generation identified by uuid, creating the
// tag row if it doesn't already exist.
func (c *Client) AddTag(ctx context.Context, uuid, tag, source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var genID int64
	err := c.db.QueryRowContext(ctx, "SELECT id FROM generations WHERE uuid = ?", uuid).Scan(&genID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("database: find generation %s: %w", uuid, err)
	}
	return addTagByIDTx(ctx, c.db, genID, tag, source)
}

// AddTagByID attaches tag directly by generation row id, skipping the
// uuid lookup when the caller already has it.
func (c *Client) AddTagByID(ctx context.Context, generationID int64, tag, source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return addTagByIDTx(ctx, c.db, generationID, tag, source)
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting addTagByIDTx
// run standalone or inside a caller's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func addTagByIDTx(ctx context.Context, db execer, generationID int64, tag, source string) error {
	if _, err := db.ExecContext(ctx, "INSERT OR IGNORE INTO tags (name) VALUES (?)", tag); err != nil {
		return fmt.Errorf("database: insert tag %q: %w", tag, err)
	}
	var tagID int64
	if err := db.QueryRowContext(ctx, "SELECT id FROM tags WHERE name = ?", tag).Scan(&tagID); err != nil {
		return fmt.Errorf("database: lookup tag %q: %w", tag, err)
	}
	if _, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO image_tags (generation_id, tag_id, source) VALUES (?, ?, ?)",
		generationID, tagID, source); err != nil {
		return fmt.Errorf("database: link tag %q to generation %d: %w", tag, generationID, err)
	}
	return nil
}

// RemoveTag detaches tag from the generation identified by uuid and
// garbage-collects any tags that are now unreferenced.
func (c *Client) RemoveTag(ctx context.Context, uuid, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM image_tags
		WHERE generation_id = (SELECT id FROM generations WHERE uuid = ?)
		AND tag_id = (SELECT id FROM tags WHERE name = ?)`, uuid, tag)
	if err != nil {
		return fmt.Errorf("database: remove tag %q from %s: %w", tag, uuid, err)
	}
	return c.deleteUnusedTagsLocked(ctx)
}

func (c *Client) deleteUnusedTagsLocked(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM tags WHERE id NOT IN (SELECT DISTINCT tag_id FROM image_tags)")
	if err != nil {
		return fmt.Errorf("database: delete unused tags: %w", err)
	}
	return nil
}

// DeleteUnusedTags removes every tag no longer linked to a generation.
func (c *Client) DeleteUnusedTags(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteUnusedTagsLocked(ctx)
}

// UntaggedGeneration is a candidate for the background tagger: enough to
// run inference without a second round-trip for the prompt text.
type UntaggedGeneration struct {
	ID     int64
	UUID   string
	Prompt string
}

// GetUntaggedGenerations returns up to limit generations that have never
// been auto-tagged and carry a non-empty prompt.
func (c *Client) GetUntaggedGenerations(ctx context.Context, limit int) ([]UntaggedGeneration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, uuid, prompt FROM generations
		WHERE auto_tagged = 0 AND prompt IS NOT NULL AND prompt != ''
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("database: get untagged generations: %w", err)
	}
	defer rows.Close()

	out := make([]UntaggedGeneration, 0)
	for rows.Next() {
		var g UntaggedGeneration
		if err := rows.Scan(&g.ID, &g.UUID, &g.Prompt); err != nil {
			return nil, fmt.Errorf("database: scan untagged generation: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkAsTagged flags a generation so the background tagger skips it on
// future sweeps, regardless of whether tagging actually produced tags.
func (c *Client) MarkAsTagged(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, "UPDATE generations SET auto_tagged = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("database: mark tagged %d: %w", id, err)
	}
	return nil
}
