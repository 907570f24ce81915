package database

import (
	"context"
	"database/sql"
	"fmt"
)

// AddJob enqueues a background job and returns its row id.
func (c *Client) AddJob(ctx context.Context, jobType, payload string, priority int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.ExecContext(ctx,
		"INSERT INTO jobs (type, payload, priority) VALUES (?, ?, ?)", jobType, payload, priority)
	if err != nil {
		return 0, fmt.Errorf("database: add job %q: %w", jobType, err)
	}
	return res.LastInsertId()
}

// GetNextJob returns the highest-priority pending job, oldest first
// within a priority tier, or (nil, nil) if the queue is empty.
func (c *Client) GetNextJob(ctx context.Context) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var j Job
	var jobErr sql.NullString
	err := c.db.QueryRowContext(ctx, `
		SELECT id, type, payload, status, error, priority, created_at FROM jobs
		WHERE status = 'pending' ORDER BY priority DESC, created_at ASC LIMIT 1`).
		Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &jobErr, &j.Priority, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: get next job: %w", err)
	}
	j.Error = jobErr.String
	return &j, nil
}

// UpdateJobStatus transitions a job's status, stamping completed_at when
// the new status is "completed" and recording an error message if given.
func (c *Client) UpdateJobStatus(ctx context.Context, id int64, status, errMsg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	query := "UPDATE jobs SET status = ?, updated_at = CURRENT_TIMESTAMP"
	args := []interface{}{status}
	if status == "completed" {
		query += ", completed_at = CURRENT_TIMESTAMP"
	}
	if errMsg != "" {
		query += ", error = ?"
		args = append(args, errMsg)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("database: update job status %d: %w", id, err)
	}
	return nil
}
