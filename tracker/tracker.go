// Package tracker defines the task and comment snapshots read from the
// project-management service and the client contract used to reach it.
package tracker

import (
	"context"
	"strings"
	"time"
)

// Task is a read-only snapshot of a tracked unit of work.
type Task struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Notes     string `json:"notes"`
	Completed bool   `json:"completed"`
}

// Text joins the task name, notes and an optional comment with single
// spaces. An empty comment is treated as absent.
func (t Task) Text(comment string) string {
	parts := []string{t.Name, t.Notes}
	if comment != "" {
		parts = append(parts, comment)
	}
	return strings.Join(parts, " ")
}

// Comment is an immutable comment attached to a task.
type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is the tracker surface the daemon depends on.
//
// Implementations retry 5xx and network failures with exponential backoff and
// honor Retry-After on 429 responses. Callers treat an error as "no data this
// cycle", never as fatal.
type Client interface {
	FetchIncompleteTasks(ctx context.Context, projectIDs []string) ([]Task, error)
	FetchComments(ctx context.Context, taskID string) ([]Comment, error)
	AddComment(ctx context.Context, taskID, text string) error
	UpdateTitle(ctx context.Context, taskID, title string) error
}
