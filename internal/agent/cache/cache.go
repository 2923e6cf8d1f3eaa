// Package cache is the agent's durable list of scheduled tasks. It
// survives restarts and server outages; writes are atomic file replaces
// and readers get point-in-time snapshots.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

const fileName = "scheduled_tasks.json"

// Cache holds the on-disk task list.
type Cache struct {
	mu    sync.Mutex
	path  string
	tasks []v1.CachedTask
}

// Open loads (or initializes) the cache file in dir.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create app dir: %w", err)
	}
	c := &Cache{path: filepath.Join(dir, fileName)}

	raw, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task cache: %w", err)
	}
	if err := json.Unmarshal(raw, &c.tasks); err != nil {
		// Unreadable cache: drop it, the next check-in reseeds.
		c.tasks = nil
	}
	return c, nil
}

// LoadAll returns a snapshot of the cached tasks in insertion order.
func (c *Cache) LoadAll() []v1.CachedTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]v1.CachedTask, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// Replace swaps the whole list, preserving last_run for tasks that were
// already cached. Used to seed from a check-in response.
func (c *Cache) Replace(tasks []v1.CachedTask) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lastRuns := make(map[string]*time.Time, len(c.tasks))
	for i := range c.tasks {
		if c.tasks[i].LastRun != nil {
			lastRuns[c.tasks[i].TaskID] = c.tasks[i].LastRun
		}
	}
	for i := range tasks {
		if lr, ok := lastRuns[tasks[i].TaskID]; ok && tasks[i].LastRun == nil {
			tasks[i].LastRun = lr
		}
	}
	c.tasks = tasks
	return c.write()
}

// Upsert replaces the task with the same id or appends it.
func (c *Cache) Upsert(t v1.CachedTask) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.tasks {
		if c.tasks[i].TaskID == t.TaskID {
			c.tasks[i] = t
			return c.write()
		}
	}
	c.tasks = append(c.tasks, t)
	return c.write()
}

// Remove deletes the task by id. Removing an absent id is not an error.
func (c *Cache) Remove(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.tasks {
		if c.tasks[i].TaskID == taskID {
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			return c.write()
		}
	}
	return nil
}

// MarkCancelled flags the task so the evaluator skips it.
func (c *Cache) MarkCancelled(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.tasks {
		if c.tasks[i].TaskID == taskID {
			c.tasks[i].Cancelled = true
			return c.write()
		}
	}
	return nil
}

// SetLastRun records the task's latest execution time.
func (c *Cache) SetLastRun(taskID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.tasks {
		if c.tasks[i].TaskID == taskID {
			utc := at.UTC()
			c.tasks[i].LastRun = &utc
			return c.write()
		}
	}
	return nil
}

// write persists via temp file + rename; callers hold the lock.
func (c *Cache) write() error {
	data, err := json.MarshalIndent(c.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write task cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace task cache: %w", err)
	}
	return nil
}
