// Package confirm implements the pre-run cancellation check: just before
// a scheduled task fires, ask the server whether it was cancelled.
package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/common/logger"
)

const requestTimeout = 10 * time.Second

// Verdict is the outcome of a pre-run check.
type Verdict int

const (
	// Proceed means the task should run (still active, or server
	// unreachable and availability wins).
	Proceed Verdict = iota

	// Cancelled means the server confirmed cancellation; skip the task
	// and mark it cancelled locally.
	Cancelled
)

// Confirmer performs the HTTP check.
type Confirmer struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *logger.Logger
}

// New creates a confirmer against the server base URL (http://host:port).
func New(baseURL, token string, log *logger.Logger) *Confirmer {
	return &Confirmer{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  log,
	}
}

// SetBaseURL repoints the confirmer after a server failover.
func (c *Confirmer) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// Check asks the server for the task's cancelled flag. Unreachable or
// erroring servers yield Proceed: a rare missed cancel beats skipping
// every scheduled task during an outage.
func (c *Confirmer) Check(ctx context.Context, taskID string) Verdict {
	url := fmt.Sprintf("%s/api/dashboard/tasks/%s", c.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Proceed
	}
	req.Header.Set("X-Agent-Token", c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("pre-run check unreachable, proceeding",
			zap.String("task_id", taskID), zap.Error(err))
		return Proceed
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Deleted on the server counts as cancelled.
		return Cancelled
	case resp.StatusCode != http.StatusOK:
		return Proceed
	}

	var body struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Proceed
	}
	if body.Cancelled {
		c.logger.Info("task cancelled on server, skipping",
			zap.String("task_id", taskID))
		return Cancelled
	}
	return Proceed
}
