package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

const checkinTimeout = 15 * time.Second

// checkin announces the device to the server and fetches its policy,
// scheduled tasks and session URL.
func (c *Client) checkin(ctx context.Context, host string) (*v1.CheckinResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, checkinTimeout)
	defer cancel()

	req := v1.CheckinRequest{
		DeviceID:          c.state.DeviceID(),
		AgentVersion:      c.cfg.Version,
		Platform:          c.collector.Platform(),
		TelemetrySnapshot: c.collector.Snapshot(ctx),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode check-in: %w", err)
	}

	url := c.cfg.ServerBaseURL(host) + "/api/agent/checkin"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build check-in request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Agent-Token", c.cfg.Token)

	httpClient := &http.Client{Timeout: checkinTimeout}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("check-in failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("check-in rejected: status %d", resp.StatusCode)
	}

	var out v1.CheckinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode check-in response: %w", err)
	}
	return &out, nil
}
