// Package state persists the agent's durable identity and network cache
// in a single JSON file under the app directory.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const fileName = "state.json"

// Network is the fingerprint of the network the agent last probed from.
// A changed fingerprint invalidates the cached server choice.
type Network struct {
	LocalIP string `json:"local_ip"`
	SSID    string `json:"ssid"`
}

// State is the persisted agent state.
type State struct {
	DeviceID    string     `json:"device_id"`
	ActiveIP    string     `json:"active_ip,omitempty"`
	LastProbeAt *time.Time `json:"last_probe_at,omitempty"`
	LastNetwork *Network   `json:"last_network,omitempty"`
}

// Store loads and saves the state file with atomic replaces.
type Store struct {
	mu   sync.Mutex
	path string
	cur  State
}

// Open loads (or initializes) the state file in dir. A missing file gets
// a fresh device id, persisted immediately.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create app dir: %w", err)
	}
	s := &Store{path: filepath.Join(dir, fileName)}

	raw, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		s.cur = State{DeviceID: uuid.New().String()}
		if err := s.write(); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	if err := json.Unmarshal(raw, &s.cur); err != nil {
		// A corrupt state file costs us the identity; start over rather
		// than refuse to run.
		s.cur = State{DeviceID: uuid.New().String()}
		if err := s.write(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if s.cur.DeviceID == "" {
		s.cur.DeviceID = uuid.New().String()
		if err := s.write(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get returns a copy of the current state.
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// DeviceID returns the stable device identity.
func (s *Store) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.DeviceID
}

// Update applies fn to the state and persists the result.
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cur)
	return s.write()
}

// write replaces the state file atomically (temp file + rename) so a
// crash mid-write never loses the device identity.
func (s *Store) write() error {
	data, err := json.MarshalIndent(&s.cur, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state: %w", err)
	}
	return nil
}
