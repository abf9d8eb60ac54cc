package dotflow

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// CheckpointFile is the checkpoint's filename under the logs root.
const CheckpointFile = "checkpoint.json"

// Checkpoint is written once per completed stage. On resume the engine
// re-materializes the context and replays outcomes by re-reading each
// completed node's status.json artifact.
type Checkpoint struct {
	LastNode       string         `json:"last_node"`
	CompletedNodes []string       `json:"completed_nodes"`
	NodeRetries    map[string]int `json:"node_retries"`
	ContextValues  map[string]any `json:"context_values"`
	Logs           []string       `json:"logs"`
	Timestamp      time.Time      `json:"timestamp"`
}

// NewCheckpoint creates an empty checkpoint with initialized maps.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		CompletedNodes: []string{},
		NodeRetries:    map[string]int{},
		ContextValues:  map[string]any{},
		Logs:           []string{},
	}
}

// Save writes the checkpoint atomically (write temp, rename).
func (c *Checkpoint) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint reads a checkpoint file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	if c.NodeRetries == nil {
		c.NodeRetries = map[string]int{}
	}
	if c.ContextValues == nil {
		c.ContextValues = map[string]any{}
	}
	return &c, nil
}
