package engine

import (
	"encoding/json"
	"fmt"
)

// CheckpointVersion is the current checkpoint envelope schema version.
const CheckpointVersion = 1

// Checkpoint is the persisted snapshot of a Check phase's decisions: every
// value that must be replayed identically on resume (allocated ids, records
// chosen for revival, and so on). The envelope is schema-versioned and tagged
// with the operation kind so each handler decodes precisely the fields its
// Check phase computed.
type Checkpoint struct {
	Version int             `json:"version"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// NewCheckpoint wraps payload in a versioned envelope tagged with kind.
func NewCheckpoint(kind string, payload any) (*Checkpoint, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s checkpoint payload: %w", kind, err)
	}

	return &Checkpoint{
		Version: CheckpointVersion,
		Kind:    kind,
		Data:    data,
	}, nil
}

// Decode unmarshals the checkpoint payload into dst, enforcing the expected
// kind tag.
func (c *Checkpoint) Decode(kind string, dst any) error {
	if c.Kind != kind {
		return fmt.Errorf("checkpoint kind %q does not match handler %q", c.Kind, kind)
	}

	if c.Version > CheckpointVersion {
		return fmt.Errorf("checkpoint version %d is newer than supported version %d", c.Version, CheckpointVersion)
	}

	if err := json.Unmarshal(c.Data, dst); err != nil {
		return fmt.Errorf("failed to decode %s checkpoint payload: %w", kind, err)
	}

	return nil
}
