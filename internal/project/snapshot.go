package project

import (
	"encoding/json"
	"fmt"
)

// Snapshot encodes a scheduled project so another process can rebuild it.
func (p *Project) Snapshot() ([]byte, error) {
	if !p.Scheduled {
		return nil, ErrUnscheduled
	}
	return json.Marshal(p)
}

// Restore decodes a snapshot produced by Snapshot.
func Restore(data []byte) (*Project, error) {
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode project snapshot: %w", err)
	}
	if p.ID == "" || !p.Scheduled {
		return nil, fmt.Errorf("snapshot of %q: %w", p.ID, ErrUnscheduled)
	}
	return &p, nil
}
