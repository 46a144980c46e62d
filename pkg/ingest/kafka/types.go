package kafka

import (
	"errors"
	"fmt"
	"time"
)

const (
	OpUpsert  = "upsert"
	OpRebuild = "rebuild"
)

// Event announces a new or modified image, or asks for a full metadata rebuild.
type Event struct {
	Path    string    `json:"path,omitempty"`
	Op      string    `json:"op"`
	Version uint64    `json:"version,omitempty"`
	TS      time.Time `json:"ts"`
}

func (e Event) Validate() error {
	switch e.Op {
	case OpUpsert:
		if e.Path == "" {
			return errors.New("upsert event without path")
		}
	case OpRebuild:
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
	return nil
}
