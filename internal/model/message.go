package model

import (
	"time"

	"github.com/google/uuid"
)

// LogSegment is the audience of a message log entry.
type LogSegment string

const (
	SegmentUser  LogSegment = "user"
	SegmentAgent LogSegment = "agent"
	SegmentDebug LogSegment = "debug"
)

// MessageLog is a product-visible log line attached to a run and optionally
// to one of its nodes. ImageURL carries a screenshot when an agent has one.
type MessageLog struct {
	ID        uuid.UUID  `json:"id"`
	RunID     uuid.UUID  `json:"run_id"`
	NodeID    *uuid.UUID `json:"node_id,omitempty"`
	Segment   LogSegment `json:"segment"`
	Message   string     `json:"message"`
	ImageURL  string     `json:"image_url,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
