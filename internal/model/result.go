package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ResultRow is one JSON document in a flow's result table.
type ResultRow struct {
	ID        string          `json:"id"`
	FlowID    uuid.UUID       `json:"flow_id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Column describes one field of a result table.
type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// TableSchema is the column layout of a flow's result table.
type TableSchema struct {
	FlowID  uuid.UUID `json:"flow_id"`
	Columns []Column  `json:"columns"`
}

// ColumnNames returns the column names in order.
func (s TableSchema) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}
