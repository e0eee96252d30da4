package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/jarvis/internal/model"
)

// Context bounds.
const (
	MaxMessages = 15
	MaxImages   = 1
)

// Context is the bounded view of a run the model decides from.
type Context struct {
	// Task is the thread's input; RunInput is the user's original request.
	Task     string
	RunInput string
	Messages []model.MessageLog
	Rows     []model.ResultRow
	Schema   model.TableSchema
}

// Bound trims messages to the trailing MaxMessages and keeps only the
// trailing MaxImages images among them. The input is not modified.
func Bound(msgs []model.MessageLog) []model.MessageLog {
	if len(msgs) > MaxMessages {
		msgs = msgs[len(msgs)-MaxMessages:]
	}
	out := make([]model.MessageLog, len(msgs))
	copy(out, msgs)
	images := 0
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].ImageURL == "" {
			continue
		}
		if images >= MaxImages {
			out[i].ImageURL = ""
			continue
		}
		images++
	}
	return out
}

// render writes the context as a prompt section and returns the image (if
// any) that should accompany it.
func (c Context) render(b *strings.Builder) (imageURL string) {
	if c.RunInput != "" && c.RunInput != c.Task {
		fmt.Fprintf(b, "Original request:\n%s\n\n", c.RunInput)
	}
	fmt.Fprintf(b, "Current task:\n%s\n\n", c.Task)

	msgs := Bound(c.Messages)
	if len(msgs) > 0 {
		b.WriteString("Recent activity (oldest first):\n")
		for _, m := range msgs {
			fmt.Fprintf(b, "- [%s] %s\n", m.Segment, m.Message)
			if m.ImageURL != "" {
				imageURL = m.ImageURL
			}
		}
		b.WriteString("\n")
	}

	if len(c.Schema.Columns) > 0 {
		b.WriteString("Result table columns:\n")
		for _, col := range c.Schema.Columns {
			fmt.Fprintf(b, "- %s (%s) %s\n", col.Name, col.Type, col.Description)
		}
		b.WriteString("\n")
	}

	if len(c.Rows) > 0 {
		b.WriteString("Result rows:\n")
		for _, r := range c.Rows {
			fmt.Fprintf(b, "- rowId %s: %s\n", r.ID, compact(r.Data))
		}
		b.WriteString("\n")
	}
	return imageURL
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
