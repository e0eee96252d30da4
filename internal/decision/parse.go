package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Wire codes.
const (
	codeEnd             = "end"
	codeError           = "error"
	codeAskUser         = "ask_user_for_input"
	codeCommunicateInfo = "communicate_information_to_user"
	codeRunAgent        = "run_agent"

	codeAddOrUpdateRows = "decided_to_add_or_update_rows"
	codeNeedMoreInfo    = "need_more_info_from_data_table"
	codeWorkOnSubtask   = "work_on_subtask_before_deciding"
)

type agentWire struct {
	Decision  string `json:"decision"`
	AgentCode string `json:"agentCode,omitempty"`
	Task      string `json:"task,omitempty"`
	Output    string `json:"output,omitempty"`
	Message   string `json:"message,omitempty"`
	Question  string `json:"question,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

type rowWire struct {
	RowID string          `json:"rowId,omitempty"`
	Data  json.RawMessage `json:"data"`
	Task  string          `json:"task,omitempty"`
}

type tableOpsWire struct {
	Decision  string    `json:"decision"`
	Rows      []rowWire `json:"rows,omitempty"`
	RowIDs    []string  `json:"rowIds,omitempty"`
	Task      string    `json:"task,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`
}

type actionWire struct {
	ActionCode string          `json:"actionCode"`
	Args       json.RawMessage `json:"args,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
}

// extractJSON returns the outermost JSON object in s, tolerating markdown
// code fences and surrounding prose.
func extractJSON(s string) ([]byte, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrInvalidDecision)
	}
	return []byte(s[start : end+1]), nil
}

func decodeStrict(s string, v any) error {
	raw, err := extractJSON(s)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	return nil
}

func required(code, field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidDecision, code, field)
	}
	return nil
}

// ParseAgentDecision parses a model answer into an AgentDecision. agents is
// the set of codes the thread may dispatch; an empty set allows none.
func ParseAgentDecision(s string, agents []string) (AgentDecision, error) {
	var w agentWire
	if err := decodeStrict(s, &w); err != nil {
		return nil, err
	}
	switch w.Decision {
	case codeEnd:
		return End{Output: w.Output, Reasoning: w.Reasoning}, nil
	case codeError:
		if err := required(w.Decision, "message", w.Message); err != nil {
			return nil, err
		}
		return Error{Message: w.Message}, nil
	case codeAskUser:
		if err := required(w.Decision, "question", w.Question); err != nil {
			return nil, err
		}
		return AskUser{Question: w.Question}, nil
	case codeCommunicateInfo:
		if err := required(w.Decision, "message", w.Message); err != nil {
			return nil, err
		}
		return CommunicateInfo{Message: w.Message}, nil
	case codeRunAgent:
		if err := required(w.Decision, "agentCode", w.AgentCode); err != nil {
			return nil, err
		}
		if !slices.Contains(agents, w.AgentCode) {
			return nil, fmt.Errorf("%w: agent %q is not available", ErrUnknownDecision, w.AgentCode)
		}
		return RunAgent{AgentCode: w.AgentCode, Task: w.Task, Reasoning: w.Reasoning}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDecision, w.Decision)
	}
}

// ParseTableOpsDecision parses a model answer into a TableOpsDecision.
// Update ops must name a row in known.
func ParseTableOpsDecision(s string, known []string) (TableOpsDecision, error) {
	var w tableOpsWire
	if err := decodeStrict(s, &w); err != nil {
		return nil, err
	}
	switch w.Decision {
	case codeAddOrUpdateRows:
		ops := make([]RowOp, 0, len(w.Rows))
		for i, r := range w.Rows {
			if len(r.Data) == 0 || !json.Valid(r.Data) || r.Data[0] != '{' {
				return nil, fmt.Errorf("%w: row %d data must be a JSON object", ErrInvalidDecision, i)
			}
			if r.RowID != "" && !slices.Contains(known, r.RowID) {
				return nil, fmt.Errorf("%w: row %d updates unknown row %q", ErrInvalidDecision, i, r.RowID)
			}
			ops = append(ops, RowOp(r))
		}
		return AddOrUpdateRows{Rows: ops}, nil
	case codeNeedMoreInfo:
		return NeedMoreInfo{RowIDs: w.RowIDs}, nil
	case codeWorkOnSubtask:
		if err := required(w.Decision, "task", w.Task); err != nil {
			return nil, err
		}
		return WorkOnSubtask{Task: w.Task}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDecision, w.Decision)
	}
}

// ParseActionDecision parses a model answer into an ActionDecision whose
// code is one of actions.
func ParseActionDecision(s string, actions []string) (ActionDecision, error) {
	var w actionWire
	if err := decodeStrict(s, &w); err != nil {
		return ActionDecision{}, err
	}
	if err := required("action", "actionCode", w.ActionCode); err != nil {
		return ActionDecision{}, err
	}
	if !slices.Contains(actions, w.ActionCode) {
		return ActionDecision{}, fmt.Errorf("%w: action %q", ErrUnknownDecision, w.ActionCode)
	}
	if len(w.Args) > 0 && !json.Valid(w.Args) {
		return ActionDecision{}, fmt.Errorf("%w: args are not valid JSON", ErrInvalidDecision)
	}
	return ActionDecision{ActionCode: w.ActionCode, Args: w.Args, Reasoning: w.Reasoning}, nil
}

// ParseStructuredRow parses a model answer into one JSON object whose keys
// are all columns of the schema. Columns the model left out are absent.
func ParseStructuredRow(s string, columns []string) (json.RawMessage, error) {
	raw, err := extractJSON(s)
	if err != nil {
		return nil, err
	}
	var row map[string]json.RawMessage
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	for k := range row {
		if !slices.Contains(columns, k) {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidDecision, k)
		}
	}
	out, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("decision: marshal row: %w", err)
	}
	return out, nil
}
