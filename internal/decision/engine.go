package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/jarvis/internal/llm"
	"github.com/ashita-ai/jarvis/internal/model"
)

const agentSystemPrompt = `You route work inside an automation engine. Decide the single next step for the current task.

Reply with one JSON object and nothing else, using exactly one of these shapes:
{"decision":"run_agent","agentCode":"<code>","task":"<instruction for the agent>","reasoning":"<why>"}
{"decision":"end","output":"<final answer for the user>","reasoning":"<why>"}
{"decision":"error","message":"<what went wrong>"}
{"decision":"ask_user_for_input","question":"<question for the user>"}
{"decision":"communicate_information_to_user","message":"<update for the user>"}`

const tableOpsSystemPrompt = `You maintain the result table of an automation engine. Decide how the current task maps onto result rows.

Reply with one JSON object and nothing else, using exactly one of these shapes:
{"decision":"decided_to_add_or_update_rows","rows":[{"rowId":"<existing id, omit to add>","data":{<column values>},"task":"<work for this row>"}],"reasoning":"<why>"}
{"decision":"need_more_info_from_data_table","rowIds":["<row id>"],"reasoning":"<why>"}
{"decision":"work_on_subtask_before_deciding","task":"<subtask to do first>","reasoning":"<why>"}

An empty rows list means the task needs no rows.`

const actionSystemPrompt = `You control an agent inside an automation engine. Pick the agent's next action.

Reply with one JSON object and nothing else:
{"actionCode":"<code>","args":{<arguments>},"reasoning":"<why>"}`

const structureSystemPrompt = `Convert the agent output below into one row of the result table.

Reply with one JSON object whose keys are column names and nothing else. Omit columns the output says nothing about.`

// Engine asks the model for decisions. It does not perform admission
// control; callers check limits before every method that calls the model.
type Engine struct {
	llm    llm.Completer
	logger *slog.Logger
}

// New creates an engine over a completer (usually *llm.Client).
func New(c llm.Completer, logger *slog.Logger) *Engine {
	return &Engine{llm: c, logger: logger}
}

func (e *Engine) ask(ctx context.Context, kind, system, body, imageURL string) (string, error) {
	resp, err := e.llm.Complete(ctx, llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Text: body, ImageURL: imageURL}},
		JSON:     true,
	})
	if err != nil {
		return "", fmt.Errorf("decision: %s: %w", kind, err)
	}
	e.logger.Debug("decision: answered", "kind", kind, "model", resp.Model, "input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
	return resp.Text, nil
}

// DecideAgent picks the next step for a thread that has shortlisted rows.
func (e *Engine) DecideAgent(ctx context.Context, c Context, agents []AgentOption) (AgentDecision, error) {
	var b strings.Builder
	image := c.render(&b)
	codes := make([]string, 0, len(agents))
	b.WriteString("Available agents:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s: %s\n", a.Code, a.Description)
		codes = append(codes, a.Code)
	}

	text, err := e.ask(ctx, "decide agent", agentSystemPrompt, b.String(), image)
	if err != nil {
		return nil, err
	}
	return ParseAgentDecision(text, codes)
}

// DecideTableOps decides how the thread's task maps onto result rows.
func (e *Engine) DecideTableOps(ctx context.Context, c Context) (TableOpsDecision, error) {
	var b strings.Builder
	image := c.render(&b)
	known := make([]string, len(c.Rows))
	for i, r := range c.Rows {
		known[i] = r.ID
	}

	text, err := e.ask(ctx, "table ops", tableOpsSystemPrompt, b.String(), image)
	if err != nil {
		return nil, err
	}
	return ParseTableOpsDecision(text, known)
}

// DecideAction picks one of an agent's actions.
func (e *Engine) DecideAction(ctx context.Context, c Context, prompt string, actions []ActionOption) (ActionDecision, error) {
	var b strings.Builder
	image := c.render(&b)
	if prompt != "" {
		fmt.Fprintf(&b, "Instruction:\n%s\n\n", prompt)
	}
	codes := make([]string, 0, len(actions))
	b.WriteString("Available actions:\n")
	for _, a := range actions {
		fmt.Fprintf(&b, "- %s: %s", a.Code, a.Description)
		if len(a.Args) > 0 {
			fmt.Fprintf(&b, " args schema %s", compact(a.Args))
		}
		b.WriteString("\n")
		codes = append(codes, a.Code)
	}

	text, err := e.ask(ctx, "decide action", actionSystemPrompt, b.String(), image)
	if err != nil {
		return ActionDecision{}, err
	}
	return ParseActionDecision(text, codes)
}

// StructureOutput converts free-text agent output into one row matching
// schema.
func (e *Engine) StructureOutput(ctx context.Context, schema model.TableSchema, output string) (json.RawMessage, error) {
	var b strings.Builder
	b.WriteString("Columns:\n")
	for _, col := range schema.Columns {
		fmt.Fprintf(&b, "- %s (%s) %s\n", col.Name, col.Type, col.Description)
	}
	fmt.Fprintf(&b, "\nAgent output:\n%s\n", output)

	text, err := e.ask(ctx, "structure output", structureSystemPrompt, b.String(), "")
	if err != nil {
		return nil, err
	}
	return ParseStructuredRow(text, schema.ColumnNames())
}
