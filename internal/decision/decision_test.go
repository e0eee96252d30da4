package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jarvis/internal/llm"
	"github.com/ashita-ai/jarvis/internal/model"
	"github.com/ashita-ai/jarvis/internal/testutil"
)

func TestParseAgentDecision(t *testing.T) {
	agents := []string{"QA_AGENT"}
	tests := []struct {
		name    string
		in      string
		want    AgentDecision
		wantErr error
	}{
		{
			name: "run agent",
			in:   `{"decision":"run_agent","agentCode":"QA_AGENT","task":"answer","reasoning":"simple"}`,
			want: RunAgent{AgentCode: "QA_AGENT", Task: "answer", Reasoning: "simple"},
		},
		{
			name: "fenced end",
			in:   "```json\n{\"decision\":\"end\",\"output\":\"42\"}\n```",
			want: End{Output: "42"},
		},
		{name: "error", in: `{"decision":"error","message":"site down"}`, want: Error{Message: "site down"}},
		{name: "ask user", in: `{"decision":"ask_user_for_input","question":"which city?"}`, want: AskUser{Question: "which city?"}},
		{name: "communicate", in: `{"decision":"communicate_information_to_user","message":"halfway"}`, want: CommunicateInfo{Message: "halfway"}},
		{name: "unknown code", in: `{"decision":"dance"}`, wantErr: ErrUnknownDecision},
		{name: "unregistered agent", in: `{"decision":"run_agent","agentCode":"NOPE"}`, wantErr: ErrUnknownDecision},
		{name: "unknown field", in: `{"decision":"end","mood":"happy"}`, wantErr: ErrInvalidDecision},
		{name: "missing question", in: `{"decision":"ask_user_for_input"}`, wantErr: ErrInvalidDecision},
		{name: "not json", in: `I think we should stop`, wantErr: ErrInvalidDecision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAgentDecision(tt.in, agents)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTableOpsDecision(t *testing.T) {
	known := []string{"row-1"}

	got, err := ParseTableOpsDecision(`{"decision":"decided_to_add_or_update_rows","rows":[
		{"data":{"name":"a"},"task":"research a"},
		{"rowId":"row-1","data":{"name":"b"}}]}`, known)
	require.NoError(t, err)
	add, ok := got.(AddOrUpdateRows)
	require.True(t, ok)
	require.Len(t, add.Rows, 2)
	assert.Equal(t, "", add.Rows[0].RowID)
	assert.Equal(t, "research a", add.Rows[0].Task)
	assert.Equal(t, "row-1", add.Rows[1].RowID)

	got, err = ParseTableOpsDecision(`{"decision":"decided_to_add_or_update_rows","rows":[]}`, known)
	require.NoError(t, err)
	assert.Empty(t, got.(AddOrUpdateRows).Rows)

	got, err = ParseTableOpsDecision(`{"decision":"need_more_info_from_data_table","rowIds":["row-1"]}`, known)
	require.NoError(t, err)
	assert.Equal(t, NeedMoreInfo{RowIDs: []string{"row-1"}}, got)

	got, err = ParseTableOpsDecision(`{"decision":"work_on_subtask_before_deciding","task":"find the list"}`, known)
	require.NoError(t, err)
	assert.Equal(t, WorkOnSubtask{Task: "find the list"}, got)

	_, err = ParseTableOpsDecision(`{"decision":"decided_to_add_or_update_rows","rows":[{"rowId":"ghost","data":{}}]}`, known)
	assert.ErrorIs(t, err, ErrInvalidDecision)
	_, err = ParseTableOpsDecision(`{"decision":"decided_to_add_or_update_rows","rows":[{"data":[1,2]}]}`, known)
	assert.ErrorIs(t, err, ErrInvalidDecision)
	_, err = ParseTableOpsDecision(`{"decision":"run_agent"}`, known)
	assert.ErrorIs(t, err, ErrUnknownDecision)
}

func TestParseActionDecision(t *testing.T) {
	got, err := ParseActionDecision(`{"actionCode":"CLICK","args":{"x":1}}`, []string{"CLICK", "TYPE"})
	require.NoError(t, err)
	assert.Equal(t, "CLICK", got.ActionCode)
	assert.JSONEq(t, `{"x":1}`, string(got.Args))

	_, err = ParseActionDecision(`{"actionCode":"SCROLL"}`, []string{"CLICK"})
	assert.ErrorIs(t, err, ErrUnknownDecision)
	_, err = ParseActionDecision(`{"args":{}}`, []string{"CLICK"})
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestParseStructuredRow(t *testing.T) {
	row, err := ParseStructuredRow(`Here you go: {"name":"Acme","employees":12}`, []string{"name", "employees", "city"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Acme","employees":12}`, string(row))

	_, err = ParseStructuredRow(`{"ceo":"x"}`, []string{"name"})
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestBound(t *testing.T) {
	var msgs []model.MessageLog
	for i := range 20 {
		m := model.MessageLog{ID: uuid.New(), Message: fmt.Sprintf("m%d", i)}
		if i%2 == 0 {
			m.ImageURL = fmt.Sprintf("https://img/%d.png", i)
		}
		msgs = append(msgs, m)
	}

	got := Bound(msgs)
	require.Len(t, got, MaxMessages)
	assert.Equal(t, "m5", got[0].Message)
	assert.Equal(t, "m19", got[len(got)-1].Message)

	var images []string
	for _, m := range got {
		if m.ImageURL != "" {
			images = append(images, m.ImageURL)
		}
	}
	assert.Equal(t, []string{"https://img/18.png"}, images)
	assert.Equal(t, "https://img/18.png", msgs[18].ImageURL, "input is not modified")
}

type fakeCompleter struct {
	answer string
	err    error
	last   llm.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.last = req
	return llm.Response{Text: f.answer}, f.err
}

func TestEngineDecideAgent(t *testing.T) {
	fc := &fakeCompleter{answer: `{"decision":"run_agent","agentCode":"QA_AGENT","task":"answer it"}`}
	e := New(fc, testutil.TestLogger())

	c := Context{
		Task:     "What is the capital of France?",
		Messages: []model.MessageLog{{Segment: model.SegmentUser, Message: "hello", ImageURL: "https://img/1.png"}},
	}
	got, err := e.DecideAgent(context.Background(), c, []AgentOption{{Code: "QA_AGENT", Description: "answers questions"}})
	require.NoError(t, err)
	assert.Equal(t, RunAgent{AgentCode: "QA_AGENT", Task: "answer it"}, got)

	require.Len(t, fc.last.Messages, 1)
	assert.True(t, fc.last.JSON)
	assert.Contains(t, fc.last.Messages[0].Text, "QA_AGENT: answers questions")
	assert.Contains(t, fc.last.Messages[0].Text, "capital of France")
	assert.Equal(t, "https://img/1.png", fc.last.Messages[0].ImageURL)
}

func TestEngineWrapsLLMErrors(t *testing.T) {
	e := New(&fakeCompleter{err: errors.New("all models failed")}, testutil.TestLogger())
	_, err := e.DecideTableOps(context.Background(), Context{Task: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision: table ops")
}

func TestEngineStructureOutput(t *testing.T) {
	fc := &fakeCompleter{answer: `{"name":"Acme"}`}
	e := New(fc, testutil.TestLogger())
	schema := model.TableSchema{Columns: []model.Column{{Name: "name", Type: "string"}}}

	row, err := e.StructureOutput(context.Background(), schema, "The company is Acme.")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Acme"}`, string(row))
	assert.Contains(t, fc.last.Messages[0].Text, "The company is Acme.")
}

func TestEngineDecideAction(t *testing.T) {
	fc := &fakeCompleter{answer: `{"actionCode":"ANSWER","args":{"text":"Paris"}}`}
	e := New(fc, testutil.TestLogger())

	got, err := e.DecideAction(context.Background(), Context{Task: "q"}, "answer the question",
		[]ActionOption{{Code: "ANSWER", Description: "reply", Args: json.RawMessage(`{"type":"object"}`)}})
	require.NoError(t, err)
	assert.Equal(t, "ANSWER", got.ActionCode)
	assert.Contains(t, fc.last.Messages[0].Text, `args schema {"type":"object"}`)
}
