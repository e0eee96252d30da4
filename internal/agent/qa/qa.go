// Package qa is the reference agent: it answers the node's input with a
// single LLM call.
package qa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/jarvis/internal/agent"
	"github.com/ashita-ai/jarvis/internal/llm"
	"github.com/ashita-ai/jarvis/internal/ratelimit"
)

// Code is the agent code of the QA agent.
const Code = "QA_AGENT"

// ActionAnswer ends the node with the text in its args.
const ActionAnswer = "ANSWER"

const systemPrompt = "Answer the user's question directly and concisely. If the question cannot be answered without more information, say exactly what is missing."

// Agent answers generic questions.
type Agent struct{}

// New returns the QA agent.
func New() *Agent { return &Agent{} }

func (*Agent) Code() string { return Code }

func (*Agent) Details() agent.Details {
	return agent.Details{
		Name:        "Q&A",
		Description: "Answers a self-contained question or writes a short piece of text in one step. Has no web or browser access.",
	}
}

func (*Agent) Actions() []agent.ActionSpec {
	return []agent.ActionSpec{{
		Code:        ActionAnswer,
		Description: "Finish with the given answer.",
		Args:        json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}}
}

type answerArgs struct {
	Text string `json:"text"`
}

// Init answers the node input.
func (a *Agent) Init(ctx context.Context, nc agent.NodeContext) error {
	return a.answer(ctx, nc, "")
}

// Loop runs after the user has answered a follow-up question.
func (a *Agent) Loop(ctx context.Context, nc agent.NodeContext) error {
	var reply string
	if _, err := nc.NodeKeyVal(ctx, agent.KeyUserInput, &reply); err != nil {
		return err
	}
	return a.answer(ctx, nc, reply)
}

// RunAction handles ANSWER.
func (*Agent) RunAction(ctx context.Context, nc agent.NodeContext, call agent.ActionCall) error {
	if call.Code != ActionAnswer {
		return fmt.Errorf("qa: unexpected action %s", call.Code)
	}
	var args answerArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return fmt.Errorf("qa: decode args: %w", err)
	}
	return nc.EndNode(ctx, args.Text)
}

func (*Agent) answer(ctx context.Context, nc agent.NodeContext, userReply string) error {
	node := nc.Node()
	nc.AgentLog(ctx, "Answering: "+node.Input)

	msgs := []llm.Message{{Role: llm.RoleUser, Text: node.Input}}
	if strings.TrimSpace(userReply) != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Text: "Additional information from the user: " + userReply})
	}
	resp, err := nc.CallLLM(ctx, llm.Request{System: systemPrompt, Messages: msgs})
	if errors.Is(err, ratelimit.ErrLimitExceeded) {
		return err
	}
	if err != nil {
		return nc.ErrorAtNode(ctx, fmt.Sprintf("QA agent could not answer: %v", err))
	}
	return nc.EndNode(ctx, strings.TrimSpace(resp.Text))
}
