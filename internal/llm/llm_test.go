package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jarvis/internal/testutil"
)

type scriptedProvider struct {
	name   string
	errs   []error
	calls  []string
	answer string
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(_ context.Context, model string, _ Request) (Response, error) {
	p.calls = append(p.calls, model)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return Response{}, err
		}
	}
	return Response{Text: p.answer}, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		in      string
		want    ModelRef
		wantErr bool
	}{
		{in: "anthropic:claude-sonnet-4-5", want: ModelRef{Provider: "anthropic", Model: "claude-sonnet-4-5"}},
		{in: " openai:gpt-4o ", want: ModelRef{Provider: "openai", Model: "gpt-4o"}},
		{in: "gpt-4o", wantErr: true},
		{in: ":gpt-4o", wantErr: true},
		{in: "openai:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseModelRef(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewClientSkipsUnconfiguredProviders(t *testing.T) {
	openai := &scriptedProvider{name: "openai"}
	c, err := NewClient([]string{"anthropic:claude-sonnet-4-5", "openai:gpt-4o"}, 2, testutil.TestLogger(), openai)
	require.NoError(t, err)
	assert.Equal(t, []ModelRef{{Provider: "openai", Model: "gpt-4o"}}, c.Models())

	_, err = NewClient([]string{"anthropic:claude-sonnet-4-5"}, 2, testutil.TestLogger(), openai)
	assert.ErrorIs(t, err, ErrNoModels)

	_, err = NewClient([]string{"bogus"}, 2, testutil.TestLogger(), openai)
	assert.Error(t, err)
}

func TestCompleteRetriesThenFallsBack(t *testing.T) {
	primary := &scriptedProvider{name: "anthropic", errs: []error{errors.New("overloaded"), errors.New("overloaded")}}
	secondary := &scriptedProvider{name: "openai", answer: `{"ok":true}`}

	c, err := NewClient([]string{"anthropic:claude-sonnet-4-5", "openai:gpt-4o"}, 2, testutil.TestLogger(), primary, secondary)
	require.NoError(t, err)
	c.sleep = noSleep

	resp, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Text: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, "openai:gpt-4o", resp.Model)
	assert.Equal(t, []string{"claude-sonnet-4-5", "claude-sonnet-4-5"}, primary.calls)
	assert.Equal(t, []string{"gpt-4o"}, secondary.calls)
}

func TestCompleteSucceedsOnRetry(t *testing.T) {
	p := &scriptedProvider{name: "openai", errs: []error{errors.New("timeout"), nil}, answer: "done"}
	c, err := NewClient([]string{"openai:gpt-4o"}, 2, testutil.TestLogger(), p)
	require.NoError(t, err)
	c.sleep = noSleep

	resp, err := c.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Len(t, p.calls, 2)
}

func TestCompleteAllFail(t *testing.T) {
	p := &scriptedProvider{name: "openai", errs: []error{errors.New("a"), errors.New("b")}}
	c, err := NewClient([]string{"openai:gpt-4o"}, 2, testutil.TestLogger(), p)
	require.NoError(t, err)
	c.sleep = noSleep

	_, err = c.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all models failed")
	assert.Contains(t, err.Error(), "openai:gpt-4o attempt 2: b")
}

func TestCompleteHonorsCancellation(t *testing.T) {
	p := &scriptedProvider{name: "openai"}
	c, err := NewClient([]string{"openai:gpt-4o"}, 2, testutil.TestLogger(), p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Complete(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, p.calls)
}

func TestCompleteChargesRetriesAndFallbacks(t *testing.T) {
	primary := &scriptedProvider{name: "anthropic", errs: []error{errors.New("overloaded"), errors.New("overloaded")}}
	secondary := &scriptedProvider{name: "openai", answer: "ok"}
	c, err := NewClient([]string{"anthropic:claude-sonnet-4-5", "openai:gpt-4o"}, 2, testutil.TestLogger(), primary, secondary)
	require.NoError(t, err)
	c.sleep = noSleep

	var charged int
	ctx := WithRetryAdmission(context.Background(), func(context.Context) error {
		charged++
		return nil
	})
	_, err = c.Complete(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, charged, "the first call is charged by the caller, the retry and the fallback here")
}

func TestCompleteStopsWhenRetryIsRejected(t *testing.T) {
	p := &scriptedProvider{name: "openai", errs: []error{errors.New("timeout")}, answer: "late"}
	c, err := NewClient([]string{"openai:gpt-4o"}, 3, testutil.TestLogger(), p)
	require.NoError(t, err)
	c.sleep = noSleep

	rejected := errors.New("over budget")
	ctx := WithRetryAdmission(context.Background(), func(context.Context) error { return rejected })
	_, err = c.Complete(ctx, Request{})
	assert.ErrorIs(t, err, rejected)
	assert.Len(t, p.calls, 1)
}
