package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	stdout, stderr string
	code           int
	err            error
	block          bool

	gotName  string
	gotArgs  []string
	gotStdin string
}

func (f *fakeExecutor) Exec(ctx context.Context, dir, name string, args []string, stdin string) (string, string, int, error) {
	f.gotName, f.gotArgs, f.gotStdin = name, args, stdin
	if f.block {
		<-ctx.Done()
		return "", "", -1, ctx.Err()
	}
	return f.stdout, f.stderr, f.code, f.err
}

func TestParseCLIOutput(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		text    string
		in, out *int
	}{
		{
			name:   "envelope with usage",
			stdout: `{"type":"result","result":"# PRD","usage":{"input_tokens":1200,"output_tokens":340}}`,
			text:   "# PRD", in: intPtr(1200), out: intPtr(340),
		},
		{
			name:   "flat token fields",
			stdout: `{"result":"done","tokens_in":5,"tokens_out":6}`,
			text:   "done", in: intPtr(5), out: intPtr(6),
		},
		{
			name:   "jsonl takes last result line",
			stdout: "{\"type\":\"system\"}\n{\"type\":\"assistant\"}\n{\"result\":\"final\",\"usage\":{\"input_tokens\":9,\"output_tokens\":1}}",
			text:   "final", in: intPtr(9), out: intPtr(1),
		},
		{
			name:   "embedded object in prose",
			stdout: `warming up... {"result":"body","input_tokens":3,"output_tokens":4} bye`,
			text:   "body", in: intPtr(3), out: intPtr(4),
		},
		{
			name:   "plain text has no usage",
			stdout: "just some markdown\n",
			text:   "just some markdown",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCLIOutput(tt.stdout)
			assert.Equal(t, tt.text, got.Text)
			assert.Equal(t, tt.in, got.TokensIn)
			assert.Equal(t, tt.out, got.TokensOut)
		})
	}
}

func TestCLIInvokeArgs(t *testing.T) {
	fx := &fakeExecutor{stdout: `{"result":"ok"}`}
	c := NewCLI("claude", "--dangerously-skip-permissions --verbose", "/tmp/proj", 0)
	c.SetExecutor(fx)

	res, err := c.Invoke(context.Background(), Request{Stage: "analyst", SystemPrompt: "be an analyst", Input: "goal text", Model: "sonnet"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, "claude", fx.gotName)
	assert.Equal(t, "goal text", fx.gotStdin)
	assert.Equal(t, []string{
		"-p", "--output-format", "json",
		"--system-prompt", "be an analyst",
		"--model", "sonnet",
		"--dangerously-skip-permissions", "--verbose",
	}, fx.gotArgs)
}

func TestCLIInvokeTransportFailures(t *testing.T) {
	t.Run("empty stdout", func(t *testing.T) {
		c := NewCLI("claude", "", "", 0)
		c.SetExecutor(&fakeExecutor{stderr: "auth required", code: 1})
		_, err := c.Invoke(context.Background(), Request{Stage: "critic"})
		require.Error(t, err)
		assert.True(t, IsTransport(err))
		assert.Contains(t, err.Error(), "auth required")
	})

	t.Run("exec error", func(t *testing.T) {
		c := NewCLI("missing-binary", "", "", 0)
		c.SetExecutor(&fakeExecutor{err: errors.New("not found"), code: -1})
		_, err := c.Invoke(context.Background(), Request{Stage: "critic"})
		assert.True(t, IsTransport(err))
	})

	t.Run("timeout", func(t *testing.T) {
		c := NewCLI("claude", "", "", 20*time.Millisecond)
		c.SetExecutor(&fakeExecutor{block: true})
		_, err := c.Invoke(context.Background(), Request{Stage: "implementer"})
		require.Error(t, err)
		assert.True(t, IsTransport(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("non-zero exit with output is not transport", func(t *testing.T) {
		c := NewCLI("claude", "", "", 0)
		c.SetExecutor(&fakeExecutor{stdout: "partial answer", code: 2})
		res, err := c.Invoke(context.Background(), Request{Stage: "critic"})
		require.NoError(t, err)
		assert.Equal(t, "partial answer", res.Text)
	})
}

const messageBody = `{
  "id": "msg_01",
  "type": "message",
  "role": "assistant",
  "model": "claude-sonnet-4-5",
  "content": [{"type": "text", "text": "{\"passed\": true, \"score\": 91}"}],
  "stop_reason": "end_turn",
  "stop_sequence": null,
  "usage": {"input_tokens": 2048, "output_tokens": 128}
}`

func TestAPIInvokeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(messageBody))
	}))
	defer srv.Close()

	api := NewAPI(APIOptions{
		APIKey: "test-key", BaseURL: srv.URL, MaxRetries: 3,
		InitialBackoff: time.Millisecond,
	})
	res, err := api.Invoke(context.Background(), Request{Stage: "critic", SystemPrompt: "review", Input: "diff", Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, strings.Contains(res.Text, `"score": 91`))
	require.NotNil(t, res.TokensIn)
	assert.Equal(t, 2048, *res.TokensIn)
	assert.Equal(t, 128, *res.TokensOut)
}

func TestAPIInvokeClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	api := NewAPI(APIOptions{APIKey: "test-key", BaseURL: srv.URL, MaxRetries: 3, InitialBackoff: time.Millisecond})
	_, err := api.Invoke(context.Background(), Request{Stage: "analyst", Input: "x", Model: "m"})
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Equal(t, int32(1), calls.Load())
}
