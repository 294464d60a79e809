package upstream_test

import (
	"testing"

	"appchat-backend/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpretFirstDeltaFlag(t *testing.T) {
	var it upstream.Interpreter
	meta := upstream.Metadata{}

	ev := it.Interpret(`{"event":"message","answer":"a"}`, meta)
	require.NotNil(t, ev)
	assert.Equal(t, upstream.EventDelta, ev.Kind)
	assert.True(t, ev.First)

	ev = it.Interpret(`{"event":"agent_message","answer":"b"}`, meta)
	require.NotNil(t, ev)
	assert.Equal(t, "b", ev.Text)
	assert.False(t, ev.First, "only the first delta of the stream is marked")

	assert.True(t, it.SawDelta())
}

func TestInterpretTextChunk(t *testing.T) {
	var it upstream.Interpreter
	meta := upstream.Metadata{}

	ev := it.Interpret(`{"event":"text_chunk","data":{"text":"nested"}}`, meta)
	require.NotNil(t, ev)
	assert.Equal(t, upstream.EventDelta, ev.Kind)
	assert.Equal(t, "nested", ev.Text)

	ev = it.Interpret(`{"event":"text_chunk","text":"flat"}`, meta)
	require.NotNil(t, ev)
	assert.Equal(t, "flat", ev.Text)
}

func TestInterpretAgentThought(t *testing.T) {
	var it upstream.Interpreter
	meta := upstream.Metadata{}

	ev := it.Interpret(`{"event":"agent_thought","thought":"planning"}`, meta)
	require.NotNil(t, ev)
	assert.Equal(t, upstream.EventThought, ev.Kind)
	assert.Equal(t, "planning", ev.Text)

	// Empty thoughts carry nothing worth surfacing.
	assert.Nil(t, it.Interpret(`{"event":"agent_thought","thought":""}`, meta))
	assert.False(t, it.SawDelta(), "thoughts are not answer text")
}

func TestInterpretMessageEnd(t *testing.T) {
	var it upstream.Interpreter
	meta := upstream.Metadata{}

	ev := it.Interpret(`{
		"event":"message_end",
		"conversation_id":"conv-1",
		"message_id":"msg-1",
		"metadata":{"usage":{"total_tokens":42}}
	}`, meta)

	assert.Nil(t, ev, "message_end is side effects only")
	assert.Equal(t, "conv-1", meta["conversation_id"])
	assert.Equal(t, "msg-1", meta["message_id"])
	usage, ok := meta["usage"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, usage["total_tokens"])
}

func TestInterpretWorkflowLifecycle(t *testing.T) {
	var it upstream.Interpreter
	meta := upstream.Metadata{}

	ev := it.Interpret(`{"event":"workflow_started","workflow_run_id":"run-1","task_id":"task-1","data":{"id":"run-1"}}`, meta)
	require.NotNil(t, ev)
	assert.Equal(t, upstream.EventWorkflowStarted, ev.Kind)
	assert.Equal(t, "run-1", meta["workflow_run_id"])
	assert.Equal(t, "task-1", meta["task_id"])

	ev = it.Interpret(`{"event":"node_started","data":{"title":"LLM"}}`, meta)
	require.NotNil(t, ev)
	assert.Equal(t, upstream.EventNodeStarted, ev.Kind)
	assert.Equal(t, "LLM", ev.Detail["title"])

	ev = it.Interpret(`{
		"event":"workflow_finished",
		"data":{"status":"succeeded","elapsed_time":1.5,"total_steps":3,"outputs":{"usage":{"total_tokens":7}}}
	}`, meta)
	require.NotNil(t, ev)
	assert.Equal(t, upstream.EventWorkflowFinished, ev.Kind)
	assert.Equal(t, "succeeded", meta["status"])
	assert.EqualValues(t, 3, meta["total_steps"])
	usage, _ := meta["usage"].(map[string]any)
	assert.EqualValues(t, 7, usage["total_tokens"])
}

func TestInterpretNodeFinishedOverride(t *testing.T) {
	var it upstream.Interpreter
	meta := upstream.Metadata{}

	_, ok := it.FinalOverride()
	assert.False(t, ok)

	ev := it.Interpret(`{
		"event":"node_finished",
		"data":{
			"outputs":{"text":"final answer"},
			"metadata":{"usage":{"prompt_tokens":10}}
		}
	}`, meta)
	require.NotNil(t, ev)
	assert.Equal(t, upstream.EventNodeFinished, ev.Kind)

	text, ok := it.FinalOverride()
	require.True(t, ok)
	assert.Equal(t, "final answer", text)

	usage, _ := meta["usage"].(map[string]any)
	assert.EqualValues(t, 10, usage["prompt_tokens"])
}

func TestInterpretNodeFinishedSoleOutputFallback(t *testing.T) {
	var it upstream.Interpreter

	// No well-known field, but a single string output is unambiguous.
	ev := it.Interpret(`{"event":"node_finished","data":{"outputs":{"summary":"only value"}}}`, upstream.Metadata{})
	require.NotNil(t, ev)

	text, ok := it.FinalOverride()
	require.True(t, ok)
	assert.Equal(t, "only value", text)
}

func TestInterpretUsageMergeLastWins(t *testing.T) {
	var it upstream.Interpreter
	meta := upstream.Metadata{}

	it.Interpret(`{"event":"node_finished","data":{"outputs":{"usage":{"total_tokens":5,"prompt_tokens":2}}}}`, meta)
	it.Interpret(`{"event":"workflow_finished","data":{"usage":{"total_tokens":9}}}`, meta)

	usage, _ := meta["usage"].(map[string]any)
	require.NotNil(t, usage)
	assert.EqualValues(t, 9, usage["total_tokens"])
	assert.EqualValues(t, 2, usage["prompt_tokens"], "earlier keys survive a partial overwrite")
}

func TestInterpretErrorEvent(t *testing.T) {
	var it upstream.Interpreter

	ev := it.Interpret(`{"event":"error","status":400,"code":"invalid_param","message":"bad input"}`, upstream.Metadata{})
	require.NotNil(t, ev)
	assert.Equal(t, upstream.EventError, ev.Kind)
	require.NotNil(t, ev.Err)
	assert.Equal(t, 400, ev.Err.Status)
	assert.Equal(t, "invalid_param", ev.Err.Code)
	assert.Contains(t, ev.Err.Error(), "bad input")
}

func TestInterpretUnknownAndUndecodableFrames(t *testing.T) {
	var it upstream.Interpreter
	meta := upstream.Metadata{}

	assert.Nil(t, it.Interpret(`{"event":"tts_message","audio":"..."}`, meta))
	assert.Nil(t, it.Interpret(`{"event":"ping"}`, meta))
	assert.Nil(t, it.Interpret(`not json`, meta))
}
