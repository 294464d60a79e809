package upstream

import "encoding/json"

// Metadata accumulates cross-event stream state (token usage, conversation
// and message identifiers, elapsed time). Merges are shallow, last-wins.
type Metadata map[string]any

type EventKind string

const (
	EventDelta            EventKind = "delta"
	EventThought          EventKind = "thought"
	EventWorkflowStarted  EventKind = "workflow_started"
	EventNodeStarted      EventKind = "node_started"
	EventNodeFinished     EventKind = "node_finished"
	EventWorkflowFinished EventKind = "workflow_finished"
	EventError            EventKind = "error"
)

// Event is one interpreted upstream event.
type Event struct {
	Kind EventKind
	Text string
	// First is set on the very first delta emitted for the whole stream,
	// never per-frame.
	First  bool
	Detail map[string]any
	Err    *UpstreamError
}

// outputPriority lists the well-known workflow output fields checked, in
// order, when guessing a final text value from node outputs.
var outputPriority = []string{"text", "answer", "output", "result", "content"}

type rawFrame struct {
	Event          string         `json:"event"`
	Answer         string         `json:"answer"`
	Text           string         `json:"text"`
	Thought        string         `json:"thought"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	TaskID         string         `json:"task_id"`
	WorkflowRunID  string         `json:"workflow_run_id"`
	Status         int            `json:"status"`
	Code           string         `json:"code"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata"`
	Data           map[string]any `json:"data"`
}

// Interpreter maps decoded frames onto typed events and folds per-stream
// metadata into the running Metadata map. One instance serves one stream.
type Interpreter struct {
	sawDelta    bool
	override    string
	hasOverride bool
}

// Interpret decodes one frame and returns zero or one event. Frames that do
// not decode, and event kinds this client does not recognize, yield nil.
func (it *Interpreter) Interpret(frame string, meta Metadata) *Event {
	var f rawFrame
	if err := json.Unmarshal([]byte(frame), &f); err != nil {
		return nil
	}

	switch f.Event {
	case "message", "agent_message":
		return it.delta(f.Answer)

	case "text_chunk":
		// Workflow apps carry the chunk under data.text; some emit it at the
		// top level.
		text := f.Text
		if text == "" {
			text, _ = f.Data["text"].(string)
		}
		return it.delta(text)

	case "agent_thought":
		if f.Thought == "" {
			return nil
		}
		return &Event{Kind: EventThought, Text: f.Thought}

	case "workflow_started":
		if f.WorkflowRunID != "" {
			meta["workflow_run_id"] = f.WorkflowRunID
		}
		if f.TaskID != "" {
			meta["task_id"] = f.TaskID
		}
		return &Event{Kind: EventWorkflowStarted, Detail: f.Data}

	case "node_started":
		return &Event{Kind: EventNodeStarted, Detail: f.Data}

	case "node_finished":
		if inner, ok := f.Data["metadata"].(map[string]any); ok {
			mergeUsage(meta, inner["usage"])
		}
		outputs, _ := f.Data["outputs"].(map[string]any)
		if outputs != nil {
			mergeUsage(meta, outputs["usage"])
			if text, ok := guessOutputText(outputs); ok {
				it.override = text
				it.hasOverride = true
			}
		}
		return &Event{Kind: EventNodeFinished, Detail: f.Data}

	case "workflow_finished":
		for _, key := range []string{"status", "error", "elapsed_time", "total_steps"} {
			if v, ok := f.Data[key]; ok && v != nil {
				meta[key] = v
			}
		}
		mergeUsage(meta, f.Data["usage"])
		if outputs, ok := f.Data["outputs"].(map[string]any); ok {
			mergeUsage(meta, outputs["usage"])
		}
		return &Event{Kind: EventWorkflowFinished, Detail: f.Data}

	case "message_end":
		// Authoritative end-of-message signal for chat mode; side effects
		// only, stream termination is the transport's business.
		if f.ConversationID != "" {
			meta["conversation_id"] = f.ConversationID
		}
		if f.MessageID != "" {
			meta["message_id"] = f.MessageID
		}
		mergeUsage(meta, f.Metadata["usage"])
		return nil

	case "error":
		detail := make(map[string]any)
		_ = json.Unmarshal([]byte(frame), &detail)
		return &Event{Kind: EventError, Err: &UpstreamError{
			Status:  f.Status,
			Code:    f.Code,
			Message: f.Message,
			Detail:  detail,
		}}

	default:
		return nil
	}
}

// FinalOverride returns the best-guess final text extracted from workflow
// node outputs, for use at stream completion when no deltas arrived.
func (it *Interpreter) FinalOverride() (string, bool) {
	return it.override, it.hasOverride
}

// SawDelta reports whether any text delta has been emitted for this stream.
func (it *Interpreter) SawDelta() bool {
	return it.sawDelta
}

func (it *Interpreter) delta(text string) *Event {
	ev := &Event{Kind: EventDelta, Text: text, First: !it.sawDelta}
	it.sawDelta = true
	return ev
}

func guessOutputText(outputs map[string]any) (string, bool) {
	for _, key := range outputPriority {
		if text, ok := outputs[key].(string); ok && text != "" {
			return text, true
		}
	}
	if len(outputs) == 1 {
		for _, v := range outputs {
			if text, ok := v.(string); ok && text != "" {
				return text, true
			}
		}
	}
	return "", false
}

func mergeUsage(meta Metadata, usage any) {
	m, ok := usage.(map[string]any)
	if !ok || len(m) == 0 {
		return
	}
	cur, _ := meta["usage"].(map[string]any)
	if cur == nil {
		cur = make(map[string]any, len(m))
	}
	for k, v := range m {
		cur[k] = v
	}
	meta["usage"] = cur
}
