package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"
)

func deltaContent(t *testing.T, event []byte) string {
	t.Helper()
	return gjson.GetBytes(event, "choices.0.delta.content").String()
}

func TestCursorEventTransformerScenario(t *testing.T) {
	// Mirrors spec §8 scenario 4.
	tr := Cursor{}.NewEventTransformer()

	event := func(delta map[string]any, finish any) []byte {
		b, _ := json.Marshal(map[string]any{
			"id":    "chatcmpl-x",
			"model": "deepseek-chat",
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		})
		return b
	}

	var emitted []string

	for _, ev := range [][]byte{
		event(map[string]any{"reasoning_content": "A"}, nil),
		event(map[string]any{"reasoning_content": "B"}, nil),
		event(map[string]any{"content": "X"}, nil),
		event(map[string]any{}, "stop"),
	} {
		out, err := tr.Transform(ev)
		if err != nil {
			t.Fatalf("Transform: %v", err)
		}
		for _, e := range out {
			emitted = append(emitted, deltaContent(t, e))
		}
	}

	want := []string{"<think>\n", "A", "B", "\n</think>", "X", ""}
	if len(emitted) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(emitted), emitted, len(want))
	}
	for i, w := range want {
		if emitted[i] != w {
			t.Fatalf("event %d: got %q, want %q", i, emitted[i], w)
		}
	}

	// Concatenated, this must equal <think>\n{reasoning}\n</think>{content}.
	concat := ""
	for _, s := range emitted {
		concat += s
	}
	if concat != "<think>\nAB\n</think>X" {
		t.Fatalf("unexpected concatenation: %q", concat)
	}
}

// TestCursorTreatsEmptyReasoningAsPresent covers the presence-based (not
// non-empty-based) reasoning_content condition: an explicit empty string
// still opens/continues a reasoning block.
func TestCursorTreatsEmptyReasoningAsPresent(t *testing.T) {
	tr := Cursor{}.NewEventTransformer()

	event := func(delta map[string]any, finish any) []byte {
		b, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		})
		return b
	}

	out, err := tr.Transform(event(map[string]any{"reasoning_content": ""}, nil))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected a marker + content event for present-but-empty reasoning_content, got %d", len(out))
	}
	if got := gjson.GetBytes(out[0], "choices.0.delta.content").String(); got != thinkOpen {
		t.Fatalf("expected the think-open marker, got %q", got)
	}
}

func TestCursorMarkerEventsHaveNullFinishReason(t *testing.T) {
	tr := Cursor{}.NewEventTransformer()

	ev, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{"reasoning_content": "A"}, "finish_reason": "stop"}},
	})

	out, err := tr.Transform(ev)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	marker := out[0]
	if fr := gjson.GetBytes(marker, "choices.0.finish_reason"); fr.Exists() && fr.Type != gjson.Null {
		t.Fatalf("expected null finish_reason on marker event, got %v", fr.Raw)
	}
}

func TestCursorPreprocessSplitsThinkBlock(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{
		"messages": []map[string]any{
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": []map[string]any{
				{"type": "text", "text": "<think>\nreasoning here\n</think>the answer"},
			}},
		},
	})

	out, err := Cursor{}.Preprocess(Context{}, payload)
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}

	reasoning := gjson.GetBytes(out, "messages.1.reasoning_content").String()
	if reasoning != "reasoning here" {
		t.Fatalf("expected extracted reasoning, got %q", reasoning)
	}
	content := gjson.GetBytes(out, "messages.1.content.0.text").String()
	if content != "the answer" {
		t.Fatalf("expected remainder content, got %q", content)
	}

	// User message (string content) must pass through untouched.
	if gjson.GetBytes(out, "messages.0.content").String() != "hi" {
		t.Fatalf("user message content should be untouched")
	}
}

func TestCursorPostprocessNonStreamWrapsReasoning(t *testing.T) {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": "the answer", "reasoning_content": "because"}},
		},
	})

	out, err := Cursor{}.PostprocessNonStream(body)
	if err != nil {
		t.Fatalf("PostprocessNonStream: %v", err)
	}

	content := gjson.GetBytes(out, "choices.0.message.content").String()
	if content != "<think>because</think>the answer" {
		t.Fatalf("unexpected content: %q", content)
	}
	if gjson.GetBytes(out, "choices.0.message.reasoning_content").Exists() {
		t.Fatal("expected reasoning_content to be deleted")
	}
}

func TestBasePipelineIsIdentity(t *testing.T) {
	payload := []byte(`{"model":"x","messages":[]}`)
	out, err := Base{}.Preprocess(Context{}, payload)
	if err != nil || string(out) != string(payload) {
		t.Fatalf("expected identity, got %s err=%v", out, err)
	}

	tr := Base{}.NewEventTransformer()
	events, err := tr.Transform([]byte(`{"a":1}`))
	if err != nil || len(events) != 1 || string(events[0]) != `{"a":1}` {
		t.Fatalf("expected passthrough, got %v err=%v", events, err)
	}
}
