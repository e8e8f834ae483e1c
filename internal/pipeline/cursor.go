package pipeline

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	thinkOpen  = "<think>\n"
	thinkClose = "\n</think>"
)

// Cursor rewrites reasoning_content into a <think>...</think> wrapper for
// clients that only read the standard content field.
type Cursor struct{}

// Preprocess splits a leading <think>...</think> block out of each
// assistant message's first text part into reasoning_content, leaving the
// remainder as content. Non-assistant and string-content messages pass
// through unchanged.
func (Cursor) Preprocess(_ Context, payload []byte) ([]byte, error) {
	messages := gjson.GetBytes(payload, "messages")
	if !messages.IsArray() {
		return payload, nil
	}

	out := payload
	idx := 0
	messages.ForEach(func(_, msg gjson.Result) bool {
		defer func() { idx++ }()

		if msg.Get("role").String() != "assistant" {
			return true
		}
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}

		var textPart gjson.Result
		found := false
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				textPart = part
				found = true
				return false
			}
			return true
		})
		if !found {
			return true
		}

		thinkText, remainder, ok := splitThink(textPart.Get("text").String())
		if !ok {
			return true
		}

		base := "messages." + strconv.Itoa(idx)
		if updated, err := sjson.SetBytes(out, base+".reasoning_content", thinkText); err == nil {
			out = updated
		}
		if remainder == "" {
			if updated, err := sjson.SetBytes(out, base+".content", []any{}); err == nil {
				out = updated
			}
		} else {
			if updated, err := sjson.SetBytes(out, base+".content", []map[string]any{{"type": "text", "text": remainder}}); err == nil {
				out = updated
			}
		}
		return true
	})

	return out, nil
}

// splitThink extracts the text between a leading "<think>\n" and the first
// following "\n</think>". ok is false when the text doesn't open with the
// marker or the closing marker is never found.
func splitThink(text string) (thinkText, remainder string, ok bool) {
	if !strings.HasPrefix(text, thinkOpen) {
		return "", text, false
	}
	rest := text[len(thinkOpen):]
	idx := strings.Index(rest, thinkClose)
	if idx < 0 {
		return "", text, false
	}
	return rest[:idx], rest[idx+len(thinkClose):], true
}

// PostprocessNonStream wraps a non-empty reasoning_content back into the
// <think> form and removes the field clients wouldn't otherwise read.
func (Cursor) PostprocessNonStream(body []byte) ([]byte, error) {
	reasoning := gjson.GetBytes(body, "choices.0.message.reasoning_content")
	if !reasoning.Exists() || reasoning.String() == "" {
		return body, nil
	}

	original := gjson.GetBytes(body, "choices.0.message.content").String()
	wrapped := "<think>" + reasoning.String() + "</think>" + original

	out, err := sjson.SetBytes(body, "choices.0.message.content", wrapped)
	if err != nil {
		return body, err
	}
	out, err = sjson.DeleteBytes(out, "choices.0.message.reasoning_content")
	if err != nil {
		return out, err
	}
	return out, nil
}

func (Cursor) NewEventTransformer() EventTransformer {
	return &cursorTransformer{}
}

// cursorTransformer is the per-stream state machine from spec §4.3, a
// single boolean recording whether a reasoning block is currently open.
type cursorTransformer struct {
	reasoningFlag bool
}

func (c *cursorTransformer) Transform(event []byte) ([][]byte, error) {
	delta := gjson.GetBytes(event, "choices.0.delta")
	reasoning := delta.Get("reasoning_content")
	hasReasoning := reasoning.Exists()

	switch {
	case hasReasoning && !c.reasoningFlag:
		c.reasoningFlag = true
		marker, err := withDeltaContentAndNullFinish(event, thinkOpen)
		if err != nil {
			return nil, err
		}
		content, err := withDeltaContent(event, reasoning.String())
		if err != nil {
			return nil, err
		}
		return [][]byte{marker, content}, nil

	case hasReasoning && c.reasoningFlag:
		content, err := withDeltaContent(event, reasoning.String())
		if err != nil {
			return nil, err
		}
		return [][]byte{content}, nil

	case !hasReasoning && c.reasoningFlag:
		c.reasoningFlag = false
		marker, err := withDeltaContentAndNullFinish(event, thinkClose)
		if err != nil {
			return nil, err
		}
		return [][]byte{marker, event}, nil

	default:
		return [][]byte{event}, nil
	}
}

func withDeltaContent(event []byte, content string) ([]byte, error) {
	return sjson.SetBytes(event, "choices.0.delta", map[string]any{"content": content})
}

func withDeltaContentAndNullFinish(event []byte, content string) ([]byte, error) {
	out, err := withDeltaContent(event, content)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "choices.0.finish_reason", nil)
}
