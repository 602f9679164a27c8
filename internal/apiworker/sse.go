package apiworker

import (
	"encoding/json"
	"strings"

	"github.com/niffler-ai/niffler/internal/config"
	"github.com/niffler-ai/niffler/pkg/models"
)

// sseParser implements the line-oriented state machine described in
// spec §4.2: Idle -> Headers -> Streaming(assistant|thinking|tool-call
// accumulating) -> Done. It consumes one raw line at a time so callers can
// feed it directly off a bufio.Reader without buffering the whole body.
type sseParser struct {
	thinking *thinkingParser
	calls    map[int]*accumulatingCall
	order    []int
	done     bool
	usage    Usage
}

type accumulatingCall struct {
	id   string
	name string
	args strings.Builder
}

func newSSEParser(reasoning config.ReasoningLevel) *sseParser {
	return &sseParser{
		thinking: newThinkingParser(reasoning),
		calls:    make(map[int]*accumulatingCall),
	}
}

// wireChunk mirrors the subset of an OpenAI-compatible chat-completions SSE
// frame this parser understands.
type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content            string `json:"content"`
			ReasoningContent   string `json:"reasoning_content"`
			EncryptedReasoning string `json:"encrypted_reasoning"`
			ToolCalls          []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		CompletionTokensDetails *struct {
			ReasoningTokens int64 `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
}

// feedLine consumes one raw line (including its trailing newline, if any)
// from the response body and returns zero or more Response events derived
// from it. Lines that aren't "data: " frames, and blank keep-alive lines,
// produce no events.
func (p *sseParser) feedLine(line string) []Response {
	if p.done {
		return nil
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil
	}
	payload = strings.TrimSpace(payload)
	if payload == "[DONE]" {
		p.done = true
		var events []Response
		if len(p.calls) > 0 {
			events = append(events, p.flushToolCalls("tool_calls")...)
		} else {
			events = append(events, Response{Kind: KindStreamComplete, Usage: p.usage})
		}
		return events
	}

	var chunk wireChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return []Response{{Kind: KindError, ErrKind: ErrProtocol, Message: "malformed SSE frame: " + err.Error()}}
	}

	var events []Response
	if chunk.Usage != nil {
		p.usage = Usage{
			InputTokens:     chunk.Usage.PromptTokens,
			OutputTokens:    chunk.Usage.CompletionTokens,
			Reported:        true,
		}
		if chunk.Usage.CompletionTokensDetails != nil {
			p.usage.ReasoningTokens = chunk.Usage.CompletionTokensDetails.ReasoningTokens
		}
	}

	if len(chunk.Choices) == 0 {
		return events
	}
	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Content != "" {
		out := p.thinking.feedContent(delta.Content)
		events = append(events, p.thinkingEvents(out)...)
	}
	if delta.ReasoningContent != "" {
		out := p.thinking.feedReasoningField(delta.ReasoningContent, false)
		events = append(events, p.thinkingEvents(out)...)
	}
	if delta.EncryptedReasoning != "" {
		out := p.thinking.feedReasoningField(delta.EncryptedReasoning, true)
		events = append(events, p.thinkingEvents(out)...)
	}

	for _, tc := range delta.ToolCalls {
		acc, exists := p.calls[tc.Index]
		if !exists {
			acc = &accumulatingCall{}
			p.calls[tc.Index] = acc
			p.order = append(p.order, tc.Index)
		}
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			acc.args.WriteString(tc.Function.Arguments)
		}
	}

	switch choice.FinishReason {
	case "tool_calls":
		events = append(events, p.flushToolCalls(choice.FinishReason)...)
	case "stop", "length", "content_filter":
		events = append(events, Response{
			Kind:         KindStreamComplete,
			FinishReason: choice.FinishReason,
			Usage:        p.usage,
		})
	}

	return events
}

func (p *sseParser) thinkingEvents(out thinkingOutput) []Response {
	var events []Response
	if out.text != "" {
		events = append(events, Response{Kind: KindStreamChunk, Text: out.text})
	}
	if out.thinking != "" || out.thinkingDone {
		events = append(events, Response{
			Kind:         KindThinkingChunk,
			ThinkingFmt:  p.thinking.format,
			Thinking:     out.thinking,
			ThinkingDone: out.thinkingDone,
		})
	}
	return events
}

func (p *sseParser) flushToolCalls(finishReason string) []Response {
	if len(p.calls) == 0 {
		return nil
	}
	calls := make([]models.ToolCall, 0, len(p.order))
	for _, idx := range p.order {
		acc := p.calls[idx]
		calls = append(calls, models.ToolCall{
			ID:    acc.id,
			Name:  acc.name,
			Input: json.RawMessage(acc.args.String()),
		})
	}
	p.calls = make(map[int]*accumulatingCall)
	p.order = nil
	return []Response{{Kind: KindToolCallsReady, Calls: calls, FinishReason: finishReason, Usage: p.usage}}
}
