package apiworker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/niffler-ai/niffler/internal/config"
)

func runFrames(t *testing.T, reasoning config.ReasoningLevel, frames []string) []Response {
	t.Helper()
	p := newSSEParser(reasoning)
	var all []Response
	for _, f := range frames {
		all = append(all, p.feedLine("data: "+f)...)
	}
	all = append(all, p.feedLine("data: [DONE]")...)
	require.True(t, p.done)
	return all
}

func collectText(events []Response) string {
	var sb strings.Builder
	for _, e := range events {
		if e.Kind == KindStreamChunk {
			sb.WriteString(e.Text)
		}
	}
	return sb.String()
}

func collectThinking(events []Response) string {
	var sb strings.Builder
	for _, e := range events {
		if e.Kind == KindThinkingChunk {
			sb.WriteString(e.Thinking)
		}
	}
	return sb.String()
}

func TestSSEParser_ThinkingTokenCaptureAnthropicSplit(t *testing.T) {
	frames := []string{
		chunkJSON(`<thinking>one `),
		chunkJSON(`two</thinking>answer`),
	}
	events := runFrames(t, config.ReasoningMed, frames)

	require.Equal(t, "one two", collectThinking(events))
	require.Equal(t, "answer", collectText(events))

	var sawDone bool
	for _, e := range events {
		if e.Kind == KindThinkingChunk && e.ThinkingDone {
			sawDone = true
		}
	}
	require.True(t, sawDone, "expected a ThinkingChunk with ThinkingDone=true once </thinking> closes")
}

func TestSSEParser_SplitInvariance(t *testing.T) {
	whole := "hello <thinking>reasoning here</thinking> world"

	oneShot := runFrames(t, config.ReasoningHigh, []string{chunkJSON(whole)})

	var split []string
	for _, r := range whole {
		split = append(split, chunkJSON(string(r)))
	}
	piecewise := runFrames(t, config.ReasoningHigh, split)

	require.Equal(t, collectText(oneShot), collectText(piecewise))
	require.Equal(t, collectThinking(oneShot), collectThinking(piecewise))
}

func TestSSEParser_ToolCallAccumulationByIndex(t *testing.T) {
	frames := []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"pa"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a.go\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	p := newSSEParser(config.ReasoningNone)
	var events []Response
	for _, f := range frames {
		events = append(events, p.feedLine("data: "+f)...)
	}

	var ready *Response
	for i := range events {
		if events[i].Kind == KindToolCallsReady {
			ready = &events[i]
		}
	}
	require.NotNil(t, ready)
	require.Len(t, ready.Calls, 1)
	require.Equal(t, "call_1", ready.Calls[0].ID)
	require.Equal(t, "read", ready.Calls[0].Name)
	require.JSONEq(t, `{"path":"a.go"}`, string(ready.Calls[0].Input))
}

func TestSSEParser_ReasoningBudgetDropsExcess(t *testing.T) {
	p := newSSEParser(config.ReasoningLow)
	longThought := strings.Repeat("x", 20000)
	events := p.feedLine("data: " + chunkJSON("<thinking>"+longThought+"</thinking>done"))

	var total int
	for _, e := range events {
		if e.Kind == KindThinkingChunk {
			total += len(e.Thinking)
		}
	}
	require.Less(t, total, len(longThought), "budget should have dropped part of the thinking content")
	require.Equal(t, "done", collectText(events))
}

func TestSSEParser_PlainTextNoThinkingFormat(t *testing.T) {
	events := runFrames(t, config.ReasoningNone, []string{chunkJSON("just an answer, no tags here")})
	require.Equal(t, "just an answer, no tags here", collectText(events))
	require.Empty(t, collectThinking(events))
}

func chunkJSON(content string) string {
	escaped := strings.ReplaceAll(content, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	return `{"choices":[{"delta":{"content":"` + escaped + `"}}]}`
}
