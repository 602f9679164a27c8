package engine

import (
	"strings"

	"github.com/niffler-ai/niffler/internal/apiworker"
	"github.com/niffler-ai/niffler/pkg/models"
)

// accumulator folds one APIRequest's stream of Response events into the
// pieces SubmitUserTurn needs to persist: the assistant's visible text, any
// requested tool calls, reported usage, and a terminal error if the stream
// ended abnormally.
type accumulator struct {
	text         strings.Builder
	calls        []models.ToolCall
	usage        apiworker.Usage
	thinkingOpen bool

	errKind    apiworker.ErrorKind
	errMessage string
}

func newAccumulator() *accumulator {
	return &accumulator{}
}

// handleAPIResponse is the emit callback passed to apiworker.Worker.Run. It
// is invoked synchronously on the calling goroutine for every streamed
// event until the stream reaches a terminal state.
func (e *Engine) handleAPIResponse(resp apiworker.Response, acc *accumulator) {
	switch resp.Kind {
	case apiworker.KindStreamStart:
		// no-op: nothing to accumulate yet
	case apiworker.KindThinkingChunk:
		if !acc.thinkingOpen {
			acc.thinkingOpen = true
			e.onEvent(&models.RuntimeEvent{Type: models.EventThinkingStart})
		}
		if resp.ThinkingDone {
			acc.thinkingOpen = false
			e.onEvent(&models.RuntimeEvent{Type: models.EventThinkingEnd})
		}
	case apiworker.KindStreamChunk:
		acc.text.WriteString(resp.Text)
		e.onEvent(&models.RuntimeEvent{Type: models.EventTextDelta, Message: resp.Text})
	case apiworker.KindToolCallsReady:
		acc.calls = append(acc.calls, resp.Calls...)
	case apiworker.KindStreamComplete:
		acc.usage = resp.Usage
	case apiworker.KindError:
		acc.errKind = resp.ErrKind
		acc.errMessage = resp.Message
	}
}
