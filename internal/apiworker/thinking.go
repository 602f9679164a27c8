package apiworker

import (
	"strings"

	"github.com/niffler-ai/niffler/internal/config"
	"github.com/niffler-ai/niffler/pkg/models"
)

var openTags = []string{"<thinking>", "<redacted_thinking>"}

// thinkingParser incrementally separates reasoning content from
// user-visible assistant text across one or more of the three wire
// conventions named in spec §4.2, auto-detecting the format on first match
// and enforcing a per-request reasoning-token budget.
type thinkingParser struct {
	format     models.ThinkingFormat
	detected   bool
	pending    string // unconsumed tail, held back in case a tag spans chunks
	inThinking bool
	redacted   bool
	budget     int
	usedTokens int
	overBudget bool
}

func newThinkingParser(level config.ReasoningLevel) *thinkingParser {
	return &thinkingParser{budget: level.ReasoningBudget()}
}

// thinkingOutput is one increment of user text and/or reasoning text
// produced by feeding a single content delta through the parser.
type thinkingOutput struct {
	text         string
	thinking     string
	thinkingDone bool
	dropped      bool
}

// feedContent processes one `delta.content` fragment. It always scans for
// Anthropic-style XML thinking tags: when none are present (the common case,
// and the whole stream for the None/OpenAI-field conventions) this degrades
// to a plain pass-through, so detection never depends on how the provider
// happened to chunk the response across SSE frames.
func (p *thinkingParser) feedContent(content string) thinkingOutput {
	if content == "" {
		return thinkingOutput{}
	}
	return p.scanAnthropic(content)
}

// feedReasoningField processes a `delta.reasoning_content` or
// `delta.encrypted_reasoning` fragment (the OpenAI JSON-field convention).
func (p *thinkingParser) feedReasoningField(content string, encrypted bool) thinkingOutput {
	if !p.detected {
		p.format = models.ThinkingFormatOpenAI
		if encrypted {
			p.format = models.ThinkingFormatEncrypted
		}
		p.detected = true
	}
	if content == "" {
		return thinkingOutput{}
	}
	return p.accountThinking(content)
}

func (p *thinkingParser) accountThinking(content string) thinkingOutput {
	if p.overBudget {
		return thinkingOutput{dropped: true}
	}
	tokens := estimateTokens(content)
	if p.budget > 0 && p.usedTokens+tokens > p.budget {
		p.overBudget = true
		return thinkingOutput{dropped: true}
	}
	p.usedTokens += tokens
	return thinkingOutput{thinking: content}
}

func (p *thinkingParser) scanAnthropic(chunk string) thinkingOutput {
	buf := p.pending + chunk
	p.pending = ""
	var text, thinking strings.Builder
	var closed bool

	for {
		if !p.inThinking {
			idx, tag := earliestOpenTag(buf)
			if idx == -1 {
				keep := maxSuffixPrefixOverlap(buf, openTags)
				text.WriteString(buf[:len(buf)-keep])
				p.pending = buf[len(buf)-keep:]
				break
			}
			text.WriteString(buf[:idx])
			p.inThinking = true
			p.redacted = tag == "<redacted_thinking>"
			p.format = models.ThinkingFormatAnthropic
			p.detected = true
			buf = buf[idx+len(tag):]
			continue
		}

		closeTag := "</thinking>"
		if p.redacted {
			closeTag = "</redacted_thinking>"
		}
		idx := strings.Index(buf, closeTag)
		if idx == -1 {
			keep := maxSuffixPrefixOverlap(buf, []string{closeTag})
			out := p.accountThinking(buf[:len(buf)-keep])
			thinking.WriteString(out.thinking)
			p.pending = buf[len(buf)-keep:]
			break
		}
		out := p.accountThinking(buf[:idx])
		thinking.WriteString(out.thinking)
		closed = true
		p.inThinking = false
		buf = buf[idx+len(closeTag):]
		continue
	}

	return thinkingOutput{text: text.String(), thinking: thinking.String(), thinkingDone: closed}
}

func earliestOpenTag(s string) (int, string) {
	best := -1
	bestTag := ""
	for _, tag := range openTags {
		if idx := strings.Index(s, tag); idx != -1 && (best == -1 || idx < best) {
			best = idx
			bestTag = tag
		}
	}
	return best, bestTag
}

// maxSuffixPrefixOverlap returns the length of the longest suffix of s that
// equals a strict prefix of one of candidates, so a tag split across two
// chunks isn't misread as literal text.
func maxSuffixPrefixOverlap(s string, candidates []string) int {
	maxLen := 0
	for _, c := range candidates {
		if len(c) > maxLen {
			maxLen = len(c)
		}
	}
	if maxLen > len(s) {
		maxLen = len(s)
	}
	for k := maxLen; k > 0; k-- {
		suffix := s[len(s)-k:]
		for _, c := range candidates {
			if k < len(c) && strings.HasPrefix(c, suffix) {
				return k
			}
		}
	}
	return 0
}

// estimateTokens is a rough heuristic (~4 chars/token) used only for
// enforcing the reasoning budget; it is not the billed token count.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// EstimateTokens exposes the same ~4-chars/token heuristic to callers
// outside this package, so every character-based token estimate in Niffler
// (reasoning-budget enforcement here, the Conversation Engine's
// correction-factor seeding) agrees on one approximation instead of each
// maintaining its own.
func EstimateTokens(s string) int64 {
	return int64(estimateTokens(s))
}
