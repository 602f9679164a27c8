// Package repl implements the terminal line editor used by the niffler CLI:
// a raw-mode reader that echoes keystrokes, supports backspace, and reports
// Shift+Tab as a side-channel event (spec §6's Plan/Code mode toggle)
// instead of leaking its escape sequence into the typed line.
package repl

import "unicode/utf8"

// Key identifies one decoded keypress.
type Key int

const (
	KeyNone Key = iota
	KeyRune
	KeyEnter
	KeyBackspace
	KeyInterrupt
	KeyEOF
	KeyShiftTab
)

// Event is one decoded keypress, with Rune populated only for KeyRune.
type Event struct {
	Key  Key
	Rune rune
}

// decodeKey inspects buf, the raw bytes read so far from the terminal, and
// returns the decoded event along with how many leading bytes it consumed.
// A consumed count of 0 means buf is a prefix of a longer escape sequence
// and the caller should read another byte before deciding.
func decodeKey(buf []byte) (Event, int) {
	if len(buf) == 0 {
		return Event{}, 0
	}

	switch buf[0] {
	case '\r', '\n':
		return Event{Key: KeyEnter}, 1
	case 0x7f, 0x08:
		return Event{Key: KeyBackspace}, 1
	case 0x03:
		return Event{Key: KeyInterrupt}, 1
	case 0x04:
		return Event{Key: KeyEOF}, 1
	case 0x1b:
		return decodeEscape(buf)
	}

	r, size := utf8.DecodeRune(buf)
	if r == utf8.RuneError && size == 1 && len(buf) < utf8.UTFMax {
		// Might be a truncated multi-byte rune; ask for more bytes.
		return Event{}, 0
	}
	return Event{Key: KeyRune, Rune: r}, size
}

// decodeEscape recognizes the CSI Shift+Tab sequence (ESC [ Z) that every
// terminal in the corpus's test matrix emits for Shift+Tab, and otherwise
// swallows unrecognized escape sequences so they don't appear as garbage
// runes in the line buffer.
func decodeEscape(buf []byte) (Event, int) {
	if len(buf) < 3 {
		return Event{}, 0
	}
	if buf[1] == '[' && buf[2] == 'Z' {
		return Event{Key: KeyShiftTab}, 3
	}
	// CSI sequences are ESC '[' followed by parameter/intermediate bytes
	// (0x30-0x3f, 0x20-0x2f) and a final byte (0x40-0x7e). Swallow the
	// whole thing once we find the final byte; otherwise ask for more.
	if buf[1] == '[' {
		for i := 2; i < len(buf); i++ {
			if buf[i] >= 0x40 && buf[i] <= 0x7e {
				return Event{}, i + 1
			}
		}
		return Event{}, 0
	}
	// A bare ESC not followed by '[' at all: treat the ESC itself as
	// consumed and let the next byte decode independently.
	return Event{}, 1
}
