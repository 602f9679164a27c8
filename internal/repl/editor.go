package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrInterrupted is returned by ReadLine when the user pressed Ctrl+C.
var ErrInterrupted = errors.New("repl: interrupted")

// LineEditor reads one line of input at a time from a terminal, echoing
// keystrokes as they arrive. When stdin is not a terminal (piped input,
// tests) it falls back to plain line buffering with no Shift+Tab support.
type LineEditor struct {
	in       *os.File
	out      io.Writer
	reader   *bufio.Reader
	raw      bool
	oldState *term.State
}

// NewLineEditor wraps in/out for interactive reading. It puts in into raw
// mode when it's an attached terminal; callers must call Close to restore
// the terminal before the process exits.
func NewLineEditor(in *os.File, out io.Writer) *LineEditor {
	le := &LineEditor{in: in, out: out, reader: bufio.NewReaderSize(in, 256)}
	if term.IsTerminal(int(in.Fd())) {
		if state, err := term.MakeRaw(int(in.Fd())); err == nil {
			le.raw = true
			le.oldState = state
		}
	}
	return le
}

// Close restores the terminal's prior mode, if raw mode was entered.
func (le *LineEditor) Close() error {
	if !le.raw {
		return nil
	}
	return term.Restore(int(le.in.Fd()), le.oldState)
}

// ReadLine blocks for one line of input, printing prompt first. onToggle,
// if non-nil, fires each time the user presses Shift+Tab mid-line; the line
// buffer is left untouched when that happens. Returns io.EOF when the
// terminal signals end of input and ErrInterrupted on Ctrl+C.
func (le *LineEditor) ReadLine(prompt string, onToggle func()) (string, error) {
	if !le.raw {
		return le.readLineCooked(prompt)
	}

	fmt.Fprint(le.out, prompt)
	var line []rune
	var pending []byte

	for {
		b, err := le.reader.ReadByte()
		if err != nil {
			return "", io.EOF
		}
		pending = append(pending, b)

		ev, n := decodeKey(pending)
		if n == 0 {
			continue
		}
		pending = pending[n:]
		if ev.Key == KeyNone {
			continue
		}

		switch ev.Key {
		case KeyEnter:
			fmt.Fprint(le.out, "\r\n")
			return string(line), nil
		case KeyInterrupt:
			fmt.Fprint(le.out, "\r\n")
			return "", ErrInterrupted
		case KeyEOF:
			if len(line) == 0 {
				return "", io.EOF
			}
		case KeyBackspace:
			if len(line) > 0 {
				line = line[:len(line)-1]
				fmt.Fprint(le.out, "\b \b")
			}
		case KeyShiftTab:
			if onToggle != nil {
				onToggle()
			}
		case KeyRune:
			line = append(line, ev.Rune)
			fmt.Fprintf(le.out, "%c", ev.Rune)
		}
	}
}

func (le *LineEditor) readLineCooked(prompt string) (string, error) {
	fmt.Fprint(le.out, prompt)
	text, err := le.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			text = strings.TrimRight(text, "\r\n")
			if text == "" {
				return "", io.EOF
			}
			return text, nil
		}
		return "", err
	}
	return strings.TrimRight(text, "\r\n"), nil
}
