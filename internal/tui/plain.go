package tui

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// PlainIO implements IO with line-oriented terminal output. It is used when
// the TUI is disabled or stdout is not a terminal.
type PlainIO struct {
	scanner  *bufio.Scanner
	out      io.Writer
	errOut   io.Writer
	streamed strings.Builder // text of the answer printed so far
}

var _ IO = (*PlainIO)(nil)

// NewPlainIO creates a PlainIO on stdin/stdout/stderr.
func NewPlainIO() *PlainIO {
	return NewPlainIOWith(os.Stdin, os.Stdout, os.Stderr)
}

// NewPlainIOWith creates a PlainIO on the given streams.
func NewPlainIOWith(in io.Reader, out, errOut io.Writer) *PlainIO {
	s := bufio.NewScanner(in)
	s.Buffer(make([]byte, 1024*1024), 1024*1024)
	return &PlainIO{scanner: s, out: out, errOut: errOut}
}

func (p *PlainIO) ReadInput() (string, error) {
	fmt.Fprint(p.out, "\n> ")
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(p.scanner.Text()), nil
}

func (p *PlainIO) UserMessage(_ string) {
	// The user already sees what they typed.
}

func (p *PlainIO) ThinkingStart() {
	fmt.Fprintln(p.out)
}

func (p *PlainIO) TextDelta(delta string) {
	p.streamed.WriteString(delta)
	fmt.Fprint(p.out, delta)
}

// TextDone prints fullText only when it differs from what was streamed,
// which happens when a failed answer is replaced by the error marker.
func (p *PlainIO) TextDone(fullText string) {
	if streamed := p.streamed.String(); streamed != fullText {
		if streamed != "" {
			fmt.Fprintln(p.out)
		}
		fmt.Fprint(p.out, fullText)
	}
	p.streamed.Reset()
	fmt.Fprintln(p.out)
}

func (p *PlainIO) SystemMessage(text string) {
	fmt.Fprintln(p.out, text)
}

func (p *PlainIO) Error(msg string) {
	fmt.Fprintf(p.errOut, "error: %s\n", msg)
}

func (p *PlainIO) SetStatus(_, _ string) {}
