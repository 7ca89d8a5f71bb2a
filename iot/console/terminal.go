package console

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Terminal reads answers line by line and writes prompts and messages
type Terminal struct {
	scanner *bufio.Scanner
	out     io.Writer
}

// NewTerminal returns a terminal reading from in and writing to out
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{scanner: bufio.NewScanner(in), out: out}
}

// Ask writes the prompt and returns the next line without surrounding white space.
// ok is false at the end of the input.
func (t *Terminal) Ask(prompt string) (answer string, ok bool) {
	fmt.Fprint(t.out, prompt)
	if !t.scanner.Scan() {
		fmt.Fprintln(t.out)
		return "", false
	}
	return strings.TrimSpace(t.scanner.Text()), true
}

// Confirm asks a yes/no question. Only answers starting with prefix count as yes.
func (t *Terminal) Confirm(prompt, prefix string) (yes bool, ok bool) {
	answer, ok := t.Ask(prompt)
	return strings.HasPrefix(strings.ToLower(answer), prefix), ok
}

// Println writes a line
func (t *Terminal) Println(a ...interface{}) {
	fmt.Fprintln(t.out, a...)
}

// Printf writes a formatted message
func (t *Terminal) Printf(format string, a ...interface{}) {
	fmt.Fprintf(t.out, format, a...)
}

// Err returns the first non-EOF read error
func (t *Terminal) Err() error {
	return t.scanner.Err()
}
