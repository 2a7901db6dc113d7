package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"golang.org/x/term"
)

// Spinner shows progress of a long running step. When the output is not a
// terminal, or in verbose mode, it prints plain lines instead.
type Spinner struct {
	sp    *spinner.Spinner
	out   io.Writer
	plain bool
}

// NewSpinner starts a spinner with the given message on stdout.
func NewSpinner(message string) *Spinner {
	plain := IsVerbose() || !term.IsTerminal(int(os.Stdout.Fd()))
	return newSpinner(os.Stdout, plain, message)
}

func newSpinner(out io.Writer, plain bool, message string) *Spinner {
	s := &Spinner{out: out, plain: plain}
	if plain {
		fmt.Fprintf(out, "%s\n", message)
		return s
	}
	// Use dots spinner style (CharSet 14)
	s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	s.sp.Prefix = "  "
	s.sp.Suffix = " " + message
	s.sp.Start()
	return s
}

// Update replaces the message next to the spinner. Plain output ignores it.
func (s *Spinner) Update(message string) {
	if s.sp != nil {
		s.sp.Lock()
		s.sp.Suffix = " " + message
		s.sp.Unlock()
	}
}

// Success stops the spinner and prints a success message
func (s *Spinner) Success(message string) {
	s.finish("✓", message)
}

// Fail stops the spinner and prints an error message
func (s *Spinner) Fail(message string) {
	s.finish("✗", message)
}

// Stop stops the spinner without printing anything
func (s *Spinner) Stop() {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K") // Clear the line
	}
}

func (s *Spinner) finish(mark, message string) {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprintf(s.out, "\r\033[K  %s %s\n", mark, message) // \033[K clears the line
		return
	}
	fmt.Fprintf(s.out, "%s %s\n", mark, message)
}
