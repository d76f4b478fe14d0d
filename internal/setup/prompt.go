// Package setup implements the interactive first-run wizard that writes a
// hazardrelay config file.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// errNoInput is returned when the reader is exhausted before a valid answer.
var errNoInput = errors.New("no input")

// Prompter asks questions on w and reads answers line by line from r. Tests
// inject buffers in place of os.Stdin and os.Stdout.
type Prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{in: bufio.NewScanner(r), out: w}
}

// ask is the loop behind every prompt: print the label, read a line, fall
// back to def on an empty line, and repeat until check accepts the answer.
// At end of input it returns def if def passes check, otherwise errNoInput.
func (p *Prompter) ask(label, def string, check func(string) error) (string, error) {
	for {
		if def != "" {
			_, _ = fmt.Fprintf(p.out, "  %s [%s]: ", label, def)
		} else {
			_, _ = fmt.Fprintf(p.out, "  %s: ", label)
		}

		answer := def
		eof := !p.in.Scan()
		if !eof {
			if line := strings.TrimSpace(p.in.Text()); line != "" {
				answer = line
			}
		}

		err := check(answer)
		if err == nil {
			return answer, nil
		}
		if eof {
			return "", errNoInput
		}
		_, _ = fmt.Fprintf(p.out, "  (%v)\n", err)
	}
}

func required(s string) error {
	if s == "" {
		return errors.New("required, please enter a value")
	}
	return nil
}

// String prompts for a text value. An empty def makes the value required.
// At end of input it returns def.
func (p *Prompter) String(label, def string) string {
	check := func(string) error { return nil }
	if def == "" {
		check = required
	}
	v, err := p.ask(label, def, check)
	if err != nil {
		return def
	}
	return v
}

// Secret prompts for a required sensitive value such as a token. The input is
// echoed; masking would need terminal raw mode.
func (p *Prompter) Secret(label string) string {
	v, _ := p.ask(label, "", required)
	return v
}

// URL prompts for an absolute http or https URL. A trailing slash is removed.
func (p *Prompter) URL(label, def string) (string, error) {
	v, err := p.ask(label, def, func(s string) error {
		u, err := url.ParseRequestURI(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return errors.New("must be an http or https URL")
		}
		return nil
	})
	return strings.TrimRight(v, "/"), err
}

// Duration prompts for a Go duration ("30s", "2m") within [lo, hi].
func (p *Prompter) Duration(label string, def, lo, hi time.Duration) (time.Duration, error) {
	v, err := p.ask(label, def.String(), func(s string) error {
		d, err := time.ParseDuration(s)
		if err != nil || d < lo || d > hi {
			return fmt.Errorf("enter a duration between %s and %s", lo, hi)
		}
		return nil
	})
	if err != nil {
		return def, err
	}
	d, _ := time.ParseDuration(v)
	return d, nil
}

// Confirm asks a yes/no question. An empty answer or end of input yields
// defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	_, _ = fmt.Fprintf(p.out, "  %s [%s]: ", label, hint)
	if !p.in.Scan() {
		return defaultYes
	}
	switch strings.ToLower(strings.TrimSpace(p.in.Text())) {
	case "":
		return defaultYes
	case "y", "yes":
		return true
	default:
		return false
	}
}

// Select lists options and returns the zero-based index of the one picked.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, errors.New("no options to select from")
	}
	_, _ = fmt.Fprintf(p.out, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.out, "    %d) %s\n", i+1, opt)
	}

	v, err := p.ask(fmt.Sprintf("Choice [1-%d]", len(options)), "", func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > len(options) {
			return fmt.Errorf("enter a number between 1 and %d", len(options))
		}
		return nil
	})
	if err != nil {
		return -1, err
	}
	n, _ := strconv.Atoi(v)
	return n - 1, nil
}
