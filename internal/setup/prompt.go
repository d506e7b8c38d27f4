// Package setup implements the interactive first-run wizard that signs the
// user in to GreenLeaf and writes the leafsync configuration.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Prompter provides terminal prompts backed by an io.Reader/Writer pair.
// In production these are os.Stdin and os.Stdout; tests inject buffers.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// String prompts for a text value. Enter without input returns defaultVal.
// An empty defaultVal makes the value required and the prompt repeats.
func (p *Prompter) String(label, defaultVal string) string {
	for {
		if defaultVal != "" {
			_, _ = fmt.Fprintf(p.w, "  %s [%s]: ", label, defaultVal)
		} else {
			_, _ = fmt.Fprintf(p.w, "  %s: ", label)
		}

		if !p.scanner.Scan() {
			return defaultVal
		}

		val := strings.TrimSpace(p.scanner.Text())
		if val == "" {
			if defaultVal != "" {
				return defaultVal
			}
			_, _ = fmt.Fprintf(p.w, "  (required, please enter a value)\n")
			continue
		}
		return val
	}
}

// Secret prompts for a sensitive value such as a password. Input is not
// masked. It returns "" when input ends.
func (p *Prompter) Secret(label string) string {
	for {
		_, _ = fmt.Fprintf(p.w, "  %s: ", label)

		if !p.scanner.Scan() {
			return ""
		}

		val := strings.TrimSpace(p.scanner.Text())
		if val == "" {
			_, _ = fmt.Fprintf(p.w, "  (required, please enter a value)\n")
			continue
		}
		return val
	}
}

// Duration prompts for a duration between lo and hi, repeating on bad input.
func (p *Prompter) Duration(label string, defaultVal, lo, hi time.Duration) time.Duration {
	for {
		s := p.String(fmt.Sprintf("%s (%s-%s)", label, lo, hi), defaultVal.String())
		d, err := time.ParseDuration(s)
		if err == nil && d >= lo && d <= hi {
			return d
		}
		_, _ = fmt.Fprintf(p.w, "  (enter a duration such as 15m between %s and %s)\n", lo, hi)
		if s == defaultVal.String() {
			return defaultVal
		}
	}
}

// Confirm asks a yes/no question. defaultYes decides an empty answer.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}

	_, _ = fmt.Fprintf(p.w, "  %s %s: ", label, hint)

	if !p.scanner.Scan() {
		return defaultYes
	}

	answer := strings.TrimSpace(strings.ToLower(p.scanner.Text()))
	if answer == "" {
		return defaultYes
	}
	return answer == "y" || answer == "yes"
}

// MultiSelect presents a numbered list and asks for one or more choices
// separated by commas (e.g. "1,3"). An empty answer selects everything.
// Returns the zero-based indices in the order given.
func (p *Prompter) MultiSelect(label string, options []string) ([]int, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("no options to select from")
	}

	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}

	for {
		_, _ = fmt.Fprintf(p.w, "  Choices (comma-separated, empty for all): ")

		if !p.scanner.Scan() {
			return nil, fmt.Errorf("no input")
		}

		text := strings.TrimSpace(p.scanner.Text())
		if text == "" {
			all := make([]int, len(options))
			for i := range all {
				all[i] = i
			}
			return all, nil
		}

		var indices []int
		seen := make(map[int]bool)
		valid := true
		for _, part := range strings.Split(text, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 1 || n > len(options) {
				_, _ = fmt.Fprintf(p.w, "  (enter numbers between 1 and %d, separated by commas)\n", len(options))
				valid = false
				break
			}
			if !seen[n] {
				seen[n] = true
				indices = append(indices, n-1)
			}
		}

		if valid {
			return indices, nil
		}
	}
}
