package channel

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Normalize terminates a non-empty body with a newline so every line of it
// is counted.
func Normalize(body string) string {
	if body != "" && !strings.HasSuffix(body, "\n") {
		return body + "\n"
	}
	return body
}

// CountLines returns the number of newline-terminated lines in a normalized
// body.
func CountLines(body string) int {
	return strings.Count(Normalize(body), "\n")
}

// Frame prefixes body with its line count on a line of its own.
func Frame(body string) string {
	body = Normalize(body)
	return strconv.Itoa(strings.Count(body, "\n")) + "\n" + body
}

// WriteFrame writes one framed response and flushes it.
func WriteFrame(w *bufio.Writer, body string) error {
	if _, err := w.WriteString(Frame(body)); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing response: %w", err)
	}
	return nil
}

// ReadFrame reads one framed response: a line count followed by exactly that
// many lines. The returned body keeps each line's newline.
func ReadFrame(r *bufio.Reader) (string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading frame header: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(header, "\n"))
	if err != nil || n < 0 {
		return "", fmt.Errorf("invalid frame header %q", header)
	}

	var sb strings.Builder
	for i := 0; i < n; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return "", fmt.Errorf("reading frame line %d of %d: %w", i+1, n, err)
		}
		sb.WriteString(line)
	}
	return sb.String(), nil
}
