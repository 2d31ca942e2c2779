package driver

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Truncation limits for command output stored in execution state.
// Callers stream the raw output at trace level before truncating.
const (
	// MaxOutputLines is the line count above which output is truncated.
	MaxOutputLines = 100

	// MaxOutputChars is the rune count above which output is truncated.
	MaxOutputChars = 4000

	// keepLines is how many lines survive at each end.
	keepLines = 50
)

// TruncateOutput enforces the storage limits on command output. Output
// within both limits is returned unchanged. Over the line limit, the
// first and last keepLines lines are retained around a separator naming
// the elided count. The character limit is applied after, keeping the
// head and tail halves.
func TruncateOutput(s string) (string, bool) {
	truncated := false

	lines := strings.Split(s, "\n")
	if len(lines) > MaxOutputLines {
		elided := len(lines) - 2*keepLines
		head := strings.Join(lines[:keepLines], "\n")
		tail := strings.Join(lines[len(lines)-keepLines:], "\n")
		s = head + "\n" + fmt.Sprintf("... [%d lines truncated] ...", elided) + "\n" + tail
		truncated = true
	}

	if utf8.RuneCountInString(s) > MaxOutputChars {
		runes := []rune(s)
		keep := MaxOutputChars / 2
		elided := len(runes) - 2*keep
		s = string(runes[:keep]) +
			fmt.Sprintf("\n... [%d characters truncated] ...\n", elided) +
			string(runes[len(runes)-keep:])
		truncated = true
	}

	return s, truncated
}
