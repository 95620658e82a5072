package analysis

import (
	"strings"
	"time"
)

// TimestampLayout is how record timestamps are rendered in the prompt text.
const TimestampLayout = "2006-01-02 15:04:05"

// JoinRecords renders records one per line as "[timestamp] text".
// Line breaks inside a record's text are flattened so every record is exactly one line.
func JoinRecords(recs []Record) string {
	var b strings.Builder
	for i, r := range recs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteByte('[')
		b.WriteString(formatTimestamp(r.Timestamp))
		b.WriteString("] ")
		b.WriteString(flattenLines(r.Text))
	}
	return b.String()
}

// SplitText splits text into chunks of at most maxChars runes, cutting only at line
// boundaries unless a single line is longer than maxChars. Chunks are whitespace-trimmed
// and never empty; blank input yields no chunks. maxChars <= 0 disables splitting.
func SplitText(text string, maxChars int) []string {
	runes := []rune(text)
	if maxChars <= 0 {
		if s := strings.TrimSpace(text); s != "" {
			return []string{s}
		}
		return nil
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + maxChars
		if end >= len(runes) {
			end = len(runes)
		} else if nl := lastNewline(runes, start, end); nl != -1 {
			end = nl + 1
		}
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			chunks = append(chunks, s)
		}
		start = end
	}
	return chunks
}

// lastNewline returns the index of the last '\n' in runes[start:end], or -1.
func lastNewline(runes []rune, start, end int) int {
	for i := end - 1; i >= start; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}

func flattenLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(TimestampLayout)
}
