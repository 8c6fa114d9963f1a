package frontend

import (
	"strings"
	"unicode/utf8"
)

// fenceOverhead is the length of the "```\n" and "\n```" wrapper.
const fenceOverhead = 8

// EscapeFences breaks every run of three or more backticks by inserting a
// space after each second backtick, so the text can sit inside a code block
// without closing it.
func EscapeFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)
	run := 0
	for _, r := range s {
		if r != '`' {
			run = 0
			b.WriteRune(r)
			continue
		}
		if run == 2 {
			b.WriteByte(' ')
			run = 0
		}
		b.WriteRune(r)
		run++
	}
	return b.String()
}

// Chunk splits text into pieces of at most limit runes. Pieces break after a
// newline where possible; a single line longer than limit is split inside the
// line. Concatenating the pieces yields text.
func Chunk(text string, limit int) []string {
	if text == "" {
		return nil
	}
	limit = max(limit, 1)

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		n := utf8.RuneCountInString(line)
		if curLen+n > limit {
			flush()
		}
		for n > limit {
			r := []rune(line)
			chunks = append(chunks, string(r[:limit]))
			line = string(r[limit:])
			n -= limit
		}
		cur.WriteString(line)
		curLen += n
	}
	flush()
	return chunks
}

// CodeBlockChunks escapes text and wraps it into code-block messages of at
// most limit runes each.
func CodeBlockChunks(text string, limit int) []string {
	body := EscapeFences(strings.TrimSpace(text))
	if body == "" {
		return []string{"```\n(no output)\n```"}
	}
	var out []string
	for _, c := range Chunk(body, limit-fenceOverhead) {
		c = strings.TrimRight(c, "\n")
		if c == "" {
			continue
		}
		out = append(out, "```\n"+c+"\n```")
	}
	return out
}

// StatusBlock renders progress lines as one code block of at most limit
// runes. When the lines do not fit, the oldest are dropped and the block
// starts with "...".
func StatusBlock(lines []string, limit int) string {
	safe := make([]string, len(lines))
	for i, l := range lines {
		safe[i] = EscapeFences(l)
	}
	body := strings.Join(safe, "\n")
	maxBody := limit - fenceOverhead
	if utf8.RuneCountInString(body) > maxBody {
		const marker = "...\n"
		budget := maxBody - len(marker)
		var kept []string
		size := 0
		for i := len(safe) - 1; i >= 0; i-- {
			extra := utf8.RuneCountInString(safe[i]) + 1
			if size+extra > budget {
				break
			}
			kept = append(kept, safe[i])
			size += extra
		}
		if len(kept) == 0 {
			r := []rune(body)
			body = marker + string(r[len(r)-max(budget, 0):])
		} else {
			for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
				kept[i], kept[j] = kept[j], kept[i]
			}
			body = marker + strings.Join(kept, "\n")
		}
	}
	return "```\n" + body + "\n```"
}

// Truncate shortens s to at most n runes, ending in "..." when cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}
