package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"bughunter/internal/frontend"
)

// maxPromptLen is the maximum length of thread body included in prompts.
const maxPromptLen = 50000

const defaultPRBody = "Auto-generated by bughunter."

// SanitizeThreadContent prepares report text for inclusion in a prompt.
// Strips HTML, quotes lines that read like directives to the agent, and
// truncates.
func SanitizeThreadContent(s string) string {
	s = stripHTML(s)
	s = strings.TrimSpace(s)
	s = neutralizeLLMDirectives(s)
	if len(s) > maxPromptLen {
		s = s[:maxPromptLen] + "\n... (truncated)"
	}
	return s
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)
var promptInstructionRe = regexp.MustCompile(`(?im)^\s*(ignore|disregard|override|act as|do not|you are|system|assistant|developer|user)\b`)

func stripHTML(s string) string {
	return htmlTagRe.ReplaceAllString(s, "")
}

func neutralizeLLMDirectives(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if promptInstructionRe.MatchString(line) {
			lines[i] = "> " + strings.TrimSpace(line)
		}
	}
	return strings.Join(lines, "\n")
}

const outputFormat = `Reply with exactly these markdown sections:

## Cause
What is wrong and why.

## Spec
The expected behavior after the fix.

## Summary
What you changed.

## PR Title
One line, conventional-commit style.

## PR Body
The pull request description.`

const constraints = `Constraints:
- Do not run any git commands. Do not commit, push, or create branches; that is handled for you.
- Keep changes minimal and focused on this report.
- If no code change is needed, change nothing and explain why in the sections above.`

// BuildPrompt renders the first turn for a thread. A non-empty extra is
// appended as additional instructions.
func BuildPrompt(th frontend.Thread, extra string) string {
	var b strings.Builder
	b.WriteString("Investigate and fix the issue reported below in the current repository.\n\n")
	b.WriteString("<report>\n")
	fmt.Fprintf(&b, "Title: %s\n", SanitizeThreadContent(th.Title))
	if len(th.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(th.Tags, ", "))
	}
	if th.AuthorName != "" || th.AuthorID != "" {
		fmt.Fprintf(&b, "Reported by: %s (%s)\n", th.AuthorName, th.AuthorID)
	}
	if th.URL != "" {
		fmt.Fprintf(&b, "Thread: %s\n", th.URL)
	}
	b.WriteString("\n")
	b.WriteString(SanitizeThreadContent(th.Body))
	b.WriteString("\n")
	if len(th.Attachments) > 0 {
		b.WriteString("\nAttachments:\n")
		for _, a := range th.Attachments {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	b.WriteString("</report>\n\n")
	if extra = strings.TrimSpace(extra); extra != "" {
		writeAdditional(&b, extra)
	}
	b.WriteString(constraints)
	b.WriteString("\n\n")
	b.WriteString(outputFormat)
	b.WriteString("\n")
	return b.String()
}

// BuildInstructionPrompt renders a follow-up turn for a conversation that
// already holds the report.
func BuildInstructionPrompt(text string) string {
	var b strings.Builder
	writeAdditional(&b, strings.TrimSpace(text))
	b.WriteString(constraints)
	b.WriteString("\n\n")
	b.WriteString(outputFormat)
	b.WriteString("\n")
	return b.String()
}

func writeAdditional(b *strings.Builder, text string) {
	b.WriteString("## Additional instructions\n\n")
	b.WriteString(SanitizeThreadContent(text))
	b.WriteString("\n\n")
}

// Sections are the labeled parts of the agent's final reply.
type Sections struct {
	Cause   string
	Spec    string
	Summary string
	PRTitle string
	PRBody  string
}

// ParseSections splits text on "## " headings. Headings match
// case-insensitively; unknown sections are ignored.
func ParseSections(text string) Sections {
	var s Sections
	var cur *string
	var buf []string
	flush := func() {
		if cur != nil {
			*cur = strings.TrimSpace(strings.Join(buf, "\n"))
		}
		buf = buf[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			cur = s.field(line[3:])
			continue
		}
		if cur != nil {
			buf = append(buf, line)
		}
	}
	flush()

	// The title is a single line.
	if i := strings.IndexByte(s.PRTitle, '\n'); i >= 0 {
		s.PRTitle = strings.TrimSpace(s.PRTitle[:i])
	}
	return s
}

func (s *Sections) field(heading string) *string {
	switch strings.ToLower(strings.TrimRight(strings.TrimSpace(heading), ":")) {
	case "cause":
		return &s.Cause
	case "spec":
		return &s.Spec
	case "summary":
		return &s.Summary
	case "pr title", "pull request title":
		return &s.PRTitle
	case "pr body", "pull request body":
		return &s.PRBody
	}
	return nil
}

// Title returns the PR title, or a generated one for threadRef.
func (s Sections) Title(threadRef string) string {
	if s.PRTitle != "" {
		return s.PRTitle
	}
	return "fix: thread " + threadRef
}

// Body returns the PR body, or the generated default.
func (s Sections) Body() string {
	if s.PRBody != "" {
		return s.PRBody
	}
	return defaultPRBody
}

// Narrative returns the cause, spec and summary as markdown. When the reply
// has none of them, raw is returned.
func (s Sections) Narrative(raw string) string {
	var parts []string
	for _, p := range []struct{ heading, text string }{
		{"Cause", s.Cause},
		{"Spec", s.Spec},
		{"Summary", s.Summary},
	} {
		if p.text != "" {
			parts = append(parts, "## "+p.heading+"\n"+p.text)
		}
	}
	if len(parts) == 0 {
		return strings.TrimSpace(raw)
	}
	return strings.Join(parts, "\n\n")
}
