package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bughunter/internal/config"
	"bughunter/internal/daemon"
	"bughunter/internal/db"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// ── Styles ──────────────────────────────────────────────────────────────────

const pad = 2 // horizontal padding on each side

const refreshInterval = 2 * time.Second

var (
	frameStyle    = lipgloss.NewStyle().Padding(1, pad)
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("37"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dotRunning    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46")).Render("●")
	dotStopped    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")).Render("●")
	statusStyle   = map[string]lipgloss.Style{
		db.StatusPendingApproval: lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		db.StatusApproved:        lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		db.StatusRunning:         lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		db.StatusCompleted:       lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		db.StatusFailed:          lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	activeTab   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46")).Underline(true)
	inactiveTab = dimStyle
)

// ── Model ───────────────────────────────────────────────────────────────────

// Model is the BubbleTea model for the bughunter dashboard. It only reads
// the job store; approvals and instructions come from the chat frontend.
//
// Navigation depth:
//
//	selected == nil               → Level 1 (job list)
//	selected != nil, turn == nil  → Level 2 (job detail + turn list)
//	turn != nil                   → Level 3 (turn prompt/response)
type Model struct {
	store *db.Store
	cfg   *config.Config

	// Level 1: job list
	jobs   []db.Job
	cursor int

	// Level 2: job detail + agent turns
	selected   *db.Job
	turns      []db.Turn
	turnCursor int

	// Level 3: one turn with scrollable output
	turn         *db.Turn
	showPrompt   bool
	scrollOffset int
	lines        []string

	err    error
	width  int
	height int
}

func NewModel(store *db.Store, cfg *config.Config) Model {
	return Model{store: store, cfg: cfg}
}

// ── Messages ────────────────────────────────────────────────────────────────

type jobsMsg []db.Job
type turnsMsg struct {
	jobID int64
	turns []db.Turn
}
type tickMsg time.Time
type errMsg error

// ── Init / Commands ─────────────────────────────────────────────────────────

func (m Model) Init() tea.Cmd { return tea.Batch(m.fetchJobs, tick()) }

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetchJobs() tea.Msg {
	jobs, err := m.store.ListJobs(context.Background(), "")
	if err != nil {
		return errMsg(err)
	}
	return jobsMsg(jobs)
}

func (m Model) fetchTurns() tea.Msg {
	jobID := m.selected.ID
	turns, err := m.store.ListTurns(context.Background(), jobID)
	if err != nil {
		return errMsg(err)
	}
	return turnsMsg{jobID: jobID, turns: turns}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.turn != nil {
			m.lines = m.turnLines()
		}
	case tickMsg:
		cmds := []tea.Cmd{tick(), m.fetchJobs}
		// Keep an open turn stable while it is being read.
		if m.selected != nil && m.turn == nil {
			cmds = append(cmds, m.fetchTurns)
		}
		return m, tea.Batch(cmds...)
	case jobsMsg:
		m.jobs = msg
		m.err = nil
		if m.cursor >= len(m.jobs) {
			m.cursor = max(len(m.jobs)-1, 0)
		}
		if m.selected != nil {
			for i := range m.jobs {
				if m.jobs[i].ID == m.selected.ID {
					job := m.jobs[i]
					m.selected = &job
				}
			}
		}
	case turnsMsg:
		// Discard stale response if user navigated away.
		if m.selected == nil || m.selected.ID != msg.jobID {
			break
		}
		m.turns = msg.turns
		if m.turnCursor >= len(m.turns) {
			m.turnCursor = max(len(m.turns)-1, 0)
		}
		m.err = nil
	case errMsg:
		m.err = msg
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func splitContent(text, status string, width int) []string {
	if text == "" {
		if status == "running" {
			return []string{"(in progress)"}
		}
		return []string{"(no output)"}
	}
	return renderMarkdown(text, width)
}

// renderMarkdown renders text as terminal-styled markdown via glamour.
// Falls back to plain text splitting on error.
func renderMarkdown(text string, width int) []string {
	if width < 40 {
		width = 76
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return strings.Split(text, "\n")
	}
	rendered, err := r.Render(text)
	if err != nil {
		return strings.Split(text, "\n")
	}
	// Trim trailing newlines that glamour adds.
	rendered = strings.TrimRight(rendered, "\n")
	return strings.Split(rendered, "\n")
}

func (m Model) turnLines() []string {
	if m.showPrompt {
		if m.turn.PromptText == "" {
			return []string{"(no prompt recorded)"}
		}
		return renderMarkdown(m.turn.PromptText, m.cw())
	}
	return splitContent(m.turn.ResponseText, m.turn.Status, m.cw())
}

// ── Key Handling ────────────────────────────────────────────────────────────

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit
	}

	if m.turn != nil {
		return m.handleKeyTurn(key)
	}
	if m.selected != nil {
		return m.handleKeyDetail(key)
	}
	return m.handleKeyList(key)
}

func (m Model) handleKeyList(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.jobs)-1 {
			m.cursor++
		}
	case "enter":
		if m.cursor < len(m.jobs) {
			job := m.jobs[m.cursor]
			m.selected = &job
			m.turns = nil
			m.turnCursor = 0
			return m, m.fetchTurns
		}
	case "r":
		return m, m.fetchJobs
	}
	return m, nil
}

func (m Model) handleKeyDetail(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		if m.turnCursor > 0 {
			m.turnCursor--
		}
	case "down", "j":
		if m.turnCursor < len(m.turns)-1 {
			m.turnCursor++
		}
	case "enter":
		if m.turnCursor < len(m.turns) {
			t := m.turns[m.turnCursor]
			m.turn = &t
			m.showPrompt = false
			m.scrollOffset = 0
			m.lines = m.turnLines()
		}
	case "r":
		return m, m.fetchTurns
	case "esc":
		m.selected = nil
		m.turns = nil
		m.turnCursor = 0
	}
	return m, nil
}

func (m Model) handleKeyTurn(key string) (tea.Model, tea.Cmd) {
	avail := m.scrollHeight()
	switch key {
	case "up", "k":
		if m.scrollOffset > 0 {
			m.scrollOffset--
		}
	case "down", "j":
		if m.scrollOffset < maxOffset(m.lines, avail) {
			m.scrollOffset++
		}
	case "u":
		m.scrollOffset = max(m.scrollOffset-avail/2, 0)
	case "d":
		m.scrollOffset = min(m.scrollOffset+avail/2, maxOffset(m.lines, avail))
	case "tab":
		m.showPrompt = !m.showPrompt
		m.scrollOffset = 0
		m.lines = m.turnLines()
	case "esc":
		m.turn = nil
		m.lines = nil
		m.scrollOffset = 0
		m.showPrompt = false
	}
	return m, nil
}

func maxOffset(lines []string, avail int) int {
	return max(len(lines)-avail, 0)
}

// ── Views ───────────────────────────────────────────────────────────────────

func (m Model) View() string {
	var content string
	switch {
	case m.err != nil:
		content = fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err)
	case m.turn != nil:
		content = m.turnView()
	case m.selected != nil:
		content = m.detailView()
	default:
		content = m.listView()
	}
	return frameStyle.Render(content)
}

// ── Level 1: Job List with Dashboard Header ─────────────────────────────────

func (m Model) listView() string {
	var b strings.Builder
	w := m.cw()

	b.WriteString(titleStyle.Render("BUGHUNTER"))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n\n")

	daemonDot := dotStopped
	daemonLabel := "stopped"
	if daemon.IsRunning(m.cfg.PIDFile) {
		daemonDot = dotRunning
		daemonLabel = "running"
	}
	dashKV := func(k, v string) {
		b.WriteString(fmt.Sprintf("  %s  %s\n", labelStyle.Render(padRight(k, 9)), v))
	}
	dashKV("daemon", daemonDot+" "+daemonLabel)
	dashKV("listen", m.cfg.Frontend.ListenAddr)
	dashKV("forums", fmt.Sprintf("%d", len(m.cfg.Forums)))
	b.WriteString("\n")

	counts := m.jobCounts()
	b.WriteString(fmt.Sprintf("  %s %d   %s %d   %s %d   %s %d\n",
		labelStyle.Render("pending"), counts[db.StatusPendingApproval],
		statusStyle[db.StatusRunning].Render("active"), counts[db.StatusApproved]+counts[db.StatusRunning],
		statusStyle[db.StatusCompleted].Render("completed"), counts[db.StatusCompleted],
		statusStyle[db.StatusFailed].Render("failed"), counts[db.StatusFailed],
	))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	const (
		colJob    = 7
		colStatus = 18
		colThread = 22
		colBranch = 34
	)

	if len(m.jobs) == 0 {
		b.WriteString(dimStyle.Render("No jobs found. Waiting for threads..."))
		b.WriteString("\n")
	} else {
		header := "  " +
			headerStyle.Render(padRight("JOB", colJob)) +
			headerStyle.Render(padRight("STATUS", colStatus)) +
			headerStyle.Render(padRight("THREAD", colThread)) +
			headerStyle.Render(padRight("BRANCH", colBranch)) +
			headerStyle.Render("UPDATED")
		b.WriteString(header)
		b.WriteString("\n")

		for i, job := range m.jobs {
			cursor := "  "
			if i == m.cursor {
				cursor = "> "
			}
			st, ok := statusStyle[job.Status]
			if !ok {
				st = dimStyle
			}
			updated := job.UpdatedAt
			if len(updated) > 11 {
				updated = updated[11:]
			}

			line := cursor +
				padRight(fmt.Sprintf("%d", job.ID), colJob) +
				st.Render(padRight(job.Status, colStatus)) +
				padRight(truncate(job.ThreadRef, colThread-1), colThread) +
				padRight(truncate(job.Branch, colBranch-1), colBranch) +
				dimStyle.Render(updated)
			if i == m.cursor {
				line = selectedStyle.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("j/k navigate  enter details  r refresh  q quit"))
	return b.String()
}

// ── Level 2: Job Detail + Turn List ─────────────────────────────────────────

func (m Model) detailView() string {
	var b strings.Builder
	w := m.cw()
	job := m.selected

	b.WriteString(titleStyle.Render(fmt.Sprintf("JOB %d", job.ID)))
	b.WriteString(dimStyle.Render("  thread " + job.ThreadRef))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	st, ok := statusStyle[job.Status]
	if !ok {
		st = dimStyle
	}
	kv := func(k, v string) {
		if v == "" {
			v = dimStyle.Render("-")
		}
		b.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(fmt.Sprintf("%-11s", k)), v))
	}
	kv("Status", st.Render(job.Status))
	kv("Forum", job.ForumRef)
	kv("Repo", job.RepoPath)
	kv("Approver", job.ApproverID)
	kv("Branch", job.Branch)
	kv("Worktree", job.WorktreePath)
	kv("PR", job.PRURL)
	kv("Created", job.CreatedAt)
	kv("Updated", job.UpdatedAt)
	if job.Error != "" {
		kv("Error", errorStyle.Render(truncate(job.Error, w-12)))
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render("AGENT TURNS"))
	b.WriteString("\n")
	if len(m.turns) == 0 {
		b.WriteString(dimStyle.Render("  (none yet)"))
		b.WriteString("\n")
	}
	for i, t := range m.turns {
		cursor := "  "
		if i == m.turnCursor {
			cursor = "> "
		}
		ts, ok := statusStyle[t.Status]
		if !ok {
			ts = dimStyle
		}
		line := fmt.Sprintf("%s#%-3d %-12s %s %s",
			cursor, i+1, t.Kind, ts.Render(padRight(t.Status, 10)),
			dimStyle.Render(fmt.Sprintf("%ds  %s", t.DurationMS/1000, t.CreatedAt)))
		if i == m.turnCursor {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("j/k navigate  enter view turn  r refresh  esc back  q quit"))
	return b.String()
}

// ── Level 3: Turn Detail ────────────────────────────────────────────────────

func (m Model) turnView() string {
	var b strings.Builder
	w := m.cw()
	t := m.turn

	num := 0
	for i, s := range m.turns {
		if s.ID == t.ID {
			num = i + 1
			break
		}
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("TURN #%d", num)))
	b.WriteString(dimStyle.Render("  " + t.Kind))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	st, ok := statusStyle[t.Status]
	if !ok {
		st = dimStyle
	}
	kv := func(k, v string) {
		b.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(fmt.Sprintf("%-13s", k)), v))
	}
	kv("Status", st.Render(t.Status))
	kv("Conversation", t.ConversationID)
	kv("Duration", fmt.Sprintf("%ds", t.DurationMS/1000))
	if t.ErrorMessage != "" {
		kv("Error", errorStyle.Render(t.ErrorMessage))
	}

	b.WriteString("\n")
	promptTab := inactiveTab.Render(" PROMPT ")
	responseTab := inactiveTab.Render(" RESPONSE ")
	if m.showPrompt {
		promptTab = activeTab.Render(" PROMPT ")
	} else {
		responseTab = activeTab.Render(" RESPONSE ")
	}
	b.WriteString(promptTab)
	b.WriteString(dimStyle.Render(" │ "))
	b.WriteString(responseTab)
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	avail := m.scrollHeight()
	start, end := scrollWindow(m.lines, m.scrollOffset, avail)
	for _, line := range m.lines[start:end] {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")
	pct := scrollPercent(m.lines, m.scrollOffset, avail)
	b.WriteString(dimStyle.Render(fmt.Sprintf("j/k scroll  d/u half-page  tab toggle  esc back  q quit%s", pct)))
	return b.String()
}

// ── Helpers ─────────────────────────────────────────────────────────────────

// cw returns content width (terminal width minus frame padding).
func (m Model) cw() int {
	w := m.width - pad*2
	if w < 40 {
		w = 76 // sensible default before first WindowSizeMsg
	}
	return w
}

func (m Model) scrollHeight() int {
	// Reserve lines for chrome: frame padding(2) + title(1) + separator(1) + metadata(~5) + tabs(2) + footer(2).
	return max(m.height-15, 1)
}

func (m Model) jobCounts() map[string]int {
	counts := make(map[string]int)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts
}

func scrollWindow(lines []string, offset, avail int) (int, int) {
	avail = max(avail, 1)
	start := min(offset, len(lines))
	end := min(start+avail, len(lines))
	return start, end
}

func scrollPercent(lines []string, offset, avail int) string {
	mx := len(lines) - avail
	if mx <= 0 {
		return ""
	}
	return fmt.Sprintf("  [%d%%]", offset*100/mx)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// padRight pads a plain string to n characters with spaces.
func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
