package tui

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"bughunter/internal/config"
	"bughunter/internal/db"

	tea "github.com/charmbracelet/bubbletea"
)

func TestListViewShowsJobsAndCounts(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestModelWithJob(t)

	view := m.listView()
	for _, want := range []string{"BUGHUNTER", "thread-900", "pending_approval", "stopped", "enter details"} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected list view to contain %q, got:\n%s", want, view)
		}
	}
	if counts := m.jobCounts(); counts[db.StatusPendingApproval] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestNavigateToRunningTurn(t *testing.T) {
	t.Parallel()
	m, _, jobID := newTestModelWithJob(t)

	modelAny, cmd := m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	m = modelAny.(Model)
	if m.selected == nil || m.selected.ID != jobID {
		t.Fatalf("expected job %d selected", jobID)
	}
	if cmd == nil {
		t.Fatal("expected fetch turns command")
	}
	modelAny, _ = m.Update(cmd())
	m = modelAny.(Model)
	if len(m.turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(m.turns))
	}
	if view := m.detailView(); !strings.Contains(view, "AGENT TURNS") || !strings.Contains(view, db.TurnInitial) {
		t.Fatalf("unexpected detail view:\n%s", view)
	}

	modelAny, _ = m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	m = modelAny.(Model)
	if m.turn == nil {
		t.Fatal("expected turn opened")
	}
	if len(m.lines) != 1 || m.lines[0] != "(in progress)" {
		t.Fatalf("expected in-progress placeholder, got %q", m.lines)
	}
	if !strings.Contains(m.turnView(), "TURN #1") {
		t.Fatalf("unexpected turn view:\n%s", m.turnView())
	}

	modelAny, _ = m.handleKey(tea.KeyMsg{Type: tea.KeyTab})
	m = modelAny.(Model)
	if !m.showPrompt || len(m.lines) == 0 {
		t.Fatalf("expected prompt tab, showPrompt=%v lines=%d", m.showPrompt, len(m.lines))
	}

	modelAny, _ = m.handleKey(tea.KeyMsg{Type: tea.KeyEsc})
	m = modelAny.(Model)
	if m.turn != nil || m.showPrompt {
		t.Fatal("expected back to job detail")
	}
	modelAny, _ = m.handleKey(tea.KeyMsg{Type: tea.KeyEsc})
	m = modelAny.(Model)
	if m.selected != nil {
		t.Fatal("expected back to job list")
	}
}

func TestStaleTurnsAreDiscarded(t *testing.T) {
	t.Parallel()
	m, _, jobID := newTestModelWithJob(t)
	job := m.jobs[0]
	m.selected = &job

	modelAny, _ := m.Update(turnsMsg{jobID: jobID + 1, turns: []db.Turn{{ID: 99}}})
	m = modelAny.(Model)
	if len(m.turns) != 0 {
		t.Fatalf("expected stale turns ignored, got %d", len(m.turns))
	}
}

func TestTickRefreshesJobs(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestModelWithJob(t)
	if _, err := store.CreateJob(context.Background(), "thread-901", "forum-1", "/srv/repos/app"); err != nil {
		t.Fatalf("create job: %v", err)
	}

	_, cmd := m.Update(tickMsg{})
	if cmd == nil {
		t.Fatal("expected refresh command on tick")
	}
	modelAny, _ := m.Update(m.fetchJobs())
	m = modelAny.(Model)
	if len(m.jobs) != 2 {
		t.Fatalf("expected refreshed job list, got %d", len(m.jobs))
	}
}

func newTestModelWithJob(t *testing.T) (Model, *db.Store, int64) {
	t.Helper()
	ctx := context.Background()
	tmp := t.TempDir()

	store, err := db.Open(filepath.Join(tmp, "bughunter.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	job, err := store.CreateJob(ctx, "thread-900", "forum-1", "/srv/repos/app")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := store.CreateTurn(ctx, job.ID, db.TurnInitial, "conv-1", "Investigate the crash."); err != nil {
		t.Fatalf("create turn: %v", err)
	}

	cfg := &config.Config{
		PIDFile:  filepath.Join(tmp, "bughunter.pid"),
		Frontend: config.FrontendConfig{ListenAddr: "127.0.0.1:9848"},
	}
	m := NewModel(store, cfg)
	jobs, err := store.ListJobs(ctx, "")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	m.jobs = jobs
	return m, store, job.ID
}
