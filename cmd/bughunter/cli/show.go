package cli

import (
	"fmt"
	"strconv"
	"strings"

	"bughunter/internal/db"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its agent turns",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func parseJobID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(arg), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}

func runShow(cmd *cobra.Command, args []string) error {
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := store.GetJob(cmd.Context(), id)
	if err != nil {
		return err
	}
	turns, err := store.ListTurns(cmd.Context(), id)
	if err != nil {
		return err
	}

	if jsonOut {
		if turns == nil {
			turns = []db.Turn{}
		}
		printJSON(map[string]any{"job": job, "turns": turns})
		return nil
	}

	fmt.Printf("Job:        %d\n", job.ID)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("Thread:     %s\n", job.ThreadRef)
	fmt.Printf("Forum:      %s\n", job.ForumRef)
	fmt.Printf("Repository: %s\n", job.RepoPath)
	printOptional("Approver:   ", job.ApproverID)
	printOptional("Branch:     ", job.Branch)
	printOptional("Worktree:   ", job.WorktreePath)
	printOptional("PR:         ", job.PRURL)
	printOptional("Error:      ", job.Error)
	fmt.Printf("Created:    %s\n", job.CreatedAt)
	fmt.Printf("Updated:    %s\n", job.UpdatedAt)

	if len(turns) == 0 {
		fmt.Println("\nNo agent turns recorded.")
		return nil
	}

	fmt.Printf("\n%-4s %-12s %-10s %-10s %s\n", "#", "KIND", "STATUS", "DURATION", "CONVERSATION")
	for i, t := range turns {
		dur := "-"
		if t.DurationMS > 0 {
			dur = fmt.Sprintf("%.1fs", float64(t.DurationMS)/1000)
		}
		fmt.Printf("%-4d %-12s %-10s %-10s %s\n", i+1, t.Kind, t.Status, dur, t.ConversationID)
	}

	latest := turns[len(turns)-1]
	switch {
	case latest.ResponseText != "":
		fmt.Println()
		fmt.Println(renderResponse(latest.ResponseText))
	case latest.ErrorMessage != "":
		fmt.Printf("\nLatest turn error: %s\n", latest.ErrorMessage)
	}
	return nil
}

func printOptional(label, value string) {
	if value != "" {
		fmt.Println(label + value)
	}
}

// renderResponse styles an agent response as terminal markdown, falling back
// to the raw text.
func renderResponse(text string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}
