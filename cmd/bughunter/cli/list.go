package cli

import (
	"fmt"
	"strings"

	"bughunter/internal/db"

	"github.com/spf13/cobra"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "all", "filter by status (all, pending_approval, approved, running, completed, failed)")
	rootCmd.AddCommand(listCmd)
}

func normalizeListStatus(status string) (string, error) {
	status = strings.TrimSpace(strings.ToLower(status))
	switch status {
	case "", "all":
		return "", nil
	case db.StatusPendingApproval, db.StatusApproved, db.StatusRunning, db.StatusCompleted, db.StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("invalid --status %q (expected one of: all, pending_approval, approved, running, completed, failed)", status)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	status, err := normalizeListStatus(listStatus)
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

	jobs, err := store.ListJobs(cmd.Context(), status)
	if err != nil {
		return err
	}

	if jsonOut {
		if jobs == nil {
			jobs = []db.Job{}
		}
		printJSON(jobs)
		return nil
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found. Run 'bughunter start' to begin receiving reports.")
		return nil
	}

	fmt.Printf("%-6s %-18s %-24s %-12s %-45s %s\n", "JOB", "STATUS", "THREAD", "FORUM", "PR", "UPDATED")
	fmt.Println(strings.Repeat("-", 130))

	counts := make(map[string]int)
	for _, j := range jobs {
		pr := j.PRURL
		if pr == "" {
			pr = "-"
		}
		fmt.Printf("%-6d %-18s %-24s %-12s %-45s %s\n",
			j.ID, j.Status, truncate(j.ThreadRef, 24), truncate(j.ForumRef, 12), truncate(pr, 45), j.UpdatedAt)
		counts[j.Status]++
	}
	fmt.Printf("Total: %d jobs (%d pending, %d running, %d completed, %d failed)\n",
		len(jobs), counts[db.StatusPendingApproval], counts[db.StatusApproved]+counts[db.StatusRunning],
		counts[db.StatusCompleted], counts[db.StatusFailed])
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
