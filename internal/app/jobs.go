package app

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/bookledger/internal/catalog"
	"github.com/blackwell-systems/bookledger/internal/jobs"
	"github.com/blackwell-systems/bookledger/internal/journal"
)

func newStatusCmd() *cobra.Command {
	var (
		pins  bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show publication jobs",
		Long: `Show one publication job, or the most recently updated jobs.

With --pins the content store is asked whether both assets are still pinned.`,
		Example: `  bookledger status
  bookledger status pub-3f2a... --pins
  bookledger status --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(s *services) error {
				ctx := cmd.Context()
				if len(args) == 0 {
					list, err := s.jobs.ListPublications(ctx, limit)
					if err != nil {
						return err
					}
					if flagJSON {
						return printJSON(list)
					}
					if len(list) == 0 {
						warn("No publication jobs yet. Run: bookledger publish --help")
						return nil
					}
					for _, j := range list {
						fmt.Printf("%s  %s  %s\n", j.JobID, colorStatus(string(j.Status)), j.Title)
					}
					return nil
				}

				job, err := s.publisher.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(job)
				}
				printJob(job)
				if pins {
					content, cover, err := s.publisher.PinStatus(ctx, job.JobID)
					if err != nil {
						return fmt.Errorf("checking pins: %w", err)
					}
					fmt.Printf("  content pinned: %s\n", yesNo(content))
					fmt.Printf("  cover pinned:   %s\n", yesNo(cover))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pins, "pins", false, "Check pin status of both assets")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of jobs to list")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Continue a publication job from its current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(s *services) error {
				status, err := s.publisher.Resume(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				job, err := s.publisher.GetStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printJob(job)
				if status == catalog.StatusFailed {
					return fmt.Errorf("publication %s failed: %s", job.JobID, job.LastError)
				}
				return nil
			})
		},
	}
}

func newAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <job-id>",
		Short: "Stop a publication job before its next stage",
		Long: `Request that a publication job stop. A call already in flight is allowed
to finish; the job then ends Failed with "aborted" as its last error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(s *services) error {
				if err := s.publisher.Abort(cmd.Context(), args[0]); err != nil {
					return err
				}
				ok("Abort requested for %s", args[0])
				return nil
			})
		},
	}
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume every unfinished publication and purchase",
		Long: `Drive every non-terminal publication job and purchase forward. Run this
after a crash or restart; serve does it on startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(s *services) error {
				ctx := cmd.Context()
				pubs, err := s.publisher.Recover(ctx)
				if err != nil {
					bad("Publications: %v", err)
				}
				purs, perr := s.purchaser.Recover(ctx)
				if perr != nil {
					bad("Purchases: %v", perr)
				}
				ok("Resumed %d publication(s) and %d purchase(s)", pubs, purs)
				if err != nil {
					return err
				}
				return perr
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <job-id | buyer/ledger-id>",
		Short: "Show the recorded transitions of a job or purchase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := journal.Open(cfg.Jobs.JournalPath)
			if err != nil {
				return err
			}
			entries, err := j.Entries(args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				warn("No history for %s", args[0])
				return nil
			}
			for _, e := range entries {
				printEntry(e)
			}
			return nil
		},
	}
}

func printJob(j *jobs.PublicationJob) {
	header("%s", j.JobID)
	fmt.Printf("  title:     %s\n", j.Title)
	if j.AuthorName != "" {
		fmt.Printf("  author:    %s\n", j.AuthorName)
	}
	fmt.Printf("  status:    %s\n", colorStatus(string(j.Status)))
	if j.LedgerID != 0 {
		fmt.Printf("  ledger id: %d\n", j.LedgerID)
	}
	if j.TxID != "" {
		fmt.Printf("  tx:        %s\n", j.TxID)
	}
	fmt.Printf("  content:   %s\n", j.ContentFingerprint)
	fmt.Printf("  cover:     %s\n", j.CoverFingerprint)
	if j.LastError != "" {
		fmt.Printf("  error:     %s (%s)\n", color.RedString(j.LastError), j.LastErrorKind)
	}
}

func printEntry(e journal.Entry) {
	line := fmt.Sprintf("%s  %s -> %s", e.Timestamp.Local().Format("2006-01-02 15:04:05"), orDash(e.From), colorStatus(e.To))
	if e.Attempt > 0 {
		line += fmt.Sprintf("  attempt %d", e.Attempt)
	}
	if e.Error != "" {
		line += "  " + color.RedString("%s: %s", e.ErrorKind, e.Error)
	}
	fmt.Println(line)
}

func colorStatus(s string) string {
	switch {
	case s == string(catalog.StatusPublished) || s == string(jobs.AccessGranted):
		return color.GreenString(s)
	case s == string(catalog.StatusFailed) || s == string(jobs.PaymentRejected):
		return color.RedString(s)
	case strings.Contains(s, "Failed"):
		// PaymentConfirmedGrantFailed: paid but not yet delivered.
		return color.MagentaString(s)
	default:
		return color.YellowString(s)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
