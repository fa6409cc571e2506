package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/pgbolt/internal/session"
	"github.com/ShayCichocki/pgbolt/internal/state"
)

var (
	historyVerdict   string
	historyLimit     int
	historyJSON      bool
	historyOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived sessions",
	Long: `List finished sessions from the archive, newest first.

The archive lives at ~/.local/share/pgbolt/pgbolt.db unless store.path is set.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one archived session with its attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete sessions older than --older-than",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPurge,
}

func init() {
	historyCmd.Flags().StringVar(&historyVerdict, "verdict", "", "Only sessions with this verdict (succeeded, exhausted, canceled)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum sessions to list")
	historyCmd.PersistentFlags().BoolVar(&historyJSON, "json", false, "Print JSON")
	historyPurgeCmd.Flags().DurationVar(&historyOlderThan, "older-than", 30*24*time.Hour, "Age threshold")

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPurgeCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	opts := state.ListOptions{Limit: historyLimit}
	if historyVerdict != "" {
		switch v := session.Verdict(historyVerdict); v {
		case session.VerdictSucceeded, session.VerdictExhausted, session.VerdictCanceled:
			opts.Verdict = v
		default:
			return fmt.Errorf("unknown verdict %q", historyVerdict)
		}
	}

	db, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	recs, err := db.ListSessions(cmd.Context(), opts)
	if err != nil {
		return err
	}
	if historyJSON {
		return printJSON(cmd, recs)
	}
	fmt.Fprint(cmd.OutOrStdout(), renderHistory(recs))
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	db, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := db.GetSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if historyJSON {
		return printJSON(cmd, rec)
	}
	fmt.Fprint(cmd.OutOrStdout(), renderRecord(rec))
	return nil
}

func runHistoryPurge(cmd *cobra.Command, args []string) error {
	if historyOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	db, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.PurgeOldSessions(historyOlderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d session(s) older than %s\n", n, historyOlderThan)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
