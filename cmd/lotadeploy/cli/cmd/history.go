package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/balaji-balu/lotadeploy/internal/orchestrator"
	"github.com/balaji-balu/lotadeploy/pkg/deployment"
)

func newHistoryCmd(a *app) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history [component]",
		Short: "Show recorded runs, or the last known state of one component",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.v.GetString("journal")
			if path == "" {
				return errors.New("--journal is required")
			}
			j, err := orchestrator.OpenJournal(path)
			if err != nil {
				return err
			}
			defer j.Close()
			w := cmd.OutOrStdout()

			if len(args) == 1 {
				rec, ok, err := j.Component(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no recorded runs for component %q", args[0])
				}
				fmt.Fprintf(w, "%s %s last run %s (%s)\n", marker(rec.LastOutcome), nameStyle.Render(args[0]),
					rec.LastRun.Format(time.RFC3339), rec.LastRunID)
				if !rec.LastSuccess.IsZero() {
					fmt.Fprintf(w, "  last success %s\n", rec.LastSuccess.Format(time.RFC3339))
				}
				return nil
			}

			runs, err := j.Runs(a.v.GetInt("limit"))
			if err != nil {
				return err
			}
			for _, r := range runs {
				outcome := deployment.OutcomeSuccess
				if !r.Succeeded() {
					outcome = deployment.OutcomeFailed
				}
				fmt.Fprintf(w, "%s %s %s %-11s %d components\n", marker(outcome),
					r.StartedAt.Local().Format(time.DateTime), r.RunID, r.Environment, len(r.Components))
			}
			return nil
		},
	}
	historyCmd.Flags().String("journal", "", "bbolt journal written by deploy --journal")
	historyCmd.Flags().Int("limit", 10, "number of runs to show, 0 for all")
	return historyCmd
}
