package cli

import (
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/switchboard/internal/domain"
)

func init() {
	slaBreachesCmd.Flags().IntVar(&slaLimit, "limit", 20, "Maximum number of breaches to show")
	slaCmd.AddCommand(slaBreachesCmd, slaCheckCmd)
	rootCmd.AddCommand(slaCmd)
}

var slaLimit int

var slaCmd = &cobra.Command{
	Use:   "sla",
	Short: "Inspect SLA compliance",
}

var slaBreachesCmd = &cobra.Command{
	Use:   "breaches",
	Short: "List recent SLA warnings and breaches",
	Args:  cobra.NoArgs,
	RunE:  runSLABreaches,
}

var slaCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one SLA compliance pass now",
	Args:  cobra.NoArgs,
	RunE:  runSLACheck,
}

func runSLABreaches(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var resp struct {
		Breaches []domain.SLABreachEvent `json:"breaches"`
	}
	path := fmt.Sprintf("/api/sla/breaches?limit=%d", slaLimit)
	if _, err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if len(resp.Breaches) == 0 {
		cmd.Println("No SLA breaches recorded.")
		return nil
	}
	return printBreaches(cmd.OutOrStdout(), resp.Breaches)
}

func runSLACheck(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var resp struct {
		Events []domain.SLABreachEvent `json:"events"`
	}
	if _, err := c.do(cmd.Context(), http.MethodPost, "/api/sla/check", nil, &resp); err != nil {
		return err
	}
	if len(resp.Events) == 0 {
		cmd.Println("All queued tasks are within SLA.")
		return nil
	}
	return printBreaches(cmd.OutOrStdout(), resp.Events)
}

func printBreaches(out io.Writer, evs []domain.SLABreachEvent) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSEVERITY\tTASK\tQUEUE\tUSED\tPRIORITY\tACTION")
	for _, ev := range evs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%d -> %d\t%s\n",
			ev.OccurredAt.Local().Format("2006-01-02 15:04:05"),
			ev.Severity,
			ev.TaskID,
			ev.QueueID,
			ev.PercentUsed,
			ev.OldPriority, ev.NewPriority,
			ev.Action,
		)
	}
	return w.Flush()
}
