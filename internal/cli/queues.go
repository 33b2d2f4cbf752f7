package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/switchboard/internal/domain"
)

func init() {
	rootCmd.AddCommand(queuesCmd)
}

var queuesCmd = &cobra.Command{
	Use:     "queues [QUEUE]",
	Aliases: []string{"q"},
	Short:   "Show queue depth and wait times",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runQueues,
}

func runQueues(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	var (
		stats  []domain.QueueStats
		totals string
	)
	if len(args) == 1 {
		var st domain.QueueStats
		if _, err := c.do(cmd.Context(), http.MethodGet, "/api/queues/"+url.PathEscape(args[0]), nil, &st); err != nil {
			return err
		}
		stats = []domain.QueueStats{st}
	} else {
		var resp struct {
			Queues            []domain.QueueStats `json:"queues"`
			TotalEnqueued     int64               `json:"total_enqueued"`
			TotalDeadLettered int64               `json:"total_dead_lettered"`
		}
		if _, err := c.do(cmd.Context(), http.MethodGet, "/api/queues", nil, &resp); err != nil {
			return err
		}
		stats = resp.Queues
		totals = fmt.Sprintf("Since start: %d enqueued, %d dead-lettered", resp.TotalEnqueued, resp.TotalDeadLettered)
	}

	if len(stats) == 0 {
		cmd.Println("No queues.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tDEPTH\tOLDEST\tAVG WAIT\tDLQ")
	for _, st := range stats {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\n",
			st.QueueID, st.Depth, humanDuration(st.OldestAge), humanDuration(st.AverageWait), st.DLQCount)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if totals != "" {
		cmd.Println()
		cmd.Println(totals)
	}
	return nil
}

// humanDuration rounds d for table output.
func humanDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Minute:
		return d.Round(time.Second).String()
	default:
		return d.Round(time.Minute).String()
	}
}
