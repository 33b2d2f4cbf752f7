package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/switchboard/internal/domain"
)

func init() {
	dlqListCmd.Flags().StringVar(&dlqQueue, "queue", "", "Only show entries from this queue")
	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqDiscardCmd)
	rootCmd.AddCommand(dlqCmd)
}

var dlqQueue string

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and resolve dead-lettered tasks",
}

var dlqListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List dead-lettered tasks",
	Args:    cobra.NoArgs,
	RunE:    runDLQList,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry TASK_ID",
	Short: "Re-ingest a dead-lettered task",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQRetry,
}

var dlqDiscardCmd = &cobra.Command{
	Use:   "discard TASK_ID",
	Short: "Drop a dead-lettered task",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQDiscard,
}

func runDLQList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	path := "/api/dlq"
	if dlqQueue != "" {
		path += "?queue_id=" + url.QueryEscape(dlqQueue)
	}
	var resp struct {
		Entries []domain.DLQEntry `json:"entries"`
	}
	if _, err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	if len(resp.Entries) == 0 {
		cmd.Println("Dead-letter queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tQUEUE\tRETRIES\tMOVED\tREASON")
	for _, e := range resp.Entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			e.QueuedTask.TaskID(),
			e.QueuedTask.QueueID,
			e.QueuedTask.RetryCount,
			e.MovedAt.Local().Format("2006-01-02 15:04"),
			e.Reason,
		)
	}
	return w.Flush()
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var res domain.OrchestrationResult
	if _, err := c.do(cmd.Context(), http.MethodPost, "/api/dlq/"+url.PathEscape(args[0])+"/retry", nil, &res,
		http.StatusUnprocessableEntity); err != nil {
		return err
	}
	return printResults(cmd.OutOrStdout(), []domain.OrchestrationResult{res})
}

func runDLQDiscard(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if _, err := c.do(cmd.Context(), http.MethodDelete, "/api/dlq/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	cmd.Printf("Discarded %s\n", args[0])
	return nil
}
