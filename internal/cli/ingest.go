package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/switchboard/internal/domain"
)

func init() {
	ingestCmd.Flags().StringVar(&ingestPipeline, "pipeline", "", "Pipeline ID applied to every task")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "Source applied to every task (api, manual, csv_upload, volume_loader)")
	rootCmd.AddCommand(ingestCmd)
}

var (
	ingestPipeline string
	ingestSource   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE",
	Short: "Submit tasks from a JSON file (use - for stdin)",
	Long: `Submit one ingestion input or an array of them. Each input has the form
{"pipeline_id": "...", "source": "...", "task_data": {"title": "..."}}.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	raw, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	inputs, err := parseInputs(raw)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no tasks in %s", args[0])
	}
	for i := range inputs {
		if ingestPipeline != "" {
			inputs[i].PipelineID = ingestPipeline
		}
		if ingestSource != "" {
			inputs[i].Source = domain.Source(ingestSource)
		}
	}

	c, err := newClient()
	if err != nil {
		return err
	}

	var results []domain.OrchestrationResult
	if len(inputs) == 1 {
		var res domain.OrchestrationResult
		if _, err := c.do(cmd.Context(), http.MethodPost, "/api/tasks", inputs[0], &res,
			http.StatusUnprocessableEntity); err != nil {
			return err
		}
		results = []domain.OrchestrationResult{res}
	} else {
		var batch domain.BatchResult
		if _, err := c.do(cmd.Context(), http.MethodPost, "/api/tasks/batch", inputs, &batch); err != nil {
			return err
		}
		results = batch.Results
	}
	return printResults(cmd.OutOrStdout(), results)
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

// parseInputs accepts a single object or an array.
func parseInputs(raw []byte) ([]domain.TaskIngestionInput, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var inputs []domain.TaskIngestionInput
		if err := json.Unmarshal(raw, &inputs); err != nil {
			return nil, fmt.Errorf("parse tasks: %w", err)
		}
		return inputs, nil
	}
	var in domain.TaskIngestionInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}
	return []domain.TaskIngestionInput{in}, nil
}

func printResults(out io.Writer, results []domain.OrchestrationResult) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tTASK\tQUEUE\tRULE\tERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Status, dash(r.TaskID), dash(r.QueueID), dash(r.RuleName), dash(r.Error))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
