package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/switchboard/internal/daemon"
	"github.com/tutu-network/switchboard/internal/domain"
	"github.com/tutu-network/switchboard/internal/infra/catalog"
)

// newTestDaemon starts an in-process server backed by the sample catalog.
func newTestDaemon(t *testing.T) (*daemon.Daemon, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SWITCHBOARD_HOME", home)

	cfg := daemon.DefaultConfig()
	cfg.Catalog.Path = filepath.Join(home, "catalog.yaml")
	cfg.Catalog.Watch = false
	require.NoError(t, os.WriteFile(cfg.Catalog.Path, []byte(catalog.Sample), 0o600))

	d, err := daemon.NewWithConfig(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	ts := httptest.NewServer(d.Server.Handler())
	t.Cleanup(ts.Close)
	return d, ts.URL
}

// runCLI executes the root command with fresh flag state and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	serverURL, configPath = "", ""
	ingestPipeline, ingestSource = "", ""
	dlqQueue, slaLimit, configForce = "", 20, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseInputs(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"object", `{"pipeline_id": "support", "task_data": {"title": "a"}}`, 1, false},
		{"array", `[{"task_data": {"title": "a"}}, {"task_data": {"title": "b"}}]`, 2, false},
		{"leading whitespace", "\n  [ ]", 0, false},
		{"garbage", `title: a`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInputs([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestHumanDuration(t *testing.T) {
	assert.Equal(t, "-", humanDuration(0))
	assert.Equal(t, "42s", humanDuration(41600*time.Millisecond))
	assert.Equal(t, "3m0s", humanDuration(3*time.Minute+10*time.Second))
}

func TestIngest_Single(t *testing.T) {
	d, url := newTestDaemon(t)
	path := writeFile(t, "task.json", `{"task_data": {"title": "Urgent: refund", "metadata": {"tier": "gold"}}}`)

	out, err := runCLI(t, "--server", url, "ingest", path, "--pipeline", "support", "--source", "csv_upload")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "QUEUED")
	assert.Contains(t, out, "vip")

	tasks, err := d.Tasks.ListTasks(context.Background(), domain.TaskFilter{PipelineID: "support"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.SourceCSVUpload, tasks[0].Source)
}

func TestIngest_RejectedIsReported(t *testing.T) {
	_, url := newTestDaemon(t)
	path := writeFile(t, "task.json", `{"pipeline_id": "nope", "task_data": {"title": "x"}}`)

	out, err := runCLI(t, "--server", url, "ingest", path)
	require.NoError(t, err)
	assert.Contains(t, out, "REJECTED")
}

func TestIngest_Batch(t *testing.T) {
	d, url := newTestDaemon(t)
	path := writeFile(t, "tasks.json", `[
		{"pipeline_id": "support", "task_data": {"external_id": "A", "title": "first"}},
		{"pipeline_id": "support", "task_data": {"external_id": "A", "title": "again"}}
	]`)

	out, err := runCLI(t, "--server", url, "ingest", path)
	require.NoError(t, err)
	assert.Contains(t, out, "QUEUED")
	assert.Contains(t, out, "DUPLICATE")
	assert.Equal(t, 1, d.Queues.QueueStats("general").Depth)
}

func TestIngest_Errors(t *testing.T) {
	_, url := newTestDaemon(t)

	_, err := runCLI(t, "--server", url, "ingest", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = runCLI(t, "--server", url, "ingest", writeFile(t, "empty.json", "[]"))
	assert.ErrorContains(t, err, "no tasks")

	_, err = runCLI(t, "--server", "http://127.0.0.1:1", "ingest", writeFile(t, "t.json", `{"task_data": {"title": "x"}}`))
	assert.ErrorContains(t, err, "connect to switchboard")
}

func TestQueues(t *testing.T) {
	_, url := newTestDaemon(t)
	_, err := runCLI(t, "--server", url, "ingest", writeFile(t, "t.json",
		`{"pipeline_id": "support", "task_data": {"title": "hello"}}`))
	require.NoError(t, err)

	out, err := runCLI(t, "--server", url, "queues")
	require.NoError(t, err)
	assert.Contains(t, out, "QUEUE")
	assert.Contains(t, out, "general")
	assert.Contains(t, out, "vip")
	assert.Contains(t, out, "Since start: 1 enqueued, 0 dead-lettered")

	out, err = runCLI(t, "--server", url, "queues", "general")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "general"))
	assert.Contains(t, lines[1], " 1 ")
}

func TestDLQ_Commands(t *testing.T) {
	d, url := newTestDaemon(t)

	out, err := runCLI(t, "--server", url, "dlq", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "empty")

	for _, id := range []string{"t-retry", "t-discard"} {
		task := domain.Task{
			ID:         id,
			PipelineID: "support",
			Source:     domain.SourceAPI,
			Title:      "stuck " + id,
			WorkType:   "ticket",
			Priority:   5,
			QueueID:    "general",
			Status:     domain.TaskPending,
			CreatedAt:  time.Now(),
		}
		require.NoError(t, d.Tasks.CreateTask(context.Background(), task))
		d.Queues.MoveToDLQ(domain.QueuedTask{Task: task, QueueID: "general", PipelineID: "support", Priority: 5}, "max_retries_exceeded")
	}

	out, err = runCLI(t, "--server", url, "dlq", "list", "--queue", "general")
	require.NoError(t, err)
	assert.Contains(t, out, "t-retry")
	assert.Contains(t, out, "max_retries_exceeded")

	out, err = runCLI(t, "--server", url, "dlq", "retry", "t-retry")
	require.NoError(t, err)
	assert.Contains(t, out, "QUEUED")

	out, err = runCLI(t, "--server", url, "dlq", "discard", "t-discard")
	require.NoError(t, err)
	assert.Contains(t, out, "Discarded t-discard")
	assert.Empty(t, d.Queues.ListDLQ())

	_, err = runCLI(t, "--server", url, "dlq", "discard", "t-discard")
	assert.Error(t, err)
}

func TestSLA_Commands(t *testing.T) {
	d, url := newTestDaemon(t)

	out, err := runCLI(t, "--server", url, "sla", "breaches")
	require.NoError(t, err)
	assert.Contains(t, out, "No SLA breaches")

	out, err = runCLI(t, "--server", url, "sla", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "within SLA")

	start := time.Now()
	res := d.Orchestrator.Ingest(context.Background(), domain.TaskIngestionInput{
		PipelineID: "support",
		Source:     domain.SourceManual,
		TaskData:   domain.TaskFromSource{Title: "slow"},
	})
	require.Equal(t, domain.IngestQueued, res.Status)
	later := func() time.Time { return start.Add(12 * time.Minute) }
	d.SLA.SetClock(later)
	d.Queues.SetClock(later)

	out, err = runCLI(t, "--server", url, "sla", "check")
	require.NoError(t, err)
	assert.Contains(t, out, string(domain.SeverityBreach))
	assert.Contains(t, out, res.TaskID)

	out, err = runCLI(t, "--server", url, "sla", "breaches", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, res.TaskID)
}

func TestConfigInit(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SWITCHBOARD_HOME", home)

	out, err := runCLI(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(home, "config.toml"))

	cfg, err := daemon.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, daemon.DefaultConfig(), cfg)

	raw, err := os.ReadFile(filepath.Join(home, "catalog.yaml"))
	require.NoError(t, err)
	_, err = catalog.Parse(raw)
	require.NoError(t, err)

	_, err = runCLI(t, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	_, err = runCLI(t, "config", "init", "--force")
	assert.NoError(t, err)

	out, err = runCLI(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "7600")
	assert.Contains(t, out, "memory")
}
