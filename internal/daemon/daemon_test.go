package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/switchboard/internal/domain"
	"github.com/tutu-network/switchboard/internal/infra/catalog"
	"github.com/tutu-network/switchboard/internal/infra/dedup"
	"github.com/tutu-network/switchboard/internal/infra/events"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SWITCHBOARD_HOME", home)

	cfg := DefaultConfig()
	cfg.API.Port = 0
	cfg.Store.Driver = "sqlite"
	cfg.Store.Dir = filepath.Join(home, "data")
	cfg.Catalog.Path = filepath.Join(home, "catalog.yaml")
	cfg.Catalog.Watch = false
	require.NoError(t, os.WriteFile(cfg.Catalog.Path, []byte(catalog.Sample), 0o600))
	return cfg
}

func TestNewWithConfig_Wiring(t *testing.T) {
	cfg := testConfig(t)
	d, err := NewWithConfig(cfg, nil)
	require.NoError(t, err)
	defer d.Close()

	_, ok := d.Catalog.Pipeline("support")
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{"general", "vip"}, d.Queues.QueueIDs(), "catalog queues are pre-created")

	statuses := d.Health.RunOnce(context.Background())
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"task_store", "dedup", "data_dir", "sla_monitor"}, names)
}

func TestNewWithConfig_MissingCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "absent.yaml")
	cfg.Store.Driver = "memory"

	d, err := NewWithConfig(cfg, nil)
	require.NoError(t, err)
	defer d.Close()
	assert.Empty(t, d.Catalog.Pipelines())
}

func TestNewWithConfig_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "oracle"
	_, err := NewWithConfig(cfg, nil)
	assert.Error(t, err)
}

func TestNewWithConfig_RedisDedup(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Dedup.Driver = "redis"
	cfg.Dedup.Addr = mr.Addr()

	d, err := NewWithConfig(cfg, nil)
	require.NoError(t, err)
	defer d.Close()
	_, guarded := d.Dedup.(*dedup.Guard)
	assert.True(t, guarded, "redis dedup runs behind a circuit breaker")

	in := domain.TaskIngestionInput{
		PipelineID: "support",
		Source:     domain.SourceAPI,
		TaskData:   domain.TaskFromSource{ExternalID: "EXT-1", Title: "Locked out"},
	}
	first := d.Orchestrator.Ingest(context.Background(), in)
	require.Equal(t, domain.IngestQueued, first.Status)
	second := d.Orchestrator.Ingest(context.Background(), in)
	assert.Equal(t, domain.IngestDuplicate, second.Status)
	assert.Equal(t, first.TaskID, second.TaskID)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "switchboard:dedup:"))
}

func TestNewWithConfig_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dedup.Driver = "redis"
	cfg.Dedup.Addr = "127.0.0.1:1"
	_, err := NewWithConfig(cfg, nil)
	assert.Error(t, err)
}

func TestDaemon_SLABreachBroadcast(t *testing.T) {
	cfg := testConfig(t)
	d, err := NewWithConfig(cfg, nil)
	require.NoError(t, err)
	defer d.Close()

	stream, cancel := d.Hub.SubscribeAll()
	defer cancel()

	start := time.Now()
	d.Queues.SetClock(func() time.Time { return start })
	res := d.Orchestrator.Ingest(context.Background(), domain.TaskIngestionInput{
		PipelineID: "support",
		Source:     domain.SourceManual,
		TaskData:   domain.TaskFromSource{Title: "Waiting forever"},
	})
	require.Equal(t, domain.IngestQueued, res.Status)

	// the sample pipeline's SLA is 10m; 12m in is past the breach threshold
	d.SLA.SetClock(func() time.Time { return start.Add(12 * time.Minute) })
	d.Queues.SetClock(func() time.Time { return start.Add(12 * time.Minute) })
	evs := d.SLA.CheckSLACompliance()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.SeverityBreach, evs[0].Severity)

	select {
	case ev := <-stream:
		assert.Equal(t, events.SLABreach, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no sla:breach broadcast")
	}

	persisted, err := d.Breaches.ListBreaches(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, persisted, 1)

	d.PublishGauges()
}

func TestDaemon_ServeListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Watch = true
	d, err := NewWithConfig(cfg, nil)
	require.NoError(t, err)
	defer d.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := fmt.Sprintf("http://%s", ln.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.ServeListener(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/version")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/api/tasks", "application/json", strings.NewReader(
		`{"pipeline_id": "support", "task_data": {"title": "Over HTTP"}}`))
	require.NoError(t, err)
	var res domain.OrchestrationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, domain.IngestQueued, res.Status)

	stored, err := d.Tasks.GetTask(context.Background(), res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "Over HTTP", stored.Title)

	require.Eventually(t, d.SLA.Running, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(35 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.False(t, d.SLA.Running())
}
