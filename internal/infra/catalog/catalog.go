// Package catalog is the routing catalog: pipelines, rule sets, queues and
// agent profiles, loaded from one YAML file.
//
// The catalog implements the orchestrator's and the dispatcher's lookup
// interfaces and keeps rule match counts. Watch reloads the file when it
// changes, so a pipeline can be disabled without a restart; tasks already
// queued are unaffected.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tutu-network/switchboard/internal/domain"
)

// File is the on-disk catalog document.
type File struct {
	Pipelines []domain.Pipeline     `yaml:"pipelines"`
	RuleSets  []domain.RuleSet      `yaml:"rule_sets"`
	Queues    []domain.QueueConfig  `yaml:"queues"`
	Agents    []domain.AgentProfile `yaml:"agents"`
}

// ErrInvalidCatalog is returned for documents that fail validation.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Parse decodes and validates a catalog document.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks IDs are present and unique and that routing rules name a
// target queue.
func (f *File) Validate() error {
	seen := make(map[string]bool)
	check := func(kind, id string) error {
		if id == "" {
			return fmt.Errorf("%w: %s without id", ErrInvalidCatalog, kind)
		}
		key := kind + "/" + id
		if seen[key] {
			return fmt.Errorf("%w: duplicate %s %q", ErrInvalidCatalog, kind, id)
		}
		seen[key] = true
		return nil
	}
	for _, p := range f.Pipelines {
		if err := check("pipeline", p.ID); err != nil {
			return err
		}
		for _, rr := range p.RoutingRules {
			if err := check("routing rule "+p.ID, rr.ID); err != nil {
				return err
			}
		}
		if p.DefaultRouting.Behavior == domain.RoutingRouteToQueue && p.DefaultRouting.QueueID == "" {
			return fmt.Errorf("%w: pipeline %q routes to queue without queue_id", ErrInvalidCatalog, p.ID)
		}
	}
	for _, rs := range f.RuleSets {
		if err := check("rule set", rs.ID); err != nil {
			return err
		}
	}
	for _, q := range f.Queues {
		if err := check("queue", q.ID); err != nil {
			return err
		}
	}
	for _, a := range f.Agents {
		if err := check("agent", a.ID); err != nil {
			return err
		}
	}
	return nil
}

// ─── Catalog ────────────────────────────────────────────────────────────────

// Catalog is safe for concurrent use.
type Catalog struct {
	path   string
	logger *zap.Logger

	mu        sync.RWMutex
	pipelines map[string]domain.Pipeline
	ruleSets  map[string]domain.RuleSet
	queues    []domain.QueueConfig
	agents    map[string]domain.AgentProfile
	matches   map[domain.RuleMatch]int64
	onReload  []func(File)
}

// New creates an empty catalog.
func New(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{
		logger:  logger.With(zap.String("component", "catalog")),
		matches: make(map[domain.RuleMatch]int64),
	}
	c.replace(File{})
	return c
}

// Load reads the catalog from path.
func Load(path string, logger *zap.Logger) (*Catalog, error) {
	c := New(logger)
	c.path = path
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the file the catalog was loaded from.
func (c *Catalog) Path() string { return c.path }

// Reload re-reads the catalog file. On error the current contents stay.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		// editors truncate before writing; wait for the content
		return fmt.Errorf("%w: %s is empty", ErrInvalidCatalog, c.path)
	}
	f, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", c.path, err)
	}
	c.Replace(f)
	c.logger.Info("catalog loaded",
		zap.String("path", c.path),
		zap.Int("pipelines", len(f.Pipelines)),
		zap.Int("rule_sets", len(f.RuleSets)),
		zap.Int("queues", len(f.Queues)),
		zap.Int("agents", len(f.Agents)),
	)
	return nil
}

// Replace swaps the catalog contents and runs reload hooks. Match counts
// survive.
func (c *Catalog) Replace(f File) {
	c.mu.Lock()
	c.replace(f)
	hooks := append([]func(File){}, c.onReload...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(f)
	}
}

func (c *Catalog) replace(f File) {
	c.pipelines = make(map[string]domain.Pipeline, len(f.Pipelines))
	for _, p := range f.Pipelines {
		c.pipelines[p.ID] = p
	}
	c.ruleSets = make(map[string]domain.RuleSet, len(f.RuleSets))
	for _, rs := range f.RuleSets {
		c.ruleSets[rs.ID] = rs
	}
	c.queues = append([]domain.QueueConfig(nil), f.Queues...)
	c.agents = make(map[string]domain.AgentProfile, len(f.Agents))
	for _, a := range f.Agents {
		c.agents[a.ID] = a
	}
}

// OnReload registers fn to run after every successful Replace.
func (c *Catalog) OnReload(fn func(File)) {
	c.mu.Lock()
	c.onReload = append(c.onReload, fn)
	c.mu.Unlock()
}

// ─── Lookups ────────────────────────────────────────────────────────────────

// Pipeline implements domain.PipelineStore.
func (c *Catalog) Pipeline(id string) (*domain.Pipeline, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pipelines[id]
	if !ok {
		return nil, false
	}
	return &p, true
}

// Pipelines returns every pipeline sorted by ID.
func (c *Catalog) Pipelines() []domain.Pipeline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Pipeline, 0, len(c.pipelines))
	for _, p := range c.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RuleSets implements domain.RuleSetStore. Unknown IDs are skipped.
func (c *Catalog) RuleSets(ids []string) []domain.RuleSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.RuleSet, 0, len(ids))
	for _, id := range ids {
		if rs, ok := c.ruleSets[id]; ok {
			out = append(out, rs)
		}
	}
	return out
}

// RecordMatches implements domain.RuleSetStore.
func (c *Catalog) RecordMatches(matches []domain.RuleMatch) {
	c.mu.Lock()
	for _, m := range matches {
		c.matches[m]++
	}
	c.mu.Unlock()
}

// MatchCount returns how often a rule matched since start.
func (c *Catalog) MatchCount(ruleSetID, ruleID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matches[domain.RuleMatch{RuleSetID: ruleSetID, RuleID: ruleID}]
}

// Queues implements domain.QueueDirectory.
func (c *Catalog) Queues() []domain.QueueConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.QueueConfig(nil), c.queues...)
}

// RoutingFor implements domain.QueueDirectory.
func (c *Catalog) RoutingFor(queueID string) (domain.RoutingConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, q := range c.queues {
		if q.ID == queueID && q.Routing != nil {
			return *q.Routing, true
		}
	}
	return domain.RoutingConfig{}, false
}

// Profile implements domain.AgentDirectory.
func (c *Catalog) Profile(agentID string) (domain.AgentProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.agents[agentID]
	return p, ok
}

// ─── Watch ──────────────────────────────────────────────────────────────────

// Watch reloads the catalog whenever its file is written or replaced, until
// ctx is cancelled. The parent directory is watched so editors that save by
// rename are picked up. A bad edit is logged and the previous catalog kept.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			c.logger.Debug("catalog changed", zap.String("op", ev.Op.String()))
			if err := c.Reload(); err != nil {
				c.logger.Warn("catalog reload failed, keeping previous", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

// ─── Sample ─────────────────────────────────────────────────────────────────

// Sample is a starter catalog written by `switchboard config init`.
const Sample = `# Switchboard routing catalog
pipelines:
  - id: support
    name: Customer support
    enabled: true
    allowed_work_types: [ticket, chat]
    defaults:
      priority: 5
      work_type: ticket
      reservation_timeout: 30s
      max_retries: 3
    rule_set_ids: [triage]
    routing_rules:
      - id: vip
        name: VIP customers
        order: 1
        enabled: true
        logic: AND
        conditions:
          - field: metadata.tier
            operator: equals
            value: gold
        target_queue_id: vip
        priority_override: 1
    default_routing:
      behavior: route_to_queue
      queue_id: general
    sla:
      max_wait: 10m

rule_sets:
  - id: triage
    name: Triage
    order: 1
    enabled: true
    rules:
      - id: urgent
        name: Urgent titles
        order: 1
        enabled: true
        conditions:
          logic: OR
          conditions:
            - field: title
              operator: contains
              value: urgent
        actions:
          - type: adjust_priority
            value: "-2"

queues:
  - id: general
    name: General
  - id: vip
    name: VIP
    routing:
      mode: best-match
      algorithm: proficiency_first
      fallback: any_available

agents:
  - id: alice
    name: Alice
    skills: {billing: 8, english: 10}
    max_concurrent: 1
`
