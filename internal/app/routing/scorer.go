// Package routing scores agents against a task and selects one.
//
// Scoring pipeline per candidate:
//   - skill score (mode dependent, 0..100)
//   - workload score: (1 − active/maxConcurrent) × 100
//   - performance score: target handle time vs. average handle time, 0..100
//   - idle score: seconds since the last state change, capped at 100
//
// The weighted total ranks candidates; eligibility requires the skill mode's
// requirement AND an idle agent with spare capacity. Selection then applies one
// of seven algorithms over the eligible set.
package routing

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/switchboard/internal/domain"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config holds the scorer's policy constants.
type Config struct {
	TargetHandleTime     time.Duration        // handle time that earns a full performance score (default 300s)
	NoHistoryPerformance float64              // performance score for agents without history (default 50)
	IdleCap              float64              // idle score ceiling in seconds (default 100)
	BestMatchRatio       float64              // best-match weight of the match ratio (default 0.6)
	BestMatchProficiency float64              // best-match weight of the proficiency ratio (default 0.4)
	Defaults             domain.RoutingConfig // used for zero fields of a queue's routing config
}

// DefaultConfig returns production scoring defaults.
func DefaultConfig() Config {
	return Config{
		TargetHandleTime:     300 * time.Second,
		NoHistoryPerformance: 50,
		IdleCap:              100,
		BestMatchRatio:       0.6,
		BestMatchProficiency: 0.4,
		Defaults:             DefaultRoutingConfig(),
	}
}

// DefaultRoutingConfig is the queue routing policy when none is configured.
func DefaultRoutingConfig() domain.RoutingConfig {
	return domain.RoutingConfig{
		Mode:           domain.SkillFlexible,
		Algorithm:      domain.AlgoSkillWeighted,
		Fallback:       domain.FallbackNone,
		MinProficiency: 1,
		Weights:        DefaultWeights(),
	}
}

// DefaultWeights returns the 0.4 / 0.3 / 0.2 / 0.1 sub-score weights.
func DefaultWeights() domain.ScoreWeights {
	return domain.ScoreWeights{Skill: 0.4, Workload: 0.3, Performance: 0.2, Idle: 0.1}
}

// ─── Scorer ─────────────────────────────────────────────────────────────────

// Selection is the outcome of Select.
type Selection struct {
	AgentID  string                     `json:"agent_id"`
	Score    domain.AgentRoutingScore   `json:"score"`
	Fallback bool                       `json:"fallback"`
	Scores   []domain.AgentRoutingScore `json:"scores"`
}

// Scorer computes routing scores. Scoring is pure; only the round-robin
// cursor per queue is stateful.
type Scorer struct {
	config Config
	logger *zap.Logger

	mu sync.Mutex
	rr map[string]int // queueID → next round-robin index
}

// NewScorer creates a scorer.
func NewScorer(cfg Config, logger *zap.Logger) *Scorer {
	d := DefaultConfig()
	if cfg.TargetHandleTime <= 0 {
		cfg.TargetHandleTime = d.TargetHandleTime
	}
	if cfg.NoHistoryPerformance <= 0 {
		cfg.NoHistoryPerformance = d.NoHistoryPerformance
	}
	if cfg.IdleCap <= 0 {
		cfg.IdleCap = d.IdleCap
	}
	if cfg.BestMatchRatio <= 0 && cfg.BestMatchProficiency <= 0 {
		cfg.BestMatchRatio, cfg.BestMatchProficiency = d.BestMatchRatio, d.BestMatchProficiency
	}
	cfg.Defaults = mergeRouting(cfg.Defaults, d.Defaults)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		config: cfg,
		logger: logger.With(zap.String("component", "routing")),
		rr:     make(map[string]int),
	}
}

// Resolve fills the zero fields of rc from the scorer's defaults.
func (s *Scorer) Resolve(rc domain.RoutingConfig) domain.RoutingConfig {
	return mergeRouting(rc, s.config.Defaults)
}

func mergeRouting(rc, d domain.RoutingConfig) domain.RoutingConfig {
	if rc.Mode == "" {
		rc.Mode = d.Mode
	}
	if rc.Algorithm == "" {
		rc.Algorithm = d.Algorithm
	}
	if rc.Fallback == "" {
		rc.Fallback = d.Fallback
	}
	if rc.MinProficiency <= 0 {
		rc.MinProficiency = d.MinProficiency
	}
	if rc.Weights == (domain.ScoreWeights{}) {
		rc.Weights = d.Weights
	}
	return rc
}

// Score computes a score for every candidate, sorted by total descending
// (agent ID breaks ties).
func (s *Scorer) Score(task *domain.Task, candidates []domain.AgentSnapshot, rc domain.RoutingConfig, now time.Time) []domain.AgentRoutingScore {
	rc = s.Resolve(rc)
	out := make([]domain.AgentRoutingScore, 0, len(candidates))
	for i := range candidates {
		out = append(out, s.score(task, &candidates[i], rc, now))
	}
	sortByTotal(out)
	return out
}

// CanWork scores a single agent; Eligible reports whether it may take task.
func (s *Scorer) CanWork(task *domain.Task, agent domain.AgentSnapshot, rc domain.RoutingConfig, now time.Time) domain.AgentRoutingScore {
	return s.score(task, &agent, s.Resolve(rc), now)
}

// Admits reports whether Select would hand task to agent were it the only
// candidate. Unlike Select it leaves round-robin rotation untouched, so it is
// safe for speculative checks across many queue heads.
func (s *Scorer) Admits(task *domain.Task, agent domain.AgentSnapshot, rc domain.RoutingConfig, now time.Time) bool {
	rc = s.Resolve(rc)
	if s.score(task, &agent, rc, now).Eligible {
		return true
	}
	return rc.Fallback == domain.FallbackAnyAvailable && available(task, &agent)
}

func (s *Scorer) score(task *domain.Task, a *domain.AgentSnapshot, rc domain.RoutingConfig, now time.Time) domain.AgentRoutingScore {
	sc := domain.AgentRoutingScore{AgentID: a.Profile.ID}

	var skillOK bool
	reason := ""
	sc.SkillScore, sc.MatchedSkills, skillOK = s.skillScore(task, a.Profile.Skills, rc)
	if !skillOK {
		reason = "skill requirement not met (" + string(rc.Mode) + ")"
	}
	sc.WorkloadScore = workloadScore(a)
	sc.PerformanceScore = s.performanceScore(a)
	sc.IdleScore = s.idleScore(a, now)

	w := rc.Weights
	sum := w.Skill + w.Workload + w.Performance + w.Idle
	if sum > 0 {
		sc.TotalScore = (w.Skill*sc.SkillScore + w.Workload*sc.WorkloadScore +
			w.Performance*sc.PerformanceScore + w.Idle*sc.IdleScore) / sum
	}

	switch {
	case contains(task.ExcludedAgents, a.Profile.ID):
		reason = "agent excluded by rule"
	case a.State != domain.AgentIdle:
		reason = "agent not idle (" + string(a.State) + ")"
	case a.ActiveTasks >= maxConcurrent(a):
		reason = "agent at capacity"
	}
	sc.Eligible = reason == ""
	sc.IneligibilityReason = reason
	return sc
}

// ─── Sub-scores ─────────────────────────────────────────────────────────────

// skillScore returns the 0..100 skill score, the number of required skills the
// agent holds at MinProficiency or better, and whether the mode is satisfied.
func (s *Scorer) skillScore(task *domain.Task, skills map[string]int, rc domain.RoutingConfig) (float64, int, bool) {
	required := len(task.Skills)
	if required == 0 {
		return 100, 0, true
	}
	matched, profSum := 0, 0
	for _, sk := range task.Skills {
		if p := skills[sk]; p >= rc.MinProficiency {
			matched++
			profSum += min(p, 10)
		}
	}
	ratio := float64(matched) / float64(required)
	profRatio := float64(profSum) / float64(required*10)

	switch rc.Mode {
	case domain.SkillStrict:
		if matched < required {
			return 0, matched, false
		}
		return profRatio * 100, matched, true
	case domain.SkillAny:
		return ratio * 100, matched, matched >= 1
	case domain.SkillBestMatch:
		wr, wp := s.config.BestMatchRatio, s.config.BestMatchProficiency
		return (wr*ratio + wp*profRatio) / (wr + wp) * 100, matched, true
	default: // flexible
		return ratio * 100, matched, matched*2 >= required
	}
}

func workloadScore(a *domain.AgentSnapshot) float64 {
	return clamp((1-float64(a.ActiveTasks)/float64(maxConcurrent(a)))*100, 0, 100)
}

func (s *Scorer) performanceScore(a *domain.AgentSnapshot) float64 {
	if a.TasksHandled == 0 || a.AvgHandleTime <= 0 {
		return s.config.NoHistoryPerformance
	}
	return clamp(float64(s.config.TargetHandleTime)/float64(a.AvgHandleTime)*100, 0, 100)
}

func (s *Scorer) idleScore(a *domain.AgentSnapshot, now time.Time) float64 {
	if a.State != domain.AgentIdle || a.LastStateChange.IsZero() {
		return 0
	}
	return clamp(now.Sub(a.LastStateChange).Seconds(), 0, s.config.IdleCap)
}

func maxConcurrent(a *domain.AgentSnapshot) int {
	if a.Profile.MaxConcurrent <= 0 {
		return 1
	}
	return a.Profile.MaxConcurrent
}

// ─── Selection ──────────────────────────────────────────────────────────────

// Select scores candidates and picks one agent for task in queueID. Preferred
// agents win when any of them is eligible. Returns false when no agent can be
// chosen.
func (s *Scorer) Select(queueID string, task *domain.Task, candidates []domain.AgentSnapshot, rc domain.RoutingConfig, now time.Time) (Selection, bool) {
	rc = s.Resolve(rc)
	scores := s.Score(task, candidates, rc, now)
	sel := Selection{Scores: scores}

	byID := make(map[string]*domain.AgentSnapshot, len(candidates))
	for i := range candidates {
		byID[candidates[i].Profile.ID] = &candidates[i]
	}

	var eligible []domain.AgentRoutingScore
	for _, sc := range scores {
		if sc.Eligible {
			eligible = append(eligible, sc)
		}
	}
	if len(task.PreferredAgents) > 0 {
		var preferred []domain.AgentRoutingScore
		for _, sc := range eligible {
			if contains(task.PreferredAgents, sc.AgentID) {
				preferred = append(preferred, sc)
			}
		}
		if len(preferred) > 0 {
			eligible = preferred
		}
	}

	if len(eligible) == 0 {
		if rc.Fallback != domain.FallbackAnyAvailable {
			return sel, false
		}
		for _, sc := range scores {
			if !available(task, byID[sc.AgentID]) {
				continue
			}
			sel.AgentID, sel.Score, sel.Fallback = sc.AgentID, sc, true
			s.logger.Debug("fallback selection",
				zap.String("queue_id", queueID),
				zap.String("task_id", task.ID),
				zap.String("agent_id", sc.AgentID),
			)
			return sel, true
		}
		return sel, false
	}

	pick := s.pick(queueID, rc.Algorithm, eligible, byID)
	sel.AgentID, sel.Score = pick.AgentID, pick
	return sel, true
}

// available reports whether a skill-ineligible agent can still take work
// under the any_available fallback.
func available(task *domain.Task, a *domain.AgentSnapshot) bool {
	return a != nil &&
		a.State == domain.AgentIdle &&
		a.ActiveTasks < maxConcurrent(a) &&
		!contains(task.ExcludedAgents, a.Profile.ID)
}

// pick applies algo to a non-empty eligible list already sorted by total.
func (s *Scorer) pick(queueID string, algo domain.Algorithm, eligible []domain.AgentRoutingScore, byID map[string]*domain.AgentSnapshot) domain.AgentRoutingScore {
	best := func(better func(a, b domain.AgentRoutingScore) bool) domain.AgentRoutingScore {
		top := eligible[0]
		for _, sc := range eligible[1:] {
			if better(sc, top) {
				top = sc
			}
		}
		return top
	}

	switch algo {
	case domain.AlgoRoundRobin:
		ordered := make([]domain.AgentRoutingScore, len(eligible))
		copy(ordered, eligible)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].AgentID < ordered[j].AgentID })
		s.mu.Lock()
		idx := s.rr[queueID] % len(ordered)
		s.rr[queueID] = idx + 1
		s.mu.Unlock()
		return ordered[idx]
	case domain.AlgoLeastBusy:
		return best(func(a, b domain.AgentRoutingScore) bool {
			return byID[a.AgentID].ActiveTasks < byID[b.AgentID].ActiveTasks
		})
	case domain.AlgoMostIdle:
		return best(func(a, b domain.AgentRoutingScore) bool {
			return byID[a.AgentID].LastStateChange.Before(byID[b.AgentID].LastStateChange)
		})
	case domain.AlgoProficiencyFirst:
		return best(func(a, b domain.AgentRoutingScore) bool { return a.SkillScore > b.SkillScore })
	case domain.AlgoLoadBalanced:
		return best(func(a, b domain.AgentRoutingScore) bool { return a.WorkloadScore > b.WorkloadScore })
	default: // skill_weighted, priority_cascade: list is pre-sorted by total
		return eligible[0]
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func sortByTotal(scores []domain.AgentRoutingScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].TotalScore != scores[j].TotalScore {
			return scores[i].TotalScore > scores[j].TotalScore
		}
		return scores[i].AgentID < scores[j].AgentID
	})
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
