package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/switchboard/internal/domain"
)

var now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	return NewScorer(DefaultConfig(), nil)
}

func idleAgent(id string, idleFor time.Duration, skills map[string]int) domain.AgentSnapshot {
	return domain.AgentSnapshot{
		Profile:         domain.AgentProfile{ID: id, Skills: skills, MaxConcurrent: 1},
		State:           domain.AgentIdle,
		LastStateChange: now.Add(-idleFor),
	}
}

func taskWith(skills ...string) *domain.Task {
	return &domain.Task{ID: "t1", Skills: skills}
}

// ─── Skill modes ────────────────────────────────────────────────────────────

func TestScorer_SkillModes(t *testing.T) {
	task := taskWith("billing", "spanish", "vip", "legal")
	half := map[string]int{"billing": 8, "spanish": 6}
	one := map[string]int{"billing": 10}
	all := map[string]int{"billing": 10, "spanish": 10, "vip": 5, "legal": 5}

	tests := []struct {
		mode     domain.SkillMode
		skills   map[string]int
		eligible bool
		score    float64
	}{
		{domain.SkillStrict, all, true, 75},
		{domain.SkillStrict, half, false, 0},
		{domain.SkillFlexible, half, true, 50},
		{domain.SkillFlexible, one, false, 25},
		{domain.SkillAny, one, true, 25},
		{domain.SkillAny, nil, false, 0},
		// 0.6 × 0.5 + 0.4 × (14/40) = 0.44
		{domain.SkillBestMatch, half, true, 44},
		{domain.SkillBestMatch, nil, true, 0},
	}
	s := newTestScorer(t)
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			rc := domain.RoutingConfig{Mode: tt.mode}
			sc := s.CanWork(task, idleAgent("a", time.Minute, tt.skills), rc, now)
			assert.Equal(t, tt.eligible, sc.Eligible, sc.IneligibilityReason)
			assert.InDelta(t, tt.score, sc.SkillScore, 0.001)
		})
	}
}

func TestScorer_MinProficiency(t *testing.T) {
	s := newTestScorer(t)
	rc := domain.RoutingConfig{Mode: domain.SkillStrict, MinProficiency: 7}
	sc := s.CanWork(taskWith("billing"), idleAgent("a", 0, map[string]int{"billing": 6}), rc, now)
	assert.False(t, sc.Eligible)
	assert.Equal(t, 0, sc.MatchedSkills)
}

func TestScorer_NoRequiredSkills(t *testing.T) {
	s := newTestScorer(t)
	sc := s.CanWork(taskWith(), idleAgent("a", 0, nil), domain.RoutingConfig{Mode: domain.SkillStrict}, now)
	assert.True(t, sc.Eligible)
	assert.Equal(t, 100.0, sc.SkillScore)
}

// ─── Other sub-scores ───────────────────────────────────────────────────────

func TestScorer_SubScores(t *testing.T) {
	s := newTestScorer(t)
	a := idleAgent("a", 30*time.Second, nil)
	a.Profile.MaxConcurrent = 4
	a.ActiveTasks = 1
	a.TasksHandled = 10
	a.AvgHandleTime = 600 * time.Second

	sc := s.CanWork(taskWith(), a, domain.RoutingConfig{}, now)

	assert.InDelta(t, 75, sc.WorkloadScore, 0.001)
	assert.InDelta(t, 50, sc.PerformanceScore, 0.001)
	assert.InDelta(t, 30, sc.IdleScore, 0.001)
	// 0.4×100 + 0.3×75 + 0.2×50 + 0.1×30
	assert.InDelta(t, 75.5, sc.TotalScore, 0.001)
}

func TestScorer_PerformanceAndIdleCaps(t *testing.T) {
	s := newTestScorer(t)
	fast := idleAgent("fast", time.Hour, nil)
	fast.TasksHandled = 3
	fast.AvgHandleTime = 60 * time.Second

	sc := s.CanWork(taskWith(), fast, domain.RoutingConfig{}, now)
	assert.Equal(t, 100.0, sc.PerformanceScore)
	assert.Equal(t, 100.0, sc.IdleScore)

	fresh := idleAgent("fresh", 0, nil)
	assert.Equal(t, 50.0, s.CanWork(taskWith(), fresh, domain.RoutingConfig{}, now).PerformanceScore)
}

func TestScorer_Ineligibility(t *testing.T) {
	s := newTestScorer(t)
	busy := idleAgent("busy", 0, nil)
	busy.State = domain.AgentActive
	full := idleAgent("full", 0, nil)
	full.ActiveTasks = 1
	excluded := idleAgent("excluded", 0, nil)

	task := taskWith()
	task.ExcludedAgents = []string{"excluded"}

	scores := s.Score(task, []domain.AgentSnapshot{busy, full, excluded}, domain.RoutingConfig{}, now)
	reasons := map[string]string{}
	for _, sc := range scores {
		assert.False(t, sc.Eligible)
		reasons[sc.AgentID] = sc.IneligibilityReason
	}
	assert.Equal(t, "agent not idle (ACTIVE)", reasons["busy"])
	assert.Equal(t, "agent at capacity", reasons["full"])
	assert.Equal(t, "agent excluded by rule", reasons["excluded"])
}

// ─── Selection ──────────────────────────────────────────────────────────────

func TestScorer_SelectAlgorithms(t *testing.T) {
	// a: expert, one of three slots used; b: novice, long idle, half loaded;
	// c: mid proficiency, free.
	a := idleAgent("a", 5*time.Second, map[string]int{"billing": 10})
	a.Profile.MaxConcurrent, a.ActiveTasks = 3, 1
	b := idleAgent("b", 90*time.Second, map[string]int{"billing": 2})
	b.Profile.MaxConcurrent, b.ActiveTasks = 2, 1
	c := idleAgent("c", 20*time.Second, map[string]int{"billing": 5})
	candidates := []domain.AgentSnapshot{a, b, c}

	// totals: c 74, a 70.5, b 61.2
	tests := []struct {
		algo domain.Algorithm
		want string
	}{
		{domain.AlgoMostIdle, "b"},
		{domain.AlgoProficiencyFirst, "a"},
		{domain.AlgoSkillWeighted, "c"},
		{domain.AlgoPriorityCascade, "c"},
		{domain.AlgoLeastBusy, "c"},
		{domain.AlgoLoadBalanced, "c"},
	}
	for _, tt := range tests {
		t.Run(string(tt.algo), func(t *testing.T) {
			s := newTestScorer(t)
			rc := domain.RoutingConfig{Mode: domain.SkillBestMatch, Algorithm: tt.algo}
			sel, ok := s.Select("q", taskWith("billing"), candidates, rc, now)
			require.True(t, ok)
			assert.Equal(t, tt.want, sel.AgentID)
			assert.False(t, sel.Fallback)
		})
	}
}

func TestScorer_RoundRobinRotatesPerQueue(t *testing.T) {
	s := newTestScorer(t)
	candidates := []domain.AgentSnapshot{
		idleAgent("c", 0, nil), idleAgent("a", 0, nil), idleAgent("b", 0, nil),
	}
	rc := domain.RoutingConfig{Algorithm: domain.AlgoRoundRobin}

	var got []string
	for i := 0; i < 4; i++ {
		sel, ok := s.Select("q1", taskWith(), candidates, rc, now)
		require.True(t, ok)
		got = append(got, sel.AgentID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)

	other, _ := s.Select("q2", taskWith(), candidates, rc, now)
	assert.Equal(t, "a", other.AgentID)
}

func TestScorer_AdmitsLeavesRotationAlone(t *testing.T) {
	s := newTestScorer(t)
	rc := domain.RoutingConfig{Algorithm: domain.AlgoRoundRobin}
	for i := 0; i < 5; i++ {
		assert.True(t, s.Admits(taskWith(), idleAgent("b", 0, nil), rc, now))
	}

	sel, ok := s.Select("q", taskWith(), []domain.AgentSnapshot{
		idleAgent("b", 0, nil), idleAgent("a", 0, nil),
	}, rc, now)
	require.True(t, ok)
	assert.Equal(t, "a", sel.AgentID, "rotation starts at the first agent by ID")
}

func TestScorer_Admits(t *testing.T) {
	task := taskWith("legal")
	novice := idleAgent("novice", time.Minute, map[string]int{"billing": 9})
	expert := idleAgent("expert", time.Minute, map[string]int{"legal": 9})
	busy := idleAgent("busy", 0, map[string]int{"legal": 9})
	busy.State = domain.AgentActive
	strict := domain.RoutingConfig{Mode: domain.SkillStrict}
	fallback := domain.RoutingConfig{Mode: domain.SkillStrict, Fallback: domain.FallbackAnyAvailable}

	tests := []struct {
		name  string
		agent domain.AgentSnapshot
		rc    domain.RoutingConfig
		want  bool
	}{
		{"eligible", expert, strict, true},
		{"missing skill", novice, strict, false},
		{"missing skill with fallback", novice, fallback, true},
		{"not idle with fallback", busy, fallback, false},
	}
	s := newTestScorer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Admits(task, tt.agent, tt.rc, now))
		})
	}
}

func TestScorer_PreferredAgentsWin(t *testing.T) {
	s := newTestScorer(t)
	task := taskWith()
	task.PreferredAgents = []string{"z", "slow"}
	fast := idleAgent("fast", time.Hour, nil)
	slow := idleAgent("slow", 0, nil)

	sel, ok := s.Select("q", task, []domain.AgentSnapshot{fast, slow}, domain.RoutingConfig{}, now)
	require.True(t, ok)
	assert.Equal(t, "slow", sel.AgentID)
}

func TestScorer_Fallback(t *testing.T) {
	task := taskWith("legal")
	novice := idleAgent("novice", time.Minute, map[string]int{"billing": 9})
	busy := idleAgent("busy", time.Hour, map[string]int{"legal": 10})
	busy.State = domain.AgentActive
	candidates := []domain.AgentSnapshot{novice, busy}

	s := newTestScorer(t)
	_, ok := s.Select("q", task, candidates, domain.RoutingConfig{Mode: domain.SkillStrict}, now)
	assert.False(t, ok, "no fallback configured")

	rc := domain.RoutingConfig{Mode: domain.SkillStrict, Fallback: domain.FallbackAnyAvailable}
	sel, ok := s.Select("q", task, candidates, rc, now)
	require.True(t, ok)
	assert.True(t, sel.Fallback)
	assert.Equal(t, "novice", sel.AgentID)
	assert.Len(t, sel.Scores, 2)
}

func TestScorer_ScoreSortedByTotal(t *testing.T) {
	s := newTestScorer(t)
	scores := s.Score(taskWith(), []domain.AgentSnapshot{
		idleAgent("b", 10*time.Second, nil),
		idleAgent("a", 10*time.Second, nil),
		idleAgent("c", 50*time.Second, nil),
	}, domain.RoutingConfig{}, now)

	require.Len(t, scores, 3)
	assert.Equal(t, "c", scores[0].AgentID)
	assert.Equal(t, "a", scores[1].AgentID)
	assert.Equal(t, "b", scores[2].AgentID)
}
