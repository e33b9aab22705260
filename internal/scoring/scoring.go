// Package scoring computes weighted eligibility scores for (agent, task)
// pairs. Score is a pure function of its inputs; the engine only carries the
// configured threshold and the skill alias table.
package scoring

import (
	"math"
	"strings"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/epicerr"
	"github.com/rob-otix-ai/cto-flow-sub001/pkg/models"
)

// weightTolerance is the permitted floating error when checking that weights
// sum to 1.0. The sum is a configuration-time contract, not a runtime
// fallback: out-of-tolerance weights fail validation.
const weightTolerance = 1e-3

// neutralScore is used when a factor has no signal (no history, no epic).
const neutralScore = 50.0

// defaultAliases folds common skill spellings onto one canonical name so
// capability matching is not defeated by "ts" vs "typescript".
var defaultAliases = map[string]string{
	"ts":         "typescript",
	"js":         "javascript",
	"golang":     "go",
	"py":         "python",
	"k8s":        "kubernetes",
	"postgres":   "postgresql",
	"pg":         "postgresql",
	"reactjs":    "react",
	"react.js":   "react",
	"nodejs":     "node",
	"node.js":    "node",
	"tf":         "terraform",
	"gh-actions": "github-actions",
}

// Engine scores agents against tasks.
type Engine struct {
	threshold     float64
	historyWindow int
	aliases       map[string]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold overrides the eligibility threshold (default 50).
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithAlias adds a skill alias on top of the built-in table.
func WithAlias(alias, canonical string) Option {
	return func(e *Engine) { e.aliases[normalize(alias)] = normalize(canonical) }
}

// NewEngine creates a scoring engine with the default threshold and alias table.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		threshold:     models.DefaultScoreThreshold,
		historyWindow: models.DefaultHistoryWindow,
		aliases:       make(map[string]string, len(defaultAliases)),
	}
	for k, v := range defaultAliases {
		e.aliases[k] = v
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Threshold returns the configured eligibility threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (e *Engine) canonical(skill string) string {
	n := normalize(skill)
	if c, ok := e.aliases[n]; ok {
		return c
	}
	return n
}

func (e *Engine) canonicalSet(skills []string) map[string]bool {
	set := make(map[string]bool, len(skills))
	for _, s := range skills {
		set[e.canonical(s)] = true
	}
	return set
}

// Score computes the weighted eligibility of agent for task. Weights must sum
// to 1.0 within tolerance or a ValidationError is returned.
func (e *Engine) Score(agent models.AgentProfile, task models.TaskProgress, weights models.ScoreWeights) (models.AgentScore, error) {
	if math.Abs(weights.Sum()-1.0) > weightTolerance {
		return models.AgentScore{}, &epicerr.ValidationError{
			Field:  "weights",
			Reason: "must sum to 1.0",
		}
	}

	breakdown := models.ScoreBreakdown{
		CapabilityMatch:    e.capabilityMatch(agent, task),
		PerformanceHistory: e.performanceHistory(agent),
		Availability:       availability(agent),
		Specialization:     e.specialization(agent, task),
		Experience:         experience(agent, task),
	}

	total := breakdown.CapabilityMatch*weights.CapabilityMatch +
		breakdown.PerformanceHistory*weights.PerformanceHistory +
		breakdown.Availability*weights.Availability +
		breakdown.Specialization*weights.Specialization +
		breakdown.Experience*weights.Experience

	return models.AgentScore{
		AgentID:        agent.ID,
		TaskID:         task.TaskID,
		Breakdown:      breakdown,
		Weights:        weights,
		TotalScore:     total,
		MeetsThreshold: total >= e.threshold,
		Threshold:      e.threshold,
	}, nil
}

// capabilityMatch is the fraction of required capabilities the agent holds,
// after alias normalization. A task requiring nothing scores 100.
func (e *Engine) capabilityMatch(agent models.AgentProfile, task models.TaskProgress) float64 {
	if len(task.RequiredCapabilities) == 0 {
		return 100
	}
	have := e.canonicalSet(agent.Capabilities)
	matched := 0
	for _, req := range task.RequiredCapabilities {
		if have[e.canonical(req)] {
			matched++
		}
	}
	return float64(matched) / float64(len(task.RequiredCapabilities)) * 100
}

// performanceHistory is 0.6×success rate + 0.4×average quality over the last
// recorded outcomes. An agent with no history scores a neutral 50.
func (e *Engine) performanceHistory(agent models.AgentProfile) float64 {
	recs := agent.History
	if len(recs) == 0 {
		return neutralScore
	}
	if len(recs) > e.historyWindow {
		recs = recs[len(recs)-e.historyWindow:]
	}
	var successes int
	var quality float64
	for _, r := range recs {
		if r.Success {
			successes++
		}
		quality += r.Quality
	}
	successRate := float64(successes) / float64(len(recs)) * 100
	avgQuality := quality / float64(len(recs))
	return 0.6*successRate + 0.4*avgQuality
}

// availability is (1 − load/capacity)×100; exactly 0 at or over capacity, and
// 0 for a zero-capacity agent.
func availability(agent models.AgentProfile) float64 {
	if agent.MaxConcurrentTasks <= 0 {
		return 0
	}
	if agent.CurrentLoad >= agent.MaxConcurrentTasks {
		return 0
	}
	return (1 - float64(agent.CurrentLoad)/float64(agent.MaxConcurrentTasks)) * 100
}

// specialization scores domain fit. A task with no required capabilities has
// no specialization signal (neutral 50). A task with capabilities but no
// declared domain places no specialization requirement on the agent (100).
// Note the asymmetry with capabilityMatch's no-requirement default; the two
// are distinct on purpose.
func (e *Engine) specialization(agent models.AgentProfile, task models.TaskProgress) float64 {
	if len(task.RequiredCapabilities) == 0 {
		return neutralScore
	}
	if task.Domain == "" {
		return 100
	}
	specs := e.canonicalSet(agent.Specializations)
	matched := 0
	for _, req := range task.RequiredCapabilities {
		if specs[e.canonical(req)] {
			matched++
		}
	}
	return float64(matched) / float64(len(task.RequiredCapabilities)) * 100
}

// experience scales with the agent's prior completed work on the same epic:
// linear 0→100 over 0→5 prior tasks. A task with no epic reference scores a
// neutral 50.
func experience(agent models.AgentProfile, task models.TaskProgress) float64 {
	if task.EpicID == "" {
		return neutralScore
	}
	prior := 0
	for _, r := range agent.History {
		if r.EpicID == task.EpicID {
			prior++
		}
	}
	if prior >= 5 {
		return 100
	}
	return float64(prior) / 5 * 100
}
