package engine

import "log/slog"

// Strategy-registry boundary. The registry supplies each strategy's
// memory footprint and opt-out switch; the gate runs the assessor once
// at strategy-selection time and logs each verdict so operators can
// read the decision from logs alone.

// StrategyRequirement describes one extraction strategy's footprint and
// its explicit opt-out switch. Owned by the caller.
type StrategyRequirement struct {
	Name        string
	RequiredMb  int
	DisableFlag string // env var name, "" = no switch
}

// GateStrategies assesses every registered strategy and returns the
// per-strategy verdicts keyed by name.
func GateStrategies(a *MemoryAssessor, reqs []StrategyRequirement) map[string]MemoryAssessment {
	out := make(map[string]MemoryAssessment, len(reqs))
	for _, r := range reqs {
		as := a.Assess(r.RequiredMb, r.DisableFlag)
		IncrStrategyAssessment(as.Enabled)
		out[r.Name] = as
		slog.Info("strategy gate",
			slog.String("strategy", r.Name),
			slog.Bool("enabled", as.Enabled),
			slog.String("reason", as.Reason),
		)
	}
	return out
}
