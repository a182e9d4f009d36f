package taskqueue

import "strings"

// Target agents a task can be routed to.
const (
	AgentDev     = "dev-agent"
	AgentOffice  = "office-agent"
	AgentFitness = "fitness-agent"
	AgentTriage  = "triage-agent"
)

// routes are checked in order; the first keyword hit wins.
var routes = []struct {
	agent    string
	keywords []string
}{
	{AgentDev, []string{"latency", "optimi", "refactor", "performance", "cache", "code", "bug", "fix"}},
	{AgentOffice, []string{"document", "docs", "write", "report", "summar"}},
	{AgentFitness, []string{"fitness", "workout", "nutrition"}},
	{AgentTriage, []string{"triage", "incident", "alert", "monitor", "slo", "error budget"}},
}

// InferTargetAgent picks an agent for an action by keyword. It returns "" when
// nothing matches.
func InferTargetAgent(action string) string {
	a := strings.ToLower(action)
	for _, r := range routes {
		for _, kw := range r.keywords {
			if strings.Contains(a, kw) {
				return r.agent
			}
		}
	}
	return ""
}
