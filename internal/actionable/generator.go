package actionable

import (
	"fmt"
	"sort"
	"strings"

	"playbook-loop-go/internal/aggregator"
)

// Thresholds for the playbook recommendations.
const (
	objectionShare     = 0.35
	lowEngagement      = 0.4
	strongConversion   = 0.5
	minCallsForPattern = 2
)

type ActionCard struct {
	Insight string `json:"insight"`
	Action  string `json:"action"`
	Impact  string `json:"impact"`
}

// Generate picks the single most pressing recommendation for the rewrite.
func Generate(ins aggregator.Insight) ActionCard {
	if ins.Calls == 0 {
		return ActionCard{
			Insight: "No calls since the last improvement cycle",
			Action:  "Keep the current playbook",
			Impact:  "None until more calls arrive",
		}
	}

	if obj, n := top(ins.ObjectionCounts); n >= minCallsForPattern && float64(n)/float64(ins.Calls) >= objectionShare {
		return ActionCard{
			Insight: fmt.Sprintf("Objection %q raised in %d of %d calls", obj, n, ins.Calls),
			Action:  fmt.Sprintf("Rework objection handling for %q and pre-empt it in the opener", obj),
			Impact:  "Fewer stalled calls at the objection stage",
		}
	}

	if ins.MeanEngagement != nil && *ins.MeanEngagement < lowEngagement {
		return ActionCard{
			Insight: fmt.Sprintf("Prospects disengaged (mean engagement %.0f%%)", *ins.MeanEngagement*100),
			Action:  "Shorten the opener and ask a discovery question earlier",
			Impact:  "Higher prospect engagement in the first minute",
		}
	}

	if ins.TrendCounts["falling"] > ins.TrendCounts["rising"] && ins.TrendCounts["falling"] >= minCallsForPattern {
		return ActionCard{
			Insight: fmt.Sprintf("Engagement fell during %d calls", ins.TrendCounts["falling"]),
			Action:  "Move to the close sooner and cut feature walkthroughs",
			Impact:  "Keep prospects engaged through the close",
		}
	}

	if ins.ConversionRate >= strongConversion {
		return ActionCard{
			Insight: fmt.Sprintf("Conversion rate %.0f%%", ins.ConversionRate*100),
			Action:  "Keep the strategy and refine the close wording only",
			Impact:  "Protect what is working",
		}
	}

	return ActionCard{
		Insight: "No strong pattern detected",
		Action:  "Monitor and collect more data",
		Impact:  "Low immediate intervention",
	}
}

// Summarize renders the insight and its recommendation as one paragraph
// for the rewrite service.
func Summarize(ins aggregator.Insight) string {
	card := Generate(ins)

	var b strings.Builder
	fmt.Fprintf(&b, "%d calls since last cycle", ins.Calls)
	if len(ins.OutcomeCounts) > 0 {
		var parts []string
		for _, k := range sortedKeys(ins.OutcomeCounts) {
			parts = append(parts, fmt.Sprintf("%d %s", ins.OutcomeCounts[k], k))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	b.WriteString(".")
	if ins.MeanEngagement != nil {
		fmt.Fprintf(&b, " Mean engagement %.0f%% over %d analyzed calls.", *ins.MeanEngagement*100, ins.AnalyzedCalls)
	}
	if ins.DeceptionFlags > 0 {
		fmt.Fprintf(&b, " %d disengaged-tone flags.", ins.DeceptionFlags)
	}
	fmt.Fprintf(&b, " Insight: %s. Action: %s.", card.Insight, card.Action)
	return b.String()
}

// top returns the highest count, ties broken alphabetically.
func top(counts map[string]int) (string, int) {
	best, bestN := "", 0
	for _, k := range sortedKeys(counts) {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best, bestN
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
