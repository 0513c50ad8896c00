package aggregator

import (
	"strings"

	"playbook-loop-go/internal/types"
)

// Insight rolls up the calls of one improvement window.
type Insight struct {
	Calls          int            `json:"calls"`
	OutcomeCounts  map[string]int `json:"outcome_counts"`
	ConversionRate float64        `json:"conversion_rate"`
	// ObjectionCounts is keyed by the lowercased objection text.
	ObjectionCounts map[string]int `json:"objection_counts"`
	AnalyzedCalls   int            `json:"analyzed_calls"`
	MeanEngagement  *float64       `json:"mean_engagement"`
	TrendCounts     map[string]int `json:"trend_counts"`
	DeceptionFlags  int            `json:"deception_flags"`
	// EmotionCounts tallies the prospect emotion timeline across calls.
	EmotionCounts map[string]int `json:"emotion_counts"`
}

func Aggregate(calls []types.CallWithAnalysis) Insight {
	ins := Insight{
		Calls:           len(calls),
		OutcomeCounts:   map[string]int{},
		ObjectionCounts: map[string]int{},
		TrendCounts:     map[string]int{},
		EmotionCounts:   map[string]int{},
	}

	withOutcome, converted := 0, 0
	engagementSum, engaged := 0.0, 0
	for _, c := range calls {
		if c.Outcome != nil && *c.Outcome != "" {
			ins.OutcomeCounts[string(*c.Outcome)]++
			withOutcome++
			if *c.Outcome == types.OutcomeConverted {
				converted++
			}
		}
		if c.MainObjection != nil {
			if o := strings.ToLower(strings.TrimSpace(*c.MainObjection)); o != "" {
				ins.ObjectionCounts[o]++
			}
		}

		a := c.Analysis
		if a == nil {
			continue
		}
		ins.AnalyzedCalls++
		if a.EngagementScore != nil {
			engagementSum += *a.EngagementScore
			engaged++
		}
		if a.EngagementTrend != nil {
			ins.TrendCounts[string(*a.EngagementTrend)]++
		}
		ins.DeceptionFlags += len(a.DeceptionFlags)
		for _, e := range a.ProspectEmotions {
			ins.EmotionCounts[e.Emotion]++
		}
	}

	if withOutcome > 0 {
		ins.ConversionRate = float64(converted) / float64(withOutcome)
	}
	if engaged > 0 {
		mean := engagementSum / float64(engaged)
		ins.MeanEngagement = &mean
	}
	return ins
}
