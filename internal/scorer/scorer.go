// Package scorer turns diarized, emotion-tagged utterances into a CallAnalysis.
package scorer

import (
	"math"
	"sort"

	"playbook-loop-go/internal/types"
)

// Emotion vocabulary of the diarization provider.
var (
	engagedEmotions = setOf("Happy", "Amused", "Excited", "Proud", "Affectionate",
		"Interested", "Hopeful", "Confident", "Relieved")

	disengagedEmotions = setOf("Bored", "Tired", "Disgusted", "Disappointed", "Contemptuous")

	// strongEmotions raise timeline intensity to 0.8.
	strongEmotions = setOf("Frustrated", "Angry", "Interested", "Excited", "Hopeful",
		"Confused", "Anxious", "Stressed", "Afraid", "Concerned", "Surprised")

	// notableEmotions produce key moments. Same members as strongEmotions today.
	notableEmotions = setOf("Frustrated", "Angry", "Interested", "Excited", "Hopeful",
		"Confused", "Anxious", "Stressed", "Afraid", "Concerned", "Surprised")
)

const (
	neutralEmotion = "Neutral"

	trendMinTagged = 4
	trendThreshold = 0.15

	intensityStrong   = 0.8
	intensityAffect   = 0.6
	intensityModerate = 0.5

	deceptionType      = "disengaged_tone"
	deceptionTextLimit = 80
	keyMomentTextLimit = 120
)

// RoleResolver decides which diarized speaker is the agent.
type RoleResolver interface {
	// AgentSpeaker returns the agent's speaker id; ok is false when every
	// utterance should be treated as the prospect.
	AgentSpeaker(utts []types.Utterance) (id int, ok bool)
}

// LowestSpeakerID treats the numerically smallest speaker id as the agent
// when at least two speakers are present. This relies on the diarization
// provider numbering the first voice heard (the agent's opener) first.
type LowestSpeakerID struct{}

func (LowestSpeakerID) AgentSpeaker(utts []types.Utterance) (int, bool) {
	seen := map[int]bool{}
	lowest := 0
	for _, u := range utts {
		if !seen[u.SpeakerID] && (len(seen) == 0 || u.SpeakerID < lowest) {
			lowest = u.SpeakerID
		}
		seen[u.SpeakerID] = true
	}
	if len(seen) < 2 {
		return 0, false
	}
	return lowest, true
}

// Scorer computes engagement analysis. The zero value is not usable; use New.
type Scorer struct {
	roles RoleResolver
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithRoleResolver replaces the default LowestSpeakerID policy.
func WithRoleResolver(r RoleResolver) Option {
	return func(s *Scorer) { s.roles = r }
}

func New(opts ...Option) *Scorer {
	s := &Scorer{roles: LowestSpeakerID{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

var defaultScorer = New()

// Score analyzes utts with the default role policy.
func Score(utts []types.Utterance) types.CallAnalysis {
	return defaultScorer.Score(utts)
}

// Score analyzes utts. It never fails: missing signal yields nil fields.
func (s *Scorer) Score(utts []types.Utterance) types.CallAnalysis {
	prospect, agent := s.split(utts)

	var tagged []types.Utterance
	for _, u := range prospect {
		if u.Emotion != "" {
			tagged = append(tagged, u)
		}
	}

	var out types.CallAnalysis
	if len(tagged) > 0 {
		score := clamp01((affectRatio(tagged) + 1) / 2)
		out.EngagementScore = &score
	}
	if len(tagged) >= trendMinTagged {
		half := len(tagged) / 2
		trend := TrendFromDelta(affectRatio(tagged[half:]) - affectRatio(tagged[:half]))
		out.EngagementTrend = &trend
	}
	out.AgentTone = dominantEmotion(agent)

	for _, u := range prospect {
		ts := timestampSeconds(u.StartMs)
		if u.Emotion != "" && u.Emotion != neutralEmotion {
			out.ProspectEmotions = append(out.ProspectEmotions, types.ProspectEmotion{
				TimestampSeconds: ts,
				Emotion:          u.Emotion,
				Intensity:        intensity(u.Emotion),
			})
		}
		if disengagedEmotions[u.Emotion] {
			out.DeceptionFlags = append(out.DeceptionFlags, types.DeceptionFlag{
				TimestampSeconds: ts,
				Type:             deceptionType,
				Description:      "Prospect sounds " + lower(u.Emotion) + `: "` + truncate(u.Text, deceptionTextLimit) + `"`,
			})
		}
		if notableEmotions[u.Emotion] {
			out.KeyMoments = append(out.KeyMoments, types.KeyMoment{
				TimestampSeconds: ts,
				Label:            u.Emotion,
				Description:      `"` + truncate(u.Text, keyMomentTextLimit) + `"`,
			})
		}
	}
	return out
}

func (s *Scorer) split(utts []types.Utterance) (prospect, agent []types.Utterance) {
	agentID, hasAgent := s.roles.AgentSpeaker(utts)
	if !hasAgent {
		return utts, nil
	}
	for _, u := range utts {
		if u.SpeakerID == agentID {
			agent = append(agent, u)
		} else {
			prospect = append(prospect, u)
		}
	}
	return prospect, agent
}

// TrendFromDelta classifies the change in engagement between call halves.
func TrendFromDelta(delta float64) types.Trend {
	switch {
	case delta > trendThreshold:
		return types.TrendRising
	case delta < -trendThreshold:
		return types.TrendFalling
	default:
		return types.TrendFlat
	}
}

// affectRatio is (engaged - disengaged) / len(utts), in [-1, 1].
func affectRatio(utts []types.Utterance) float64 {
	if len(utts) == 0 {
		return 0
	}
	var engaged, disengaged int
	for _, u := range utts {
		switch {
		case engagedEmotions[u.Emotion]:
			engaged++
		case disengagedEmotions[u.Emotion]:
			disengaged++
		}
	}
	return float64(engaged-disengaged) / float64(len(utts))
}

func intensity(emotion string) float64 {
	switch {
	case strongEmotions[emotion]:
		return intensityStrong
	case engagedEmotions[emotion], disengagedEmotions[emotion]:
		return intensityAffect
	default:
		return intensityModerate
	}
}

// dominantEmotion returns the most frequent tag, first seen wins ties.
func dominantEmotion(utts []types.Utterance) *string {
	counts := map[string]int{}
	var order []string
	for _, u := range utts {
		if u.Emotion == "" {
			continue
		}
		if counts[u.Emotion] == 0 {
			order = append(order, u.Emotion)
		}
		counts[u.Emotion]++
	}
	if len(order) == 0 {
		return nil
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	return &order[0]
}

func timestampSeconds(startMs int64) int {
	return int(math.Round(float64(startMs) / 1000))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func lower(s string) string {
	r := []rune(s)
	for i, c := range r {
		if c >= 'A' && c <= 'Z' {
			r[i] = c + ('a' - 'A')
		}
	}
	return string(r)
}

func setOf(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
