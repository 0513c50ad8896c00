package types

import (
	"strings"
	"time"
)

// Outcome is the provider-reported result of a call.
type Outcome string

const (
	OutcomeConverted Outcome = "converted"
	OutcomeNoClose   Outcome = "no_close"
	OutcomeCallback  Outcome = "callback"
	OutcomeHungUp    Outcome = "hung_up"
	OutcomeUnknown   Outcome = "unknown"
)

// ParseOutcome maps a free-form provider value onto the known outcomes.
// Blank input yields "", anything unrecognized yields OutcomeUnknown.
func ParseOutcome(s string) Outcome {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return ""
	}
	v = strings.NewReplacer("-", "_", " ", "_").Replace(v)
	switch o := Outcome(v); o {
	case OutcomeConverted, OutcomeNoClose, OutcomeCallback, OutcomeHungUp, OutcomeUnknown:
		return o
	case "hangup", "hung":
		return OutcomeHungUp
	}
	return OutcomeUnknown
}

// CallRecord is the durable record of one phone conversation.
type CallRecord struct {
	ID                     string    `json:"id"`
	ExternalConversationID string    `json:"external_conversation_id"`
	Transcript             *string   `json:"transcript"`
	Outcome                *Outcome  `json:"outcome"`
	MainObjection          *string   `json:"main_objection"`
	InterestLevel          *string   `json:"interest_level"`
	PlaybookID             *string   `json:"playbook_id"`
	CreatedAt              time.Time `json:"created_at"`

	// Revision is bumped on every write by stores that support
	// compare-and-swap. Zero for stores that merge natively.
	Revision int64 `json:"-"`
}

// CallWithAnalysis is a call joined with its analysis, if any.
type CallWithAnalysis struct {
	CallRecord
	Analysis *CallAnalysis `json:"call_analysis"`
}

// Trend is the direction of prospect engagement over a call.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendFlat    Trend = "flat"
)

type ProspectEmotion struct {
	TimestampSeconds int     `json:"timestamp_seconds"`
	Emotion          string  `json:"emotion"`
	Intensity        float64 `json:"intensity"`
}

type DeceptionFlag struct {
	TimestampSeconds int    `json:"timestamp_seconds"`
	Type             string `json:"type"`
	Description      string `json:"description"`
}

type KeyMoment struct {
	TimestampSeconds int    `json:"timestamp_seconds"`
	Label            string `json:"label"`
	Description      string `json:"description"`
}

// CallAnalysis is the engagement analysis derived from diarized audio.
// Nil slices mean "no signal"; they are never stored as empty lists.
type CallAnalysis struct {
	EngagementScore  *float64          `json:"engagement_score"`
	EngagementTrend  *Trend            `json:"engagement_trend"`
	ProspectEmotions []ProspectEmotion `json:"prospect_emotions"`
	AgentTone        *string           `json:"agent_tone"`
	DeceptionFlags   []DeceptionFlag   `json:"deception_flags"`
	KeyMoments       []KeyMoment       `json:"key_moments"`
}

// Playbook is one immutable version of the sales strategy.
type Playbook struct {
	ID             string    `json:"id"`
	Version        int       `json:"version"`
	Strategy       string    `json:"strategy"`
	Opener         string    `json:"opener"`
	ObjectionStyle string    `json:"objection_style"`
	Tone           string    `json:"tone"`
	CloseTechnique string    `json:"close_technique"`
	Rationale      string    `json:"rationale"`
	CreatedAt      time.Time `json:"created_at"`
}

// PlaybookDraft is the content of a playbook before a version is assigned.
type PlaybookDraft struct {
	Strategy       string `json:"strategy" validate:"required"`
	Opener         string `json:"opener" validate:"required"`
	ObjectionStyle string `json:"objection_style" validate:"required"`
	Tone           string `json:"tone" validate:"required"`
	CloseTechnique string `json:"close_technique" validate:"required"`
	Rationale      string `json:"rationale" validate:"required"`
}

// ImprovementLogEntry audits one completed rewrite cycle.
type ImprovementLogEntry struct {
	ID              string    `json:"id"`
	CallsAnalyzed   int       `json:"calls_analyzed"`
	OldPlaybookID   *string   `json:"old_playbook_id"`
	NewPlaybookID   *string   `json:"new_playbook_id"`
	AnalysisSummary *string   `json:"analysis_summary"`
	CreatedAt       time.Time `json:"created_at"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// ImprovementCycle is the input for recording a completed rewrite cycle.
// A nil Playbook records the cycle without publishing a new version.
type ImprovementCycle struct {
	CallsAnalyzed   int            `json:"calls_analyzed" validate:"gte=0"`
	AnalysisSummary *string        `json:"analysis_summary"`
	Playbook        *PlaybookDraft `json:"playbook" validate:"omitempty"`
}

// LatestCall is the dashboard preview of the most recent call.
type LatestCall struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	CreatedAt         time.Time `json:"created_at"`
	TranscriptPreview string    `json:"transcript_preview"`
	HasAnalysis       bool      `json:"has_analysis"`
}

// CallSummary is the dashboard rollup over all calls.
type CallSummary struct {
	TotalCalls    int         `json:"total_calls"`
	AnalyzedCalls int         `json:"analyzed_calls"`
	LatestCall    *LatestCall `json:"latest_call"`
}
