package types

import "strings"

// CallEvent is the provider-agnostic shape of an inbound call notification.
type CallEvent struct {
	ExternalConversationID string
	Transcript             *string
	Outcome                *Outcome
	MainObjection          *string
	InterestLevel          *string

	// AudioBytes is set when the payload carried inline audio.
	AudioBytes []byte
	// AudioURL is set when the payload pointed at fetchable audio.
	AudioURL string
}

// HasAudio reports whether the event carries audio or a pointer to it.
func (e CallEvent) HasAudio() bool {
	return len(e.AudioBytes) > 0 || e.AudioURL != ""
}

// Update returns the call fields carried by the event.
func (e CallEvent) Update() CallUpdate {
	return CallUpdate{
		Transcript:    e.Transcript,
		Outcome:       e.Outcome,
		MainObjection: e.MainObjection,
		InterestLevel: e.InterestLevel,
	}.Normalized()
}

// CallUpdate is a partial write to a CallRecord. Nil fields are left alone.
type CallUpdate struct {
	Transcript    *string
	Outcome       *Outcome
	MainObjection *string
	InterestLevel *string
}

// Normalized drops blank values so that they can never erase stored data.
func (u CallUpdate) Normalized() CallUpdate {
	return CallUpdate{
		Transcript:    nonBlank(u.Transcript),
		Outcome:       nonBlankOutcome(u.Outcome),
		MainObjection: nonBlank(u.MainObjection),
		InterestLevel: nonBlank(u.InterestLevel),
	}
}

// IsEmpty reports whether the update carries no fields at all.
func (u CallUpdate) IsEmpty() bool {
	n := u.Normalized()
	return n.Transcript == nil && n.Outcome == nil && n.MainObjection == nil && n.InterestLevel == nil
}

func nonBlank(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}

func nonBlankOutcome(o *Outcome) *Outcome {
	if o == nil || strings.TrimSpace(string(*o)) == "" {
		return nil
	}
	return o
}

// Utterance is one diarized speaker turn.
type Utterance struct {
	SpeakerID  int    `json:"speaker"`
	StartMs    int64  `json:"start_ms"`
	DurationMs int64  `json:"duration_ms"`
	Text       string `json:"text"`
	// Emotion is empty when the provider did not tag the utterance.
	Emotion string `json:"emotion,omitempty"`
}
