// Package normalizer maps provider webhook payloads onto types.CallEvent.
//
// Providers disagree on where they put things, so every field is looked up
// through the same ordered chain of locations (top level, "data",
// "event.data") and, inside each location, an ordered list of key names.
// The first non-blank match wins. Normalization never fails on a payload it
// can parse: fields it cannot make sense of are simply absent.
package normalizer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"playbook-loop-go/internal/types"
)

// Payload is a decoded JSON object.
type Payload = map[string]any

// locator returns the object at one candidate nesting level, or nil.
type locator struct {
	name string
	find func(Payload) Payload
}

var locators = []locator{
	{"top", func(p Payload) Payload { return p }},
	{"data", func(p Payload) Payload { return object(p["data"]) }},
	{"event.data", func(p Payload) Payload { return object(object(p["event"])["data"]) }},
}

// Key names in priority order.
var (
	conversationIDKeys = []string{"conversation_id", "conversationId", "call_id", "callId"}
	transcriptKeys     = []string{"transcript"}
	inlineAudioKeys    = []string{"audio", "audio_base64", "full_audio"}
	audioURLKeys       = []string{"audio_url", "recording_url"}
)

const (
	fieldOutcome       = "outcome"
	fieldMainObjection = "main_objection"
	fieldInterestLevel = "interest_level"
)

// NormalizeJSON decodes body and normalizes it. ok is false when the body is
// valid JSON but carries no conversation identifier. A decode error means the
// body was not JSON at all.
func NormalizeJSON(body []byte) (ev types.CallEvent, ok bool, err error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return types.CallEvent{}, false, fmt.Errorf("decode payload: %w", err)
	}
	p := object(v)
	if p == nil {
		return types.CallEvent{}, false, nil
	}
	ev, ok = Normalize(p)
	return ev, ok, nil
}

// Normalize extracts a CallEvent from p. ok is false when no conversation
// identifier can be found; callers acknowledge and ignore such payloads.
func Normalize(p Payload) (types.CallEvent, bool) {
	id := ConversationID(p)
	if id == "" {
		return types.CallEvent{}, false
	}

	ev := types.CallEvent{
		ExternalConversationID: id,
		Transcript:             transcript(p),
		MainObjection:          classification(p, fieldMainObjection),
		InterestLevel:          classification(p, fieldInterestLevel),
	}
	if raw := classification(p, fieldOutcome); raw != nil {
		if o := types.ParseOutcome(*raw); o != "" {
			ev.Outcome = &o
		}
	}
	ev.AudioBytes, ev.AudioURL = audio(p)
	return ev, true
}

// ConversationID returns the first conversation identifier found in p, or "".
func ConversationID(p Payload) string {
	for _, loc := range locators {
		obj := loc.find(p)
		if obj == nil {
			continue
		}
		for _, key := range conversationIDKeys {
			if s := scalarString(obj[key]); s != "" {
				return s
			}
		}
	}
	return ""
}

func transcript(p Payload) *string {
	for _, loc := range locators {
		obj := loc.find(p)
		if obj == nil {
			continue
		}
		for _, key := range transcriptKeys {
			v, present := obj[key]
			if !present || v == nil {
				continue
			}
			if s := strings.TrimSpace(renderTranscript(v)); s != "" {
				return &s
			}
		}
	}
	return nil
}

// renderTranscript turns plain text, a list of role/message turns, or any
// other JSON value into transcript text.
func renderTranscript(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if lines, ok := renderTurns(t); ok {
			return strings.Join(lines, "\n")
		}
	}
	return verbatim(v)
}

func renderTurns(turns []any) ([]string, bool) {
	lines := make([]string, 0, len(turns))
	for _, raw := range turns {
		turn := object(raw)
		if turn == nil {
			return nil, false
		}
		role := scalarString(turn["role"])
		msg := scalarString(turn["message"])
		if msg == "" {
			msg = scalarString(turn["text"])
		}
		if msg == "" {
			// tool calls and silence carry no message
			continue
		}
		lines = append(lines, role+": "+msg)
	}
	return lines, true
}

func classification(p Payload, field string) *string {
	for _, loc := range locators {
		obj := loc.find(p)
		if obj == nil {
			continue
		}
		for _, results := range []Payload{
			object(obj["data_collection_results"]),
			object(object(obj["analysis"])["data_collection_results"]),
		} {
			if results == nil {
				continue
			}
			v := results[field]
			if wrapped := object(v); wrapped != nil {
				v = wrapped["value"]
			}
			if s := scalarString(v); s != "" {
				return &s
			}
		}
	}
	return nil
}

func audio(p Payload) ([]byte, string) {
	for _, loc := range locators {
		obj := loc.find(p)
		if obj == nil {
			continue
		}
		for _, key := range inlineAudioKeys {
			s := scalarString(obj[key])
			if s == "" {
				continue
			}
			if isURL(s) {
				return nil, s
			}
			if b := decodeBase64(s); len(b) > 0 {
				return b, ""
			}
		}
		for _, key := range audioURLKeys {
			if s := scalarString(obj[key]); isURL(s) {
				return nil, s
			}
		}
	}
	return nil, ""
}

func decodeBase64(s string) []byte {
	// data:audio/mpeg;base64,<payload>
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b
		}
	}
	return nil
}

func isURL(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

func object(v any) Payload {
	m, _ := v.(map[string]any)
	return m
}

// scalarString renders strings, numbers and booleans; everything else is "".
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func verbatim(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
