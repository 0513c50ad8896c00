package dataset

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"playbook-loop-go/internal/types"
)

// column finds a header by keyword heuristics. Earlier columns win.
type column struct {
	idx   int
	match func(h string) bool
}

// Load reads call events from the first sheet of an xlsx workbook, detecting
// columns by header. Rows without a conversation id are skipped. A workbook
// written by Export loads back as the same calls.
func Load(r io.Reader) ([]types.CallEvent, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("no data rows")
	}

	var (
		convID     = column{-1, func(h string) bool { return strings.Contains(h, "conversation") }}
		transcript = column{-1, func(h string) bool { return strings.Contains(h, "transcript") }}
		outcome    = column{-1, func(h string) bool { return strings.Contains(h, "outcome") || strings.Contains(h, "result") }}
		objection  = column{-1, func(h string) bool { return strings.Contains(h, "objection") }}
		interest   = column{-1, func(h string) bool { return strings.Contains(h, "interest") }}
		audio      = column{-1, func(h string) bool {
			return strings.Contains(h, "audio") || strings.Contains(h, "recording") || strings.Contains(h, "url")
		}}
	)
	cols := []*column{&convID, &transcript, &outcome, &objection, &interest, &audio}
	for i, h := range rows[0] {
		l := strings.ToLower(strings.TrimSpace(h))
		for _, c := range cols {
			if c.idx == -1 && c.match(l) {
				c.idx = i
				break
			}
		}
	}
	if convID.idx == -1 {
		return nil, fmt.Errorf("no conversation id column in header %q", rows[0])
	}

	var out []types.CallEvent
	for _, r := range rows[1:] {
		id := cell(r, convID.idx)
		if id == "" {
			continue
		}
		ev := types.CallEvent{
			ExternalConversationID: id,
			Transcript:             optional(cell(r, transcript.idx)),
			MainObjection:          optional(cell(r, objection.idx)),
			InterestLevel:          optional(cell(r, interest.idx)),
		}
		if o := types.ParseOutcome(cell(r, outcome.idx)); o != "" {
			ev.Outcome = &o
		}
		if u := cell(r, audio.idx); strings.HasPrefix(strings.ToLower(u), "http://") || strings.HasPrefix(strings.ToLower(u), "https://") {
			ev.AudioURL = u
		}
		out = append(out, ev)
	}
	return out, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
