// Package dataset moves call data in and out of spreadsheets.
package dataset

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"playbook-loop-go/internal/aggregator"
	"playbook-loop-go/internal/types"
)

const (
	CallsSheet   = "Calls"
	SummarySheet = "Summary"
)

var callColumns = []string{
	"Call ID", "Conversation ID", "Created At", "Outcome", "Main Objection",
	"Interest Level", "Playbook ID", "Engagement Score", "Engagement Trend",
	"Agent Tone", "Deception Flags", "Key Moments", "Transcript",
}

// Export writes calls as an xlsx workbook: one row per call on the Calls
// sheet and the aggregate counts on the Summary sheet.
func Export(w io.Writer, calls []types.CallWithAnalysis) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", CallsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	if err := writeRow(f, CallsSheet, 1, toAny(callColumns)); err != nil {
		return err
	}
	for i, c := range calls {
		if err := writeRow(f, CallsSheet, i+2, callRow(c)); err != nil {
			return err
		}
	}
	if err := f.SetRowStyle(CallsSheet, 1, 1, bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	if err := f.SetColWidth(CallsSheet, "A", "G", 22); err != nil {
		return fmt.Errorf("column width: %w", err)
	}
	if err := f.SetColWidth(CallsSheet, "M", "M", 80); err != nil {
		return fmt.Errorf("column width: %w", err)
	}
	if err := f.SetPanes(CallsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("add summary sheet: %w", err)
	}
	for i, row := range summaryRows(aggregator.Aggregate(calls)) {
		if err := writeRow(f, SummarySheet, i+1, row); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(SummarySheet, "A", "A", 28); err != nil {
		return fmt.Errorf("column width: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func callRow(c types.CallWithAnalysis) []any {
	row := []any{
		c.ID,
		c.ExternalConversationID,
		c.CreatedAt.UTC().Format(time.RFC3339),
		outcomeString(c.Outcome),
		deref(c.MainObjection),
		deref(c.InterestLevel),
		deref(c.PlaybookID),
		nil, "", "", 0, 0,
		deref(c.Transcript),
	}
	if a := c.Analysis; a != nil {
		if a.EngagementScore != nil {
			row[7] = *a.EngagementScore
		}
		if a.EngagementTrend != nil {
			row[8] = string(*a.EngagementTrend)
		}
		row[9] = deref(a.AgentTone)
		row[10] = len(a.DeceptionFlags)
		row[11] = len(a.KeyMoments)
	}
	return row
}

func summaryRows(ins aggregator.Insight) [][]any {
	rows := [][]any{
		{"Metric", "Value"},
		{"Calls", ins.Calls},
		{"Analyzed calls", ins.AnalyzedCalls},
		{"Conversion rate", ins.ConversionRate},
	}
	if ins.MeanEngagement != nil {
		rows = append(rows, []any{"Mean engagement", *ins.MeanEngagement})
	}
	rows = append(rows, []any{"Disengaged-tone flags", ins.DeceptionFlags})
	for _, k := range sortedKeys(ins.OutcomeCounts) {
		rows = append(rows, []any{"Outcome: " + k, ins.OutcomeCounts[k]})
	}
	for _, k := range sortedKeys(ins.ObjectionCounts) {
		rows = append(rows, []any{"Objection: " + k, ins.ObjectionCounts[k]})
	}
	for _, k := range sortedKeys(ins.TrendCounts) {
		rows = append(rows, []any{"Trend: " + k, ins.TrendCounts[k]})
	}
	return rows
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func outcomeString(o *types.Outcome) string {
	if o == nil {
		return ""
	}
	return string(*o)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
