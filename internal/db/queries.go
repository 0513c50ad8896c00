package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/types"
)

// ErrUniqueConstraint is returned when an insert violates a UNIQUE constraint.
var ErrUniqueConstraint = apperr.New(apperr.KindConflict, "unique constraint violation")

// createPlaybookAttempts bounds retries when two writers race for a version.
const createPlaybookAttempts = 3

// previewChars is the transcript prefix shown in the call summary.
const previewChars = 180

// Store is the sqlite-backed persistence for calls, analyses, playbooks and
// the improvement log. All writes are single statements or transactions.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an initialized database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB exposes the underlying handle for tests and maintenance commands.
func (s *Store) DB() *sql.DB { return s.db }

const callColumns = `id, external_conversation_id, transcript, outcome, main_objection,
	interest_level, playbook_id, created_at, revision`

// UpsertCall creates or merges the call keyed by externalID in one statement.
// Present values overwrite, absent values keep what is stored, and playbook_id
// is only filled when still empty.
func (s *Store) UpsertCall(ctx context.Context, externalID string, upd types.CallUpdate, playbookID *string) (types.CallRecord, error) {
	upd = upd.Normalized()
	query := `
		INSERT INTO calls (` + callColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(external_conversation_id) DO UPDATE SET
			transcript     = COALESCE(NULLIF(excluded.transcript, ''), calls.transcript),
			outcome        = COALESCE(excluded.outcome, calls.outcome),
			main_objection = COALESCE(NULLIF(excluded.main_objection, ''), calls.main_objection),
			interest_level = COALESCE(NULLIF(excluded.interest_level, ''), calls.interest_level),
			playbook_id    = COALESCE(calls.playbook_id, excluded.playbook_id),
			revision       = calls.revision + 1
		RETURNING ` + callColumns

	row := s.db.QueryRowContext(ctx, query,
		uuid.NewString(), externalID,
		toNullString(upd.Transcript), toNullOutcome(upd.Outcome),
		toNullString(upd.MainObjection), toNullString(upd.InterestLevel),
		toNullString(playbookID), s.now().UnixMilli(),
	)
	rec, err := scanCall(row)
	if err != nil {
		return types.CallRecord{}, apperr.Internal("upsert call", err)
	}
	return rec, nil
}

// GetCall returns the call for externalID; found is false when none exists.
func (s *Store) GetCall(ctx context.Context, externalID string) (types.CallRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE external_conversation_id = ?`, externalID)
	rec, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CallRecord{}, false, nil
	}
	if err != nil {
		return types.CallRecord{}, false, apperr.Internal("get call", err)
	}
	return rec, true, nil
}

// CompareAndSwapCall writes next only if the stored revision still equals
// next.Revision. A zero revision means "create"; it fails if the key exists.
// swapped is false when another writer got there first.
func (s *Store) CompareAndSwapCall(ctx context.Context, next types.CallRecord) (bool, error) {
	if next.Revision == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO calls (`+callColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, next.ID, next.ExternalConversationID,
			toNullString(next.Transcript), toNullOutcome(next.Outcome),
			toNullString(next.MainObjection), toNullString(next.InterestLevel),
			toNullString(next.PlaybookID), next.CreatedAt.UnixMilli(),
		)
		if isUniqueConstraintError(err) {
			return false, nil
		}
		if err != nil {
			return false, apperr.Internal("insert call", err)
		}
		return true, nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE calls
		SET transcript = ?, outcome = ?, main_objection = ?, interest_level = ?,
			playbook_id = ?, revision = revision + 1
		WHERE external_conversation_id = ? AND revision = ?
	`, toNullString(next.Transcript), toNullOutcome(next.Outcome),
		toNullString(next.MainObjection), toNullString(next.InterestLevel),
		toNullString(next.PlaybookID), next.ExternalConversationID, next.Revision,
	)
	if err != nil {
		return false, apperr.Internal("update call", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apperr.Internal("update call", err)
	}
	return rowsAffected == 1, nil
}

// UpsertAnalysis replaces the analysis for callID wholesale.
func (s *Store) UpsertAnalysis(ctx context.Context, callID string, a types.CallAnalysis) error {
	emotions, err := toNullJSON(a.ProspectEmotions, len(a.ProspectEmotions))
	if err != nil {
		return apperr.Internal("encode prospect emotions", err)
	}
	flags, err := toNullJSON(a.DeceptionFlags, len(a.DeceptionFlags))
	if err != nil {
		return apperr.Internal("encode deception flags", err)
	}
	moments, err := toNullJSON(a.KeyMoments, len(a.KeyMoments))
	if err != nil {
		return apperr.Internal("encode key moments", err)
	}

	var trend sql.NullString
	if a.EngagementTrend != nil {
		trend = sql.NullString{String: string(*a.EngagementTrend), Valid: true}
	}
	var score sql.NullFloat64
	if a.EngagementScore != nil {
		score = sql.NullFloat64{Float64: *a.EngagementScore, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO call_analysis (
			id, call_id, engagement_score, engagement_trend, prospect_emotions,
			agent_tone, deception_flags, key_moments, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			engagement_score  = excluded.engagement_score,
			engagement_trend  = excluded.engagement_trend,
			prospect_emotions = excluded.prospect_emotions,
			agent_tone        = excluded.agent_tone,
			deception_flags   = excluded.deception_flags,
			key_moments       = excluded.key_moments,
			created_at        = excluded.created_at
	`, uuid.NewString(), callID, score, trend, emotions,
		toNullString(a.AgentTone), flags, moments, s.now().UnixMilli(),
	)
	if err != nil {
		return apperr.Internal("upsert analysis", err)
	}
	return nil
}

// GetAnalysis returns the analysis for callID or nil if none exists.
func (s *Store) GetAnalysis(ctx context.Context, callID string) (*types.CallAnalysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT engagement_score, engagement_trend, prospect_emotions,
			agent_tone, deception_flags, key_moments
		FROM call_analysis WHERE call_id = ?
	`, callID)

	var (
		score                    sql.NullFloat64
		trend, tone              sql.NullString
		emotions, flags, moments sql.NullString
	)
	err := row.Scan(&score, &trend, &emotions, &tone, &flags, &moments)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("get analysis", err)
	}
	a, err := buildAnalysis(score, trend, emotions, tone, flags, moments)
	if err != nil {
		return nil, apperr.Internal("decode analysis", err)
	}
	return a, nil
}

const playbookColumns = `id, version, strategy, opener, objection_style, tone,
	close_technique, rationale, created_at`

// ActivePlaybook returns the playbook with the highest version.
func (s *Store) ActivePlaybook(ctx context.Context) (types.Playbook, error) {
	return activePlaybook(ctx, s.db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func activePlaybook(ctx context.Context, q queryer) (types.Playbook, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+playbookColumns+` FROM playbooks ORDER BY version DESC LIMIT 1`)
	p, err := scanPlaybook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Playbook{}, apperr.NotFound("no playbook found")
	}
	if err != nil {
		return types.Playbook{}, apperr.Internal("active playbook", err)
	}
	return p, nil
}

// ActivePlaybookID returns the active playbook's id, or nil if none exists.
func (s *Store) ActivePlaybookID(ctx context.Context) (*string, error) {
	p, err := s.ActivePlaybook(ctx)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p.ID, nil
}

// CreatePlaybook publishes draft as the next version. The version is computed
// inside the insert; a concurrent writer taking the same number causes a retry.
func (s *Store) CreatePlaybook(ctx context.Context, draft types.PlaybookDraft) (types.Playbook, error) {
	var lastErr error
	for attempt := 0; attempt < createPlaybookAttempts; attempt++ {
		p, err := insertPlaybook(ctx, s.db, draft, s.now())
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrUniqueConstraint) {
			return types.Playbook{}, err
		}
		lastErr = err
	}
	return types.Playbook{}, lastErr
}

func insertPlaybook(ctx context.Context, q queryer, draft types.PlaybookDraft, now time.Time) (types.Playbook, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO playbooks (`+playbookColumns+`)
		SELECT ?, COALESCE(MAX(version), 0) + 1, ?, ?, ?, ?, ?, ?, ?
		FROM playbooks
		RETURNING `+playbookColumns,
		uuid.NewString(), draft.Strategy, draft.Opener, draft.ObjectionStyle,
		draft.Tone, draft.CloseTechnique, draft.Rationale, now.UnixMilli(),
	)
	p, err := scanPlaybook(row)
	if isUniqueConstraintError(err) {
		return types.Playbook{}, ErrUniqueConstraint
	}
	if err != nil {
		return types.Playbook{}, apperr.Internal("create playbook", err)
	}
	return p, nil
}

const improvementColumns = `id, calls_analyzed, old_playbook_id, new_playbook_id,
	analysis_summary, created_at`

// LatestImprovement returns the most recent improvement log entry, or nil.
func (s *Store) LatestImprovement(ctx context.Context) (*types.ImprovementLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+improvementColumns+`
		FROM improvement_logs ORDER BY created_at DESC LIMIT 1
	`)
	var (
		e                  types.ImprovementLogEntry
		oldID, newID, summ sql.NullString
		createdAt          int64
	)
	err := row.Scan(&e.ID, &e.CallsAnalyzed, &oldID, &newID, &summ, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("latest improvement", err)
	}
	e.OldPlaybookID = fromNullString(oldID)
	e.NewPlaybookID = fromNullString(newID)
	e.AnalysisSummary = fromNullString(summ)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &e, nil
}

// Watermark is the creation time of the latest improvement cycle, or the
// unix epoch if none has run.
func (s *Store) Watermark(ctx context.Context) (time.Time, error) {
	e, err := s.LatestImprovement(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if e == nil {
		return time.UnixMilli(0).UTC(), nil
	}
	return e.CreatedAt, nil
}

// CountCallsSince counts calls created at or after since.
func (s *Store) CountCallsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE created_at >= ?`, since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, apperr.Internal("count calls", err)
	}
	return n, nil
}

// CallsSince returns calls created at or after since, oldest first, each
// joined with its analysis when one exists.
func (s *Store) CallsSince(ctx context.Context, since time.Time) ([]types.CallWithAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.external_conversation_id, c.transcript, c.outcome, c.main_objection,
			c.interest_level, c.playbook_id, c.created_at, c.revision,
			a.id, a.engagement_score, a.engagement_trend, a.prospect_emotions,
			a.agent_tone, a.deception_flags, a.key_moments
		FROM calls c
		LEFT JOIN call_analysis a ON a.call_id = c.id
		WHERE c.created_at >= ?
		ORDER BY c.created_at ASC, c.rowid ASC
	`, since.UnixMilli())
	if err != nil {
		return nil, apperr.Internal("calls since", err)
	}
	defer rows.Close()

	var out []types.CallWithAnalysis
	for rows.Next() {
		var (
			c                        types.CallWithAnalysis
			transcript, outcome      sql.NullString
			objection, interest, pb  sql.NullString
			createdAt                int64
			analysisID               sql.NullString
			score                    sql.NullFloat64
			trend, tone              sql.NullString
			emotions, flags, moments sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ExternalConversationID, &transcript, &outcome,
			&objection, &interest, &pb, &createdAt, &c.Revision,
			&analysisID, &score, &trend, &emotions, &tone, &flags, &moments); err != nil {
			return nil, apperr.Internal("scan call", err)
		}
		c.Transcript = fromNullString(transcript)
		c.Outcome = fromNullOutcome(outcome)
		c.MainObjection = fromNullString(objection)
		c.InterestLevel = fromNullString(interest)
		c.PlaybookID = fromNullString(pb)
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		if analysisID.Valid {
			a, err := buildAnalysis(score, trend, emotions, tone, flags, moments)
			if err != nil {
				return nil, apperr.Internal("decode analysis", err)
			}
			c.Analysis = a
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("calls since", err)
	}
	return out, nil
}

// CountCalls counts all calls.
func (s *Store) CountCalls(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`).Scan(&n); err != nil {
		return 0, apperr.Internal("count calls", err)
	}
	return n, nil
}

// CountAnalyzedCalls counts calls that have an analysis.
func (s *Store) CountAnalyzedCalls(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_analysis`).Scan(&n); err != nil {
		return 0, apperr.Internal("count analyzed calls", err)
	}
	return n, nil
}

// LatestCall returns a preview of the most recently created call, or nil.
func (s *Store) LatestCall(ctx context.Context) (*types.LatestCall, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.external_conversation_id, c.created_at, c.transcript,
			EXISTS (SELECT 1 FROM call_analysis a WHERE a.call_id = c.id)
		FROM calls c
		ORDER BY c.created_at DESC, c.rowid DESC
		LIMIT 1
	`)
	var (
		lc         types.LatestCall
		createdAt  int64
		transcript sql.NullString
	)
	err := row.Scan(&lc.ID, &lc.ConversationID, &createdAt, &transcript, &lc.HasAnalysis)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("latest call", err)
	}
	lc.CreatedAt = time.UnixMilli(createdAt).UTC()
	lc.TranscriptPreview = truncateRunes(transcript.String, previewChars)
	return &lc, nil
}

// ClaimTrigger marks watermark as fired. It reports false when the crossing
// for this watermark was already claimed.
func (s *Store) ClaimTrigger(ctx context.Context, watermark time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_state (id, fired_watermark) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET fired_watermark = excluded.fired_watermark
		WHERE trigger_state.fired_watermark IS NULL
			OR trigger_state.fired_watermark <> excluded.fired_watermark
	`, watermark.UnixMilli())
	if err != nil {
		return false, apperr.Internal("claim trigger", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, apperr.Internal("claim trigger", err)
	}
	return n == 1, nil
}

// ReleaseTrigger undoes a claim for watermark so a later write can retry.
func (s *Store) ReleaseTrigger(ctx context.Context, watermark time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trigger_state SET fired_watermark = NULL
		WHERE id = 1 AND fired_watermark = ?
	`, watermark.UnixMilli())
	if err != nil {
		return apperr.Internal("release trigger", err)
	}
	return nil
}

// RecordCycle appends an improvement log entry and, when the cycle carries
// a playbook, publishes it as the next version. Both happen in one
// transaction; the new entry advances the watermark.
func (s *Store) RecordCycle(ctx context.Context, cycle types.ImprovementCycle) (types.ImprovementLogEntry, *types.Playbook, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.ImprovementLogEntry{}, nil, apperr.Internal("begin cycle", err)
	}
	defer tx.Rollback()

	now := s.now()
	entry := types.ImprovementLogEntry{
		ID:              uuid.NewString(),
		CallsAnalyzed:   cycle.CallsAnalyzed,
		AnalysisSummary: cycle.AnalysisSummary,
		CreatedAt:       time.UnixMilli(now.UnixMilli()).UTC(),
	}

	old, err := activePlaybook(ctx, tx)
	switch {
	case err == nil:
		entry.OldPlaybookID = &old.ID
	case !apperr.Is(err, apperr.KindNotFound):
		return types.ImprovementLogEntry{}, nil, err
	}

	var created *types.Playbook
	if cycle.Playbook != nil {
		p, err := insertPlaybook(ctx, tx, *cycle.Playbook, now)
		if err != nil {
			return types.ImprovementLogEntry{}, nil, err
		}
		created = &p
		entry.NewPlaybookID = &p.ID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO improvement_logs (`+improvementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.CallsAnalyzed, toNullString(entry.OldPlaybookID),
		toNullString(entry.NewPlaybookID), toNullString(entry.AnalysisSummary),
		now.UnixMilli(),
	)
	if err != nil {
		return types.ImprovementLogEntry{}, nil, apperr.Internal("insert improvement log", err)
	}

	if err := tx.Commit(); err != nil {
		return types.ImprovementLogEntry{}, nil, apperr.Internal("commit cycle", err)
	}
	return entry, created, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (types.CallRecord, error) {
	var (
		c                       types.CallRecord
		transcript, outcome     sql.NullString
		objection, interest, pb sql.NullString
		createdAt               int64
	)
	if err := row.Scan(&c.ID, &c.ExternalConversationID, &transcript, &outcome,
		&objection, &interest, &pb, &createdAt, &c.Revision); err != nil {
		return types.CallRecord{}, err
	}
	c.Transcript = fromNullString(transcript)
	c.Outcome = fromNullOutcome(outcome)
	c.MainObjection = fromNullString(objection)
	c.InterestLevel = fromNullString(interest)
	c.PlaybookID = fromNullString(pb)
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	return c, nil
}

func scanPlaybook(row scanner) (types.Playbook, error) {
	var (
		p         types.Playbook
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.Version, &p.Strategy, &p.Opener, &p.ObjectionStyle,
		&p.Tone, &p.CloseTechnique, &p.Rationale, &createdAt); err != nil {
		return types.Playbook{}, err
	}
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	return p, nil
}

func buildAnalysis(score sql.NullFloat64, trend, emotions, tone, flags, moments sql.NullString) (*types.CallAnalysis, error) {
	a := &types.CallAnalysis{AgentTone: fromNullString(tone)}
	if score.Valid {
		v := score.Float64
		a.EngagementScore = &v
	}
	if trend.Valid {
		t := types.Trend(trend.String)
		a.EngagementTrend = &t
	}
	if err := fromNullJSON(emotions, &a.ProspectEmotions); err != nil {
		return nil, err
	}
	if err := fromNullJSON(flags, &a.DeceptionFlags); err != nil {
		return nil, err
	}
	if err := fromNullJSON(moments, &a.KeyMoments); err != nil {
		return nil, err
	}
	return a, nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func toNullOutcome(o *types.Outcome) sql.NullString {
	if o == nil || *o == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*o), Valid: true}
}

func fromNullOutcome(ns sql.NullString) *types.Outcome {
	if !ns.Valid {
		return nil
	}
	o := types.Outcome(ns.String)
	return &o
}

// toNullJSON encodes v, storing empty sequences as NULL.
func toNullJSON(v any, n int) (sql.NullString, error) {
	if n == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func fromNullJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
