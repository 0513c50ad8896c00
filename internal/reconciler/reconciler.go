// Package reconciler merges partial call events into one durable record per
// external conversation id.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/logger"
	"playbook-loop-go/internal/types"
)

// DefaultMaxAttempts bounds the optimistic loop for versioned stores.
const DefaultMaxAttempts = 8

// ErrConflict is returned when the optimistic loop keeps losing races.
var ErrConflict = errors.New("reconciler: too many concurrent updates")

// AnalysisStore persists the analysis slot of a call.
type AnalysisStore interface {
	UpsertAnalysis(ctx context.Context, callID string, a types.CallAnalysis) error
}

// AtomicCallStore merges an update into the stored call in a single atomic
// operation keyed by external id.
type AtomicCallStore interface {
	AnalysisStore
	UpsertCall(ctx context.Context, externalID string, upd types.CallUpdate, playbookID *string) (types.CallRecord, error)
}

// VersionedCallStore supports read plus conditional write. CompareAndSwapCall
// stores next only if the stored revision equals next.Revision; a zero
// revision creates the record and fails if it already exists.
type VersionedCallStore interface {
	AnalysisStore
	GetCall(ctx context.Context, externalID string) (types.CallRecord, bool, error)
	CompareAndSwapCall(ctx context.Context, next types.CallRecord) (bool, error)
}

// Reconciler applies call events and analyses to the store.
type Reconciler struct {
	analyses    AnalysisStore
	atomic      AtomicCallStore
	versioned   VersionedCallStore
	maxAttempts int
	now         func() time.Time
	log         *logger.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMaxAttempts overrides the optimistic retry bound.
func WithMaxAttempts(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *logger.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// New picks the merge strategy from the store's capabilities. Stores that
// merge natively are preferred; otherwise the store must be versioned.
func New(store AnalysisStore, opts ...Option) (*Reconciler, error) {
	r := &Reconciler{
		analyses:    store,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		log:         logger.Discard(),
	}
	switch s := store.(type) {
	case AtomicCallStore:
		r.atomic = s
	case VersionedCallStore:
		r.versioned = s
	default:
		return nil, fmt.Errorf("reconciler: store %T supports neither atomic upsert nor compare-and-swap", store)
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.Component("reconciler")
	return r, nil
}

// Reconcile creates or merges the call for externalID. Present values in upd
// overwrite, absent or blank values never erase, and playbookID is only set
// when the record has none.
func (r *Reconciler) Reconcile(ctx context.Context, externalID string, upd types.CallUpdate, playbookID *string) (types.CallRecord, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return types.CallRecord{}, apperr.BadRequest("conversation id is required").WithOp("reconcile")
	}
	upd = upd.Normalized()
	if playbookID != nil && *playbookID == "" {
		playbookID = nil
	}

	if r.atomic != nil {
		return r.atomic.UpsertCall(ctx, externalID, upd, playbookID)
	}
	return r.reconcileOptimistic(ctx, externalID, upd, playbookID)
}

func (r *Reconciler) reconcileOptimistic(ctx context.Context, externalID string, upd types.CallUpdate, playbookID *string) (types.CallRecord, error) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return types.CallRecord{}, err
		}

		current, found, err := r.versioned.GetCall(ctx, externalID)
		if err != nil {
			return types.CallRecord{}, err
		}

		var next types.CallRecord
		if found {
			next = Merge(current, upd, playbookID)
		} else {
			next = Merge(types.CallRecord{
				ID:                     uuid.NewString(),
				ExternalConversationID: externalID,
				CreatedAt:              time.UnixMilli(r.now().UnixMilli()).UTC(),
			}, upd, playbookID)
		}

		swapped, err := r.versioned.CompareAndSwapCall(ctx, next)
		if err != nil {
			return types.CallRecord{}, err
		}
		if swapped {
			next.Revision++
			return next, nil
		}

		r.log.WithFields(logrus.Fields{
			"conversation_id": externalID,
			"attempt":         attempt,
		}).Debug("concurrent update, retrying merge")
	}
	return types.CallRecord{}, apperr.Wrap(apperr.KindConflict, "could not merge call update", ErrConflict).WithOp("reconcile")
}

// Merge applies upd to rec with coalesce-forward semantics. It never clears a
// stored value and only fills playbook_id when rec has none.
func Merge(rec types.CallRecord, upd types.CallUpdate, playbookID *string) types.CallRecord {
	upd = upd.Normalized()
	if upd.Transcript != nil {
		rec.Transcript = upd.Transcript
	}
	if upd.Outcome != nil {
		rec.Outcome = upd.Outcome
	}
	if upd.MainObjection != nil {
		rec.MainObjection = upd.MainObjection
	}
	if upd.InterestLevel != nil {
		rec.InterestLevel = upd.InterestLevel
	}
	if rec.PlaybookID == nil && playbookID != nil && *playbookID != "" {
		rec.PlaybookID = playbookID
	}
	return rec
}

// ApplyAnalysis makes sure the call exists, then replaces its analysis.
// It returns the call the analysis was attached to.
func (r *Reconciler) ApplyAnalysis(ctx context.Context, externalID string, a types.CallAnalysis, playbookID *string) (types.CallRecord, error) {
	rec, err := r.Reconcile(ctx, externalID, types.CallUpdate{}, playbookID)
	if err != nil {
		return types.CallRecord{}, err
	}
	if err := r.analyses.UpsertAnalysis(ctx, rec.ID, a); err != nil {
		return types.CallRecord{}, err
	}
	return rec, nil
}
