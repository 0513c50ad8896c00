// Package improvement gates the playbook rewrite cycle on call volume and
// fires the rewrite service at most once per threshold crossing.
package improvement

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"playbook-loop-go/internal/actionable"
	"playbook-loop-go/internal/aggregator"
	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/logger"
	"playbook-loop-go/internal/types"
)

// Reasons a trigger check did not fire.
const (
	ReasonBelowThreshold   = "below_threshold"
	ReasonPaused           = "paused"
	ReasonAlreadyTriggered = "already_triggered"
)

// Store is the persistence the trigger needs.
type Store interface {
	Watermark(ctx context.Context) (time.Time, error)
	CountCallsSince(ctx context.Context, since time.Time) (int, error)
	CallsSince(ctx context.Context, since time.Time) ([]types.CallWithAnalysis, error)
	// ClaimTrigger atomically marks the crossing for watermark as fired and
	// reports false if it already was.
	ClaimTrigger(ctx context.Context, watermark time.Time) (bool, error)
	ReleaseTrigger(ctx context.Context, watermark time.Time) error
}

// Rewriter delivers the improvement context downstream.
type Rewriter interface {
	Configured() bool
	Send(ctx context.Context, p Payload) error
}

// Result is the outcome of one trigger check.
type Result struct {
	Triggered      bool      `json:"triggered"`
	CallsSinceLast int       `json:"calls_since_last_improvement"`
	Threshold      int       `json:"threshold"`
	Reason         string    `json:"reason,omitempty"`
	Since          time.Time `json:"since"`
}

// Trigger checks call volume against the threshold.
type Trigger struct {
	store     Store
	rewriter  Rewriter
	threshold int
	paused    bool
	now       func() time.Time
	log       *logger.Logger
}

type Option func(*Trigger)

// WithPaused suppresses firing even when the threshold is met.
func WithPaused(paused bool) Option {
	return func(t *Trigger) { t.paused = paused }
}

func WithLogger(l *logger.Logger) Option {
	return func(t *Trigger) { t.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(t *Trigger) { t.now = now }
}

func NewTrigger(store Store, rewriter Rewriter, threshold int, opts ...Option) *Trigger {
	if threshold < 1 {
		threshold = 1
	}
	t := &Trigger{
		store:     store,
		rewriter:  rewriter,
		threshold: threshold,
		now:       time.Now,
		log:       logger.Discard(),
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.Component("improvement")
	return t
}

// MaybeTrigger fires the rewrite if enough calls arrived since the last
// improvement cycle and nobody has fired for this crossing yet. A failed
// rewrite releases the claim so a later check can retry.
func (t *Trigger) MaybeTrigger(ctx context.Context) (Result, error) {
	wm, err := t.store.Watermark(ctx)
	if err != nil {
		return Result{}, err
	}
	n, err := t.store.CountCallsSince(ctx, wm)
	if err != nil {
		return Result{}, err
	}
	res := Result{CallsSinceLast: n, Threshold: t.threshold, Since: wm}
	log := t.log.WithFields(logrus.Fields{
		"calls_since": n,
		"threshold":   t.threshold,
		"watermark":   wm.Format(time.RFC3339),
	})

	if n < t.threshold {
		res.Reason = ReasonBelowThreshold
		return res, nil
	}
	if t.paused {
		log.Info("improvement threshold met but paused")
		res.Reason = ReasonPaused
		return res, nil
	}
	if !t.rewriter.Configured() {
		return res, apperr.Unavailable("AIRIA_WEBHOOK_URL not configured")
	}

	claimed, err := t.store.ClaimTrigger(ctx, wm)
	if err != nil {
		return res, err
	}
	if !claimed {
		log.Debug("crossing already triggered")
		res.Reason = ReasonAlreadyTriggered
		return res, nil
	}

	if err := t.fire(ctx, wm, n); err != nil {
		if rerr := t.store.ReleaseTrigger(ctx, wm); rerr != nil {
			log.WithError(rerr).Error("failed to release trigger claim")
		}
		log.WithError(err).Error("improvement trigger failed")
		return res, err
	}

	log.Info("improvement cycle triggered")
	res.Triggered = true
	return res, nil
}

func (t *Trigger) fire(ctx context.Context, wm time.Time, n int) error {
	calls, err := t.store.CallsSince(ctx, wm)
	if err != nil {
		return err
	}
	ins := aggregator.Aggregate(calls)
	return t.rewriter.Send(ctx, Payload{
		CallsSince:  n,
		Threshold:   t.threshold,
		TriggeredAt: t.now().UTC(),
		Summary:     actionable.Summarize(ins),
		Insight:     ins,
	})
}
