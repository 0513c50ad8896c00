// Package finalizer retries saving a call's transcript after the session ends,
// for providers that finalize conversations some time after disconnect.
package finalizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"playbook-loop-go/internal/config"
	"playbook-loop-go/internal/logger"
)

// ErrPending means the provider has not finalized the transcript yet.
// It is the only retryable outcome of a save attempt.
var ErrPending = errors.New("transcript not finalized yet")

// Status is the final state of a finalization run.
type Status string

const (
	StatusSaved     Status = "saved"
	StatusExhausted Status = "exhausted"
	StatusFailed    Status = "failed"
)

// Outcome reports how a finalization run ended.
type Outcome struct {
	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

// Saver performs one save attempt. It returns ErrPending (possibly wrapped)
// when the transcript is not available yet.
type Saver interface {
	SaveTranscript(ctx context.Context, conversationID string) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, conversationID string) error

func (f SaverFunc) SaveTranscript(ctx context.Context, conversationID string) error {
	return f(ctx, conversationID)
}

// Client runs the bounded save schedule.
type Client struct {
	saver    Saver
	schedule []time.Duration
	log      *logger.Logger
	wg       sync.WaitGroup
}

type Option func(*Client)

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a client. schedule[i] is the wait before attempt i; an empty
// schedule uses config.DefaultFinalizeSchedule.
func New(saver Saver, schedule []time.Duration, opts ...Option) *Client {
	if len(schedule) == 0 {
		schedule = config.DefaultFinalizeSchedule
	}
	c := &Client{
		saver:    saver,
		schedule: append([]time.Duration(nil), schedule...),
		log:      logger.Discard(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Component("finalizer")
	return c
}

// Start runs Finalize in the background. The caller never waits on it.
func (c *Client) Start(conversationID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Finalize(context.Background(), conversationID)
	}()
}

// Wait blocks until every run started with Start has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Finalize attempts the save on the schedule. It stops on the first success
// or on the first error that is not ErrPending. Running out of attempts is
// logged as a warning, not treated as a failure.
func (c *Client) Finalize(ctx context.Context, conversationID string) Outcome {
	log := c.log.WithField("conversation_id", conversationID)

	if err := sleep(ctx, c.schedule[0]); err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	attempts := 0
	op := func() error {
		attempts++
		err := c.saver.SaveTranscript(ctx, conversationID)
		if err == nil || errors.Is(err, ErrPending) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		log.WithFields(logrus.Fields{
			"attempt": attempts,
			"wait_ms": wait.Milliseconds(),
		}).Debug("transcript pending, retrying")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(newSchedule(c.schedule[1:]), ctx), notify)
	switch {
	case err == nil:
		log.WithField("attempts", attempts).Info("transcript saved")
		return Outcome{Status: StatusSaved, Attempts: attempts}
	case errors.Is(err, ErrPending):
		log.WithField("attempts", attempts).Warn("transcript still pending after all attempts, giving up")
		return Outcome{Status: StatusExhausted, Attempts: attempts, Err: err}
	default:
		log.WithError(err).WithField("attempts", attempts).Error("transcript save failed")
		return Outcome{Status: StatusFailed, Attempts: attempts, Err: err}
	}
}

// schedule is a backoff.BackOff that walks a fixed list of delays, then stops.
type schedule struct {
	delays []time.Duration
	next   int
}

func newSchedule(delays []time.Duration) *schedule {
	return &schedule{delays: delays}
}

func (s *schedule) NextBackOff() time.Duration {
	if s.next >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.next]
	s.next++
	return d
}

func (s *schedule) Reset() { s.next = 0 }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
