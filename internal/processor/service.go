// Package processor orchestrates the webhook paths: normalize, reconcile,
// analyze audio, and opportunistically check the improvement trigger.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/diarization"
	"playbook-loop-go/internal/finalizer"
	"playbook-loop-go/internal/improvement"
	"playbook-loop-go/internal/logger"
	"playbook-loop-go/internal/normalizer"
	"playbook-loop-go/internal/reconciler"
	"playbook-loop-go/internal/scorer"
	"playbook-loop-go/internal/types"
	"playbook-loop-go/internal/voice"
)

// Status is the webhook processing result reported to the sender.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusIgnored   Status = "ignored"
	StatusFailed    Status = "failed"
)

// Result is the body returned for a webhook delivery.
type Result struct {
	Status Status `json:"status"`
	CallID string `json:"call_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PlaybookSource resolves the playbook active right now.
type PlaybookSource interface {
	ActivePlaybookID(ctx context.Context) (*string, error)
}

// VoiceProvider is the subset of the voice client the service uses.
type VoiceProvider interface {
	Configured() bool
	GetConversation(ctx context.Context, id string) (voice.Conversation, error)
	GetConversationAudio(ctx context.Context, id string) ([]byte, error)
	FetchURL(ctx context.Context, rawURL string) ([]byte, error)
}

// Diarizer turns audio into speaker-tagged utterances.
type Diarizer interface {
	Analyze(ctx context.Context, audio []byte, filename string, opts diarization.Options) (diarization.Result, error)
}

// TriggerChecker is the improvement trigger.
type TriggerChecker interface {
	MaybeTrigger(ctx context.Context) (improvement.Result, error)
}

// Service wires the components of the ingestion paths.
type Service struct {
	reconciler     *reconciler.Reconciler
	playbooks      PlaybookSource
	voice          VoiceProvider
	diarizer       Diarizer
	scorer         *scorer.Scorer
	trigger        TriggerChecker
	triggerTimeout time.Duration
	log            *logger.Logger

	background sync.WaitGroup
}

// Deps are the collaborators of a Service. Trigger may be nil.
type Deps struct {
	Reconciler     *reconciler.Reconciler
	Playbooks      PlaybookSource
	Voice          VoiceProvider
	Diarizer       Diarizer
	Scorer         *scorer.Scorer
	Trigger        TriggerChecker
	TriggerTimeout time.Duration
	Log            *logger.Logger
}

func New(d Deps) *Service {
	s := &Service{
		reconciler:     d.Reconciler,
		playbooks:      d.Playbooks,
		voice:          d.Voice,
		diarizer:       d.Diarizer,
		scorer:         d.Scorer,
		trigger:        d.Trigger,
		triggerTimeout: d.TriggerTimeout,
		log:            d.Log,
	}
	if s.scorer == nil {
		s.scorer = scorer.New()
	}
	if s.triggerTimeout <= 0 {
		s.triggerTimeout = 20 * time.Second
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	s.log = s.log.Component("processor")
	return s
}

// HandleTranscriptEvent applies a transcript/outcome webhook body.
// Payloads without a conversation id are ignored, not rejected.
func (s *Service) HandleTranscriptEvent(ctx context.Context, body []byte) (Result, error) {
	ev, ok, err := normalizer.NormalizeJSON(body)
	if err != nil {
		return Result{Status: StatusFailed, Error: "invalid JSON body"}, apperr.Wrap(apperr.KindBadRequest, "invalid JSON body", err)
	}
	if !ok {
		s.log.WithField("body_bytes", len(body)).Warn("transcript webhook without conversation id, ignoring")
		return Result{Status: StatusIgnored}, nil
	}

	rec, err := s.reconcile(ctx, ev.ExternalConversationID, ev.Update())
	if err != nil {
		return failed(err), err
	}

	s.log.WithFields(logrus.Fields{
		"conversation_id": ev.ExternalConversationID,
		"call_id":         rec.ID,
		"has_transcript":  rec.Transcript != nil,
	}).Info("transcript event reconciled")
	s.afterWrite(ctx)
	return Result{Status: StatusProcessed, CallID: rec.ID}, nil
}

// HandleAudioEvent analyzes the call audio carried by (or referenced from)
// a webhook body and stores the engagement analysis.
func (s *Service) HandleAudioEvent(ctx context.Context, body []byte) (Result, error) {
	ev, ok, err := normalizer.NormalizeJSON(body)
	if err != nil {
		return Result{Status: StatusFailed, Error: "invalid JSON body"}, apperr.Wrap(apperr.KindBadRequest, "invalid JSON body", err)
	}
	if !ok {
		s.log.WithField("body_bytes", len(body)).Warn("audio webhook without conversation id, ignoring")
		return Result{Status: StatusIgnored}, nil
	}
	id := ev.ExternalConversationID
	log := s.log.WithField("conversation_id", id)

	var (
		playbookID *string
		analysis   types.CallAnalysis
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		playbookID, err = s.playbooks.ActivePlaybookID(gctx)
		return err
	})
	g.Go(func() error {
		audio, err := s.resolveAudio(gctx, ev)
		if err != nil {
			return err
		}
		res, err := s.diarizer.Analyze(gctx, audio, id+".mp3", diarization.DefaultOptions)
		if err != nil {
			return err
		}
		analysis = s.scorer.Score(res.Utterances)
		log.WithFields(logrus.Fields{
			"utterances":  len(res.Utterances),
			"audio_bytes": len(audio),
		}).Debug("audio scored")
		return nil
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("audio analysis failed")
		return failed(err), err
	}

	// Audio deliveries sometimes carry classification fields as well.
	if upd := ev.Update(); !upd.IsEmpty() {
		if _, err := s.reconciler.Reconcile(ctx, id, upd, playbookID); err != nil {
			return failed(err), err
		}
	}
	rec, err := s.reconciler.ApplyAnalysis(ctx, id, analysis, playbookID)
	if err != nil {
		return failed(err), err
	}

	log.WithField("call_id", rec.ID).Info("call analysis stored")
	s.afterWrite(ctx)
	return Result{Status: StatusProcessed, CallID: rec.ID}, nil
}

// SaveTranscript pulls the conversation from the voice provider and
// reconciles it. It returns finalizer.ErrPending while the provider has not
// finalized the conversation or has no transcript for it yet.
func (s *Service) SaveTranscript(ctx context.Context, conversationID string) (types.CallRecord, error) {
	conv, err := s.voice.GetConversation(ctx, conversationID)
	if err != nil {
		return types.CallRecord{}, err
	}
	if !conv.Done() {
		return types.CallRecord{}, fmt.Errorf("conversation status %q: %w", conv.Status, finalizer.ErrPending)
	}

	raw := conv.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	if normalizer.ConversationID(raw) == "" {
		raw["conversation_id"] = conversationID
	}
	ev, _ := normalizer.Normalize(raw)
	if ev.Transcript == nil {
		return types.CallRecord{}, fmt.Errorf("conversation has no transcript: %w", finalizer.ErrPending)
	}

	rec, err := s.reconcile(ctx, conversationID, ev.Update())
	if err != nil {
		return types.CallRecord{}, err
	}
	s.log.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"call_id":         rec.ID,
	}).Info("transcript saved from provider")
	s.afterWrite(ctx)
	return rec, nil
}

// Saver adapts SaveTranscript for the finalization client.
func (s *Service) Saver() finalizer.Saver {
	return finalizer.SaverFunc(func(ctx context.Context, id string) error {
		_, err := s.SaveTranscript(ctx, id)
		return err
	})
}

// Wait blocks until background trigger checks have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) reconcile(ctx context.Context, id string, upd types.CallUpdate) (types.CallRecord, error) {
	playbookID, err := s.playbooks.ActivePlaybookID(ctx)
	if err != nil {
		return types.CallRecord{}, err
	}
	return s.reconciler.Reconcile(ctx, id, upd, playbookID)
}

// resolveAudio prefers inline audio, then a payload url, then the recording
// the voice provider keeps for the conversation.
func (s *Service) resolveAudio(ctx context.Context, ev types.CallEvent) ([]byte, error) {
	switch {
	case len(ev.AudioBytes) > 0:
		return ev.AudioBytes, nil
	case ev.AudioURL != "":
		return s.voice.FetchURL(ctx, ev.AudioURL)
	case s.voice != nil && s.voice.Configured():
		return s.voice.GetConversationAudio(ctx, ev.ExternalConversationID)
	default:
		return nil, apperr.BadRequest("missing audio payload")
	}
}

// afterWrite runs the improvement check detached from the request. Its
// outcome never changes the webhook response.
func (s *Service) afterWrite(ctx context.Context) {
	if s.trigger == nil {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.triggerTimeout)
		defer cancel()

		res, err := s.trigger.MaybeTrigger(tctx)
		if err != nil {
			if apperr.Is(err, apperr.KindUnavailable) {
				s.log.WithError(err).Debug("improvement trigger not configured")
				return
			}
			s.log.WithError(err).Warn("opportunistic improvement trigger failed")
			return
		}
		s.log.WithFields(logrus.Fields{
			"triggered":   res.Triggered,
			"calls_since": res.CallsSinceLast,
			"threshold":   res.Threshold,
			"reason":      res.Reason,
		}).Debug("improvement check")
	}()
}

func failed(err error) Result {
	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) && e.Kind == apperr.KindInternal {
		msg = "internal error"
	}
	return Result{Status: StatusFailed, Error: msg}
}
