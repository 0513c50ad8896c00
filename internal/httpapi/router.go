// Package httpapi is the HTTP surface of the service.
package httpapi

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"playbook-loop-go/internal/improvement"
	"playbook-loop-go/internal/logger"
	"playbook-loop-go/internal/processor"
	"playbook-loop-go/internal/types"
)

// Ingest is the webhook and save-transcript side of the processor.
type Ingest interface {
	HandleTranscriptEvent(ctx context.Context, body []byte) (processor.Result, error)
	HandleAudioEvent(ctx context.Context, body []byte) (processor.Result, error)
	SaveTranscript(ctx context.Context, conversationID string) (types.CallRecord, error)
}

// Finalizer runs the bounded transcript save after a call ends.
type Finalizer interface {
	Start(conversationID string)
}

// Store is the read and admin side of persistence.
type Store interface {
	Watermark(ctx context.Context) (time.Time, error)
	CallsSince(ctx context.Context, since time.Time) ([]types.CallWithAnalysis, error)
	CountCalls(ctx context.Context) (int, error)
	CountAnalyzedCalls(ctx context.Context) (int, error)
	LatestCall(ctx context.Context) (*types.LatestCall, error)
	ActivePlaybook(ctx context.Context) (types.Playbook, error)
	CreatePlaybook(ctx context.Context, draft types.PlaybookDraft) (types.Playbook, error)
	RecordCycle(ctx context.Context, cycle types.ImprovementCycle) (types.ImprovementLogEntry, *types.Playbook, error)
}

// SessionSigner issues signed voice-session urls.
type SessionSigner interface {
	GetSignedURL(ctx context.Context) (string, error)
}

// Trigger is the improvement trigger.
type Trigger interface {
	MaybeTrigger(ctx context.Context) (improvement.Result, error)
}

// Handler serves every route.
type Handler struct {
	ingest    Ingest
	finalizer Finalizer
	store     Store
	signer    SessionSigner
	trigger   Trigger
	validate  *validator.Validate
	log       *logger.Logger
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Ingest    Ingest
	Finalizer Finalizer
	Store     Store
	Signer    SessionSigner
	Trigger   Trigger
	Log       *logger.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{
		ingest:    d.Ingest,
		finalizer: d.Finalizer,
		store:     d.Store,
		signer:    d.Signer,
		trigger:   d.Trigger,
		validate:  validator.New(),
		log:       log.Component("http"),
	}
}

// NewRouter builds the gin engine with logging, recovery and all routes.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(h.log), recovery(h.log))

	r.GET("/healthz", h.health)

	api := r.Group("/api")
	{
		api.POST("/webhooks/transcript", h.transcriptWebhook)
		api.POST("/webhooks/audio", h.audioWebhook)

		api.POST("/calls/save-transcript", h.saveTranscript)
		api.POST("/calls/:conversationId/ended", h.callEnded)
		api.GET("/calls/recent", h.recentCalls)
		api.GET("/calls/recent.xlsx", h.recentCallsXLSX)
		api.GET("/calls/summary", h.callSummary)

		api.GET("/voice/signed-url", h.signedURL)

		api.GET("/playbooks/latest", h.latestPlaybook)
		api.POST("/playbooks", h.createPlaybook)

		api.POST("/improvements", h.recordImprovement)
		api.POST("/trigger-improvement", h.triggerImprovement)
	}
	return r
}
