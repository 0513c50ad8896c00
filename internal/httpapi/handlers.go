package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/dataset"
	"playbook-loop-go/internal/finalizer"
	"playbook-loop-go/internal/processor"
	"playbook-loop-go/internal/types"
)

// Inline audio arrives base64-encoded.
const maxWebhookBody = 64 << 20

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (h *Handler) health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *Handler) transcriptWebhook(c *gin.Context) {
	h.webhook(c, h.ingest.HandleTranscriptEvent)
}

func (h *Handler) audioWebhook(c *gin.Context) {
	h.webhook(c, h.ingest.HandleAudioEvent)
}

// webhook answers 200 for processed and ignored deliveries. Failures carry
// the processor result with the mapped error status.
func (h *Handler) webhook(c *gin.Context, handle func(context.Context, []byte) (processor.Result, error)) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		handleError(c, h.log, apperr.Wrap(apperr.KindBadRequest, "unreadable request body", err))
		return
	}

	res, err := handle(c.Request.Context(), body)
	if err != nil {
		status, _ := errorResponse(err)
		if status >= http.StatusInternalServerError {
			h.log.WithRequest(c.Request).WithField("error", err.Error()).Error("webhook processing failed")
		}
		c.JSON(status, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type saveTranscriptRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

// saveTranscript answers 200 {ok:true} once the transcript is stored and
// 202 while the provider is still finalizing the conversation.
func (h *Handler) saveTranscript(c *gin.Context) {
	var req saveTranscriptRequest
	if err := bindJSON(c, h.validate, &req); handleError(c, h.log, err) {
		return
	}

	rec, err := h.ingest.SaveTranscript(c.Request.Context(), req.ConversationID)
	if errors.Is(err, finalizer.ErrPending) {
		c.JSON(http.StatusAccepted, gin.H{"ok": false, "status": "pending", "conversation_id": req.ConversationID})
		return
	}
	if handleError(c, h.log, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "call": rec})
}

func (h *Handler) callEnded(c *gin.Context) {
	id := c.Param("conversationId")
	h.finalizer.Start(id)
	h.log.WithRequest(c.Request).WithField("conversation_id", id).Info("call ended, finalizing transcript")
	c.JSON(http.StatusAccepted, gin.H{"status": "finalizing", "conversation_id": id})
}

type recentCallsResponse struct {
	Since time.Time                `json:"since"`
	Count int                      `json:"count"`
	Calls []types.CallWithAnalysis `json:"calls"`
}

func (h *Handler) recentCalls(c *gin.Context) {
	since, calls, err := h.callsSinceWatermark(c.Request.Context())
	if handleError(c, h.log, err) {
		return
	}
	c.JSON(http.StatusOK, recentCallsResponse{Since: since, Count: len(calls), Calls: calls})
}

func (h *Handler) recentCallsXLSX(c *gin.Context) {
	since, calls, err := h.callsSinceWatermark(c.Request.Context())
	if handleError(c, h.log, err) {
		return
	}
	c.Header("Content-Type", xlsxContentType)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="calls-since-%s.xlsx"`, since.UTC().Format("20060102T150405Z")))
	c.Status(http.StatusOK)
	if err := dataset.Export(c.Writer, calls); err != nil {
		h.log.WithRequest(c.Request).WithField("error", err.Error()).Error("xlsx export failed mid-stream")
	}
}

func (h *Handler) callsSinceWatermark(ctx context.Context) (time.Time, []types.CallWithAnalysis, error) {
	since, err := h.store.Watermark(ctx)
	if err != nil {
		return time.Time{}, nil, err
	}
	calls, err := h.store.CallsSince(ctx, since)
	if err != nil {
		return time.Time{}, nil, err
	}
	if calls == nil {
		calls = []types.CallWithAnalysis{}
	}
	return since, calls, nil
}

func (h *Handler) callSummary(c *gin.Context) {
	var summary types.CallSummary
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() error {
		var err error
		summary.TotalCalls, err = h.store.CountCalls(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		summary.AnalyzedCalls, err = h.store.CountAnalyzedCalls(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		summary.LatestCall, err = h.store.LatestCall(ctx)
		return err
	})
	if handleError(c, h.log, g.Wait()) {
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) signedURL(c *gin.Context) {
	u, err := h.signer.GetSignedURL(c.Request.Context())
	if handleError(c, h.log, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"signed_url": u})
}

func (h *Handler) latestPlaybook(c *gin.Context) {
	pb, err := h.store.ActivePlaybook(c.Request.Context())
	if handleError(c, h.log, err) {
		return
	}
	c.JSON(http.StatusOK, pb)
}

func (h *Handler) createPlaybook(c *gin.Context) {
	var draft types.PlaybookDraft
	if err := bindJSON(c, h.validate, &draft); handleError(c, h.log, err) {
		return
	}
	pb, err := h.store.CreatePlaybook(c.Request.Context(), draft)
	if handleError(c, h.log, err) {
		return
	}
	h.log.WithRequest(c.Request).WithFields(logrus.Fields{
		"playbook_id": pb.ID,
		"version":     pb.Version,
	}).Info("playbook created")
	c.JSON(http.StatusCreated, pb)
}

type improvementResponse struct {
	LogEntry types.ImprovementLogEntry `json:"log_entry"`
	Playbook *types.Playbook           `json:"playbook"`
}

func (h *Handler) recordImprovement(c *gin.Context) {
	var cycle types.ImprovementCycle
	if err := bindJSON(c, h.validate, &cycle); handleError(c, h.log, err) {
		return
	}
	entry, pb, err := h.store.RecordCycle(c.Request.Context(), cycle)
	if handleError(c, h.log, err) {
		return
	}
	fields := logrus.Fields{"log_id": entry.ID, "calls_analyzed": entry.CallsAnalyzed}
	if pb != nil {
		fields["version"] = pb.Version
	}
	h.log.WithRequest(c.Request).WithFields(fields).Info("improvement cycle recorded")
	c.JSON(http.StatusCreated, improvementResponse{LogEntry: entry, Playbook: pb})
}

func (h *Handler) triggerImprovement(c *gin.Context) {
	res, err := h.trigger.MaybeTrigger(c.Request.Context())
	if handleError(c, h.log, err) {
		return
	}
	c.JSON(http.StatusOK, res)
}
