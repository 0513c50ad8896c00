package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/db"
	"playbook-loop-go/internal/finalizer"
	"playbook-loop-go/internal/improvement"
	"playbook-loop-go/internal/processor"
	"playbook-loop-go/internal/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeIngest struct {
	result  processor.Result
	err     error
	bodies  [][]byte
	saveErr error
	saved   types.CallRecord
}

func (f *fakeIngest) HandleTranscriptEvent(_ context.Context, body []byte) (processor.Result, error) {
	f.bodies = append(f.bodies, body)
	return f.result, f.err
}

func (f *fakeIngest) HandleAudioEvent(_ context.Context, body []byte) (processor.Result, error) {
	f.bodies = append(f.bodies, body)
	return f.result, f.err
}

func (f *fakeIngest) SaveTranscript(_ context.Context, id string) (types.CallRecord, error) {
	if f.saveErr != nil {
		return types.CallRecord{}, f.saveErr
	}
	rec := f.saved
	rec.ExternalConversationID = id
	return rec, nil
}

type fakeFinalizer struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeFinalizer) Start(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
}

type fakeSigner struct {
	url string
	err error
}

func (f fakeSigner) GetSignedURL(context.Context) (string, error) { return f.url, f.err }

type fakeTrigger struct {
	res improvement.Result
	err error
}

func (f fakeTrigger) MaybeTrigger(context.Context) (improvement.Result, error) { return f.res, f.err }

type env struct {
	router    *gin.Engine
	store     *db.Store
	ingest    *fakeIngest
	finalizer *fakeFinalizer
}

func newEnv(t *testing.T, signer SessionSigner, trig Trigger) *env {
	t.Helper()
	conn, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	e := &env{
		store:     db.New(conn),
		ingest:    &fakeIngest{},
		finalizer: &fakeFinalizer{},
	}
	if signer == nil {
		signer = fakeSigner{err: apperr.Unavailable("ELEVENLABS_AGENT_ID not configured")}
	}
	if trig == nil {
		trig = fakeTrigger{}
	}
	e.router = NewRouter(NewHandler(Deps{
		Ingest:    e.ingest,
		Finalizer: e.finalizer,
		Store:     e.store,
		Signer:    signer,
		Trigger:   trig,
	}))
	return e
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil, nil)
	w := e.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestWebhooks(t *testing.T) {
	t.Run("processed", func(t *testing.T) {
		e := newEnv(t, nil, nil)
		e.ingest.result = processor.Result{Status: processor.StatusProcessed, CallID: "call-1"}

		w := e.do(http.MethodPost, "/api/webhooks/transcript", `{"conversation_id":"conv-1"}`)
		require.Equal(t, http.StatusOK, w.Code)
		res := decode[processor.Result](t, w)
		assert.Equal(t, processor.StatusProcessed, res.Status)
		assert.Equal(t, "call-1", res.CallID)
		require.Len(t, e.ingest.bodies, 1)
		assert.JSONEq(t, `{"conversation_id":"conv-1"}`, string(e.ingest.bodies[0]))
	})

	t.Run("ignored", func(t *testing.T) {
		e := newEnv(t, nil, nil)
		e.ingest.result = processor.Result{Status: processor.StatusIgnored}

		w := e.do(http.MethodPost, "/api/webhooks/audio", `{}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, processor.StatusIgnored, decode[processor.Result](t, w).Status)
	})

	t.Run("failed", func(t *testing.T) {
		e := newEnv(t, nil, nil)
		e.ingest.err = apperr.BadRequest("missing audio payload")
		e.ingest.result = processor.Result{Status: processor.StatusFailed, Error: "missing audio payload"}

		w := e.do(http.MethodPost, "/api/webhooks/audio", `{"conversation_id":"conv-1"}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		res := decode[processor.Result](t, w)
		assert.Equal(t, processor.StatusFailed, res.Status)
		assert.Equal(t, "missing audio payload", res.Error)
	})
}

func TestSaveTranscript(t *testing.T) {
	t.Run("saved", func(t *testing.T) {
		e := newEnv(t, nil, nil)
		e.ingest.saved = types.CallRecord{ID: "call-1", Transcript: types.Ptr("agent: hi")}

		w := e.do(http.MethodPost, "/api/calls/save-transcript", `{"conversation_id":"conv-1"}`)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[struct {
			OK   bool             `json:"ok"`
			Call types.CallRecord `json:"call"`
		}](t, w)
		assert.True(t, body.OK)
		assert.Equal(t, "conv-1", body.Call.ExternalConversationID)
	})

	t.Run("pending", func(t *testing.T) {
		e := newEnv(t, nil, nil)
		e.ingest.saveErr = fmt.Errorf("status processing: %w", finalizer.ErrPending)

		w := e.do(http.MethodPost, "/api/calls/save-transcript", `{"conversation_id":"conv-1"}`)
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("missing id", func(t *testing.T) {
		e := newEnv(t, nil, nil)

		w := e.do(http.MethodPost, "/api/calls/save-transcript", `{}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "validation error", decode[ErrorResponse](t, w).Error)
	})

	t.Run("provider unconfigured", func(t *testing.T) {
		e := newEnv(t, nil, nil)
		e.ingest.saveErr = apperr.Unavailable("ELEVENLABS_API_KEY not configured")

		w := e.do(http.MethodPost, "/api/calls/save-transcript", `{"conversation_id":"conv-1"}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestHTTPSaverAgainstRouter(t *testing.T) {
	e := newEnv(t, nil, nil)
	srv := httptest.NewServer(e.router)
	defer srv.Close()
	saver := finalizer.NewHTTPSaver(srv.URL)

	require.NoError(t, saver.SaveTranscript(context.Background(), "conv-1"))

	e.ingest.saveErr = finalizer.ErrPending
	assert.ErrorIs(t, saver.SaveTranscript(context.Background(), "conv-1"), finalizer.ErrPending)
}

func TestCallEnded(t *testing.T) {
	e := newEnv(t, nil, nil)

	w := e.do(http.MethodPost, "/api/calls/conv-42/ended", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"conv-42"}, e.finalizer.started)
}

func seedCalls(t *testing.T, s *db.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.UpsertCall(context.Background(), fmt.Sprintf("conv-%d", i),
			types.CallUpdate{Transcript: types.Ptr(fmt.Sprintf("agent: call %d", i))}, nil)
		require.NoError(t, err)
	}
}

func TestRecentCalls(t *testing.T) {
	e := newEnv(t, nil, nil)

	w := e.do(http.MethodGet, "/api/calls/recent", "")
	require.Equal(t, http.StatusOK, w.Code)
	empty := decode[recentCallsResponse](t, w)
	assert.Equal(t, 0, empty.Count)
	assert.NotNil(t, empty.Calls)

	seedCalls(t, e.store, 2)
	w = e.do(http.MethodGet, "/api/calls/recent", "")
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[recentCallsResponse](t, w)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "conv-0", res.Calls[0].ExternalConversationID)
}

func TestRecentCallsXLSX(t *testing.T) {
	e := newEnv(t, nil, nil)
	seedCalls(t, e.store, 2)

	w := e.do(http.MethodGet, "/api/calls/recent.xlsx", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Calls")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestCallSummary(t *testing.T) {
	e := newEnv(t, nil, nil)
	seedCalls(t, e.store, 3)

	w := e.do(http.MethodGet, "/api/calls/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	s := decode[types.CallSummary](t, w)
	assert.Equal(t, 3, s.TotalCalls)
	assert.Equal(t, 0, s.AnalyzedCalls)
	require.NotNil(t, s.LatestCall)
	assert.False(t, s.LatestCall.HasAnalysis)
}

func TestSignedURL(t *testing.T) {
	e := newEnv(t, nil, nil)
	w := e.do(http.MethodGet, "/api/voice/signed-url", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "ELEVENLABS_AGENT_ID not configured", decode[ErrorResponse](t, w).Error)

	e = newEnv(t, fakeSigner{url: "wss://voice.example.com/session?token=abc"}, nil)
	w = e.do(http.MethodGet, "/api/voice/signed-url", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "wss://voice.example.com/session?token=abc", decode[map[string]string](t, w)["signed_url"])
}

const draftJSON = `{
	"strategy": "Lead with the time savings",
	"opener": "Hi, quick question about your onboarding",
	"objection_style": "Acknowledge then reframe",
	"tone": "warm",
	"close_technique": "Offer a two-week pilot",
	"rationale": "Price objections dominated last cycle"
}`

func TestPlaybooks(t *testing.T) {
	e := newEnv(t, nil, nil)

	w := e.do(http.MethodGet, "/api/playbooks/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	seed := decode[types.Playbook](t, w)
	assert.Equal(t, 1, seed.Version)

	w = e.do(http.MethodPost, "/api/playbooks", draftJSON)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[types.Playbook](t, w)
	assert.Equal(t, 2, created.Version)
	assert.Equal(t, "warm", created.Tone)

	w = e.do(http.MethodGet, "/api/playbooks/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decode[types.Playbook](t, w).ID)

	w = e.do(http.MethodPost, "/api/playbooks", `{"strategy":"only this"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	errBody := decode[ErrorResponse](t, w)
	assert.Equal(t, "validation error", errBody.Error)
	assert.Contains(t, errBody.Details, "Opener")

	w = e.do(http.MethodPost, "/api/playbooks", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordImprovement(t *testing.T) {
	e := newEnv(t, nil, nil)
	seedCalls(t, e.store, 2)
	// the watermark has millisecond resolution
	time.Sleep(5 * time.Millisecond)

	body := `{"calls_analyzed": 2, "analysis_summary": "price heavy", "playbook": ` + draftJSON + `}`
	w := e.do(http.MethodPost, "/api/improvements", body)
	require.Equal(t, http.StatusCreated, w.Code)
	res := decode[improvementResponse](t, w)
	assert.Equal(t, 2, res.LogEntry.CallsAnalyzed)
	require.NotNil(t, res.Playbook)
	assert.Equal(t, 2, res.Playbook.Version)
	require.NotNil(t, res.LogEntry.NewPlaybookID)
	assert.Equal(t, res.Playbook.ID, *res.LogEntry.NewPlaybookID)

	w = e.do(http.MethodGet, "/api/calls/recent", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[recentCallsResponse](t, w).Count, "recording a cycle moves the watermark")

	w = e.do(http.MethodPost, "/api/improvements", `{"calls_analyzed": -1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerImprovement(t *testing.T) {
	e := newEnv(t, nil, fakeTrigger{res: improvement.Result{CallsSinceLast: 2, Threshold: 3, Reason: improvement.ReasonBelowThreshold}})
	w := e.do(http.MethodPost, "/api/trigger-improvement", "")
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[map[string]any](t, w)
	assert.Equal(t, false, res["triggered"])
	assert.Equal(t, float64(2), res["calls_since_last_improvement"])
	assert.Equal(t, float64(3), res["threshold"])

	e = newEnv(t, nil, fakeTrigger{err: apperr.Unavailable("AIRIA_WEBHOOK_URL not configured")})
	w = e.do(http.MethodPost, "/api/trigger-improvement", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	e := newEnv(t, nil, fakeTrigger{err: apperr.Internal("count calls", fmt.Errorf("database is locked"))})
	w := e.do(http.MethodPost, "/api/trigger-improvement", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", decode[ErrorResponse](t, w).Error)
}
