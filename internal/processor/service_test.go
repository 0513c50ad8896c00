package processor

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/db"
	"playbook-loop-go/internal/diarization"
	"playbook-loop-go/internal/finalizer"
	"playbook-loop-go/internal/improvement"
	"playbook-loop-go/internal/reconciler"
	"playbook-loop-go/internal/types"
	"playbook-loop-go/internal/voice"
)

type fakeVoice struct {
	mu         sync.Mutex
	configured bool
	conv       voice.Conversation
	audio      []byte
	fetched    []string
	convCalls  int
}

func (f *fakeVoice) Configured() bool { return f.configured }

func (f *fakeVoice) GetConversation(_ context.Context, id string) (voice.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCalls++
	c := f.conv
	c.ID = id
	return c, nil
}

func (f *fakeVoice) GetConversationAudio(_ context.Context, _ string) ([]byte, error) {
	return f.audio, nil
}

func (f *fakeVoice) FetchURL(_ context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, rawURL)
	return f.audio, nil
}

type fakeDiarizer struct {
	utts []types.Utterance
	err  error
	got  [][]byte
}

func (f *fakeDiarizer) Analyze(_ context.Context, audio []byte, _ string, _ diarization.Options) (diarization.Result, error) {
	f.got = append(f.got, audio)
	if f.err != nil {
		return diarization.Result{}, f.err
	}
	return diarization.Result{Utterances: f.utts}, nil
}

type countingTrigger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingTrigger) MaybeTrigger(context.Context) (improvement.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return improvement.Result{Threshold: 3}, c.err
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	svc      *Service
	store    *db.Store
	voice    *fakeVoice
	diarizer *fakeDiarizer
	trigger  *countingTrigger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	store := db.New(conn)

	rec, err := reconciler.New(store)
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		voice:    &fakeVoice{},
		diarizer: &fakeDiarizer{},
		trigger:  &countingTrigger{},
	}
	f.svc = New(Deps{
		Reconciler:     rec,
		Playbooks:      store,
		Voice:          f.voice,
		Diarizer:       f.diarizer,
		Trigger:        f.trigger,
		TriggerTimeout: time.Second,
	})
	return f
}

var taggedUtterances = []types.Utterance{
	{SpeakerID: 0, StartMs: 0, Text: "Hi, this is Sam from Acme.", Emotion: "Neutral"},
	{SpeakerID: 1, StartMs: 2000, Text: "Oh nice, tell me more.", Emotion: "Interested"},
	{SpeakerID: 0, StartMs: 4000, Text: "We cut onboarding time in half.", Emotion: "Confident"},
	{SpeakerID: 1, StartMs: 6000, Text: "That sounds great.", Emotion: "Happy"},
}

func TestHandleTranscriptEvent_DuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	body := []byte(`{"conversation_id":"conv-1","transcript":"agent: hi\nprospect: hello"}`)

	first, err := f.svc.HandleTranscriptEvent(ctx, body)
	require.NoError(t, err)
	second, err := f.svc.HandleTranscriptEvent(ctx, body)
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, StatusProcessed, first.Status)
	assert.Equal(t, first.CallID, second.CallID)

	n, err := f.store.CountCalls(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, ok, err := f.store.GetCall(ctx, "conv-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec.Transcript)
	assert.Equal(t, "agent: hi\nprospect: hello", *rec.Transcript)
	require.NotNil(t, rec.PlaybookID, "new calls are attributed to the active playbook")
	assert.Equal(t, 2, f.trigger.count())
}

func TestHandleTranscriptEvent_Ignored(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.HandleTranscriptEvent(context.Background(), []byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
	f.svc.Wait()
	assert.Equal(t, 0, f.trigger.count())
}

func TestHandleTranscriptEvent_InvalidJSON(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.HandleTranscriptEvent(context.Background(), []byte(`{not json`))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
	assert.Equal(t, StatusFailed, res.Status)
}

func TestHandleAudioEvent_BeforeTranscript(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.diarizer.utts = taggedUtterances
	audio := base64.StdEncoding.EncodeToString([]byte("fake-mp3-bytes"))

	res, err := f.svc.HandleAudioEvent(ctx, []byte(`{"data":{"conversation_id":"conv-2","full_audio":"`+audio+`"}}`))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	require.Len(t, f.diarizer.got, 1)
	assert.Equal(t, []byte("fake-mp3-bytes"), f.diarizer.got[0])

	rec, ok, err := f.store.GetCall(ctx, "conv-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, rec.Transcript)

	_, err = f.svc.HandleTranscriptEvent(ctx, []byte(`{"conversation_id":"conv-2","transcript":"agent: hi"}`))
	require.NoError(t, err)
	f.svc.Wait()

	calls, err := f.store.CallsSince(ctx, time.UnixMilli(0))
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Transcript)
	assert.Equal(t, "agent: hi", *calls[0].Transcript)
	require.NotNil(t, calls[0].Analysis)
	require.NotNil(t, calls[0].Analysis.EngagementScore)
	assert.Len(t, calls[0].Analysis.ProspectEmotions, 2)
}

func TestHandleAudioEvent_AudioSources(t *testing.T) {
	t.Run("url", func(t *testing.T) {
		f := newFixture(t)
		f.voice.audio = []byte("from-url")

		_, err := f.svc.HandleAudioEvent(context.Background(),
			[]byte(`{"conversation_id":"conv-3","audio_url":"https://cdn.example.com/a.mp3"}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"https://cdn.example.com/a.mp3"}, f.voice.fetched)
		require.Len(t, f.diarizer.got, 1)
		assert.Equal(t, []byte("from-url"), f.diarizer.got[0])
	})

	t.Run("provider recording", func(t *testing.T) {
		f := newFixture(t)
		f.voice.configured = true
		f.voice.audio = []byte("from-provider")

		_, err := f.svc.HandleAudioEvent(context.Background(), []byte(`{"conversation_id":"conv-4"}`))
		require.NoError(t, err)
		require.Len(t, f.diarizer.got, 1)
		assert.Equal(t, []byte("from-provider"), f.diarizer.got[0])
	})

	t.Run("missing", func(t *testing.T) {
		f := newFixture(t)

		res, err := f.svc.HandleAudioEvent(context.Background(), []byte(`{"conversation_id":"conv-5"}`))
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindBadRequest))
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, "missing audio payload", res.Error)

		_, ok, err := f.store.GetCall(context.Background(), "conv-5")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestHandleAudioEvent_DiarizationFailure(t *testing.T) {
	f := newFixture(t)
	f.diarizer.err = apperr.BadGateway("Velma API error", 500, "boom")

	res, err := f.svc.HandleAudioEvent(context.Background(),
		[]byte(`{"conversation_id":"conv-6","audio":"ZmFrZQ=="}`))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadGateway))
	assert.Equal(t, StatusFailed, res.Status)
	f.svc.Wait()
	assert.Equal(t, 0, f.trigger.count())
}

func TestSaveTranscript(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.voice.conv = voice.Conversation{
		Status: voice.StatusDone,
		Raw: map[string]any{
			"status": "done",
			"transcript": []any{
				map[string]any{"role": "agent", "message": "Hi there"},
				map[string]any{"role": "user", "message": "Not interested"},
			},
			"analysis": map[string]any{
				"data_collection_results": map[string]any{
					"outcome":        map[string]any{"value": "no_close"},
					"main_objection": map[string]any{"value": "price"},
				},
			},
		},
	}

	rec, err := f.svc.SaveTranscript(ctx, "conv-7")
	require.NoError(t, err)
	assert.Equal(t, "conv-7", rec.ExternalConversationID)
	require.NotNil(t, rec.Transcript)
	assert.Equal(t, "agent: Hi there\nuser: Not interested", *rec.Transcript)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, types.OutcomeNoClose, *rec.Outcome)
	require.NotNil(t, rec.MainObjection)
	assert.Equal(t, "price", *rec.MainObjection)
	f.svc.Wait()
}

func TestSaveTranscript_PendingUntilExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.voice.conv = voice.Conversation{Status: "processing", Raw: map[string]any{"status": "processing"}}

	_, err := f.svc.SaveTranscript(ctx, "conv-8")
	require.ErrorIs(t, err, finalizer.ErrPending)

	fin := finalizer.New(f.svc.Saver(), make([]time.Duration, 5))
	out := fin.Finalize(ctx, "conv-8")
	assert.Equal(t, finalizer.StatusExhausted, out.Status)
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, 6, f.voice.convCalls)

	_, ok, err := f.store.GetCall(ctx, "conv-8")
	require.NoError(t, err)
	assert.False(t, ok, "pending conversations are not persisted")
}

func TestSaveTranscript_DoneWithoutTranscriptIsPending(t *testing.T) {
	f := newFixture(t)
	f.voice.conv = voice.Conversation{Status: voice.StatusDone, Raw: map[string]any{"transcript": []any{}}}

	_, err := f.svc.SaveTranscript(context.Background(), "conv-9")
	assert.True(t, errors.Is(err, finalizer.ErrPending))
}

func TestTriggerFailureDoesNotFailWebhook(t *testing.T) {
	f := newFixture(t)
	f.trigger.err = errors.New("rewrite service down")

	res, err := f.svc.HandleTranscriptEvent(context.Background(),
		[]byte(`{"conversation_id":"conv-10","transcript":"agent: hi"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	f.svc.Wait()
	assert.Equal(t, 1, f.trigger.count())
}
