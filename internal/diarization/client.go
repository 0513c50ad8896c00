// Package diarization submits call audio to the diarization/emotion provider
// (Modulate Velma batch STT) and returns speaker-tagged utterances.
package diarization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/config"
	"playbook-loop-go/internal/logger"
	"playbook-loop-go/internal/types"
)

// DefaultFilename is used when the caller has no name for the audio.
const DefaultFilename = "call.mp3"

// Options are the provider's analysis toggles.
type Options struct {
	SpeakerDiarization bool
	EmotionSignal      bool
	AccentSignal       bool
	PIIPHITagging      bool
}

// DefaultOptions enables what the engagement scorer needs.
var DefaultOptions = Options{SpeakerDiarization: true, EmotionSignal: true}

// Result is the provider's batch transcription answer.
type Result struct {
	Text       string            `json:"text"`
	DurationMs int64             `json:"duration_ms"`
	Utterances []types.Utterance `json:"utterances"`
}

// Client submits audio to the provider.
type Client struct {
	cfg        config.DiarizationConfig
	httpClient *http.Client
	log        *logger.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(cfg config.DiarizationConfig, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		log:        logger.Discard(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Component("diarization")
	return c
}

// Configured reports whether the provider url and key are set.
func (c *Client) Configured() bool { return c.cfg.Configured() }

// Analyze uploads audio as multipart/form-data and decodes the utterances.
// Submissions are not retried: a failed upload surfaces as bad gateway.
func (c *Client) Analyze(ctx context.Context, audio []byte, filename string, opts Options) (Result, error) {
	if !c.cfg.Configured() {
		return Result{}, apperr.Unavailable("MODULATE_API_KEY must be set in environment variables")
	}
	if len(audio) == 0 {
		return Result{}, apperr.BadRequest("no audio to analyze")
	}
	if filename == "" {
		filename = DefaultFilename
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	part, err := w.CreateFormFile("upload_file", filepath.Base(filename))
	if err != nil {
		return Result{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return Result{}, fmt.Errorf("write audio: %w", err)
	}
	fields := []struct {
		name string
		on   bool
	}{
		{"speaker_diarization", opts.SpeakerDiarization},
		{"emotion_signal", opts.EmotionSignal},
		{"accent_signal", opts.AccentSignal},
		{"pii_phi_tagging", opts.PIIPHITagging},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, strconv.FormatBool(f.on)); err != nil {
			return Result{}, fmt.Errorf("write field %s: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, &b)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindBadGateway, "diarization provider unreachable", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		return Result{}, apperr.BadGateway("Velma API error", resp.StatusCode, string(body))
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return Result{}, apperr.Wrap(apperr.KindBadGateway, "decode diarization response", err)
	}

	c.log.WithFields(logrus.Fields{
		"utterances":  len(res.Utterances),
		"audio_bytes": len(audio),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("diarization complete")
	return res, nil
}
