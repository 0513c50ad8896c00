// Package voice is the client for the voice-session provider (ElevenLabs
// Conversational AI): conversation details, signed session urls and audio.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/config"
	"playbook-loop-go/internal/logger"
)

// StatusDone is the conversation status once the provider has finalized it.
const StatusDone = "done"

const apiKeyHeader = "xi-api-key"

// Conversation is a provider conversation detail. Raw keeps the full
// payload so it can go through the same normalizer as webhooks.
type Conversation struct {
	ID     string
	Status string
	Raw    map[string]any
}

// Done reports whether the provider has finalized the conversation.
func (c Conversation) Done() bool {
	return strings.EqualFold(c.Status, StatusDone)
}

// Client talks to the voice-session provider.
type Client struct {
	cfg        config.VoiceConfig
	httpClient *http.Client
	newBackOff func() backoff.BackOff
	log        *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 12s-timeout client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithBackOff replaces the retry policy for JSON GETs.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// WithLogger sets the client logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(cfg config.VoiceConfig, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 12 * time.Second},
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = 12 * time.Second
			return bo
		},
		log: logger.Discard(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Component("voice")
	return c
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool { return c.cfg.Configured() }

// GetConversation fetches conversation details by id.
func (c *Client) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if !c.cfg.Configured() {
		return Conversation{}, apperr.Unavailable("ELEVENLABS_API_KEY not configured")
	}
	if strings.TrimSpace(id) == "" {
		return Conversation{}, apperr.BadRequest("missing conversation_id")
	}

	var raw map[string]any
	err := c.getJSON(ctx, "/v1/convai/conversations/"+url.PathEscape(id), nil, func(body []byte) error {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		return dec.Decode(&raw)
	})
	if err != nil {
		return Conversation{}, withOp(err, "failed to fetch conversation")
	}

	conv := Conversation{ID: id, Raw: raw}
	if s, ok := raw["status"].(string); ok {
		conv.Status = s
	}
	c.log.WithFields(logrus.Fields{
		"conversation_id": id,
		"status":          conv.Status,
	}).Debug("fetched conversation")
	return conv, nil
}

// GetSignedURL returns a signed websocket url for the configured agent.
func (c *Client) GetSignedURL(ctx context.Context) (string, error) {
	if !c.cfg.AgentConfigured() {
		return "", apperr.Unavailable("ELEVENLABS_AGENT_ID not configured; create an agent in the ElevenLabs console first")
	}
	if !c.cfg.Configured() {
		return "", apperr.Unavailable("ELEVENLABS_API_KEY not configured")
	}

	var resp struct {
		SignedURL string `json:"signed_url"`
	}
	q := url.Values{"agent_id": {c.cfg.AgentID}}
	err := c.getJSON(ctx, "/v1/convai/conversation/get_signed_url", q, func(body []byte) error {
		return json.Unmarshal(body, &resp)
	})
	if err != nil {
		return "", withOp(err, "failed to get signed url")
	}
	if resp.SignedURL == "" {
		return "", apperr.BadGateway("signed url missing from provider response", http.StatusOK, "")
	}
	return resp.SignedURL, nil
}

// GetConversationAudio downloads the recorded audio of a conversation.
func (c *Client) GetConversationAudio(ctx context.Context, id string) ([]byte, error) {
	if !c.cfg.Configured() {
		return nil, apperr.Unavailable("ELEVENLABS_API_KEY not configured")
	}
	audio, err := c.download(ctx, c.endpoint("/v1/convai/conversations/"+url.PathEscape(id)+"/audio", nil), true)
	if err != nil {
		return nil, withOp(err, "failed to fetch conversation audio")
	}
	return audio, nil
}

// FetchURL downloads audio from a url carried in a webhook payload.
// No provider credentials are sent.
func (c *Client) FetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	audio, err := c.download(ctx, rawURL, false)
	if err != nil {
		return nil, withOp(err, "failed to fetch audio url")
	}
	return audio, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// getJSON performs a GET with retry on transport errors and 5xx answers.
// Other non-2xx answers fail immediately as bad gateway.
func (c *Client) getJSON(ctx context.Context, path string, q url.Values, decode func([]byte) error) error {
	endpoint := c.endpoint(path, q)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set(apiKeyHeader, c.cfg.APIKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperr.Wrap(apperr.KindBadGateway, "provider unreachable", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 500 {
			return apperr.BadGateway("provider error", resp.StatusCode, string(body))
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(apperr.BadGateway("provider rejected request", resp.StatusCode, string(body)))
		}
		if len(body) == 0 {
			return backoff.Permanent(apperr.BadGateway("empty provider response", resp.StatusCode, ""))
		}
		if err := decode(body); err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.KindBadGateway,
				fmt.Sprintf("json decode error: body=%s", truncate(string(body), 200)), err))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.WithError(err).WithFields(logrus.Fields{
			"path": path,
			"wait": wait.String(),
		}).Warn("provider request failed, retrying")
	}
	return backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify)
}

// download reads a binary body without retries.
func (c *Client) download(ctx context.Context, rawURL string, withKey bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, "invalid audio url", err)
	}
	if withKey {
		req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadGateway, "provider unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, apperr.BadGateway("download failed", resp.StatusCode, string(b))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadGateway, "read audio body", err)
	}
	if len(data) == 0 {
		return nil, apperr.BadGateway("empty audio body", resp.StatusCode, "")
	}
	return data, nil
}

// withOp prefixes typed errors with the failing operation.
func withOp(err error, op string) error {
	var e *apperr.Error
	if errors.As(err, &e) && e.Op == "" {
		return e.WithOp(op)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
