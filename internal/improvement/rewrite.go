package improvement

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"playbook-loop-go/internal/aggregator"
	"playbook-loop-go/internal/apperr"
	"playbook-loop-go/internal/config"
	"playbook-loop-go/internal/logger"
)

// Payload is the context sent to the rewrite service.
type Payload struct {
	CallsSince  int                `json:"calls_since"`
	Threshold   int                `json:"threshold"`
	TriggeredAt time.Time          `json:"triggered_at"`
	Summary     string             `json:"summary"`
	Insight     aggregator.Insight `json:"insight"`
}

// RewriteClient posts improvement context to the playbook rewrite service.
// It authenticates with a bearer token first and, if that attempt fails for
// any reason, retries once with an API-key header.
type RewriteClient struct {
	cfg        config.RewriteConfig
	httpClient *http.Client
	log        *logger.Logger
}

func NewRewriteClient(cfg config.RewriteConfig, httpClient *http.Client, log *logger.Logger) *RewriteClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &RewriteClient{cfg: cfg, httpClient: httpClient, log: log.Component("rewrite")}
}

// Configured reports whether a rewrite url is set.
func (c *RewriteClient) Configured() bool { return c.cfg.Configured() }

type authScheme int

const (
	authBearer authScheme = iota
	authAPIKey
)

func (a authScheme) String() string {
	if a == authAPIKey {
		return "api_key"
	}
	return "bearer"
}

// Send delivers p. The error is Unavailable when no url is configured and
// BadGateway when both authentication schemes fail.
func (c *RewriteClient) Send(ctx context.Context, p Payload) error {
	if !c.cfg.Configured() {
		return apperr.Unavailable("AIRIA_WEBHOOK_URL not configured")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return apperr.Internal("encode rewrite payload", err)
	}

	err = c.post(ctx, body, authBearer)
	if err == nil {
		return nil
	}
	c.log.WithError(err).Warn("rewrite call failed with bearer auth, retrying with api key")

	if err := c.post(ctx, body, authAPIKey); err != nil {
		return err
	}
	return nil
}

func (c *RewriteClient) post(ctx context.Context, body []byte, scheme authScheme) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindBadGateway, "build rewrite request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		switch scheme {
		case authBearer:
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		case authAPIKey:
			req.Header.Set("X-API-Key", c.cfg.APIKey)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindBadGateway, "rewrite service unreachable", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	c.log.WithFields(logrus.Fields{
		"auth":        scheme.String(),
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("rewrite call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.BadGateway("Airia webhook failed", resp.StatusCode, string(respBody))
	}
	return nil
}
