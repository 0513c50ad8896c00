package finalizer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"playbook-loop-go/internal/apperr"
)

// SaveTranscriptPath is the service route a remote saver calls.
const SaveTranscriptPath = "/api/calls/save-transcript"

// HTTPSaver calls a running service's save-transcript endpoint. A 200 answer
// means saved and a 202 answer means pending; anything else is a failure.
type HTTPSaver struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPSaver targets the service at baseURL.
func NewHTTPSaver(baseURL string) *HTTPSaver {
	return &HTTPSaver{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSaver) SaveTranscript(ctx context.Context, conversationID string) error {
	payload, err := json.Marshal(map[string]string{"conversation_id": conversationID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+SaveTranscriptPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindBadGateway, "save-transcript unreachable", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			OK bool `json:"ok"`
		}
		if err := json.Unmarshal(body, &out); err != nil || !out.OK {
			return apperr.BadGateway("unexpected save-transcript response", resp.StatusCode, string(body))
		}
		return nil
	case http.StatusAccepted:
		return ErrPending
	default:
		return apperr.BadGateway("save-transcript failed", resp.StatusCode, string(body))
	}
}
