package logger

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, parseLevel(" warn "))
	assert.Equal(t, logrus.ErrorLevel, parseLevel("error"))
	assert.Equal(t, logrus.InfoLevel, parseLevel(""))
	assert.Equal(t, logrus.InfoLevel, parseLevel("verbose"))
}

func TestJSONOutsideLocal(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "")
	var buf bytes.Buffer
	log := NewWithOutput(&buf).Component("reconciler")

	req := httptest.NewRequest("POST", "/api/webhooks/transcript", nil)
	req.Header.Set("X-Request-ID", "req-123")
	log.WithRequest(req).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "reconciler", line["component"])
	assert.Equal(t, "req-123", line["req_id"])
	assert.Equal(t, "/api/webhooks/transcript", line["path"])
}

func TestRequestIDGenerated(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	assert.Len(t, RequestID(req), 36)
}

func TestWithErrorNil(t *testing.T) {
	log := Discard()
	assert.Same(t, log.Entry, log.WithError(nil))
}
