package sender

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

type capturedRequest struct {
	Method string
	Header http.Header
	Body   []byte
}

type captureServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
}

func newCaptureServer(t *testing.T, status int, body string) *captureServer {
	t.Helper()
	s := &captureServer{status: status, body: body}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, capturedRequest{Method: r.Method, Header: r.Header.Clone(), Body: data})
		s.mu.Unlock()
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(s.body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *captureServer) Requests() []capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedRequest(nil), s.requests...)
}

func (s *captureServer) lastJSON(t *testing.T) map[string]interface{} {
	t.Helper()
	reqs := s.Requests()
	require.NotEmpty(t, reqs)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(reqs[len(reqs)-1].Body, &doc))
	return doc
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		SkipHostCheck: true,
		Now:           func() time.Time { return fixedNow },
	}
}

func testAlert(severity model.AlertSeverity) *model.Alert {
	return &model.Alert{
		ID:                    "a1b2c3",
		AlertType:             "HIGH_CONNECTIONS",
		Severity:              severity,
		Message:               "connections at 95% of max",
		InstanceName:          "prod",
		FiredAt:               fixedNow.Add(-5 * time.Minute),
		CurrentEscalationTier: 1,
	}
}

func channel(t model.ChannelType, config map[string]string) *model.NotificationChannel {
	return &model.NotificationChannel{ID: 7, Name: "ops-" + string(t), Type: t, Enabled: true, Config: config}
}

func TestFailureKindOf(t *testing.T) {
	assert.Equal(t, model.FailureNone, FailureKindOf(nil))
	assert.Equal(t, model.FailureConfiguration, FailureKindOf(ErrConfiguration))
	assert.Equal(t, model.FailureConfiguration, FailureKindOf(ErrUnsupportedChannel))
	assert.Equal(t, model.FailureValidation, FailureKindOf(ErrValidation))
	assert.Equal(t, model.FailureRejected, FailureKindOf(ErrDeliveryRejected))
	assert.Equal(t, model.FailureTransport, FailureKindOf(ErrTransport))
}

func TestHTTPBase_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	s := NewWebhookSender(zap.NewNop(), testOptions())
	result := s.Send(context.Background(), channel(model.ChannelTypeWebhook, map[string]string{WebhookURL: url}), testAlert(model.AlertSeverityHigh))

	require.False(t, result.Success)
	require.Equal(t, model.FailureTransport, result.ErrorKind)
	require.NotEmpty(t, result.ErrorMessage)
	require.Zero(t, result.ResponseCode)
}

func TestHTTPBase_RequestTimeout(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(block)

	opts := testOptions()
	opts.RequestTimeout = 50 * time.Millisecond
	s := NewWebhookSender(zap.NewNop(), opts)

	start := time.Now()
	result := s.Send(context.Background(), channel(model.ChannelTypeWebhook, map[string]string{WebhookURL: server.URL}), testAlert(model.AlertSeverityLow))
	require.False(t, result.Success)
	require.Equal(t, model.FailureTransport, result.ErrorKind)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestHTTPBase_RejectedBodyTruncated(t *testing.T) {
	server := newCaptureServer(t, http.StatusInternalServerError, strings.Repeat("x", 5000))
	s := NewSlackSender(zap.NewNop(), testOptions())

	result := s.Send(context.Background(), channel(model.ChannelTypeSlack, map[string]string{SlackWebhookURL: server.URL}), testAlert(model.AlertSeverityHigh))
	require.False(t, result.Success)
	require.Equal(t, model.FailureRejected, result.ErrorKind)
	require.Equal(t, http.StatusInternalServerError, result.ResponseCode)
	require.Len(t, result.ResponseBody, model.MaxResponseBodyLength)
	require.LessOrEqual(t, len([]rune(result.ErrorMessage)), model.MaxResponseBodyLength)
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(zap.NewNop(), testOptions())
	require.Len(t, r.Types(), 6)

	s, err := r.Get(model.ChannelTypePagerDuty)
	require.NoError(t, err)
	require.Equal(t, model.ChannelTypePagerDuty, s.Type())

	_, err = r.Get("sms")
	require.ErrorIs(t, err, ErrUnsupportedChannel)

	err = r.ValidateChannel(channel(model.ChannelTypeSlack, nil))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestSign(t *testing.T) {
	sig := Sign("secret", []byte(`{"a":1}`))
	require.True(t, strings.HasPrefix(sig, "sha256="))
	require.Len(t, sig, len("sha256=")+64)
	require.Equal(t, sig, Sign("secret", []byte(`{"a":1}`)))
	require.NotEqual(t, sig, Sign("other", []byte(`{"a":1}`)))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "12s", formatDuration(12*time.Second))
	assert.Equal(t, "5m 3s", formatDuration(5*time.Minute+3*time.Second))
	assert.Equal(t, "2h 5m", formatDuration(2*time.Hour+5*time.Minute+40*time.Second))
	assert.Equal(t, 0xDC3545, colorInt("#DC3545"))
}
