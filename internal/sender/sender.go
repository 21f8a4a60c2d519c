package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	// maxResponseRead bounds how much of a response body is read before truncation
	maxResponseRead = 64 << 10
)

// Sender delivers notifications to one kind of external service. Failures are
// reported through the returned result, never as a panic or error.
type Sender interface {
	Type() model.ChannelType
	Send(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult
	SendTest(ctx context.Context, ch *model.NotificationChannel) *model.NotificationResult
	// SendResolution returns nil when the channel takes no resolution notice
	SendResolution(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult
	// ValidateConfig performs syntactic checks only; it never touches the network
	ValidateConfig(ch *model.NotificationChannel) error
}

// Options configures the shared sender infrastructure
type Options struct {
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	PagerDutyEventsURL string
	// SkipHostCheck accepts any http(s) URL instead of the service's own webhook host
	SkipHostCheck bool
	// Client overrides the HTTP client built from the timeouts
	Client *http.Client
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.PagerDutyEventsURL == "" {
		o.PagerDutyEventsURL = DefaultPagerDutyEventsURL
	}
	if o.Client == nil {
		o.Client = NewHTTPClient(o.ConnectTimeout, o.RequestTimeout)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// NewHTTPClient creates a client with separate connect and whole-request timeouts
func NewHTTPClient(connectTimeout, requestTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	return &http.Client{
		Timeout:   requestTimeout,
		Transport: transport,
	}
}

// httpBase holds what every HTTP sender shares
type httpBase struct {
	logger        *zap.Logger
	client        *http.Client
	skipHostCheck bool
	now           func() time.Time
}

func newHTTPBase(logger *zap.Logger, name string, opts Options) httpBase {
	return httpBase{
		logger:        logger.Named(name),
		client:        opts.Client,
		skipHostCheck: opts.SkipHostCheck,
		now:           opts.Now,
	}
}

// deliver encodes payload as JSON and posts it
func (b *httpBase) deliver(ctx context.Context, result *model.NotificationResult, target string,
	payload interface{}, headers map[string]string, accept func(int) bool) *model.NotificationResult {
	body, err := json.Marshal(payload)
	if err != nil {
		return result.Fail(model.FailureConfiguration, fmt.Sprintf("failed to encode payload: %v", err))
	}
	return b.deliverRaw(ctx, result, http.MethodPost, target, body, headers, accept)
}

func (b *httpBase) deliverRaw(ctx context.Context, result *model.NotificationResult, method, target string,
	body []byte, headers map[string]string, accept func(int) bool) *model.NotificationResult {
	code, respBody, err := b.do(ctx, method, target, body, headers)
	result.ResponseCode = code
	result.ResponseBody = model.Truncate(respBody)
	if err != nil {
		b.logger.Warn("Notification request failed",
			zap.String("channel", result.ChannelName),
			zap.Error(err))
		return result.Fail(FailureKindOf(err), model.Truncate(err.Error()))
	}

	if !accept(code) {
		b.logger.Warn("Notification rejected",
			zap.String("channel", result.ChannelName),
			zap.Int("status", code))
		msg := fmt.Sprintf("HTTP request failed with status: %d", code)
		if result.ResponseBody != "" {
			msg += ": " + result.ResponseBody
		}
		return result.Fail(model.FailureRejected, model.Truncate(msg))
	}

	result.Success = true
	return result
}

func (b *httpBase) do(ctx context.Context, method, target string, body []byte, headers map[string]string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("%w: failed to create request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "alert-dispatch")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%w: request failed: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseRead))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("%w: failed to read response: %v", ErrTransport, err)
	}
	return resp.StatusCode, string(data), nil
}

// requireURL checks that key holds an absolute http(s) URL and, unless host checks
// are skipped, that it satisfies allowed.
func (b *httpBase) requireURL(ch *model.NotificationChannel, key string, allowed func(raw string, u *url.URL) bool, want string) error {
	raw := ch.ConfigValue(key)
	if raw == "" {
		return fmt.Errorf("%w: %s is required", ErrConfiguration, key)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %s is not a valid URL", ErrValidation, key)
	}
	if b.skipHostCheck || allowed == nil {
		return nil
	}
	if !allowed(raw, u) {
		return fmt.Errorf("%w: %s must be %s", ErrValidation, key, want)
	}
	return nil
}

func hasAnyPrefix(prefixes ...string) func(string, *url.URL) bool {
	return func(raw string, _ *url.URL) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(raw, p) {
				return true
			}
		}
		return false
	}
}

func statusIn(codes ...int) func(int) bool {
	return func(code int) bool {
		for _, c := range codes {
			if c == code {
				return true
			}
		}
		return false
	}
}

func status2xx(code int) bool {
	return code >= 200 && code < 300
}

// rejectConfig turns a ValidateConfig error into a failure result
func rejectConfig(result *model.NotificationResult, err error) *model.NotificationResult {
	return result.Fail(FailureKindOf(err), err.Error())
}
