package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

// Email channel config keys
const (
	EmailHost     = "smtp_host"
	EmailPort     = "smtp_port"
	EmailUsername = "username"
	EmailPassword = "password"
	EmailFrom     = "from"
	EmailTo       = "to"
	EmailUseTLS   = "use_tls"
)

const defaultSMTPPort = 587

// EmailSender delivers plain text mail over SMTP
type EmailSender struct {
	logger         *zap.Logger
	connectTimeout time.Duration
	requestTimeout time.Duration
	now            func() time.Time
}

// NewEmailSender creates an SMTP sender
func NewEmailSender(logger *zap.Logger, opts Options) *EmailSender {
	opts = opts.withDefaults()
	return &EmailSender{
		logger:         logger.Named("email"),
		connectTimeout: opts.ConnectTimeout,
		requestTimeout: opts.RequestTimeout,
		now:            opts.Now,
	}
}

func (s *EmailSender) Type() model.ChannelType { return model.ChannelTypeEmail }

func (s *EmailSender) ValidateConfig(ch *model.NotificationChannel) error {
	for _, key := range []string{EmailHost, EmailFrom, EmailTo} {
		if ch.ConfigValue(key) == "" {
			return fmt.Errorf("%w: %s is required", ErrConfiguration, key)
		}
	}
	if _, err := smtpPort(ch); err != nil {
		return err
	}
	if _, err := mail.ParseAddress(ch.ConfigValue(EmailFrom)); err != nil {
		return fmt.Errorf("%w: %s is not a valid address", ErrValidation, EmailFrom)
	}
	for _, rcpt := range recipients(ch) {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			return fmt.Errorf("%w: recipient %q is not a valid address", ErrValidation, rcpt)
		}
	}
	if len(recipients(ch)) == 0 {
		return fmt.Errorf("%w: %s has no recipients", ErrConfiguration, EmailTo)
	}
	return nil
}

func (s *EmailSender) Send(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult {
	result := model.NewResult(ch, alert, model.NotificationAlert)
	subject := fmt.Sprintf("[%s] %s on %s", alert.Severity, alert.AlertType, instanceLabel(alert))
	return s.deliver(ctx, ch, result, subject, s.alertBody(alert, "Status: "+alert.Status()))
}

func (s *EmailSender) SendTest(ctx context.Context, ch *model.NotificationChannel) *model.NotificationResult {
	result := model.NewResult(ch, nil, model.NotificationTest)
	return s.deliver(ctx, ch, result, "alert-dispatch test notification", testMessage(ch))
}

func (s *EmailSender) SendResolution(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult {
	result := model.NewResult(ch, alert, model.NotificationResolution)
	subject := fmt.Sprintf("[RESOLVED] %s on %s", alert.AlertType, instanceLabel(alert))
	return s.deliver(ctx, ch, result, subject, s.alertBody(alert, "Status: Resolved"))
}

func (s *EmailSender) alertBody(alert *model.Alert, status string) string {
	return strings.Join([]string{
		alertTitle(alert),
		"",
		alert.Message,
		"",
		"Severity: " + string(alert.Severity),
		"Instance: " + instanceLabel(alert),
		"Duration: " + formatDuration(alert.Duration(s.now())),
		status,
		"Alert ID: " + alert.ID,
	}, "\n")
}

func (s *EmailSender) deliver(ctx context.Context, ch *model.NotificationChannel, result *model.NotificationResult, subject, body string) *model.NotificationResult {
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	if err := s.sendMail(ctx, ch, subject, body); err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) {
			result.ResponseCode = protoErr.Code
			result.ResponseBody = model.Truncate(protoErr.Msg)
			s.logger.Warn("SMTP server rejected message", zap.String("channel", ch.Name), zap.Error(err))
			return result.Fail(model.FailureRejected, model.Truncate(err.Error()))
		}
		s.logger.Warn("Failed to send email", zap.String("channel", ch.Name), zap.Error(err))
		return result.Fail(model.FailureTransport, model.Truncate(err.Error()))
	}

	result.Success = true
	return result
}

func (s *EmailSender) sendMail(ctx context.Context, ch *model.NotificationChannel, subject, body string) error {
	host := ch.ConfigValue(EmailHost)
	port, _ := smtpPort(ch)
	from := ch.ConfigValue(EmailFrom)
	to := recipients(ch)
	useTLS := ch.ConfigValue(EmailUseTLS) == "" || ch.ConfigBool(EmailUseTLS)

	dialer := net.Dialer{Timeout: s.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("smtp dial failed: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var client *smtp.Client
	if useTLS && port == 465 {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return fmt.Errorf("smtp tls handshake failed: %w", err)
		}
		client, err = smtp.NewClient(tlsConn, host)
	} else {
		client, err = smtp.NewClient(conn, host)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client init failed: %w", err)
	}
	defer client.Close()

	if useTLS && port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
				return fmt.Errorf("smtp starttls failed: %w", err)
			}
		}
	}

	if username := ch.ConfigValue(EmailUsername); username != "" {
		auth := smtp.PlainAuth("", username, ch.ConfigValue(EmailPassword), host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from failed: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt to %s failed: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data failed: %w", err)
	}
	if _, err := w.Write([]byte(buildMessage(from, to, subject, body, s.now()))); err != nil {
		w.Close()
		return fmt.Errorf("smtp write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close failed: %w", err)
	}
	// The message is accepted once DATA closes; a failed QUIT is only logged.
	if err := client.Quit(); err != nil {
		s.logger.Debug("SMTP quit failed", zap.Error(err))
	}
	return nil
}

func smtpPort(ch *model.NotificationChannel) (int, error) {
	raw := ch.ConfigValue(EmailPort)
	if raw == "" {
		return defaultSMTPPort, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: %s must be a port number", ErrValidation, EmailPort)
	}
	return port, nil
}

func recipients(ch *model.NotificationChannel) []string {
	var out []string
	for _, item := range strings.Split(ch.ConfigValue(EmailTo), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func buildMessage(from string, to []string, subject, body string, now time.Time) string {
	cleanSubject := strings.NewReplacer("\r", "", "\n", "").Replace(subject)
	headers := []string{
		"From: " + from,
		"To: " + strings.Join(to, ", "),
		"Subject: " + cleanSubject,
		"Date: " + now.Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
	}
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + body + "\r\n"
}
