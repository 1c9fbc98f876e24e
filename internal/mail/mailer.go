package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"portal-auth/internal/config"
	"portal-auth/internal/util"
)

var ErrInvalidAddress = errors.New("invalid recipient address")

// Mailer delivers a single message. Implementations must honour ctx.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends HTML mail over implicit TLS with PLAIN auth.
type SMTPMailer struct {
	config *config.MailConfig
}

func NewSMTPMailer(cfg *config.MailConfig) *SMTPMailer {
	return &SMTPMailer{config: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if to == "" || strings.ContainsAny(to, "\r\n") {
		return ErrInvalidAddress
	}

	var message bytes.Buffer
	headers := [][2]string{
		{"From", m.config.From},
		{"To", to},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=UTF-8"},
		{"Date", time.Now().Format(time.RFC1123Z)},
	}
	for _, h := range headers {
		message.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	message.WriteString("\r\n")
	message.WriteString(body)

	addr := net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))
	dialer := &tls.Dialer{Config: &tls.Config{ServerName: m.config.Host, MinVersion: tls.VersionTLS12}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.config.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer c.Close()

	if m.config.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}
	if err := c.Mail(m.config.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err := w.Write(message.Bytes()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		return fmt.Errorf("failed to quit SMTP session: %w", err)
	}

	util.Debug("Email sent", zap.String("subject", subject))
	return nil
}

// LogMailer is the development mailer: it records that a message would have
// been sent, without its body.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, to, subject, body string) error {
	util.Info("Email suppressed in development",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_size", len(body)))
	return nil
}

var oneTimeCodeTemplate = template.Must(template.New("one_time_code").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Subject}}</title></head>
<body style="font-family: Arial, sans-serif; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <p>Hello {{.DisplayName}},</p>
    <p>Your sign-in code is:</p>
    <p style="font-size: 28px; letter-spacing: 6px; font-weight: bold;">{{.Code}}</p>
    <p>The code expires in {{.Minutes}} minutes and can be used once.</p>
    <p>If you did not try to sign in, you can ignore this message.</p>
</body>
</html>
`))

const OneTimeCodeSubject = "Your sign-in code"

// RenderOneTimeCode builds the body of the mailed second-factor message.
func RenderOneTimeCode(displayName, code string, ttl time.Duration) (string, error) {
	if displayName == "" {
		displayName = "there"
	}
	minutes := int(ttl.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}

	data := struct {
		Subject     string
		DisplayName string
		Code        string
		Minutes     int
	}{
		Subject:     OneTimeCodeSubject,
		DisplayName: displayName,
		Code:        code,
		Minutes:     minutes,
	}

	var body bytes.Buffer
	if err := oneTimeCodeTemplate.Execute(&body, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return body.String(), nil
}
