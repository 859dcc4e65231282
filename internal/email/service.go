// Package email sends workflow notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// Timeout bounds the whole exchange, dial included.
	Timeout time.Duration
}

// Service provides email sending
type Service struct {
	config Config
	server string
}

func NewService(config Config) *Service {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Service{
		config: config,
		server: net.JoinHostPort(config.Host, config.Port),
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// buildHTMLMessage renders a multipart message with a plain-text fallback.
func (s *Service) buildHTMLMessage(to []string, subject, textBody, htmlBody string) []byte {
	boundary := "boundary-refflow"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

// SendHTMLEmail delivers one message. The dial and every SMTP round trip
// share a single deadline derived from ctx and the configured timeout.
func (s *Service) SendHTMLEmail(ctx context.Context, to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return errors.New("email not configured")
	}
	return s.deliver(ctx, to, s.buildHTMLMessage(to, subject, textBody, htmlBody))
}

func (s *Service) deliver(ctx context.Context, to []string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", s.server)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if s.config.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}
	if err := client.Mail(s.config.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

type InviteData struct {
	AppName      string
	StudentEmail string
	AcademicYear string
	AcceptURL    string
	ExpiresIn    string
}

type StatementCompletedData struct {
	AppName      string
	StudentEmail string
	AcademicYear string
}

type EditsRequestedData struct {
	AppName      string
	AcademicYear string
	RequestedBy  string
	Reason       string
}

func (s *Service) SendInvite(ctx context.Context, to string, data InviteData) error {
	data.AppName = appName
	html, err := render(inviteTemplate, data)
	if err != nil {
		return fmt.Errorf("render invite template: %w", err)
	}
	text := fmt.Sprintf("%s has asked you to contribute to their reference for %s.\r\nAccept: %s",
		data.StudentEmail, data.AcademicYear, data.AcceptURL)
	return s.SendHTMLEmail(ctx, []string{to}, "Reference request from "+data.StudentEmail, text, html)
}

func (s *Service) SendStatementCompleted(ctx context.Context, to string, data StatementCompletedData) error {
	data.AppName = appName
	html, err := render(statementCompletedTemplate, data)
	if err != nil {
		return fmt.Errorf("render statement completed template: %w", err)
	}
	text := fmt.Sprintf("%s has marked their personal statement for %s as complete.", data.StudentEmail, data.AcademicYear)
	return s.SendHTMLEmail(ctx, []string{to}, "Personal statement ready for review", text, html)
}

func (s *Service) SendEditsRequested(ctx context.Context, to string, data EditsRequestedData) error {
	data.AppName = appName
	html, err := render(editsRequestedTemplate, data)
	if err != nil {
		return fmt.Errorf("render edits requested template: %w", err)
	}
	text := fmt.Sprintf("%s has requested edits to your personal statement for %s.\r\n\r\n%s",
		data.RequestedBy, data.AcademicYear, data.Reason)
	return s.SendHTMLEmail(ctx, []string{to}, "Edits requested on your personal statement", text, html)
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
